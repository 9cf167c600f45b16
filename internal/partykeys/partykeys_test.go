package partykeys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeKeyPair(t *testing.T, dir, name string) (privPath, pubPath string, priv *rsa.PrivateKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	privPath = filepath.Join(dir, name+".key")
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	require.NoError(t, os.WriteFile(privPath, privPEM, 0o600))

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	pubPath = filepath.Join(dir, name+".pub")
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	require.NoError(t, os.WriteFile(pubPath, pubPEM, 0o600))
	return privPath, pubPath, priv
}

func TestLoadSucceedsWhenSelfCertMatchesPartyIndex(t *testing.T) {
	dir := t.TempDir()
	myPriv, myPub, _ := writeKeyPair(t, dir, "party1")
	_, otherPub0, _ := writeKeyPair(t, dir, "party0")
	_, otherPub2, _ := writeKeyPair(t, dir, "party2")

	pk, err := Load(Config{
		ServerKey:  myPriv,
		ServerCert: myPub,
		PartyIndex: 1,
		PartyCerts: [3]string{otherPub0, myPub, otherPub2},
	})
	require.NoError(t, err)
	require.Equal(t, 1, pk.PartyIndex())
	require.Len(t, pk.PartyKeysDERConcatenated(), len(pk.MyPublicKeyDER())*3)
}

func TestLoadFailsWhenSelfCertNotInPartySlot(t *testing.T) {
	dir := t.TempDir()
	myPriv, myPub, _ := writeKeyPair(t, dir, "me")
	_, decoyPub, _ := writeKeyPair(t, dir, "decoy")
	_, otherPub2, _ := writeKeyPair(t, dir, "party2")

	_, err := Load(Config{
		ServerKey:  myPriv,
		ServerCert: myPub,
		PartyIndex: 1,
		PartyCerts: [3]string{decoyPub, decoyPub, otherPub2},
	})
	require.Error(t, err)
}

func TestLoadRejectsOutOfRangePartyIndex(t *testing.T) {
	dir := t.TempDir()
	myPriv, myPub, _ := writeKeyPair(t, dir, "me")

	_, err := Load(Config{
		ServerKey:  myPriv,
		ServerCert: myPub,
		PartyIndex: 3,
		PartyCerts: [3]string{myPub, myPub, myPub},
	})
	require.Error(t, err)
}
