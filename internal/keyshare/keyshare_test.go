package keyshare

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/summitto/heartbeat-compute-party/internal/partykeys"
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

func newTestDecryptor(t *testing.T) *Decryptor {
	t.Helper()
	dir := t.TempDir()
	myPriv, myPub, _ := writeKeyPair(t, dir, "me")
	_, pub1, _ := writeKeyPair(t, dir, "p1")
	_, pub2, _ := writeKeyPair(t, dir, "p2")

	keys, err := partykeys.Load(partykeys.Config{
		ServerKey:  myPriv,
		ServerCert: myPub,
		PartyIndex: 0,
		PartyCerts: [3]string{myPub, pub1, pub2},
	})
	require.NoError(t, err)
	return New(keys)
}

func encryptEnvelope(t *testing.T, d *Decryptor, separator byte, userID string, indices []byte, analysisType, algorithm string, plaintext []byte) []byte {
	t.Helper()
	ctx, err := d.buildContext(separator, userID, indices, analysisType, algorithm)
	require.NoError(t, err)
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, &d.keys.MyPrivateKey().PublicKey, plaintext, ctx)
	require.NoError(t, err)
	return ct
}

func TestDecryptDiscreteRoundTrip(t *testing.T) {
	d := newTestDecryptor(t)
	plaintext := make([]byte, 16)
	for i := range plaintext {
		plaintext[i] = byte(i)
	}

	env := encryptEnvelope(t, d, separatorDiscrete, "user-1", indicesBlob([]int64{1, 2, 3}), "Heartbeat-Demo-1", "AES-GCM-128", plaintext)

	out, err := d.DecryptDiscrete("user-1", "AES-GCM-128", []int64{1, 2, 3}, "Heartbeat-Demo-1", env)
	require.NoError(t, err)
	require.Equal(t, plaintext, out)
}

func TestDecryptDiscreteFailsOnTamperedIndices(t *testing.T) {
	d := newTestDecryptor(t)
	plaintext := make([]byte, 16)
	env := encryptEnvelope(t, d, separatorDiscrete, "user-1", indicesBlob([]int64{1, 2, 3}), "Heartbeat-Demo-1", "AES-GCM-128", plaintext)

	_, err := d.DecryptDiscrete("user-1", "AES-GCM-128", []int64{1, 2, 4}, "Heartbeat-Demo-1", env)
	require.Error(t, err)
}

func TestDiscreteAndStreamingEnvelopesAreCrossIncompatible(t *testing.T) {
	d := newTestDecryptor(t)
	plaintext := make([]byte, 16)
	streamEnv := encryptEnvelope(t, d, separatorStreaming, "user-1", indicesBlob([]int64{1000, 2000}), "Heartbeat-Demo-1", "AES-GCM-128", plaintext)

	_, err := d.DecryptDiscrete("user-1", "AES-GCM-128", []int64{1000, 2000}, "Heartbeat-Demo-1", streamEnv)
	require.Error(t, err)

	discreteEnv := encryptEnvelope(t, d, separatorDiscrete, "user-1", indicesBlob([]int64{1000, 2000}), "Heartbeat-Demo-1", "AES-GCM-128", plaintext)
	_, err = d.DecryptStreaming("user-1", "AES-GCM-128", 1000, 2000, "Heartbeat-Demo-1", discreteEnv, time.UnixMilli(1500))
	require.Error(t, err)
}

func TestDecryptStreamingWithinWindow(t *testing.T) {
	d := newTestDecryptor(t)
	plaintext := make([]byte, 16)
	begin := time.Date(2024, 1, 24, 12, 0, 0, 0, time.UTC).UnixMilli()
	end := time.Date(2024, 1, 25, 12, 0, 0, 0, time.UTC).UnixMilli()
	env := encryptEnvelope(t, d, separatorStreaming, "user-1", indicesBlob([]int64{begin, end}), "Heartbeat-Demo-1", "AES-GCM-128", plaintext)

	now := time.Date(2024, 1, 24, 19, 31, 15, 0, time.UTC)
	out, err := d.DecryptStreaming("user-1", "AES-GCM-128", begin, end, "Heartbeat-Demo-1", env, now)
	require.NoError(t, err)
	require.Equal(t, plaintext, out)
}

func TestDecryptStreamingOutsideWindowFailsBeforeRSA(t *testing.T) {
	d := newTestDecryptor(t)
	begin := time.Date(2024, 1, 24, 12, 0, 0, 0, time.UTC).UnixMilli()
	end := time.Date(2024, 1, 25, 12, 0, 0, 0, time.UTC).UnixMilli()

	now := time.Date(2024, 1, 26, 0, 0, 0, 0, time.UTC)
	_, err := d.DecryptStreaming("user-1", "AES-GCM-128", begin, end, "Heartbeat-Demo-1", []byte("not even a valid ciphertext"), now)
	require.Error(t, err)
	require.Contains(t, err.Error(), "outside its valid window")
}
