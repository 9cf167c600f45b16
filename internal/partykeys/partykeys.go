// Package partykeys loads this compute party's long-term RSA keypair and the
// three parties' public keys, and exposes the canonical associated-data
// blob used throughout the key-share and AES-envelope contexts.
//
// Grounded on key_share.py's MpcPartyKeys (original_source/mpc/key_share.py)
// for the exact invariant checks, and on the teacher's certificate-loading
// style (notary's aes_tag.NewTagSigningManager reads PEM, parses, asserts)
// for how a Go port of "assert has private / not has private" reads.
package partykeys

import (
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// Config is the subset of internal/config.Config needed to build PartyKeys.
type Config struct {
	ServerKey  string
	ServerCert string
	PartyIndex int
	PartyCerts [3]string
}

// PartyKeys holds the triple of RSA public keys for all three compute
// parties (ordered, positions fixed at configuration time) plus this party's
// private key.
type PartyKeys struct {
	myPrivateKey *rsa.PrivateKey
	partyKeys    [3]*rsa.PublicKey
	partyIndex   int

	derConcatenated []byte // cached, stable byte-for-byte
}

// Load constructs PartyKeys from cfg, asserting every invariant from
// spec.md §4.1: the private key is loadable and private, each of the three
// public keys is loadable and public-only, and
// party_certs[party_index] == my_pub_key.
func Load(cfg Config) (*PartyKeys, error) {
	if cfg.PartyIndex < 0 || cfg.PartyIndex > 2 {
		return nil, fmt.Errorf("partykeys: party_index must be 0, 1, or 2, got %d", cfg.PartyIndex)
	}

	priv, err := loadPrivateKey(cfg.ServerKey)
	if err != nil {
		return nil, fmt.Errorf("partykeys: loading private key: %w", err)
	}

	myPub, err := loadPublicKey(cfg.ServerCert)
	if err != nil {
		return nil, fmt.Errorf("partykeys: loading own certificate: %w", err)
	}

	var partyPub [3]*rsa.PublicKey
	for i, p := range cfg.PartyCerts {
		pub, err := loadPublicKey(p)
		if err != nil {
			return nil, fmt.Errorf("partykeys: loading party %d certificate: %w", i, err)
		}
		partyPub[i] = pub
	}

	if !partyPub[cfg.PartyIndex].Equal(myPub) {
		return nil, fmt.Errorf("partykeys: party_certs[%d] does not match server_cert", cfg.PartyIndex)
	}

	pk := &PartyKeys{
		myPrivateKey: priv,
		partyKeys:    partyPub,
		partyIndex:   cfg.PartyIndex,
	}
	pk.derConcatenated = concatDER(partyPub[:])
	return pk, nil
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", path)
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		key2, err2 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err2 != nil {
			return nil, fmt.Errorf("parsing private key: %w", err)
		}
		rsaKey, ok := key2.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key in %s is not RSA", path)
		}
		return rsaKey, nil
	}
	return key, nil
}

func loadPublicKey(path string) (*rsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", path)
	}

	// Accept either a bare SubjectPublicKeyInfo or an X.509 certificate,
	// matching the teacher's party-certificate files.
	if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("certificate in %s does not hold an RSA key", path)
		}
		return pub, nil
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing public key in %s: %w", path, err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key in %s is not RSA", path)
	}
	return rsaPub, nil
}

func concatDER(pubs []*rsa.PublicKey) []byte {
	var buf bytes.Buffer
	for _, pub := range pubs {
		der, err := x509.MarshalPKIXPublicKey(pub)
		if err != nil {
			// Keys were already parsed successfully; marshaling back can't
			// fail for a well-formed RSA public key.
			panic(fmt.Sprintf("partykeys: marshaling public key: %v", err))
		}
		buf.Write(der)
	}
	return buf.Bytes()
}

// PartyKeysDERConcatenated returns the DER encoding of each party's public
// key, concatenated in party order. Stable byte-for-byte; used inside OAEP
// contexts and nonce derivation.
func (k *PartyKeys) PartyKeysDERConcatenated() []byte {
	out := make([]byte, len(k.derConcatenated))
	copy(out, k.derConcatenated)
	return out
}

// MyPrivateKey returns this party's private key.
func (k *PartyKeys) MyPrivateKey() *rsa.PrivateKey {
	return k.myPrivateKey
}

// MyPublicKeyDER returns the DER encoding of this party's own public key.
func (k *PartyKeys) MyPublicKeyDER() []byte {
	der, err := x509.MarshalPKIXPublicKey(&k.myPrivateKey.PublicKey)
	if err != nil {
		panic(fmt.Sprintf("partykeys: marshaling own public key: %v", err))
	}
	return der
}

// PartyIndex returns this party's index (0, 1, or 2).
func (k *PartyKeys) PartyIndex() int {
	return k.partyIndex
}
