// Package keyshare implements the key-share decryptor (C2): RSA-OAEP-SHA256
// decryption of an incoming key-share envelope under a context bound to
// (user, data indices OR streaming window, analysis type, algorithm,
// recipient pubkey).
//
// Grounded on original_source/mpc/key_share.py's _decrypt_key_share_helper
// for the exact byte layout of the context, and on the teacher's
// aes_tag.TagSigningManager for the "load key, operate, surface a tagged
// error" shape.
package keyshare

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/summitto/heartbeat-compute-party/internal/partykeys"
	"github.com/summitto/heartbeat-compute-party/internal/taskerr"
)

const (
	separatorDiscrete  byte = 0x01
	separatorStreaming byte = 0x02
)

// Decryptor decrypts key-share envelopes using this party's PartyKeys.
type Decryptor struct {
	keys *partykeys.PartyKeys
}

// New constructs a Decryptor bound to keys.
func New(keys *partykeys.PartyKeys) *Decryptor {
	return &Decryptor{keys: keys}
}

// DecryptDiscrete decrypts an envelope addressed by a set of discrete data
// indices. Returns a 16-byte AES key share or a 176-byte key-schedule share;
// the length is not validated here (downstream components gate it).
func (d *Decryptor) DecryptDiscrete(userID, algorithm string, indices []int64, analysisType string, envelope []byte) ([]byte, error) {
	ctx, err := d.buildContext(separatorDiscrete, userID, indicesBlob(indices), analysisType, algorithm)
	if err != nil {
		return nil, err
	}
	return oaepDecrypt(d.keys.MyPrivateKey(), envelope, ctx)
}

// DecryptStreaming decrypts an envelope addressed by a streaming window. It
// first checks streamBeginMs <= now < streamEndMs (UTC wall clock in
// milliseconds); outside that window it fails fast without attempting
// decryption.
func (d *Decryptor) DecryptStreaming(userID, algorithm string, streamBeginMs, streamEndMs int64, analysisType string, envelope []byte, now time.Time) ([]byte, error) {
	nowMs := now.UnixMilli()
	if !(streamBeginMs <= nowMs && nowMs < streamEndMs) {
		return nil, taskerr.Integrity("streaming key share decryption attempted outside its valid window [%d, %d), now=%d", streamBeginMs, streamEndMs, nowMs)
	}
	ctx, err := d.buildContext(separatorStreaming, userID, indicesBlob([]int64{streamBeginMs, streamEndMs}), analysisType, algorithm)
	if err != nil {
		return nil, err
	}
	return oaepDecrypt(d.keys.MyPrivateKey(), envelope, ctx)
}

// buildContext assembles the OAEP label exactly per spec.md §3:
// separator_byte || user_id_utf8 || pk1_DER || pk2_DER || pk3_DER ||
// indices_blob || analysis_type_utf8 || algorithm_utf8 || recipient_pub_DER.
func (d *Decryptor) buildContext(separator byte, userID string, indices []byte, analysisType, algorithm string) ([]byte, error) {
	recipientDER := d.keys.MyPublicKeyDER()

	ctx := make([]byte, 0, 1+len(userID)+len(d.keys.PartyKeysDERConcatenated())+len(indices)+len(analysisType)+len(algorithm)+len(recipientDER))
	ctx = append(ctx, separator)
	ctx = append(ctx, userID...)
	ctx = append(ctx, d.keys.PartyKeysDERConcatenated()...)
	ctx = append(ctx, indices...)
	ctx = append(ctx, analysisType...)
	ctx = append(ctx, algorithm...)
	ctx = append(ctx, recipientDER...)
	return ctx, nil
}

// indicesBlob concatenates 64-bit little-endian indices, matching
// key_share.py's manual byte-by-byte packing.
func indicesBlob(indices []int64) []byte {
	buf := make([]byte, 8*len(indices))
	for i, v := range indices {
		binary.LittleEndian.PutUint64(buf[8*i:], uint64(v))
	}
	return buf
}

// oaepDecrypt performs RSA-OAEP-SHA256 decryption with ctx as the OAEP
// label, so the label is covered by OAEP's integrity check: any tamper of
// the context — or a mismatched separator byte, meaning a discrete envelope
// is presented to DecryptStreaming or vice versa — produces the same opaque
// failure, never a type-confused success.
func oaepDecrypt(priv *rsa.PrivateKey, ciphertext, label []byte) ([]byte, error) {
	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ciphertext, label)
	if err != nil {
		return nil, taskerr.Integrity("key share decryption failed: integrity check failed")
	}
	return plaintext, nil
}

// EnsureRSAPublicKeyBytes returns the PKIX DER encoding of pub, the same
// encoding buildContext uses for the recipient public key.
func EnsureRSAPublicKeyBytes(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshaling public key: %w", err)
	}
	return der, nil
}
