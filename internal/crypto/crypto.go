// Package crypto provides the primitives of the branch handshake and of
// session sealing: a SHA3 based KDF, password challenges and
// XChaCha20-Poly1305 with counter derived nonces.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/sha3"

	"branchnet/internal/result"
)

const (
	XKeySize   = chacha20poly1305.KeySize
	XNonceSize = chacha20poly1305.NonceSizeX
	TagSize    = chacha20poly1305.Overhead
)

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

// KDF hashes label followed by every part.
func KDF(label string, parts ...[]byte) []byte {
	h := sha3.New256()
	h.Write([]byte(label))
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, result.Wrap(result.Unknown, err)
	}
	return b, nil
}

func newAEAD(key32, nonce24 []byte) (cipher.AEAD, error) {
	if len(key32) != XKeySize {
		return nil, result.New(result.InvalidParam, "bad key size", "size", len(key32))
	}
	if len(nonce24) != XNonceSize {
		return nil, result.New(result.InvalidParam, "bad nonce size", "size", len(nonce24))
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, result.Wrap(result.InvalidParam, err)
	}
	return aead, nil
}

// XOpen fails with DeserializeMsgFailed when authentication fails.
func XOpen(key32, nonce24, ciphertext, aad []byte) ([]byte, error) {
	aead, err := newAEAD(key32, nonce24)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce24, ciphertext, aad)
	if err != nil {
		return nil, result.Wrap(result.DeserializeMsgFailed, err)
	}
	return pt, nil
}

func XSealWithNonce(key32, nonce24, plaintext, aad []byte) ([]byte, error) {
	aead, err := newAEAD(key32, nonce24)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce24, plaintext, aad), nil
}
