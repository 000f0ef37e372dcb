package crypto

import (
	"encoding/binary"

	"branchnet/internal/result"
)

const (
	labelKDFMaster = "branchnet:kdf:v1"
	labelSendKey   = "branchnet:send:v1"
	labelRecvKey   = "branchnet:recv:v1"
	labelNonceSend = "branchnet:ns:send:v1"
	labelNonceRecv = "branchnet:ns:recv:v1"
)

type SessionKeys struct {
	Master        []byte
	SendKey       []byte
	RecvKey       []byte
	NonceBaseSend []byte
	NonceBaseRecv []byte
}

// DeriveSessionKeys derives the directional keys of a session from the
// shared secret and the handshake transcript. Both sides derive the same
// keys; the side that is not first must call Reverse.
func DeriveSessionKeys(ss, transcript []byte) (SessionKeys, error) {
	if len(ss) == 0 || len(transcript) == 0 {
		return SessionKeys{}, result.New(result.InvalidParam, "empty key material")
	}
	master := KDF(labelKDFMaster, ss, transcript)
	send := KDF(labelSendKey, master)
	recv := KDF(labelRecvKey, master)
	nsSend := KDF(labelNonceSend, master)[:XNonceSize]
	nsRecv := KDF(labelNonceRecv, master)[:XNonceSize]
	return SessionKeys{
		Master:        master,
		SendKey:       send,
		RecvKey:       recv,
		NonceBaseSend: nsSend,
		NonceBaseRecv: nsRecv,
	}, nil
}

// Reverse swaps the send and receive directions.
func (k SessionKeys) Reverse() SessionKeys {
	return SessionKeys{
		Master:        k.Master,
		SendKey:       k.RecvKey,
		RecvKey:       k.SendKey,
		NonceBaseSend: k.NonceBaseRecv,
		NonceBaseRecv: k.NonceBaseSend,
	}
}

func (k SessionKeys) Seal(seq uint64, plaintext, aad []byte) ([]byte, error) {
	nonce, err := NonceFromBase(k.NonceBaseSend, seq)
	if err != nil {
		return nil, err
	}
	return XSealWithNonce(k.SendKey, nonce, plaintext, aad)
}

func (k SessionKeys) Open(seq uint64, ciphertext, aad []byte) ([]byte, error) {
	nonce, err := NonceFromBase(k.NonceBaseRecv, seq)
	if err != nil {
		return nil, err
	}
	return XOpen(k.RecvKey, nonce, ciphertext, aad)
}

func NonceFromBase(base []byte, counter uint64) ([]byte, error) {
	if len(base) != XNonceSize {
		return nil, result.New(result.InvalidParam, "bad nonce base size", "size", len(base))
	}
	nonce := make([]byte, XNonceSize)
	copy(nonce, base)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], counter)
	for i := 0; i < 8; i++ {
		nonce[XNonceSize-8+i] ^= tmp[i]
	}
	return nonce, nil
}
