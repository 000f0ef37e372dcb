package crypto

import (
	"encoding/binary"
)

// BuildAAD binds a sealed session payload to its frame type, sequence
// number and the two branch identities.
func BuildAAD(frameType byte, seq uint64, fromID, toID [16]byte) []byte {
	buf := make([]byte, 0, 1+8+16+16)
	buf = append(buf, frameType)
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	buf = append(buf, seqBytes[:]...)
	buf = append(buf, fromID[:]...)
	buf = append(buf, toID[:]...)
	return buf
}
