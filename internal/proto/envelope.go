package proto

import (
	"encoding/binary"
	"io"

	"branchnet/internal/result"
)

// Session frame types exchanged once a connection is established.
const (
	FrameHeartbeat byte = 0x00
	FrameBroadcast byte = 0x01
)

const FrameHeaderSize = 5

// SealOverhead is the counter plus AEAD tag added to a sealed payload.
const SealOverhead = 8 + 16

type Frame struct {
	Type    byte
	Payload []byte
}

func EncodeFrame(typ byte, payload []byte) []byte {
	out := make([]byte, FrameHeaderSize+len(payload))
	out[0] = typ
	binary.BigEndian.PutUint32(out[1:FrameHeaderSize], uint32(len(payload)))
	copy(out[FrameHeaderSize:], payload)
	return out
}

func WriteFrame(w io.Writer, typ byte, payload []byte) error {
	return WriteFull(w, EncodeFrame(typ, payload))
}

// ReadFrame reads one session frame. Payloads above max fail with
// MessageTooLarge and unknown types with DeserializeMsgFailed.
func ReadFrame(r io.Reader, max int) (Frame, error) {
	var hdr [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, result.FromIO(err)
	}
	f := Frame{Type: hdr[0]}
	n := binary.BigEndian.Uint32(hdr[1:])
	switch f.Type {
	case FrameHeartbeat:
		if n != 0 {
			return Frame{}, result.New(result.DeserializeMsgFailed, "heartbeat with payload")
		}
		return f, nil
	case FrameBroadcast:
	default:
		return Frame{}, result.New(result.DeserializeMsgFailed, "unknown frame type", "type", f.Type)
	}
	if max > 0 && int64(n) > int64(max) {
		return Frame{}, result.New(result.MessageTooLarge, "frame too large", "size", n)
	}
	f.Payload = make([]byte, int(n))
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return Frame{}, result.FromIO(err)
	}
	return f, nil
}
