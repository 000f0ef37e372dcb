package proto

import (
	"bytes"
	"errors"
	"testing"

	"branchnet/internal/result"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, FrameBroadcast, []byte("hello")); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if err := WriteFrame(&buf, FrameHeartbeat, nil); err != nil {
		t.Fatalf("WriteFrame heartbeat failed: %v", err)
	}
	f, err := ReadFrame(&buf, 64)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if f.Type != FrameBroadcast || string(f.Payload) != "hello" {
		t.Fatalf("unexpected frame: %+v", f)
	}
	f, err = ReadFrame(&buf, 64)
	if err != nil {
		t.Fatalf("ReadFrame heartbeat failed: %v", err)
	}
	if f.Type != FrameHeartbeat || len(f.Payload) != 0 {
		t.Fatalf("unexpected heartbeat: %+v", f)
	}
}

func TestFrameRejectsOversize(t *testing.T) {
	frame := EncodeFrame(FrameBroadcast, make([]byte, 100))
	_, err := ReadFrame(bytes.NewReader(frame), 99)
	if !errors.Is(err, result.MessageTooLarge) {
		t.Fatalf("expected MessageTooLarge, got %v", err)
	}
}

func TestFrameRejectsUnknownType(t *testing.T) {
	frame := EncodeFrame(0x7f, []byte("x"))
	_, err := ReadFrame(bytes.NewReader(frame), 99)
	if !errors.Is(err, result.DeserializeMsgFailed) {
		t.Fatalf("expected DeserializeMsgFailed, got %v", err)
	}
}

func TestFrameTruncated(t *testing.T) {
	frame := EncodeFrame(FrameBroadcast, []byte("hello"))
	_, err := ReadFrame(bytes.NewReader(frame[:7]), 99)
	if !errors.Is(err, result.RwSocketFailed) {
		t.Fatalf("expected RwSocketFailed, got %v", err)
	}
}
