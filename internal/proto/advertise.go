package proto

import (
	"bytes"
	"encoding/binary"

	"github.com/google/uuid"

	"branchnet/internal/result"
)

const (
	MagicPrefix     = "BRCH\x00"
	AdvertisingSize = len(MagicPrefix) + 2 + 16 + 2
	AckByte         = 0x55
	ChallengeSize   = 32
	SolutionSize    = 32
)

// Advertisement is the fixed-size packet a branch multicasts to announce
// itself. It is also the header of the info message.
type Advertisement struct {
	VersionMajor uint8
	VersionMinor uint8
	UUID         uuid.UUID
	Port         uint16
}

func EncodeAdvertisement(a Advertisement) []byte {
	b := make([]byte, 0, AdvertisingSize)
	return appendAdvertisement(b, a)
}

func appendAdvertisement(b []byte, a Advertisement) []byte {
	b = append(b, MagicPrefix...)
	b = append(b, a.VersionMajor, a.VersionMinor)
	b = append(b, a.UUID[:]...)
	var port [2]byte
	binary.BigEndian.PutUint16(port[:], a.Port)
	return append(b, port[:]...)
}

// DecodeAdvertisement parses a packet of exactly AdvertisingSize bytes.
func DecodeAdvertisement(b []byte) (Advertisement, error) {
	if len(b) != AdvertisingSize {
		return Advertisement{}, result.New(result.DeserializeMsgFailed, "bad advertisement size", "size", len(b))
	}
	return decodeAdvertisementHeader(b)
}

func decodeAdvertisementHeader(b []byte) (Advertisement, error) {
	if !bytes.Equal(b[:len(MagicPrefix)], []byte(MagicPrefix)) {
		return Advertisement{}, result.InvalidMagicPrefix
	}
	off := len(MagicPrefix)
	a := Advertisement{VersionMajor: b[off], VersionMinor: b[off+1]}
	off += 2
	copy(a.UUID[:], b[off:off+16])
	off += 16
	a.Port = binary.BigEndian.Uint16(b[off : off+2])
	return a, nil
}

// CheckVersion fails with IncompatibleVersion when the major versions differ.
func (a Advertisement) CheckVersion(major uint8) error {
	if a.VersionMajor != major {
		return result.New(result.IncompatibleVersion, "major version mismatch",
			"local", major, "remote", a.VersionMajor)
	}
	return nil
}
