package proto

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"time"

	"branchnet/internal/config"
	"branchnet/internal/result"
)

const InfoHeaderSize = AdvertisingSize + 4

// InfoBody describes a branch to a connecting peer.
type InfoBody struct {
	Name                string          `json:"name"`
	Description         string          `json:"description"`
	NetworkName         string          `json:"net_name"`
	Path                string          `json:"path"`
	Hostname            string          `json:"hostname"`
	PID                 int             `json:"pid"`
	StartTime           time.Time       `json:"start_time"`
	Timeout             config.Duration `json:"timeout"`
	AdvertisingInterval config.Duration `json:"advertising_interval"`
	GhostMode           bool            `json:"ghost_mode"`
	TxQueueSize         int             `json:"tx_queue_size"`
	RxQueueSize         int             `json:"rx_queue_size"`
}

// InfoMessage is the first message both sides send on a new connection:
// the advertisement header, a 4-byte body size and a JSON body.
type InfoMessage struct {
	Advertisement
	Body InfoBody
}

func EncodeInfoMessage(m InfoMessage) ([]byte, error) {
	body, err := json.Marshal(m.Body)
	if err != nil {
		return nil, result.Wrap(result.Unknown, err)
	}
	b := make([]byte, 0, InfoHeaderSize+len(body))
	b = appendAdvertisement(b, m.Advertisement)
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(body)))
	b = append(b, size[:]...)
	return append(b, body...), nil
}

// ReadInfoMessage reads one info message and validates magic, version and
// body size before decoding the body.
func ReadInfoMessage(r io.Reader, versionMajor uint8, maxBody int) (InfoMessage, error) {
	var hdr [InfoHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return InfoMessage{}, result.FromIO(err)
	}
	adv, err := decodeAdvertisementHeader(hdr[:AdvertisingSize])
	if err != nil {
		return InfoMessage{}, err
	}
	if err := adv.CheckVersion(versionMajor); err != nil {
		return InfoMessage{}, err
	}
	n := binary.BigEndian.Uint32(hdr[AdvertisingSize:])
	if maxBody > 0 && int64(n) > int64(maxBody) {
		return InfoMessage{}, result.New(result.MessageTooLarge, "info body too large", "size", n)
	}
	body := make([]byte, int(n))
	if _, err := io.ReadFull(r, body); err != nil {
		return InfoMessage{}, result.FromIO(err)
	}
	m := InfoMessage{Advertisement: adv}
	if err := json.Unmarshal(body, &m.Body); err != nil {
		return InfoMessage{}, result.Wrap(result.DeserializeMsgFailed, err)
	}
	return m, nil
}

func WriteAck(w io.Writer) error {
	return WriteFull(w, []byte{AckByte})
}

func ReadAck(r io.Reader) error {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return result.FromIO(err)
	}
	if b[0] != AckByte {
		return result.New(result.DeserializeMsgFailed, "bad ack byte", "value", b[0])
	}
	return nil
}

// WriteFull writes all of b or fails with a mapped transport error.
func WriteFull(w io.Writer, b []byte) error {
	total := 0
	for total < len(b) {
		n, err := w.Write(b[total:])
		if err != nil {
			return result.FromIO(err)
		}
		if n == 0 {
			return result.New(result.RwSocketFailed, "short write")
		}
		total += n
	}
	return nil
}

// ReadFixed reads exactly n bytes.
func ReadFixed(r io.Reader, n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, result.FromIO(err)
	}
	return b, nil
}
