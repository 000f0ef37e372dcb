package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"branchnet/internal/result"
)

const (
	TransportTCP  = "tcp"
	TransportQUIC = "quic"
)

// Properties is the user-facing branch configuration. Zero values select
// the defaults from Constants.
type Properties struct {
	Name                  string   `json:"name,omitempty" toml:"name,omitempty"`
	Description           string   `json:"description,omitempty" toml:"description,omitempty"`
	Path                  string   `json:"path,omitempty" toml:"path,omitempty"`
	NetworkName           string   `json:"network_name,omitempty" toml:"network_name,omitempty"`
	NetworkPassword       string   `json:"network_password,omitempty" toml:"network_password,omitempty"`
	AdvertisingInterfaces []string `json:"advertising_interfaces,omitempty" toml:"advertising_interfaces,omitempty"`
	AdvertisingAddress    string   `json:"advertising_address,omitempty" toml:"advertising_address,omitempty"`
	AdvertisingPort       int      `json:"advertising_port,omitempty" toml:"advertising_port,omitempty"`
	AdvertisingInterval   Duration `json:"advertising_interval,omitempty" toml:"advertising_interval,omitempty"`
	Timeout               Duration `json:"timeout,omitempty" toml:"timeout,omitempty"`
	GhostMode             bool     `json:"ghost_mode,omitempty" toml:"ghost_mode,omitempty"`
	TxQueueSize           int      `json:"tx_queue_size,omitempty" toml:"tx_queue_size,omitempty"`
	RxQueueSize           int      `json:"rx_queue_size,omitempty" toml:"rx_queue_size,omitempty"`
	Transport             string   `json:"transport,omitempty" toml:"transport,omitempty"`
	ListenAddress         string   `json:"listen_address,omitempty" toml:"listen_address,omitempty"`
}

// Settings are resolved Properties: every default applied and validated.
type Settings struct {
	Name                  string
	Description           string
	Path                  string
	NetworkName           string
	NetworkPassword       string
	AdvertisingInterfaces []string
	AdvertisingAddress    string
	AdvertisingPort       int
	AdvertisingInterval   time.Duration
	Timeout               time.Duration
	GhostMode             bool
	TxQueueSize           int
	RxQueueSize           int
	Transport             string
	ListenAddress         string
	Hostname              string
	PID                   int
}

// LoadFile reads properties from a .toml or .json file.
func LoadFile(path string) (Properties, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Properties{}, result.Wrap(result.OpenFileFailed, err, "path", path)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return ParseTOML(data)
	case ".json":
		p, err := ParseJSON(data)
		if err != nil {
			return Properties{}, result.Wrap(result.ParsingFileFailed, err, "path", path)
		}
		return p, nil
	default:
		return Properties{}, result.New(result.ParsingFileFailed, "unsupported config extension", "path", path)
	}
}

func ParseTOML(data []byte) (Properties, error) {
	var p Properties
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return Properties{}, result.Wrap(result.ParsingFileFailed, err)
	}
	return p, nil
}

func ParseJSON(data []byte) (Properties, error) {
	var p Properties
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return Properties{}, result.Wrap(result.ParsingJSONFailed, err)
	}
	return p, nil
}

// Merge returns p with every non-zero field of o applied on top.
func (p Properties) Merge(o Properties) Properties {
	if o.Name != "" {
		p.Name = o.Name
	}
	if o.Description != "" {
		p.Description = o.Description
	}
	if o.Path != "" {
		p.Path = o.Path
	}
	if o.NetworkName != "" {
		p.NetworkName = o.NetworkName
	}
	if o.NetworkPassword != "" {
		p.NetworkPassword = o.NetworkPassword
	}
	if len(o.AdvertisingInterfaces) > 0 {
		p.AdvertisingInterfaces = append([]string(nil), o.AdvertisingInterfaces...)
	}
	if o.AdvertisingAddress != "" {
		p.AdvertisingAddress = o.AdvertisingAddress
	}
	if o.AdvertisingPort != 0 {
		p.AdvertisingPort = o.AdvertisingPort
	}
	if o.AdvertisingInterval != 0 {
		p.AdvertisingInterval = o.AdvertisingInterval
	}
	if o.Timeout != 0 {
		p.Timeout = o.Timeout
	}
	if o.GhostMode {
		p.GhostMode = true
	}
	if o.TxQueueSize != 0 {
		p.TxQueueSize = o.TxQueueSize
	}
	if o.RxQueueSize != 0 {
		p.RxQueueSize = o.RxQueueSize
	}
	if o.Transport != "" {
		p.Transport = o.Transport
	}
	if o.ListenAddress != "" {
		p.ListenAddress = o.ListenAddress
	}
	return p
}

// ApplyEnv overrides a few properties from BRANCHNET_* variables.
func ApplyEnv(p Properties) Properties {
	if v := strings.TrimSpace(os.Getenv("BRANCHNET_NETWORK_NAME")); v != "" {
		p.NetworkName = v
	}
	if v := os.Getenv("BRANCHNET_NETWORK_PASSWORD"); v != "" {
		p.NetworkPassword = v
	}
	if v := strings.TrimSpace(os.Getenv("BRANCHNET_TRANSPORT")); v != "" {
		p.Transport = v
	}
	if v := strings.TrimSpace(os.Getenv("BRANCHNET_ADV_PORT")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			p.AdvertisingPort = n
		}
	}
	return p
}

// Resolve applies defaults from c and validates the result.
func Resolve(p Properties, c Constants) (Settings, error) {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	s := Settings{
		Name:                  p.Name,
		Description:           p.Description,
		Path:                  p.Path,
		NetworkName:           p.NetworkName,
		NetworkPassword:       p.NetworkPassword,
		AdvertisingInterfaces: append([]string(nil), p.AdvertisingInterfaces...),
		AdvertisingAddress:    p.AdvertisingAddress,
		AdvertisingPort:       p.AdvertisingPort,
		AdvertisingInterval:   p.AdvertisingInterval.Std(),
		Timeout:               p.Timeout.Std(),
		GhostMode:             p.GhostMode,
		TxQueueSize:           p.TxQueueSize,
		RxQueueSize:           p.RxQueueSize,
		Transport:             strings.ToLower(p.Transport),
		ListenAddress:         p.ListenAddress,
		Hostname:              host,
		PID:                   os.Getpid(),
	}
	if s.Name == "" {
		s.Name = fmt.Sprintf("%d@%s", s.PID, host)
	}
	if s.Path == "" {
		s.Path = "/" + s.Name
	}
	if s.NetworkName == "" {
		s.NetworkName = host
	}
	if len(s.AdvertisingInterfaces) == 0 {
		s.AdvertisingInterfaces = append([]string(nil), c.DefaultAdvInterfaces...)
	}
	if s.AdvertisingAddress == "" {
		s.AdvertisingAddress = c.DefaultAdvAddress
	}
	if s.AdvertisingPort == 0 {
		s.AdvertisingPort = c.DefaultAdvPort
	}
	if s.AdvertisingInterval == 0 {
		s.AdvertisingInterval = c.DefaultAdvInterval
	}
	if s.Timeout == 0 {
		s.Timeout = c.DefaultConnectionTimeout
	}
	if s.TxQueueSize == 0 {
		s.TxQueueSize = c.DefaultTxQueueSize
	}
	if s.RxQueueSize == 0 {
		s.RxQueueSize = c.DefaultRxQueueSize
	}
	if s.Transport == "" {
		s.Transport = TransportTCP
	}
	if s.ListenAddress == "" {
		s.ListenAddress = defaultListenAddress(s.AdvertisingAddress)
	}
	if err := s.validate(c); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func defaultListenAddress(advAddr string) string {
	ip := net.ParseIP(advAddr)
	if ip != nil && ip.To4() != nil {
		return "0.0.0.0:0"
	}
	return "[::]:0"
}

func (s Settings) validate(c Constants) error {
	if !strings.HasPrefix(s.Path, "/") {
		return result.New(result.InvalidParam, "path must start with /", "path", s.Path)
	}
	if ip := net.ParseIP(s.AdvertisingAddress); ip == nil {
		return result.New(result.InvalidParam, "invalid advertising address", "address", s.AdvertisingAddress)
	}
	if s.AdvertisingPort < 1 || s.AdvertisingPort > 65535 {
		return result.New(result.InvalidParam, "invalid advertising port", "port", s.AdvertisingPort)
	}
	if !validDuration(s.AdvertisingInterval) {
		return result.New(result.InvalidParam, "advertising interval must be at least 1ms or infinite",
			"interval", FormatDuration(s.AdvertisingInterval))
	}
	if !validDuration(s.Timeout) {
		return result.New(result.InvalidParam, "timeout must be at least 1ms or infinite",
			"timeout", FormatDuration(s.Timeout))
	}
	if s.TxQueueSize < c.MaxMessageSize {
		return result.New(result.InvalidParam, "tx queue smaller than max message size", "tx_queue_size", s.TxQueueSize)
	}
	if s.RxQueueSize < c.MaxMessageSize {
		return result.New(result.InvalidParam, "rx queue smaller than max message size", "rx_queue_size", s.RxQueueSize)
	}
	switch s.Transport {
	case TransportTCP, TransportQUIC:
	default:
		return result.New(result.ConfigNotValid, "unknown transport", "transport", s.Transport)
	}
	if len(s.Name) == 0 {
		return result.New(result.InvalidParam, "empty name")
	}
	return nil
}

func validDuration(d time.Duration) bool {
	return d == Infinite || d >= MinDuration
}

// Properties renders the resolved settings back into the file form.
func (s Settings) Properties() Properties {
	return Properties{
		Name:                  s.Name,
		Description:           s.Description,
		Path:                  s.Path,
		NetworkName:           s.NetworkName,
		AdvertisingInterfaces: append([]string(nil), s.AdvertisingInterfaces...),
		AdvertisingAddress:    s.AdvertisingAddress,
		AdvertisingPort:       s.AdvertisingPort,
		AdvertisingInterval:   Duration(s.AdvertisingInterval),
		Timeout:               Duration(s.Timeout),
		GhostMode:             s.GhostMode,
		TxQueueSize:           s.TxQueueSize,
		RxQueueSize:           s.RxQueueSize,
		Transport:             s.Transport,
		ListenAddress:         s.ListenAddress,
	}
}
