package config

import (
	"fmt"
	"time"
)

const (
	VersionMajor = 0
	VersionMinor = 1

	DefaultAdvAddress              = "ff31::8000:2439"
	DefaultAdvPort                 = 13531
	DefaultAdvInterval             = time.Second
	DefaultConnectionTimeout       = 3 * time.Second
	DefaultBranchesCleanupInterval = 300 * time.Second
	MaxMessageSize                 = 32 << 10
	DefaultTxQueueSize             = 35000
	DefaultRxQueueSize             = 35000
	MinDuration                    = time.Millisecond
)

// Constants is the set of library-wide defaults handed to every branch.
// Tests inject their own copy instead of touching package globals.
type Constants struct {
	VersionMajor             uint8         `json:"version_major"`
	VersionMinor             uint8         `json:"version_minor"`
	DefaultAdvAddress        string        `json:"default_adv_address"`
	DefaultAdvPort           int           `json:"default_adv_port"`
	DefaultAdvInterval       time.Duration `json:"default_adv_interval"`
	DefaultConnectionTimeout time.Duration `json:"default_connection_timeout"`
	BlacklistTTL             time.Duration `json:"blacklist_ttl"`
	MaxMessageSize           int           `json:"max_message_size"`
	DefaultTxQueueSize       int           `json:"default_tx_queue_size"`
	DefaultRxQueueSize       int           `json:"default_rx_queue_size"`
	DefaultAdvInterfaces     []string      `json:"default_adv_interfaces"`
}

func DefaultConstants() Constants {
	return Constants{
		VersionMajor:             VersionMajor,
		VersionMinor:             VersionMinor,
		DefaultAdvAddress:        DefaultAdvAddress,
		DefaultAdvPort:           DefaultAdvPort,
		DefaultAdvInterval:       DefaultAdvInterval,
		DefaultConnectionTimeout: DefaultConnectionTimeout,
		BlacklistTTL:             DefaultBranchesCleanupInterval,
		MaxMessageSize:           MaxMessageSize,
		DefaultTxQueueSize:       DefaultTxQueueSize,
		DefaultRxQueueSize:       DefaultRxQueueSize,
		DefaultAdvInterfaces:     []string{"localhost"},
	}
}

// Version renders the protocol version as "major.minor".
func (c Constants) Version() string {
	return fmt.Sprintf("%d.%d", c.VersionMajor, c.VersionMinor)
}
