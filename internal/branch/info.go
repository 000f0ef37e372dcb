package branch

import (
	"time"

	"github.com/google/uuid"

	"branchnet/internal/config"
	"branchnet/internal/proto"
)

// RemoteBranchInfo is what a peer reported about itself during the info
// exchange. A re-query produces a new value; stored values are not mutated.
type RemoteBranchInfo struct {
	UUID                uuid.UUID     `json:"uuid"`
	Name                string        `json:"name"`
	Description         string        `json:"description"`
	NetworkName         string        `json:"network_name"`
	Path                string        `json:"path"`
	Hostname            string        `json:"hostname"`
	PID                 int           `json:"pid"`
	StartTime           time.Time     `json:"start_time"`
	Timeout             time.Duration `json:"timeout"`
	AdvertisingInterval time.Duration `json:"advertising_interval"`
	GhostMode           bool          `json:"ghost_mode"`
	TxQueueSize         int           `json:"tx_queue_size"`
	RxQueueSize         int           `json:"rx_queue_size"`
	TCPServerAddress    string        `json:"tcp_server_address"`
	TCPServerPort       int           `json:"tcp_server_port"`
}

// LocalBranchInfo describes the local branch, including where it
// advertises and listens.
type LocalBranchInfo struct {
	RemoteBranchInfo
	AdvertisingInterfaces []string `json:"advertising_interfaces"`
	AdvertisingAddress    string   `json:"advertising_address"`
	AdvertisingPort       int      `json:"advertising_port"`
	Transport             string   `json:"transport"`
}

func remoteInfoFrom(m proto.InfoMessage, host string) RemoteBranchInfo {
	return RemoteBranchInfo{
		UUID:                m.UUID,
		Name:                m.Body.Name,
		Description:         m.Body.Description,
		NetworkName:         m.Body.NetworkName,
		Path:                m.Body.Path,
		Hostname:            m.Body.Hostname,
		PID:                 m.Body.PID,
		StartTime:           m.Body.StartTime,
		Timeout:             m.Body.Timeout.Std(),
		AdvertisingInterval: m.Body.AdvertisingInterval.Std(),
		GhostMode:           m.Body.GhostMode,
		TxQueueSize:         m.Body.TxQueueSize,
		RxQueueSize:         m.Body.RxQueueSize,
		TCPServerAddress:    host,
		TCPServerPort:       int(m.Port),
	}
}

func (b *Branch) infoMessage() proto.InfoMessage {
	s := b.settings
	return proto.InfoMessage{
		Advertisement: b.advertisement(),
		Body: proto.InfoBody{
			Name:                s.Name,
			Description:         s.Description,
			NetworkName:         s.NetworkName,
			Path:                s.Path,
			Hostname:            s.Hostname,
			PID:                 s.PID,
			StartTime:           b.startTime,
			Timeout:             config.Duration(s.Timeout),
			AdvertisingInterval: config.Duration(s.AdvertisingInterval),
			GhostMode:           s.GhostMode,
			TxQueueSize:         s.TxQueueSize,
			RxQueueSize:         s.RxQueueSize,
		},
	}
}

func (b *Branch) advertisement() proto.Advertisement {
	return proto.Advertisement{
		VersionMajor: b.consts.VersionMajor,
		VersionMinor: b.consts.VersionMinor,
		UUID:         b.id,
		Port:         uint16(b.serverPort),
	}
}
