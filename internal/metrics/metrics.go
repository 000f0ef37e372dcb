package metrics

import (
	"encoding/json"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type Snapshot struct {
	GeneratedAt     time.Time          `json:"generated_at"`
	Advertising     AdvertisingMetrics `json:"advertising"`
	Connections     ConnectionMetrics  `json:"connections"`
	Broadcasts      BroadcastMetrics   `json:"broadcasts"`
	ConnectFailures map[string]uint64  `json:"connect_failures"`
	Connected       int64              `json:"connected"`
	Recent          []EventRecord      `json:"recent"`
}

type AdvertisingMetrics struct {
	Sent     uint64 `json:"sent"`
	Received uint64 `json:"received"`
	Invalid  uint64 `json:"invalid"`
}

type ConnectionMetrics struct {
	Discovered    uint64 `json:"discovered"`
	QueriesOK     uint64 `json:"queries_ok"`
	QueriesFailed uint64 `json:"queries_failed"`
	ConnectsOK    uint64 `json:"connects_ok"`
	Lost          uint64 `json:"lost"`
	Heartbeats    uint64 `json:"heartbeats"`
}

type BroadcastMetrics struct {
	Sent       uint64 `json:"sent"`
	Received   uint64 `json:"received"`
	DropTxFull uint64 `json:"drop_tx_full"`
	DropRxFull uint64 `json:"drop_rx_full"`
	DropSmall  uint64 `json:"drop_buffer_small"`
}

// EventRecord is a short history entry of a branch event.
type EventRecord struct {
	At     time.Time `json:"at"`
	Event  string    `json:"event"`
	Branch string    `json:"branch"`
	Result string    `json:"result"`
}

type Metrics struct {
	advSent       atomic.Uint64
	advReceived   atomic.Uint64
	advInvalid    atomic.Uint64
	discovered    atomic.Uint64
	queriesOK     atomic.Uint64
	queriesFailed atomic.Uint64
	connectsOK    atomic.Uint64
	lost          atomic.Uint64
	heartbeats    atomic.Uint64
	bcSent        atomic.Uint64
	bcReceived    atomic.Uint64
	bcDropTxFull  atomic.Uint64
	bcDropRxFull  atomic.Uint64
	bcDropSmall   atomic.Uint64
	connected     atomic.Int64

	failMu   sync.Mutex
	failures map[string]uint64
	recent   *EventRecent
}

func New() *Metrics {
	return &Metrics{
		failures: make(map[string]uint64),
		recent:   NewEventRecent(64),
	}
}

func (m *Metrics) Recent() *EventRecent {
	return m.recent
}

func (m *Metrics) IncAdvSent() {
	m.advSent.Add(1)
}

func (m *Metrics) IncAdvReceived() {
	m.advReceived.Add(1)
}

func (m *Metrics) IncAdvInvalid() {
	m.advInvalid.Add(1)
}

func (m *Metrics) IncDiscovered() {
	m.discovered.Add(1)
}

func (m *Metrics) IncQuery(ok bool) {
	if ok {
		m.queriesOK.Add(1)
		return
	}
	m.queriesFailed.Add(1)
}

func (m *Metrics) IncConnectOK() {
	m.connectsOK.Add(1)
	m.connected.Add(1)
}

// IncConnectFailed counts a failed connection attempt by reason.
func (m *Metrics) IncConnectFailed(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	m.failMu.Lock()
	m.failures[reason]++
	m.failMu.Unlock()
}

func (m *Metrics) IncLost() {
	m.lost.Add(1)
	m.connected.Add(-1)
}

func (m *Metrics) IncHeartbeat() {
	m.heartbeats.Add(1)
}

func (m *Metrics) IncBroadcastSent() {
	m.bcSent.Add(1)
}

func (m *Metrics) IncBroadcastReceived() {
	m.bcReceived.Add(1)
}

func (m *Metrics) IncDropTxFull() {
	m.bcDropTxFull.Add(1)
}

func (m *Metrics) IncDropRxFull() {
	m.bcDropRxFull.Add(1)
}

func (m *Metrics) IncDropBufferSmall() {
	m.bcDropSmall.Add(1)
}

func (m *Metrics) connectFailures() map[string]uint64 {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	out := make(map[string]uint64, len(m.failures))
	for k, v := range m.failures {
		out[k] = v
	}
	return out
}

func (m *Metrics) Snapshot() Snapshot {
	recent := []EventRecord{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Advertising: AdvertisingMetrics{
			Sent:     m.advSent.Load(),
			Received: m.advReceived.Load(),
			Invalid:  m.advInvalid.Load(),
		},
		Connections: ConnectionMetrics{
			Discovered:    m.discovered.Load(),
			QueriesOK:     m.queriesOK.Load(),
			QueriesFailed: m.queriesFailed.Load(),
			ConnectsOK:    m.connectsOK.Load(),
			Lost:          m.lost.Load(),
			Heartbeats:    m.heartbeats.Load(),
		},
		Broadcasts: BroadcastMetrics{
			Sent:       m.bcSent.Load(),
			Received:   m.bcReceived.Load(),
			DropTxFull: m.bcDropTxFull.Load(),
			DropRxFull: m.bcDropRxFull.Load(),
			DropSmall:  m.bcDropSmall.Load(),
		},
		ConnectFailures: m.connectFailures(),
		Connected:       m.connected.Load(),
		Recent:          recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

type EventRecent struct {
	mu   sync.Mutex
	cap  int
	list []EventRecord
}

func NewEventRecent(capacity int) *EventRecent {
	if capacity <= 0 {
		capacity = 64
	}
	return &EventRecent{cap: capacity}
}

func (r *EventRecent) Add(e EventRecord) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = e
		return
	}
	r.list = append(r.list, e)
}

func (r *EventRecent) List() []EventRecord {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventRecord, len(r.list))
	copy(out, r.list)
	return out
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
