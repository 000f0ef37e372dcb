package branch

import (
	"strings"

	"github.com/google/uuid"

	"branchnet/internal/ioctx"
	"branchnet/internal/metrics"
	"branchnet/internal/result"
)

// Event is a bit set of branch event kinds.
type Event int

const (
	EventNone             Event = 0
	EventBranchDiscovered Event = 1 << 0
	EventBranchQueried    Event = 1 << 1
	EventConnectFinished  Event = 1 << 2
	EventConnectionLost   Event = 1 << 3
	EventAll                    = EventBranchDiscovered | EventBranchQueried | EventConnectFinished | EventConnectionLost
)

var eventNames = []struct {
	ev   Event
	name string
}{
	{EventBranchDiscovered, "discovered"},
	{EventBranchQueried, "queried"},
	{EventConnectFinished, "connect-finished"},
	{EventConnectionLost, "connection-lost"},
}

func (e Event) String() string {
	if e == EventNone {
		return "none"
	}
	var parts []string
	for _, n := range eventNames {
		if e&n.ev != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "unknown"
	}
	return strings.Join(parts, "|")
}

// EventInfo is the payload of an event. The concrete type is selected by
// Kind: *DiscoveredInfo, *QueriedInfo, *ConnectFinishedInfo or
// *ConnectionLostInfo.
type EventInfo interface {
	UUID() uuid.UUID
	Kind() Event
}

type DiscoveredInfo struct {
	ID               uuid.UUID `json:"uuid"`
	TCPServerAddress string    `json:"tcp_server_address"`
	TCPServerPort    int       `json:"tcp_server_port"`
}

func (i *DiscoveredInfo) UUID() uuid.UUID { return i.ID }
func (i *DiscoveredInfo) Kind() Event     { return EventBranchDiscovered }

type QueriedInfo struct {
	RemoteBranchInfo
}

func (i *QueriedInfo) UUID() uuid.UUID { return i.RemoteBranchInfo.UUID }
func (i *QueriedInfo) Kind() Event     { return EventBranchQueried }

// ConnectFinishedInfo carries the remote info on success. Info is nil when
// the connection attempt failed.
type ConnectFinishedInfo struct {
	ID   uuid.UUID         `json:"uuid"`
	Info *RemoteBranchInfo `json:"info,omitempty"`
}

func (i *ConnectFinishedInfo) UUID() uuid.UUID { return i.ID }
func (i *ConnectFinishedInfo) Kind() Event     { return EventConnectFinished }

type ConnectionLostInfo struct {
	ID uuid.UUID `json:"uuid"`
}

func (i *ConnectionLostInfo) UUID() uuid.UUID { return i.ID }
func (i *ConnectionLostInfo) Kind() Event     { return EventConnectionLost }

// EventHandler receives the operation result, the event kind, the result
// of the event itself and its payload. A canceled registration observes
// (Canceled, EventNone, nil, nil).
type EventHandler func(res error, ev Event, evRes error, info EventInfo)

type eventResult struct {
	ev    Event
	evRes error
	info  EventInfo
}

// AwaitEvent registers h for the next event matching mask. An outstanding
// registration is canceled first.
func (b *Branch) AwaitEvent(mask Event, h EventHandler) error {
	if h == nil {
		return result.New(result.InvalidParam, "nil handler")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return result.New(result.InvalidHandle, "branch closed")
	}
	if b.eventPending {
		b.eventOp.Cancel()
	}
	b.eventOp = ioctx.Register(b.ctx, func(err error, r eventResult) {
		h(err, r.ev, r.evRes, r.info)
	})
	b.eventMask = mask
	b.eventPending = true
	return nil
}

// CancelAwaitEvent cancels the outstanding registration. It returns false
// when there was none.
func (b *Branch) CancelAwaitEvent() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.eventPending {
		return false
	}
	b.eventPending = false
	return b.eventOp.Cancel()
}

// emit completes the registration if it matches ev. Unmatched events are
// dropped.
func (b *Branch) emit(ev Event, evRes error, info EventInfo) {
	rec := metrics.EventRecord{Event: ev.String(), Result: result.CodeOf(evRes).Description()}
	if info != nil {
		rec.Branch = info.UUID().String()
	}
	b.recordEvent(rec)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || !b.eventPending || b.eventMask&ev == 0 {
		return
	}
	b.eventPending = false
	b.eventOp.Complete(nil, eventResult{ev: ev, evRes: evRes, info: info})
}
