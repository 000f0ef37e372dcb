package testutil

import (
	"net"
	"sync"
	"sync/atomic"

	"branchnet/internal/result"
)

const advBusQueue = 64

// AdvBus is an in-memory stand-in for the advertising multicast group.
// Every packet sent by a member is delivered to all members, the sender
// included, as with multicast loopback.
type AdvBus struct {
	mu      sync.Mutex
	members map[*AdvEndpoint]struct{}
	next    int
	paused  bool
}

func NewAdvBus() *AdvBus {
	return &AdvBus{members: make(map[*AdvEndpoint]struct{})}
}

// Join adds a member whose packets appear to come from 127.0.0.1.
func (b *AdvBus) Join() *AdvEndpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	ep := &AdvEndpoint{
		bus:  b,
		addr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000 + b.next},
		in:   make(chan []byte, advBusQueue),
		done: make(chan struct{}),
	}
	b.members[ep] = struct{}{}
	return ep
}

// Pause drops every packet sent until Resume is called.
func (b *AdvBus) Pause() {
	b.mu.Lock()
	b.paused = true
	b.mu.Unlock()
}

func (b *AdvBus) Resume() {
	b.mu.Lock()
	b.paused = false
	b.mu.Unlock()
}

func (b *AdvBus) deliver(from *AdvEndpoint, pkt []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.paused {
		return
	}
	for ep := range b.members {
		if ep.deaf.Load() {
			continue
		}
		cp := append([]byte(nil), pkt...)
		select {
		case ep.in <- advPacket(cp, from):
		default:
		}
	}
}

// advPacket prefixes the sender port so Receive can report a source
// address per packet.
func advPacket(pkt []byte, from *AdvEndpoint) []byte {
	port := from.addr.Port
	return append([]byte{byte(port >> 8), byte(port)}, pkt...)
}

func (b *AdvBus) leave(ep *AdvEndpoint) {
	b.mu.Lock()
	delete(b.members, ep)
	b.mu.Unlock()
}

// AdvEndpoint is one member of an AdvBus. It implements network.AdvChannel.
type AdvEndpoint struct {
	bus  *AdvBus
	addr *net.UDPAddr
	in   chan []byte
	done chan struct{}
	once sync.Once
	deaf atomic.Bool
}

func (e *AdvEndpoint) Send(b []byte) error {
	select {
	case <-e.done:
		return result.New(result.RwSocketFailed, "endpoint closed")
	default:
	}
	e.bus.deliver(e, b)
	return nil
}

func (e *AdvEndpoint) Receive(b []byte) (int, net.Addr, error) {
	select {
	case pkt := <-e.in:
		port := int(pkt[0])<<8 | int(pkt[1])
		n := copy(b, pkt[2:])
		return n, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}, nil
	case <-e.done:
		return 0, nil, result.Canceled
	}
}

// Deafen drops every packet for e from now on while e can still send,
// like multicast that only works in one direction.
func (e *AdvEndpoint) Deafen() {
	e.deaf.Store(true)
}

func (e *AdvEndpoint) Close() error {
	e.once.Do(func() {
		e.bus.leave(e)
		close(e.done)
	})
	return nil
}
