package network

import (
	"context"
	"errors"
	"net"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"branchnet/internal/debuglog"
	"branchnet/internal/result"
)

// AdvChannel carries advertising packets between branches.
type AdvChannel interface {
	Send(b []byte) error
	Receive(b []byte) (int, net.Addr, error)
	Close() error
}

// UDPChannel is an AdvChannel on a UDP multicast group joined on a set of
// interfaces.
type UDPChannel struct {
	conn   net.PacketConn
	p4     *ipv4.PacketConn
	p6     *ipv6.PacketConn
	group  *net.UDPAddr
	ifaces []net.Interface
	log    *zap.Logger
}

// ListenMulticast binds the advertising port and joins group on every
// interface in ifaces. With no interfaces the system default is used.
func ListenMulticast(group string, port int, ifaces []net.Interface, log *zap.Logger) (*UDPChannel, error) {
	log = debuglog.OrNop(log)
	ip := net.ParseIP(group)
	if ip == nil {
		return nil, result.New(result.InvalidParam, "invalid multicast address", "address", group)
	}
	network, bind := "udp6", net.JoinHostPort("::", strconv.Itoa(port))
	if ip.To4() != nil {
		network, bind = "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(port))
	}
	lc := net.ListenConfig{Control: reuseAddrControl}
	conn, err := lc.ListenPacket(context.Background(), network, bind)
	if err != nil {
		return nil, result.Wrap(result.BindSocketFailed, err, "addr", bind)
	}
	ch := &UDPChannel{
		conn:   conn,
		group:  &net.UDPAddr{IP: ip, Port: port},
		ifaces: ifaces,
		log:    log,
	}
	if network == "udp4" {
		ch.p4 = ipv4.NewPacketConn(conn)
	} else {
		ch.p6 = ipv6.NewPacketConn(conn)
	}
	if err := ch.join(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return ch, nil
}

func (c *UDPChannel) join() error {
	groupAddr := &net.UDPAddr{IP: c.group.IP}
	if len(c.ifaces) == 0 {
		if err := c.joinOn(nil, groupAddr); err != nil {
			return result.Wrap(result.SetSocketOptionFailed, err)
		}
		return c.setLoopback()
	}
	joined := 0
	var lastErr error
	for i := range c.ifaces {
		ifi := &c.ifaces[i]
		if err := c.joinOn(ifi, groupAddr); err != nil {
			c.log.Debug("multicast join failed", zap.String("iface", ifi.Name), zap.Error(err))
			lastErr = err
			continue
		}
		joined++
	}
	if joined == 0 {
		return result.Wrap(result.SetSocketOptionFailed, lastErr, "group", c.group.IP.String())
	}
	return c.setLoopback()
}

func (c *UDPChannel) joinOn(ifi *net.Interface, group net.Addr) error {
	if c.p4 != nil {
		return c.p4.JoinGroup(ifi, group)
	}
	return c.p6.JoinGroup(ifi, group)
}

func (c *UDPChannel) setLoopback() error {
	var err error
	if c.p4 != nil {
		err = c.p4.SetMulticastLoopback(true)
	} else {
		err = c.p6.SetMulticastLoopback(true)
	}
	if err != nil {
		return result.Wrap(result.SetSocketOptionFailed, err)
	}
	return nil
}

// Send writes b to the group once per interface. It fails only when no
// interface accepted the packet.
func (c *UDPChannel) Send(b []byte) error {
	if len(c.ifaces) == 0 {
		if _, err := c.conn.WriteTo(b, c.group); err != nil {
			return result.FromIO(err)
		}
		return nil
	}
	sent := 0
	var lastErr error
	for i := range c.ifaces {
		ifi := &c.ifaces[i]
		var err error
		if c.p4 != nil {
			if err = c.p4.SetMulticastInterface(ifi); err == nil {
				_, err = c.p4.WriteTo(b, nil, c.group)
			}
		} else {
			if err = c.p6.SetMulticastInterface(ifi); err == nil {
				_, err = c.p6.WriteTo(b, nil, c.group)
			}
		}
		if err != nil {
			lastErr = err
			continue
		}
		sent++
	}
	if sent == 0 {
		return result.FromIO(lastErr)
	}
	return nil
}

func (c *UDPChannel) Receive(b []byte) (int, net.Addr, error) {
	n, addr, err := c.conn.ReadFrom(b)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return 0, nil, result.Wrap(result.Canceled, err)
		}
		return 0, nil, result.FromIO(err)
	}
	return n, addr, nil
}

func (c *UDPChannel) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *UDPChannel) Close() error {
	return c.conn.Close()
}
