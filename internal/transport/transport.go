// Package transport wraps best-effort UDP multicast send/receive behind a
// small interface, so the Master and Receiver session logic never touches
// a raw socket directly.
package transport

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"

	"mcastrelay/internal/config"
)

// Transport is the minimal best-effort datagram contract the protocol
// layer depends on: no delivery or ordering guarantees, drops and
// reorderings are visible to the caller as simply "didn't arrive".
type Transport interface {
	Send(b []byte) error
	Recv() (b []byte, src net.Addr, err error)
	Close() error
}

// Multicast is a Transport backed by a UDP multicast socket. A Master
// dials the group (sends only, loopback enabled so a co-located receiver
// still gets packets); a Receiver listens on the group's port and joins
// the group on the default interface.
type Multicast struct {
	conn *net.UDPConn
	pc   *ipv4.PacketConn
	addr *net.UDPAddr
}

// NewSender opens a sending-side multicast socket: TTL and loopback set
// grounded on the pack's mcast.Sender.
func NewSender(profile *config.NetworkProfile) (*Multicast, error) {
	addr, err := net.ResolveUDPAddr("udp4", profile.Addr())
	if err != nil {
		return nil, fmt.Errorf("transport: resolve group: %w", err)
	}
	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial group: %w", err)
	}
	_ = conn.SetWriteBuffer(config.DefaultWriteBuffer)

	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastTTL(profile.TTL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: set TTL: %w", err)
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: set loopback: %w", err)
	}

	return &Multicast{conn: conn, pc: pc, addr: addr}, nil
}

// NewReceiver opens a listening-side multicast socket: binds the group's
// port with address reuse and joins the group on the first up,
// multicast-capable, non-loopback interface (falling back to "any" if none
// is found), grounded on the pack's mcast.Receiver.
func NewReceiver(profile *config.NetworkProfile) (*Multicast, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}
	pcConn, err := lc.ListenPacket(listenContext(), "udp4", fmt.Sprintf(":%d", profile.Port))
	if err != nil {
		return nil, fmt.Errorf("transport: listen: %w", err)
	}
	conn, ok := pcConn.(*net.UDPConn)
	if !ok {
		pcConn.Close()
		return nil, fmt.Errorf("transport: unexpected PacketConn type")
	}
	_ = conn.SetReadBuffer(config.DefaultReadBuffer)

	pc := ipv4.NewPacketConn(conn)
	_ = pc.SetMulticastLoopback(true)

	group := net.ParseIP(profile.Group)
	ifi := defaultMulticastInterface()
	if err := pc.JoinGroup(ifi, &net.UDPAddr{IP: group}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: join group: %w", err)
	}

	return &Multicast{conn: conn, pc: pc}, nil
}

func (m *Multicast) Send(b []byte) error {
	_, err := m.conn.Write(b)
	return err
}

func (m *Multicast) Recv() ([]byte, net.Addr, error) {
	buf := make([]byte, 65536)
	n, addr, err := m.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, nil, err
	}
	return buf[:n], addr, nil
}

func (m *Multicast) Close() error {
	if m.pc != nil {
		_ = m.pc.Close()
	}
	return m.conn.Close()
}

// defaultMulticastInterface picks the first up, multicast-capable,
// non-loopback interface, or nil (meaning "let the kernel pick") if none
// is found.
func defaultMulticastInterface() *net.Interface {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for i := range ifaces {
		ii := ifaces[i]
		if ii.Flags&net.FlagUp != 0 && ii.Flags&net.FlagMulticast != 0 && ii.Flags&net.FlagLoopback == 0 {
			return &ii
		}
	}
	return nil
}
