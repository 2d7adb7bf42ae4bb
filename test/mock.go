// Package test wires whole devices together over in-memory sockets.
package test

import (
	"net"
	"sync"

	"github.com/drio/wgtimer/conn"
)

// Compile-time interface compliance checks
var _ conn.UDPConn = (*MockUDPConn)(nil)

// MockUDPConn simulates a UDP connection using channels
type MockUDPConn struct {
	// Channel to receive packets that would come from the network
	inbound chan UDPPacket
	// Channel where packets written to this UDP connection go
	outbound chan UDPPacket

	localAddr *net.UDPAddr

	mutex  sync.RWMutex
	closed bool
}

type UDPPacket struct {
	Data []byte
	Addr *net.UDPAddr
}

// NewMockUDPConn creates a mock UDP connection
func NewMockUDPConn(localPort int) *MockUDPConn {
	return &MockUDPConn{
		inbound:  make(chan UDPPacket, 100),
		outbound: make(chan UDPPacket, 100),
		localAddr: &net.UDPAddr{
			IP:   net.ParseIP("127.0.0.1"),
			Port: localPort,
		},
	}
}

// LocalAddr returns the simulated bound address.
func (m *MockUDPConn) LocalAddr() *net.UDPAddr { return m.localAddr }

// ReadFromUDP simulates reading from UDP - blocks until packet arrives
func (m *MockUDPConn) ReadFromUDP(buf []byte) (int, *net.UDPAddr, error) {
	packet, ok := <-m.inbound
	if !ok {
		return 0, nil, net.ErrClosed
	}
	n := copy(buf, packet.Data)
	return n, packet.Addr, nil
}

// WriteToUDP simulates writing to UDP - puts packet in outbound channel
func (m *MockUDPConn) WriteToUDP(data []byte, addr *net.UDPAddr) (int, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.closed {
		return 0, net.ErrClosed
	}

	packet := UDPPacket{
		Data: append([]byte(nil), data...),
		Addr: addr,
	}

	// Non-blocking send
	select {
	case m.outbound <- packet:
	default:
		// Channel full - simulate dropped packet
	}
	return len(data), nil
}

// Close closes the mock connection
func (m *MockUDPConn) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.inbound)
	return nil
}

// InjectPacket simulates a packet arriving from the network
func (m *MockUDPConn) InjectPacket(data []byte, fromAddr *net.UDPAddr) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.closed {
		return
	}

	select {
	case m.inbound <- UDPPacket{Data: append([]byte(nil), data...), Addr: fromAddr}:
	default:
		// Channel full - drop packet
	}
}

// Outbound exposes the packets written to this connection.
func (m *MockUDPConn) Outbound() <-chan UDPPacket { return m.outbound }

// Link forwards everything a writes to b and vice versa until done is
// closed.
func Link(a, b *MockUDPConn, done <-chan struct{}) {
	forward := func(from, to *MockUDPConn) {
		for {
			select {
			case packet := <-from.outbound:
				to.InjectPacket(packet.Data, from.localAddr)
			case <-done:
				return
			}
		}
	}
	go forward(a, b)
	go forward(b, a)
}
