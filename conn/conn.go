// Package conn abstracts the UDP socket keepalives are written to.
package conn

import (
	"fmt"
	"net"

	"go.uber.org/zap"
)

// UDPConn interface for UDP connections - allows mocking for tests
type UDPConn interface {
	ReadFromUDP([]byte) (int, *net.UDPAddr, error)
	WriteToUDP([]byte, *net.UDPAddr) (int, error)
	Close() error
}

// SetupUDP creates and binds a UDP socket on the specified port
func SetupUDP(listenPort int, logger *zap.Logger) (UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf(":%d", listenPort))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind UDP socket: %w", err)
	}

	logger.Info("UDP socket listening", zap.Stringer("addr", conn.LocalAddr()))
	return conn, nil
}
