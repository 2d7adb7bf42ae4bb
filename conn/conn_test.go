package conn

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSetupUDP(t *testing.T) {
	t.Run("Round trip on loopback", func(t *testing.T) {
		c, err := SetupUDP(0, zap.NewNop())
		require.NoError(t, err)
		defer c.Close()

		local := c.(*net.UDPConn).LocalAddr().(*net.UDPAddr)
		dst := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: local.Port}

		n, err := c.WriteToUDP([]byte("ping"), dst)
		require.NoError(t, err)
		assert.Equal(t, 4, n)

		require.NoError(t, c.(*net.UDPConn).SetReadDeadline(time.Now().Add(time.Second)))
		buf := make([]byte, 16)
		n, _, err = c.ReadFromUDP(buf)
		require.NoError(t, err)
		assert.Equal(t, "ping", string(buf[:n]))
	})

	t.Run("Port already bound", func(t *testing.T) {
		c, err := SetupUDP(0, zap.NewNop())
		require.NoError(t, err)
		defer c.Close()

		port := c.(*net.UDPConn).LocalAddr().(*net.UDPAddr).Port
		_, err = SetupUDP(port, zap.NewNop())
		assert.ErrorContains(t, err, "failed to bind UDP socket")
	})
}
