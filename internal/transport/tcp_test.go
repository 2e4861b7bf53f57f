package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hootrhino/modbus-cloud-agent/internal/mbtest"
)

func TestTCPSession_ReadHoldingRegisters(t *testing.T) {
	srv, err := mbtest.StartTCP("127.0.0.1:15210", []uint16{1, 2, 3, 4, 5})
	require.NoError(t, err)
	t.Cleanup(srv.Stop)

	cfg := DefaultTCPSessionConfig()
	cfg.Timeout = 2 * time.Second
	sess, err := NewTCPSession(srv.Addr(), cfg, nil)
	require.NoError(t, err)
	defer sess.Close()

	values, err := sess.ReadHoldingRegisters(1, 0, 3)
	require.NoError(t, err)
	require.Equal(t, []uint16{1, 2, 3}, values)
}

func TestTCPSession_HealthyThenClosed(t *testing.T) {
	srv, err := mbtest.StartTCP("127.0.0.1:15211", []uint16{0, 0})
	require.NoError(t, err)
	t.Cleanup(srv.Stop)

	sess, err := NewTCPSession(srv.Addr(), DefaultTCPSessionConfig(), nil)
	require.NoError(t, err)
	require.True(t, sess.Healthy())
	require.NoError(t, sess.Close())
	require.False(t, sess.Healthy())
}
