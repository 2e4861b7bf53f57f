package agent

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hootrhino/modbus-cloud-agent/internal/control"
	"github.com/hootrhino/modbus-cloud-agent/internal/domain"
)

func newTestAgent(t *testing.T) *Agent {
	t.Helper()
	a, err := New(Config{
		RegistrationToken: "reg-token",
		Endpoints: control.Endpoints{
			AuthURL: "http://unused/auth",
			WSURL:   "ws://unused/ws",
		},
		BufferDir: filepath.Join(t.TempDir(), "buf"),
	})
	require.NoError(t, err)
	return a
}

func TestAgent_ApplyValidConfigActivatesIt(t *testing.T) {
	a := newTestAgent(t)
	cfg := &domain.PollingConfig{
		ConfigID: "cfg-1",
		Devices: []domain.Device{
			{
				DeviceID:         "dev1",
				Protocol:         domain.ProtocolTCP,
				ConnectionParams: domain.ConnectionParams{IP: "127.0.0.1", Port: 15020},
				PollGroups: []domain.PollGroup{
					{GroupID: "g1", IntervalMS: 1000, Registers: []domain.Register{{RegisterID: "r1", Address: 1}}},
				},
			},
		},
	}

	a.Apply(cfg)
	active := a.ActiveConfig()
	require.NotNil(t, active)
	assert.Equal(t, "cfg-1", active.ConfigID)
	assert.EqualValues(t, domain.DefaultFullRefreshIntervalMS, active.FullRefreshIntervalMS)
}

func TestAgent_ApplyInvalidConfigIsRejected(t *testing.T) {
	a := newTestAgent(t)
	a.Apply(&domain.PollingConfig{
		Devices: []domain.Device{
			{DeviceID: "dup"},
			{DeviceID: "dup"},
		},
	})
	assert.Nil(t, a.ActiveConfig())
}

func TestAgent_ApplyNilStopsPolling(t *testing.T) {
	a := newTestAgent(t)
	a.Apply(&domain.PollingConfig{
		Devices: []domain.Device{
			{
				DeviceID:         "dev1",
				ConnectionParams: domain.ConnectionParams{IP: "127.0.0.1", Port: 15021},
				PollGroups: []domain.PollGroup{
					{GroupID: "g1", IntervalMS: 1000, Registers: []domain.Register{{RegisterID: "r1", Address: 1}}},
				},
			},
		},
	})
	require.NotNil(t, a.ActiveConfig())

	a.Apply(nil)
	assert.Nil(t, a.ActiveConfig())
}

func TestAgent_LookupDeviceUnknown(t *testing.T) {
	a := newTestAgent(t)
	_, err := a.lookupDevice("nope")
	assert.Error(t, err)
}
