package configwatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hootrhino/modbus-cloud-agent/internal/domain"
)

func TestWatcher_AppliesNewConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"hasConfig": true,
			"config": map[string]any{
				"id":          "cfg-1",
				"config_name": "test",
				"polling_config": domain.PollingConfig{
					Devices: []domain.Device{},
				},
			},
		})
	}))
	defer srv.Close()

	var mu sync.Mutex
	var applied *domain.PollingConfig
	w := New(srv.URL, func() string { return "tok" }, func(cfg *domain.PollingConfig) {
		mu.Lock()
		applied = cfg
		mu.Unlock()
	}, srv.Client(), nil)

	w.Check(context.Background())

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, applied)
	assert.Equal(t, "cfg-1", applied.ConfigID)
}

func TestWatcher_SameConfigIdIsNotReapplied(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"hasConfig": true,
			"config": map[string]any{
				"id":             "cfg-1",
				"config_name":    "test",
				"polling_config": domain.PollingConfig{},
			},
		})
	}))
	defer srv.Close()

	w := New(srv.URL, func() string { return "tok" }, func(cfg *domain.PollingConfig) {
		calls++
	}, srv.Client(), nil)

	w.Check(context.Background())
	w.Check(context.Background())
	assert.Equal(t, 1, calls)
}

func TestWatcher_NoConfigStopsPolling(t *testing.T) {
	hasConfig := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"hasConfig": hasConfig,
			"config": map[string]any{
				"id":             "cfg-1",
				"config_name":    "test",
				"polling_config": domain.PollingConfig{},
			},
		})
	}))
	defer srv.Close()

	var lastApplied *domain.PollingConfig
	applyCalls := 0
	w := New(srv.URL, func() string { return "tok" }, func(cfg *domain.PollingConfig) {
		applyCalls++
		lastApplied = cfg
	}, srv.Client(), nil)

	w.Check(context.Background())
	require.NotNil(t, lastApplied)

	hasConfig = false
	w.Check(context.Background())
	assert.Equal(t, 2, applyCalls)
	assert.Nil(t, lastApplied)
}
