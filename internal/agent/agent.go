// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

// Package agent wires the Device Connection Pool, the four buffers, the
// Polling Scheduler, the Control Channel, the Bulk Uploader / Batch
// Transmitter / Status Reporter, and the Config Watcher into one running
// process — the top-level object cmd/modbus-agent/main.go bootstraps.
package agent

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/hootrhino/modbus-cloud-agent/internal/buffer"
	"github.com/hootrhino/modbus-cloud-agent/internal/configwatcher"
	"github.com/hootrhino/modbus-cloud-agent/internal/control"
	"github.com/hootrhino/modbus-cloud-agent/internal/domain"
	"github.com/hootrhino/modbus-cloud-agent/internal/pool"
	"github.com/hootrhino/modbus-cloud-agent/internal/scheduler"
	"github.com/hootrhino/modbus-cloud-agent/internal/uploader"
)

// Config holds everything needed to bootstrap an Agent.
type Config struct {
	RegistrationToken string
	Endpoints         control.Endpoints
	BufferDir         string
	Logger            *slog.Logger
}

// Agent owns every long-running component and the currently applied
// PollingConfig (spec.md §5: "the active config pointer" is a shared
// resource guarded like any other).
type Agent struct {
	logger *slog.Logger

	pool       *pool.Pool
	values     *buffer.ValueCache
	historical *buffer.Historical
	transmit   *buffer.Transmit
	offline    *buffer.Offline

	scheduler *scheduler.Scheduler
	channel   *control.Channel

	bulkUploader     *uploader.BulkUploader
	batchTransmitter *uploader.BatchTransmitter
	statusReporter   *uploader.StatusReporter
	configWatcher    *configwatcher.Watcher

	mu     sync.Mutex
	active *domain.PollingConfig
}

// New constructs an Agent and wires every component together, but does
// not start anything — call Run to start serving.
func New(cfg Config) (*Agent, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	offline, err := buffer.NewOffline(cfg.BufferDir, 0, logger)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		logger:     logger,
		pool:       pool.New(logger),
		values:     buffer.NewValueCache(),
		historical: buffer.NewHistorical(domain.DefaultHistoricalBufferCap, logger),
		transmit:   buffer.NewTransmit(domain.DefaultFullRefreshIntervalMS),
		offline:    offline,
	}

	a.scheduler = scheduler.New(a.pool, a.values, a.historical, a.transmit, logger)

	a.channel = control.New(control.Options{
		Endpoints:         cfg.Endpoints,
		RegistrationToken: cfg.RegistrationToken,
		HTTPClient:        &http.Client{},
		Logger:            logger,
	})

	a.bulkUploader = uploader.NewBulkUploader(a.historical, a.offline, a.channel, cfg.Endpoints.IngestURL, nil, logger)
	a.batchTransmitter = uploader.NewBatchTransmitter(a.values, a.transmit, a.channel, logger)
	a.statusReporter = uploader.NewStatusReporter(cfg.Endpoints.AgentStatusURL, cfg.Endpoints.APIKey, a.channel.BearerToken, a.channel.AgentID, nil, logger)

	a.bulkUploader.OnStatusChange(a.reportStatus)

	a.configWatcher = configwatcher.New(cfg.Endpoints.ConfigURL, a.channel.BearerToken, a.Apply, nil, logger)

	a.registerCommandHandlers()

	a.channel.OnOpen(func(ctx context.Context) {
		a.offline.SetBuffering(false)
		a.bulkUploader.DrainOffline(ctx)
		a.configWatcher.Check(ctx)
		a.reportStatus()
	})
	a.channel.OnClose(func() {
		a.offline.SetBuffering(true)
		a.reportStatus()
	})

	return a, nil
}

// Run starts every periodic component and blocks until ctx is cancelled,
// then tears everything down (spec.md §5 "Cancellation").
func (a *Agent) Run(ctx context.Context) {
	a.bulkUploader.Start()
	a.batchTransmitter.Start()
	a.configWatcher.Start()

	a.channel.Run(ctx)

	a.scheduler.Stop()
	a.bulkUploader.Stop()
	a.batchTransmitter.Stop()
	a.configWatcher.Stop()
	a.pool.CloseAll()
}

// Apply validates, defaults, and activates a new PollingConfig, tearing
// down every previous timer/connection first (spec.md §4.5 "idempotent
// and atomic"). A nil config stops all polling.
func (a *Agent) Apply(config *domain.PollingConfig) {
	if config != nil {
		config.ApplyDefaults()
		if err := config.Validate(); err != nil {
			a.logger.Error("agent: rejected invalid config", "error", err)
			return
		}
	}

	a.scheduler.Stop()
	a.pool.CloseAll()
	a.scheduler.Apply(config)
	a.values.Clear()

	a.mu.Lock()
	a.active = config
	a.mu.Unlock()

	if config != nil {
		a.transmit.SetFullRefreshInterval(config.FullRefreshIntervalMS)
		a.batchTransmitter.SetInterval(config.BatchWindowMS)
		a.bulkUploader.SetInterval(config.HistoricalBatchIntervalMS)
	}
}

// ActiveConfig returns the currently applied config, or nil.
func (a *Agent) ActiveConfig() *domain.PollingConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

func (a *Agent) reportStatus() {
	buffering := a.offline.IsBuffering()
	status := uploader.StatusOnline
	if buffering {
		status = uploader.StatusBuffering
	}
	count, err := a.offline.GetRecordCount()
	if err != nil {
		a.logger.Error("agent: failed to read offline record count", "error", err)
		return
	}
	a.statusReporter.Report(context.Background(), status, count)
}
