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

// Package configwatcher implements spec.md §4.7: a periodic HTTP pull of
// the active PollingConfig, applied only when its id changes.
package configwatcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hootrhino/modbus-cloud-agent/internal/domain"
)

const DefaultPollInterval = 120 * time.Second

type configEnvelope struct {
	HasConfig bool `json:"hasConfig"`
	Config    *struct {
		ID            string               `json:"id"`
		ConfigName    string               `json:"config_name"`
		PollingConfig domain.PollingConfig `json:"polling_config"`
	} `json:"config"`
}

// Applier receives a config to apply, or nil to mean "stop polling".
type Applier func(config *domain.PollingConfig)

// Watcher polls the active-config endpoint and diffs against the
// currently applied configId.
type Watcher struct {
	configURL  string
	bearer     func() string
	httpClient *http.Client
	apply      Applier
	logger     *slog.Logger

	mu           sync.Mutex
	currentID    string
	pollInterval time.Duration
	stop         chan struct{}
	done         chan struct{}
}

func New(configURL string, bearer func() string, apply Applier, httpClient *http.Client, logger *slog.Logger) *Watcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		configURL:    configURL,
		bearer:       bearer,
		httpClient:   httpClient,
		apply:        apply,
		logger:       logger,
		pollInterval: DefaultPollInterval,
	}
}

func (w *Watcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stop != nil {
		return
	}
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.run()
}

func (w *Watcher) Stop() {
	w.mu.Lock()
	stop, done := w.stop, w.done
	w.stop, w.done = nil, nil
	w.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (w *Watcher) run() {
	w.mu.Lock()
	stop, done, interval := w.stop, w.done, w.pollInterval
	w.mu.Unlock()
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			w.Check(context.Background())
		}
	}
}

// Check pulls the active config once and applies it if its id changed,
// per spec.md §4.7. Safe to call on demand (e.g. on WebSocket open).
func (w *Watcher) Check(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.configURL, nil)
	if err != nil {
		w.logger.Error("config watcher: build request failed", "error", err)
		return
	}
	req.Header.Set("Authorization", "Bearer "+w.bearer())

	resp, err := w.httpClient.Do(req)
	if err != nil {
		w.logger.Warn("config watcher: request failed", "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.logger.Warn("config watcher: endpoint returned non-2xx", "status", resp.Status)
		return
	}

	var env configEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		w.logger.Warn("config watcher: decode failed", "error", err)
		return
	}

	w.mu.Lock()
	currentID := w.currentID
	w.mu.Unlock()

	if !env.HasConfig {
		if currentID != "" {
			w.logger.Info("config watcher: config withdrawn, stopping polling")
			w.apply(nil)
			w.mu.Lock()
			w.currentID = ""
			w.mu.Unlock()
		}
		return
	}

	if env.Config == nil || env.Config.ID == currentID {
		return
	}

	w.logger.Info("config watcher: new config detected, applying", "configId", env.Config.ID)
	cfg := env.Config.PollingConfig
	cfg.ConfigID = env.Config.ID
	cfg.ConfigName = env.Config.ConfigName
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		w.logger.Error("config watcher: fetched config failed validation, ignoring", "error", err)
		return
	}

	w.apply(&cfg)
	w.mu.Lock()
	w.currentID = cfg.ConfigID
	w.mu.Unlock()
}
