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

// Package scheduler runs one independent periodic timer per (device, group)
// and carries out the read/cache/buffer pipeline of spec.md §4.5. It owns
// no wire protocol knowledge itself — it drives internal/pool for sessions
// and internal/optimizer for block planning.
package scheduler

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hootrhino/modbus-cloud-agent/internal/buffer"
	"github.com/hootrhino/modbus-cloud-agent/internal/domain"
	"github.com/hootrhino/modbus-cloud-agent/internal/optimizer"
	"github.com/hootrhino/modbus-cloud-agent/internal/pool"
	"github.com/hootrhino/modbus-cloud-agent/internal/transport"
)

// connectionErrorFragments is the case-insensitive connection-error
// predicate of spec.md §4.5.
var connectionErrorFragments = []string{
	"port not open", "econn", "epipe", "reset", "closed", "socket", "timeout",
}

// isConnectionError reports whether err's message matches the
// connection-error predicate.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range connectionErrorFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

// NowFunc lets tests substitute a fixed iteration timestamp source.
type NowFunc func() time.Time

// Scheduler runs one goroutine+ticker per (device, group) pair (spec.md
// §4.5). apply(config) is idempotent: it always tears down every prior
// timer before arming the new set.
type Scheduler struct {
	pool       *pool.Pool
	values     *buffer.ValueCache
	historical *buffer.Historical
	transmit   *buffer.Transmit
	logger     *slog.Logger
	now        NowFunc

	mu      sync.Mutex
	running []*groupRunner
}

func New(p *pool.Pool, values *buffer.ValueCache, historical *buffer.Historical, transmit *buffer.Transmit, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		pool:       p,
		values:     values,
		historical: historical,
		transmit:   transmit,
		logger:     logger,
		now:        time.Now,
	}
}

// groupRunner owns one (device, group)'s ticker and the mutex that keeps a
// slow iteration from overlapping the next tick (spec.md §4.5 re-entrancy).
type groupRunner struct {
	device domain.Device
	group  domain.PollGroup

	mu     sync.Mutex
	ticker *time.Ticker
	stop   chan struct{}
	done   chan struct{}
}

// Apply stops every running (device, group) timer and starts one per group
// in config, atomically with respect to observers: by the time Apply
// returns, no stale timer remains and every new one is armed.
func (s *Scheduler) Apply(config *domain.PollingConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.running {
		r.stopAndWait()
	}
	s.running = nil

	if config == nil {
		return
	}

	for _, device := range config.Devices {
		for _, group := range device.PollGroups {
			r := &groupRunner{
				device: device,
				group:  group,
				stop:   make(chan struct{}),
				done:   make(chan struct{}),
			}
			s.running = append(s.running, r)
			r.start(s)
		}
	}
}

// Stop tears down every running timer; used on agent shutdown.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.running {
		r.stopAndWait()
	}
	s.running = nil
}

func (r *groupRunner) start(s *Scheduler) {
	r.ticker = time.NewTicker(time.Duration(r.group.IntervalMS) * time.Millisecond)
	go func() {
		defer close(r.done)
		for {
			select {
			case <-r.stop:
				r.ticker.Stop()
				return
			case <-r.ticker.C:
				r.runIteration(s)
			}
		}
	}()
}

func (r *groupRunner) stopAndWait() {
	close(r.stop)
	<-r.done
}

// runIteration executes spec.md §4.5's per-iteration algorithm. The
// per-group mutex ensures a tick that fires mid-iteration is simply
// skipped rather than overlapping.
func (r *groupRunner) runIteration(s *Scheduler) {
	if !r.mu.TryLock() {
		return
	}
	defer r.mu.Unlock()

	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("polling iteration panicked, recovering", "device", r.device.DeviceID, "group", r.group.GroupID, "panic", rec)
		}
	}()

	ts := s.now().UTC().Format("2006-01-02T15:04:05.000Z")

	session, err := s.pool.Acquire(r.device.Protocol, r.device.ConnectionParams)
	if err != nil {
		s.logger.Warn("poll group: acquire failed, recording bad samples", "device", r.device.DeviceID, "group", r.group.GroupID, "error", err)
		for _, reg := range r.group.Registers {
			s.historical.Append(domain.BadSample(r.device.DeviceID, reg.RegisterID, ts))
		}
		return
	}

	commands := optimizer.Build(r.group.Registers, domain.DefaultMaxBlockSize)
	fullRefreshDue := s.transmit.ShouldSendFullRefresh()

	for _, cmd := range commands {
		s.executeCommand(r, session, cmd, ts, fullRefreshDue)
	}
}

func (s *Scheduler) executeCommand(r *groupRunner, session transport.Session, cmd optimizer.ReadCommand, ts string, fullRefreshDue bool) {
	unitID := uint8(r.device.ConnectionParams.UnitID)
	if unitID == 0 {
		unitID = 1
	}
	start := optimizer.NormalizeAddress(cmd.StartAddress)

	if !session.Healthy() {
		s.pool.Evict(r.device.Protocol, r.device.ConnectionParams)
		var err error
		session, err = s.pool.Acquire(r.device.Protocol, r.device.ConnectionParams)
		if err != nil {
			s.recordBad(r, cmd, ts)
			return
		}
	}

	values, err := session.ReadHoldingRegisters(unitID, uint16(start), cmd.Count)
	if err == nil {
		s.recordGood(r, cmd, ts, values, fullRefreshDue)
		return
	}

	if !isConnectionError(err) {
		s.logger.Warn("poll command failed, non-connection error", "device", r.device.DeviceID, "group", r.group.GroupID, "error", err)
		s.recordBad(r, cmd, ts)
		return
	}

	s.logger.Warn("poll command failed with connection error, evicting and retrying once", "device", r.device.DeviceID, "group", r.group.GroupID, "error", err)
	s.pool.Evict(r.device.Protocol, r.device.ConnectionParams)
	session, err = s.pool.Acquire(r.device.Protocol, r.device.ConnectionParams)
	if err != nil {
		s.recordBad(r, cmd, ts)
		return
	}

	values, err = session.ReadHoldingRegisters(unitID, uint16(start), cmd.Count)
	if err != nil {
		s.logger.Warn("poll command retry failed", "device", r.device.DeviceID, "group", r.group.GroupID, "error", err)
		s.recordBad(r, cmd, ts)
		return
	}
	s.recordGood(r, cmd, ts, values, fullRefreshDue)
}

func (s *Scheduler) recordGood(r *groupRunner, cmd optimizer.ReadCommand, ts string, values []uint16, fullRefreshDue bool) {
	for i, reg := range cmd.Registers {
		v := []uint16{values[i]}
		changed := s.values.Update(r.device.DeviceID, reg.RegisterID, v)
		s.historical.Append(domain.GoodSample(r.device.DeviceID, reg.RegisterID, ts, v))
		if changed || fullRefreshDue {
			s.transmit.Enqueue(buffer.ChangeSample{DeviceID: r.device.DeviceID, RegisterID: reg.RegisterID, Value: v})
		}
	}
}

func (s *Scheduler) recordBad(r *groupRunner, cmd optimizer.ReadCommand, ts string) {
	for _, reg := range cmd.Registers {
		s.historical.Append(domain.BadSample(r.device.DeviceID, reg.RegisterID, ts))
	}
}
