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

// Package pool is the Device Connection Pool of spec.md §4.3: a keyed
// cache of live Modbus sessions with health checks and bounded reconnects.
// It is a map of cached sessions keyed by CanonicalKey and guarded by a
// single mutex; health is read from each session on Acquire.
package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	serial "github.com/hootrhino/goserial"

	"github.com/hootrhino/modbus-cloud-agent/internal/domain"
	"github.com/hootrhino/modbus-cloud-agent/internal/transport"
)

var (
	// ErrUnknownProtocol is returned when Protocol is empty and cannot be
	// inferred from ConnectionParams (spec.md §4.3's protocol inference).
	ErrUnknownProtocol = errors.New("pool: cannot infer protocol: need deviceIp/ip or serialPort")
)

const (
	establishRetries    = 3
	establishBackoff    = 2 * time.Second
	tcpProbeTimeout     = 2 * time.Second
	defaultTCPPort      = 502
	defaultUnitID       = 1
	defaultBaudRate     = 9600
	defaultParity       = "none"
	defaultDataBits     = 8
	defaultStopBits     = 1
	sessionReadTimeout  = 10 * time.Second
	sessionWriteTimeout = 10 * time.Second
)

// entry is one cached connection; its canonical key is the map key.
type entry struct {
	session transport.Session
}

// Pool caches one transport.Session per canonical connection key.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*entry
	logger  *slog.Logger

	// dialSerial is overridable in tests; defaults to goserial.Open.
	dialSerial func(cfg serialDialConfig) (transport.SerialPort, error)
}

type serialDialConfig struct {
	Name     string
	BaudRate int
	Parity   string
	DataBits int
	StopBits int
}

// New creates an empty pool.
func New(logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		entries:    make(map[string]*entry),
		logger:     logger,
		dialSerial: openSerialPort,
	}
}

func openSerialPort(cfg serialDialConfig) (transport.SerialPort, error) {
	parity := "N"
	switch cfg.Parity {
	case "even":
		parity = "E"
	case "odd":
		parity = "O"
	}
	port, err := serial.Open(&serial.Config{
		Address:  cfg.Name,
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		Parity:   parity,
		StopBits: cfg.StopBits,
		Timeout:  sessionReadTimeout,
	})
	if err != nil {
		return nil, err
	}
	return port, nil
}

// resolveProtocol infers the protocol when Device.Protocol is empty, per
// spec.md §4.3: "presence of deviceIp/ip implies tcp; presence of
// serialPort implies rtu; otherwise fail."
func resolveProtocol(proto domain.Protocol, p domain.ConnectionParams) (domain.Protocol, error) {
	if proto != "" {
		return proto, nil
	}
	if p.IP != "" {
		return domain.ProtocolTCP, nil
	}
	if p.SerialPort != "" {
		return domain.ProtocolRTU, nil
	}
	return "", ErrUnknownProtocol
}

// CanonicalKey canonicalizes a Device's connection params into a cache key
// containing only the fields that affect the wire session, per spec.md
// §9's fragmentation concern: a device-local `timeout` override (were one
// to exist) must not split the cache entry.
func CanonicalKey(proto domain.Protocol, p domain.ConnectionParams) (string, error) {
	proto, err := resolveProtocol(proto, p)
	if err != nil {
		return "", err
	}
	unitID := p.UnitID
	if unitID == 0 {
		unitID = defaultUnitID
	}
	switch proto {
	case domain.ProtocolTCP:
		port := p.Port
		if port == 0 {
			port = defaultTCPPort
		}
		return fmt.Sprintf("tcp|%s|%d|%d", p.IP, port, unitID), nil
	case domain.ProtocolRTU:
		baud := p.BaudRate
		if baud == 0 {
			baud = defaultBaudRate
		}
		parity := p.Parity
		if parity == "" {
			parity = defaultParity
		}
		dataBits := p.DataBits
		if dataBits == 0 {
			dataBits = defaultDataBits
		}
		stopBits := p.StopBits
		if stopBits == 0 {
			stopBits = defaultStopBits
		}
		return fmt.Sprintf("rtu|%s|%d|%s|%d|%d|%d", p.SerialPort, baud, parity, dataBits, stopBits, unitID), nil
	default:
		return "", ErrUnknownProtocol
	}
}

// Acquire returns a healthy session for params, reusing a cached one when
// healthy, establishing (with retry) on miss or on a cached-but-unhealthy
// entry.
func (pl *Pool) Acquire(proto domain.Protocol, params domain.ConnectionParams) (transport.Session, error) {
	key, err := CanonicalKey(proto, params)
	if err != nil {
		return nil, err
	}

	pl.mu.Lock()
	if e, ok := pl.entries[key]; ok {
		if e.session.Healthy() {
			pl.mu.Unlock()
			return e.session, nil
		}
		delete(pl.entries, key)
	}
	pl.mu.Unlock()

	resolved, _ := resolveProtocol(proto, params)
	session, err := pl.establish(resolved, params)
	if err != nil {
		return nil, err
	}

	pl.mu.Lock()
	pl.entries[key] = &entry{session: session}
	pl.mu.Unlock()
	return session, nil
}

// Evict closes and removes the cached session for params, if any. The
// scheduler calls this after a read error matching the connection-error
// predicate (spec.md §4.5).
func (pl *Pool) Evict(proto domain.Protocol, params domain.ConnectionParams) {
	key, err := CanonicalKey(proto, params)
	if err != nil {
		return
	}
	pl.mu.Lock()
	e, ok := pl.entries[key]
	if ok {
		delete(pl.entries, key)
	}
	pl.mu.Unlock()
	if ok {
		_ = e.session.Close()
	}
}

// CloseAll evicts and closes every cached session; used on reconfiguration
// and shutdown (spec.md §5).
func (pl *Pool) CloseAll() {
	pl.mu.Lock()
	entries := pl.entries
	pl.entries = make(map[string]*entry)
	pl.mu.Unlock()
	for _, e := range entries {
		_ = e.session.Close()
	}
}

// establish dials up to establishRetries times with a linear 2s backoff,
// per spec.md §4.3. On TCP failure it also runs a bare reachability probe
// and logs the outcome, purely for diagnostics.
func (pl *Pool) establish(proto domain.Protocol, params domain.ConnectionParams) (transport.Session, error) {
	policy := backoff.WithMaxRetries(&backoff.ConstantBackOff{Interval: establishBackoff}, establishRetries-1)

	var session transport.Session
	operation := func() error {
		s, err := pl.dial(proto, params)
		if err != nil {
			if proto == domain.ProtocolTCP {
				pl.probeTCPReachability(params)
			}
			pl.logger.Warn("modbus establish failed, retrying", "protocol", proto, "error", err)
			return err
		}
		session = s
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("pool: establish %s after %d attempts: %w", proto, establishRetries, err)
	}
	return session, nil
}

func (pl *Pool) dial(proto domain.Protocol, params domain.ConnectionParams) (transport.Session, error) {
	switch proto {
	case domain.ProtocolTCP:
		port := params.Port
		if port == 0 {
			port = defaultTCPPort
		}
		addr := fmt.Sprintf("%s:%d", params.IP, port)
		cfg := transport.DefaultTCPSessionConfig()
		return transport.NewTCPSession(addr, cfg, pl.logger)
	case domain.ProtocolRTU:
		baud := params.BaudRate
		if baud == 0 {
			baud = defaultBaudRate
		}
		parity := params.Parity
		if parity == "" {
			parity = defaultParity
		}
		dataBits := params.DataBits
		if dataBits == 0 {
			dataBits = defaultDataBits
		}
		stopBits := params.StopBits
		if stopBits == 0 {
			stopBits = defaultStopBits
		}
		port, err := pl.dialSerial(serialDialConfig{
			Name:     params.SerialPort,
			BaudRate: baud,
			Parity:   parity,
			DataBits: dataBits,
			StopBits: stopBits,
		})
		if err != nil {
			return nil, fmt.Errorf("pool: open serial port %s: %w", params.SerialPort, err)
		}
		return transport.NewRTUSession(port, sessionReadTimeout), nil
	default:
		return nil, ErrUnknownProtocol
	}
}

// probeTCPReachability runs a bare 2s TCP connect to distinguish "device
// refused/reset" from "network unreachable", logging the outcome only —
// spec.md §4.3: "run a 2-second reachability probe and log its outcome."
func (pl *Pool) probeTCPReachability(params domain.ConnectionParams) {
	port := params.Port
	if port == 0 {
		port = defaultTCPPort
	}
	addr := fmt.Sprintf("%s:%d", params.IP, port)
	conn, err := net.DialTimeout("tcp", addr, tcpProbeTimeout)
	if err != nil {
		pl.logger.Warn("tcp reachability probe failed", "address", addr, "error", err)
		return
	}
	_ = conn.Close()
	pl.logger.Info("tcp reachability probe succeeded, device refused modbus session", "address", addr)
}
