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

// Package domain holds the polling config object model shared across the
// agent: registers, poll groups, devices and the samples they produce.
// Register words are carried raw ([]uint16) — no scaling, byte-swapping or
// typing is performed anywhere in this package or its consumers.
package domain

import "fmt"

// Protocol identifies the wire protocol used to reach a Device.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolRTU Protocol = "rtu"
)

// Quality reports whether a Sample's Value is trustworthy.
type Quality string

const (
	QualityGood Quality = "good"
	QualityBad  Quality = "bad"
)

// Register is a single addressable Modbus word owned by a PollGroup.
type Register struct {
	RegisterID string // unique within its PollGroup
	Address    uint32 // engineering-notation or absolute address, see optimizer.NormalizeAddress
	Function   uint8  // optional function-code hint; scheduled polling ignores it and reads with FC3
}

// PollGroup is a set of Registers sharing a poll interval on one Device.
type PollGroup struct {
	GroupID    string
	IntervalMS int64
	Registers  []Register
}

// ConnectionParams carries whatever a Device needs to reach its physical
// transport. The pool builds its cache key from only the fields that
// affect the wire session (see pool.CanonicalKey).
type ConnectionParams struct {
	// TCP
	IP   string
	Port int

	// RTU
	SerialPort string
	BaudRate   int
	Parity     string // "none", "even", "odd"
	DataBits   int
	StopBits   int

	// Shared
	UnitID int // Modbus unit/slave id, default 1
}

// Device is a single physical or virtual Modbus endpoint.
type Device struct {
	DeviceID         string
	Protocol         Protocol // empty means "infer from ConnectionParams"
	ConnectionParams ConnectionParams
	PollGroups       []PollGroup
}

// PollingConfig is the full tree of devices/groups/registers an agent
// applies at any one time. At most one is active.
type PollingConfig struct {
	ConfigID                  string
	ConfigName                string
	FullRefreshIntervalMS     int64
	BatchWindowMS             int64
	HistoricalBatchIntervalMS int64
	Devices                   []Device
}

// Defaults mirror spec.md §4.4/§4.8/§4.9.
const (
	DefaultFullRefreshIntervalMS     = 300_000
	DefaultBatchWindowMS             = 2_000
	DefaultHistoricalBatchIntervalMS = 60_000
	DefaultHistoricalBufferCap       = 10_000
	DefaultMaxBlockSize              = 125
)

// ApplyDefaults fills zero-valued tuning knobs with spec defaults. It
// mutates and returns the same config for convenient chaining.
func (c *PollingConfig) ApplyDefaults() *PollingConfig {
	if c.FullRefreshIntervalMS <= 0 {
		c.FullRefreshIntervalMS = DefaultFullRefreshIntervalMS
	}
	if c.BatchWindowMS <= 0 {
		c.BatchWindowMS = DefaultBatchWindowMS
	}
	if c.HistoricalBatchIntervalMS <= 0 {
		c.HistoricalBatchIntervalMS = DefaultHistoricalBatchIntervalMS
	}
	return c
}

// Validate checks the invariants spec.md §3 requires: unique RegisterID
// within a PollGroup, unique GroupID within a Device, unique DeviceID
// within the config.
func (c *PollingConfig) Validate() error {
	deviceIDs := make(map[string]bool, len(c.Devices))
	for _, d := range c.Devices {
		if deviceIDs[d.DeviceID] {
			return fmt.Errorf("duplicate deviceId: %s", d.DeviceID)
		}
		deviceIDs[d.DeviceID] = true

		groupIDs := make(map[string]bool, len(d.PollGroups))
		for _, g := range d.PollGroups {
			if groupIDs[g.GroupID] {
				return fmt.Errorf("device %s: duplicate groupId: %s", d.DeviceID, g.GroupID)
			}
			groupIDs[g.GroupID] = true
			if g.IntervalMS <= 0 {
				return fmt.Errorf("device %s group %s: intervalMs must be positive", d.DeviceID, g.GroupID)
			}

			regIDs := make(map[string]bool, len(g.Registers))
			for _, r := range g.Registers {
				if regIDs[r.RegisterID] {
					return fmt.Errorf("device %s group %s: duplicate registerId: %s", d.DeviceID, g.GroupID, r.RegisterID)
				}
				regIDs[r.RegisterID] = true
			}
		}
	}
	return nil
}

// Sample is one observation of a register's value at a point in time.
// A nil Value always carries QualityBad, per spec.md §3.
type Sample struct {
	DeviceID   string   `json:"deviceId"`
	RegisterID string   `json:"registerId"`
	Value      []uint16 `json:"value"`
	Timestamp  string   `json:"timestamp"` // ISO-8601 UTC, millisecond precision
	Quality    Quality  `json:"quality"`
}

// BadSample constructs a failed-read Sample sharing one iteration timestamp.
func BadSample(deviceID, registerID, timestamp string) Sample {
	return Sample{DeviceID: deviceID, RegisterID: registerID, Value: nil, Timestamp: timestamp, Quality: QualityBad}
}

// GoodSample constructs a successful-read Sample sharing one iteration timestamp.
func GoodSample(deviceID, registerID, timestamp string, value []uint16) Sample {
	return Sample{DeviceID: deviceID, RegisterID: registerID, Value: value, Timestamp: timestamp, Quality: QualityGood}
}
