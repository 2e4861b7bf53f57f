package agent

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/hootrhino/modbus-cloud-agent/internal/control"
	"github.com/hootrhino/modbus-cloud-agent/internal/domain"
	"github.com/hootrhino/modbus-cloud-agent/internal/optimizer"
)

// registerCommandHandlers binds the command types spec.md §6 names to
// their handlers. Every handler returns a descriptive error rather than
// panicking, per spec.md §7's configuration error-taxonomy entry.
func (a *Agent) registerCommandHandlers() {
	a.channel.RegisterHandler("set_polling_config", a.handleSetPollingConfig)
	a.channel.RegisterHandler("network_scan", a.handleNetworkScan)
	a.channel.RegisterHandler("modbus_read", a.handleModbusRead)
	a.channel.RegisterHandler("modbus_write", a.handleModbusWrite)
	a.channel.RegisterHandler("test_communication", a.handleTestCommunication)
}

func (a *Agent) handleSetPollingConfig(cmd control.Command) (map[string]any, error) {
	raw, ok := cmd.Raw["config"]
	if !ok {
		return nil, fmt.Errorf("set_polling_config: missing config payload")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("set_polling_config: re-encode payload: %w", err)
	}
	var cfg domain.PollingConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("set_polling_config: decode config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("set_polling_config: %w", err)
	}
	a.Apply(&cfg)
	return map[string]any{"applied": true, "configId": cfg.ConfigID}, nil
}

type networkScanRequest struct {
	Hosts []string `json:"hosts"`
	Port  int      `json:"port"`
}

// handleNetworkScan probes a caller-supplied list of candidate hosts for
// an open Modbus TCP port. It does not enumerate a subnet itself — the
// control plane is expected to supply the host list (see DESIGN.md).
func (a *Agent) handleNetworkScan(cmd control.Command) (map[string]any, error) {
	data, err := json.Marshal(cmd.Raw)
	if err != nil {
		return nil, fmt.Errorf("network_scan: re-encode payload: %w", err)
	}
	var req networkScanRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("network_scan: decode payload: %w", err)
	}
	if len(req.Hosts) == 0 {
		return nil, fmt.Errorf("network_scan: no hosts supplied")
	}
	port := req.Port
	if port == 0 {
		port = 502
	}

	reachable := make([]string, 0, len(req.Hosts))
	for _, host := range req.Hosts {
		addr := fmt.Sprintf("%s:%d", host, port)
		conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
		if err != nil {
			continue
		}
		_ = conn.Close()
		reachable = append(reachable, host)
	}
	return map[string]any{"reachable": reachable}, nil
}

type modbusReadRequest struct {
	DeviceID string `json:"deviceId"`
	Address  uint32 `json:"address"`
	Count    uint16 `json:"count"`
	Function uint8  `json:"function"`
}

func (a *Agent) lookupDevice(deviceID string) (domain.Device, error) {
	cfg := a.ActiveConfig()
	if cfg == nil {
		return domain.Device{}, fmt.Errorf("no active config")
	}
	for _, d := range cfg.Devices {
		if d.DeviceID == deviceID {
			return d, nil
		}
	}
	return domain.Device{}, fmt.Errorf("unknown deviceId: %s", deviceID)
}

func unitIDOf(d domain.Device) uint8 {
	if d.ConnectionParams.UnitID == 0 {
		return 1
	}
	return uint8(d.ConnectionParams.UnitID)
}

func (a *Agent) handleModbusRead(cmd control.Command) (map[string]any, error) {
	data, err := json.Marshal(cmd.Raw)
	if err != nil {
		return nil, fmt.Errorf("modbus_read: re-encode payload: %w", err)
	}
	var req modbusReadRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("modbus_read: decode payload: %w", err)
	}
	device, err := a.lookupDevice(req.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("modbus_read: %w", err)
	}

	session, err := a.pool.Acquire(device.Protocol, device.ConnectionParams)
	if err != nil {
		return nil, fmt.Errorf("modbus_read: acquire connection: %w", err)
	}

	unitID := unitIDOf(device)
	start := uint16(optimizer.NormalizeAddress(req.Address))
	count := req.Count
	if count == 0 {
		count = 1
	}

	switch req.Function {
	case 1:
		values, err := session.ReadCoils(unitID, start, count)
		if err != nil {
			return nil, fmt.Errorf("modbus_read: %w", err)
		}
		return map[string]any{"values": values}, nil
	case 2:
		values, err := session.ReadDiscreteInputs(unitID, start, count)
		if err != nil {
			return nil, fmt.Errorf("modbus_read: %w", err)
		}
		return map[string]any{"values": values}, nil
	case 4:
		values, err := session.ReadInputRegisters(unitID, start, count)
		if err != nil {
			return nil, fmt.Errorf("modbus_read: %w", err)
		}
		return map[string]any{"values": values}, nil
	default:
		values, err := session.ReadHoldingRegisters(unitID, start, count)
		if err != nil {
			return nil, fmt.Errorf("modbus_read: %w", err)
		}
		return map[string]any{"values": values}, nil
	}
}

type modbusWriteRequest struct {
	DeviceID string   `json:"deviceId"`
	Address  uint32   `json:"address"`
	Value    *uint16  `json:"value"`
	Values   []uint16 `json:"values"`
	Function uint8    `json:"function"`
}

func (a *Agent) handleModbusWrite(cmd control.Command) (map[string]any, error) {
	data, err := json.Marshal(cmd.Raw)
	if err != nil {
		return nil, fmt.Errorf("modbus_write: re-encode payload: %w", err)
	}
	var req modbusWriteRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("modbus_write: decode payload: %w", err)
	}
	device, err := a.lookupDevice(req.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("modbus_write: %w", err)
	}

	session, err := a.pool.Acquire(device.Protocol, device.ConnectionParams)
	if err != nil {
		return nil, fmt.Errorf("modbus_write: acquire connection: %w", err)
	}

	unitID := unitIDOf(device)
	start := uint16(optimizer.NormalizeAddress(req.Address))

	switch req.Function {
	case 5:
		if req.Value == nil {
			return nil, fmt.Errorf("modbus_write: missing value for single coil write")
		}
		if err := session.WriteSingleCoil(unitID, start, *req.Value != 0); err != nil {
			return nil, fmt.Errorf("modbus_write: %w", err)
		}
	case 15:
		bits := make([]bool, len(req.Values))
		for i, v := range req.Values {
			bits[i] = v != 0
		}
		if err := session.WriteMultipleCoils(unitID, start, bits); err != nil {
			return nil, fmt.Errorf("modbus_write: %w", err)
		}
	case 16:
		if err := session.WriteMultipleRegisters(unitID, start, req.Values); err != nil {
			return nil, fmt.Errorf("modbus_write: %w", err)
		}
	default:
		if req.Value == nil {
			return nil, fmt.Errorf("modbus_write: missing value for single register write")
		}
		if err := session.WriteSingleRegister(unitID, start, *req.Value); err != nil {
			return nil, fmt.Errorf("modbus_write: %w", err)
		}
	}
	return map[string]any{"written": true}, nil
}

type testCommunicationRequest struct {
	DeviceID string `json:"deviceId"`
}

func (a *Agent) handleTestCommunication(cmd control.Command) (map[string]any, error) {
	data, err := json.Marshal(cmd.Raw)
	if err != nil {
		return nil, fmt.Errorf("test_communication: re-encode payload: %w", err)
	}
	var req testCommunicationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("test_communication: decode payload: %w", err)
	}
	device, err := a.lookupDevice(req.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("test_communication: %w", err)
	}

	session, err := a.pool.Acquire(device.Protocol, device.ConnectionParams)
	if err != nil {
		return map[string]any{"success": false, "error": err.Error()}, nil
	}
	return map[string]any{"success": session.Healthy()}, nil
}
