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

// Package transport implements the Modbus TCP and RTU wire protocols: MBAP
// framing, RTU CRC framing, and PDU encode/decode for the function codes
// spec.md §6 enumerates. It has no notion of devices, pools or polling —
// those live in internal/pool and internal/scheduler.
package transport

import (
	"encoding/binary"
	"fmt"
)

// Function codes supported per spec.md §6.
const (
	FuncCodeReadCoils              uint8 = 1
	FuncCodeReadDiscreteInputs     uint8 = 2
	FuncCodeReadHoldingRegisters   uint8 = 3
	FuncCodeReadInputRegisters     uint8 = 4
	FuncCodeWriteSingleCoil        uint8 = 5
	FuncCodeWriteSingleRegister    uint8 = 6
	FuncCodeWriteMultipleCoils     uint8 = 15
	FuncCodeWriteMultipleRegisters uint8 = 16

	exceptionBit uint8 = 0x80
)

// ModbusError is returned when the remote device answers with an exception
// response (function code with the high bit set).
type ModbusError struct {
	FunctionCode  uint8
	ExceptionCode uint8
}

func (e *ModbusError) Error() string {
	return fmt.Sprintf("modbus: function 0x%02X exception 0x%02X: %s", e.FunctionCode, e.ExceptionCode, exceptionMessage(e.ExceptionCode))
}

func exceptionMessage(code uint8) string {
	switch code {
	case 0x01:
		return "illegal function"
	case 0x02:
		return "illegal data address"
	case 0x03:
		return "illegal data value"
	case 0x04:
		return "slave device failure"
	case 0x05:
		return "acknowledge"
	case 0x06:
		return "slave device busy"
	case 0x08:
		return "memory parity error"
	case 0x0A:
		return "gateway path unavailable"
	case 0x0B:
		return "gateway target device failed to respond"
	default:
		return "unknown exception code"
	}
}

// buildReadRequest builds the PDU for any of the four read function codes.
func buildReadRequest(fc uint8, start, quantity uint16) []byte {
	pdu := make([]byte, 5)
	pdu[0] = fc
	binary.BigEndian.PutUint16(pdu[1:3], start)
	binary.BigEndian.PutUint16(pdu[3:5], quantity)
	return pdu
}

// checkResponse validates the response PDU's function code against the
// request, unwrapping a Modbus exception response into a *ModbusError.
func checkResponse(requestFC uint8, resp []byte) error {
	if len(resp) == 0 {
		return fmt.Errorf("modbus: empty response")
	}
	if resp[0] == requestFC|exceptionBit {
		if len(resp) < 2 {
			return fmt.Errorf("modbus: malformed exception response")
		}
		return &ModbusError{FunctionCode: requestFC, ExceptionCode: resp[1]}
	}
	if resp[0] != requestFC {
		return fmt.Errorf("modbus: unexpected function code 0x%02X in response, expected 0x%02X", resp[0], requestFC)
	}
	return nil
}

func decodeBits(resp []byte, quantity uint16) ([]bool, error) {
	if len(resp) < 2 {
		return nil, fmt.Errorf("modbus: response too short")
	}
	byteCount := int(resp[1])
	if len(resp) != 2+byteCount {
		return nil, fmt.Errorf("modbus: response data size %d does not match byte count %d", len(resp)-2, byteCount)
	}
	bits := make([]bool, quantity)
	for i := 0; i < int(quantity); i++ {
		byteIdx, bitIdx := i/8, uint(i%8)
		if byteIdx >= byteCount {
			break
		}
		bits[i] = resp[2+byteIdx]&(1<<bitIdx) != 0
	}
	return bits, nil
}

func decodeRegisters(resp []byte, quantity uint16) ([]uint16, error) {
	if len(resp) < 2 {
		return nil, fmt.Errorf("modbus: response too short")
	}
	byteCount := int(resp[1])
	if byteCount != int(quantity)*2 || len(resp) != 2+byteCount {
		return nil, fmt.Errorf("modbus: response data size %d does not match expected %d", len(resp)-2, int(quantity)*2)
	}
	values := make([]uint16, quantity)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(resp[2+i*2 : 4+i*2])
	}
	return values, nil
}

func packBits(values []bool) []byte {
	byteCount := (len(values) + 7) / 8
	out := make([]byte, byteCount)
	for i, v := range values {
		if v {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

func packRegisters(values []uint16) []byte {
	out := make([]byte, len(values)*2)
	for i, v := range values {
		binary.BigEndian.PutUint16(out[i*2:i*2+2], v)
	}
	return out
}

func buildWriteSingleCoil(address uint16, value bool) []byte {
	pdu := make([]byte, 5)
	pdu[0] = FuncCodeWriteSingleCoil
	binary.BigEndian.PutUint16(pdu[1:3], address)
	v := uint16(0x0000)
	if value {
		v = 0xFF00
	}
	binary.BigEndian.PutUint16(pdu[3:5], v)
	return pdu
}

func buildWriteSingleRegister(address, value uint16) []byte {
	pdu := make([]byte, 5)
	pdu[0] = FuncCodeWriteSingleRegister
	binary.BigEndian.PutUint16(pdu[1:3], address)
	binary.BigEndian.PutUint16(pdu[3:5], value)
	return pdu
}

func buildWriteMultipleCoils(start uint16, values []bool) []byte {
	data := packBits(values)
	pdu := make([]byte, 6+len(data))
	pdu[0] = FuncCodeWriteMultipleCoils
	binary.BigEndian.PutUint16(pdu[1:3], start)
	binary.BigEndian.PutUint16(pdu[3:5], uint16(len(values)))
	pdu[5] = byte(len(data))
	copy(pdu[6:], data)
	return pdu
}

func buildWriteMultipleRegisters(start uint16, values []uint16) []byte {
	data := packRegisters(values)
	pdu := make([]byte, 6+len(data))
	pdu[0] = FuncCodeWriteMultipleRegisters
	binary.BigEndian.PutUint16(pdu[1:3], start)
	binary.BigEndian.PutUint16(pdu[3:5], uint16(len(values)))
	pdu[5] = byte(len(data))
	copy(pdu[6:], data)
	return pdu
}
