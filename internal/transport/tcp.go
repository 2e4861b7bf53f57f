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

package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	tcpHeaderLength = 7   // MBAP header: txID(2) + protoID(2) + length(2) + unitID(1)
	maxPDULength    = 253
	protocolIDTCP   = 0x0000
)

// TCPSessionConfig configures a TCPSession. KeepAliveIdle mirrors spec.md
// §4.3: "Set TCP keep-alive (≤ 1s idle probe) upon first establish."
type TCPSessionConfig struct {
	Timeout       time.Duration
	KeepAliveIdle time.Duration
}

func DefaultTCPSessionConfig() TCPSessionConfig {
	return TCPSessionConfig{
		Timeout:       10 * time.Second,
		KeepAliveIdle: 1 * time.Second,
	}
}

// TCPSession implements Session over a single net.Conn.
type TCPSession struct {
	conn          net.Conn
	timeout       time.Duration
	transactionID uint32
	mu            sync.Mutex
	closed        atomic.Bool
	logger        *slog.Logger
}

// NewTCPSession dials addr and configures keep-alive per cfg.
func NewTCPSession(addr string, cfg TCPSessionConfig, logger *slog.Logger) (*TCPSession, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := net.DialTimeout("tcp", addr, cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("modbus tcp dial %s: %w", addr, err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(cfg.KeepAliveIdle)
	}
	return &TCPSession{conn: conn, timeout: cfg.Timeout, logger: logger}, nil
}

func (s *TCPSession) nextTransactionID() uint16 {
	return uint16(atomic.AddUint32(&s.transactionID, 1) & 0xFFFF)
}

func (s *TCPSession) pack(txID uint16, unitID uint8, pdu []byte) []byte {
	length := uint16(len(pdu) + 1)
	frame := make([]byte, tcpHeaderLength+len(pdu))
	binary.BigEndian.PutUint16(frame[0:2], txID)
	binary.BigEndian.PutUint16(frame[2:4], protocolIDTCP)
	binary.BigEndian.PutUint16(frame[4:6], length)
	frame[6] = unitID
	copy(frame[7:], pdu)
	return frame
}

func (s *TCPSession) sendAndReceive(unitID uint8, pdu []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return nil, fmt.Errorf("modbus tcp: session closed")
	}

	txID := s.nextTransactionID()
	frame := s.pack(txID, unitID, pdu)

	if s.timeout > 0 {
		_ = s.conn.SetDeadline(time.Now().Add(s.timeout))
		defer s.conn.SetDeadline(time.Time{})
	}

	if _, err := s.conn.Write(frame); err != nil {
		return nil, fmt.Errorf("modbus tcp write: %w", err)
	}

	header := make([]byte, tcpHeaderLength)
	if _, err := io.ReadFull(s.conn, header); err != nil {
		return nil, fmt.Errorf("modbus tcp read header: %w", err)
	}
	respTxID := binary.BigEndian.Uint16(header[0:2])
	length := binary.BigEndian.Uint16(header[4:6])
	if length == 0 || int(length) > maxPDULength+1 {
		return nil, fmt.Errorf("modbus tcp: invalid length field %d", length)
	}
	respUnitID := header[6]

	respPDU := make([]byte, int(length)-1)
	if len(respPDU) > 0 {
		if _, err := io.ReadFull(s.conn, respPDU); err != nil {
			return nil, fmt.Errorf("modbus tcp read pdu: %w", err)
		}
	}

	if respTxID != txID {
		return nil, fmt.Errorf("modbus tcp: transaction id mismatch: sent 0x%04X got 0x%04X", txID, respTxID)
	}
	if respUnitID != unitID {
		return nil, fmt.Errorf("modbus tcp: unit id mismatch: sent %d got %d", unitID, respUnitID)
	}
	return respPDU, nil
}

func (s *TCPSession) ReadCoils(unitID uint8, start, quantity uint16) ([]bool, error) {
	resp, err := s.sendAndReceive(unitID, buildReadRequest(FuncCodeReadCoils, start, quantity))
	if err != nil {
		return nil, err
	}
	if err := checkResponse(FuncCodeReadCoils, resp); err != nil {
		return nil, err
	}
	return decodeBits(resp, quantity)
}

func (s *TCPSession) ReadDiscreteInputs(unitID uint8, start, quantity uint16) ([]bool, error) {
	resp, err := s.sendAndReceive(unitID, buildReadRequest(FuncCodeReadDiscreteInputs, start, quantity))
	if err != nil {
		return nil, err
	}
	if err := checkResponse(FuncCodeReadDiscreteInputs, resp); err != nil {
		return nil, err
	}
	return decodeBits(resp, quantity)
}

func (s *TCPSession) ReadHoldingRegisters(unitID uint8, start, quantity uint16) ([]uint16, error) {
	resp, err := s.sendAndReceive(unitID, buildReadRequest(FuncCodeReadHoldingRegisters, start, quantity))
	if err != nil {
		return nil, err
	}
	if err := checkResponse(FuncCodeReadHoldingRegisters, resp); err != nil {
		return nil, err
	}
	return decodeRegisters(resp, quantity)
}

func (s *TCPSession) ReadInputRegisters(unitID uint8, start, quantity uint16) ([]uint16, error) {
	resp, err := s.sendAndReceive(unitID, buildReadRequest(FuncCodeReadInputRegisters, start, quantity))
	if err != nil {
		return nil, err
	}
	if err := checkResponse(FuncCodeReadInputRegisters, resp); err != nil {
		return nil, err
	}
	return decodeRegisters(resp, quantity)
}

func (s *TCPSession) WriteSingleCoil(unitID uint8, address uint16, value bool) error {
	resp, err := s.sendAndReceive(unitID, buildWriteSingleCoil(address, value))
	if err != nil {
		return err
	}
	return checkResponse(FuncCodeWriteSingleCoil, resp)
}

func (s *TCPSession) WriteSingleRegister(unitID uint8, address, value uint16) error {
	resp, err := s.sendAndReceive(unitID, buildWriteSingleRegister(address, value))
	if err != nil {
		return err
	}
	return checkResponse(FuncCodeWriteSingleRegister, resp)
}

func (s *TCPSession) WriteMultipleCoils(unitID uint8, start uint16, values []bool) error {
	resp, err := s.sendAndReceive(unitID, buildWriteMultipleCoils(start, values))
	if err != nil {
		return err
	}
	return checkResponse(FuncCodeWriteMultipleCoils, resp)
}

func (s *TCPSession) WriteMultipleRegisters(unitID uint8, start uint16, values []uint16) error {
	resp, err := s.sendAndReceive(unitID, buildWriteMultipleRegisters(start, values))
	if err != nil {
		return err
	}
	return checkResponse(FuncCodeWriteMultipleRegisters, resp)
}

// Healthy reports false once the session has been closed or the socket is
// provably dead, per spec.md §4.3: "unhealthy if the underlying socket is
// destroyed or non-writable."
func (s *TCPSession) Healthy() bool {
	if s.closed.Load() || s.conn == nil {
		return false
	}
	// A request in flight holds s.mu and owns the connection deadline; the
	// session is reported healthy then and the request surfaces any failure.
	if !s.mu.TryLock() {
		return true
	}
	defer s.mu.Unlock()
	// A short SetDeadline is a cheap syscall-level probe that the fd is
	// still valid; the deadline is cleared again straight away.
	if err := s.conn.SetDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return false
	}
	s.conn.SetDeadline(time.Time{})
	return true
}

func (s *TCPSession) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.conn.Close()
}
