// Package mbtest wires github.com/hootrhino/mbserver into a small
// in-process Modbus TCP server shared by this module's tests, the same
// way the teacher's own tcp_client_test.go used it to drive its client
// tests — a real slave instead of a hand-rolled byte-packing fake.
package mbtest

import (
	"fmt"
	"io"

	mbserver "github.com/hootrhino/mbserver"
	"github.com/hootrhino/mbserver/store"
)

// Server is a running in-memory Modbus TCP server for tests.
type Server struct {
	srv  *mbserver.Server
	addr string
}

// StartTCP starts an mbserver-backed Modbus TCP listener on addr, seeded
// with holdingRegisters starting at address 0. addr must already be free
// (callers pick a fixed test port; mbserver binds it directly).
func StartTCP(addr string, holdingRegisters []uint16) (*Server, error) {
	memStore, ok := store.NewInMemoryStore().(*store.InMemoryStore)
	if !ok {
		return nil, fmt.Errorf("mbtest: unexpected store implementation")
	}
	memStore.SetHoldingRegisters(holdingRegisters)

	srv := mbserver.NewServer(memStore, 16)
	srv.SetErrorHandler(func(error) {})
	srv.SetLogger(io.Discard)

	if err := srv.Start(addr); err != nil {
		return nil, fmt.Errorf("mbtest: start server on %s: %w", addr, err)
	}
	return &Server{srv: srv, addr: addr}, nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string { return s.addr }

// Stop shuts the server down.
func (s *Server) Stop() { s.srv.Stop() }
