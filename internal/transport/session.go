package transport

// Session is the protocol-agnostic contract the connection pool and
// scheduler program against; TCPSession and RTUSession both implement it.
type Session interface {
	ReadCoils(unitID uint8, start, quantity uint16) ([]bool, error)
	ReadDiscreteInputs(unitID uint8, start, quantity uint16) ([]bool, error)
	ReadHoldingRegisters(unitID uint8, start, quantity uint16) ([]uint16, error)
	ReadInputRegisters(unitID uint8, start, quantity uint16) ([]uint16, error)
	WriteSingleCoil(unitID uint8, address uint16, value bool) error
	WriteSingleRegister(unitID uint8, address, value uint16) error
	WriteMultipleCoils(unitID uint8, start uint16, values []bool) error
	WriteMultipleRegisters(unitID uint8, start uint16, values []uint16) error

	// Healthy reports whether the underlying socket/port looks usable
	// without issuing a request (spec.md §4.3's TCP/RTU health checks).
	Healthy() bool
	Close() error
}
