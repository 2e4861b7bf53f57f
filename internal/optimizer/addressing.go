package optimizer

// NormalizeAddress maps an engineering-notation address to the absolute,
// zero-based address Modbus expects on the wire, per spec.md §4.2:
//
//	[40001..49999] -> addr-40001   (holding-register convention)
//	[30001..39999] -> addr-30001   (input-register convention)
//	addr > 0       -> addr-1       (generic 1-based)
//	otherwise      -> unchanged
//
// Only startAddress is normalized; a block's Count is untouched. The
// mapping is deliberately a plain function rather than a package-level
// table so implementers can fork it per spec.md §4.1's "advisory, keep the
// mapping table configurable" note.
func NormalizeAddress(addr uint32) uint32 {
	switch {
	case addr >= 40001 && addr <= 49999:
		return addr - 40001
	case addr >= 30001 && addr <= 39999:
		return addr - 30001
	case addr > 0:
		return addr - 1
	default:
		return addr
	}
}
