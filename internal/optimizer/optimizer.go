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

// Package optimizer groups a PollGroup's registers into contiguous Modbus
// read blocks. It is a pure transformation: no I/O, no locking.
package optimizer

import (
	"sort"

	"github.com/hootrhino/modbus-cloud-agent/internal/domain"
)

// ReadCommand is one contiguous Modbus read: start address, word count, and
// the registers it will satisfy once executed.
type ReadCommand struct {
	StartAddress uint32
	Count        uint16
	Registers    []domain.Register
}

// Build groups registers by address contiguity into blocks no larger than
// maxBlockSize words. Registers are sorted by address ascending first;
// ties preserve input order (sort.SliceStable). An empty input yields an
// empty, non-nil slice.
//
// Blocks carry no function code. The scheduler issues every block via FC3
// regardless of the registers' Function hints — see spec.md §9's
// "ambiguous source behavior" note.
func Build(registers []domain.Register, maxBlockSize uint16) []ReadCommand {
	if maxBlockSize == 0 {
		maxBlockSize = domain.DefaultMaxBlockSize
	}
	if len(registers) == 0 {
		return []ReadCommand{}
	}

	sorted := make([]domain.Register, len(registers))
	copy(sorted, registers)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Address < sorted[j].Address
	})

	var blocks []ReadCommand
	current := ReadCommand{
		StartAddress: sorted[0].Address,
		Count:        1,
		Registers:    []domain.Register{sorted[0]},
	}

	for i := 1; i < len(sorted); i++ {
		prev := sorted[i-1]
		curr := sorted[i]

		contiguous := curr.Address == prev.Address+1
		fitsBlock := current.Count+1 <= maxBlockSize

		if contiguous && fitsBlock {
			current.Count++
			current.Registers = append(current.Registers, curr)
			continue
		}

		blocks = append(blocks, current)
		current = ReadCommand{
			StartAddress: curr.Address,
			Count:        1,
			Registers:    []domain.Register{curr},
		}
	}
	blocks = append(blocks, current)

	return blocks
}
