package optimizer_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hootrhino/modbus-cloud-agent/internal/domain"
	"github.com/hootrhino/modbus-cloud-agent/internal/optimizer"
)

func reg(id string, addr uint32) domain.Register {
	return domain.Register{RegisterID: id, Address: addr}
}

func TestBuild_Empty(t *testing.T) {
	blocks := optimizer.Build(nil, 125)
	assert.Empty(t, blocks)
	assert.NotNil(t, blocks)
}

func TestBuild_SingleRegister(t *testing.T) {
	blocks := optimizer.Build([]domain.Register{reg("r1", 4)}, 125)
	require.Len(t, blocks, 1)
	assert.Equal(t, uint32(4), blocks[0].StartAddress)
	assert.Equal(t, uint16(1), blocks[0].Count)
}

func TestBuild_ContiguousRunMergesIntoOneBlock(t *testing.T) {
	blocks := optimizer.Build([]domain.Register{reg("a", 0), reg("b", 1)}, 125)
	require.Len(t, blocks, 1)
	assert.Equal(t, uint16(2), blocks[0].Count)
}

func TestBuild_GapSplitsIntoTwoBlocks(t *testing.T) {
	blocks := optimizer.Build([]domain.Register{reg("a", 0), reg("b", 2)}, 125)
	require.Len(t, blocks, 2)
	assert.Equal(t, uint16(1), blocks[0].Count)
	assert.Equal(t, uint16(1), blocks[1].Count)
}

func TestBuild_MaxBlockSizePlusOneSplits(t *testing.T) {
	regs := make([]domain.Register, 126)
	for i := range regs {
		regs[i] = reg("r", uint32(i))
	}
	blocks := optimizer.Build(regs, 125)
	require.Len(t, blocks, 2)
	assert.Equal(t, uint16(125), blocks[0].Count)
	assert.Equal(t, uint16(1), blocks[1].Count)
}

func TestBuild_UnsortedInputIsSorted(t *testing.T) {
	blocks := optimizer.Build([]domain.Register{reg("b", 5), reg("a", 4)}, 125)
	require.Len(t, blocks, 1)
	assert.Equal(t, uint32(4), blocks[0].StartAddress)
	assert.Equal(t, uint16(2), blocks[0].Count)
}

func TestBuild_UnionOfRegistersPreserved(t *testing.T) {
	regs := []domain.Register{reg("a", 10), reg("b", 11), reg("c", 20)}
	blocks := optimizer.Build(regs, 125)
	total := 0
	for _, b := range blocks {
		total += len(b.Registers)
		assert.LessOrEqual(t, b.Count, uint16(125))
	}
	assert.Equal(t, len(regs), total)
}

func TestBuild_DefaultsMaxBlockSizeWhenZero(t *testing.T) {
	regs := make([]domain.Register, 126)
	for i := range regs {
		regs[i] = reg("r", uint32(i))
	}
	blocks := optimizer.Build(regs, 0)
	require.Len(t, blocks, 2)
	assert.Equal(t, uint16(domain.DefaultMaxBlockSize), blocks[0].Count)
}
