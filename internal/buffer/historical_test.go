package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hootrhino/modbus-cloud-agent/internal/domain"
)

func TestHistorical_AppendAndSnapshot(t *testing.T) {
	h := NewHistorical(10, nil)
	h.Append(domain.GoodSample("dev1", "reg1", "t1", []uint16{1}))
	h.Append(domain.GoodSample("dev1", "reg2", "t2", []uint16{2}))

	assert.Equal(t, 2, h.Len())
	snap := h.Snapshot()
	assert.Len(t, snap, 2)
	assert.Equal(t, "reg1", snap[0].RegisterID)
}

func TestHistorical_OverflowDropsOldest(t *testing.T) {
	h := NewHistorical(2, nil)
	h.Append(domain.GoodSample("dev1", "reg1", "t1", []uint16{1}))
	h.Append(domain.GoodSample("dev1", "reg2", "t2", []uint16{2}))
	h.Append(domain.GoodSample("dev1", "reg3", "t3", []uint16{3}))

	assert.Equal(t, 2, h.Len())
	snap := h.Snapshot()
	assert.Equal(t, "reg2", snap[0].RegisterID)
	assert.Equal(t, "reg3", snap[1].RegisterID)
}

func TestHistorical_DefaultsCapWhenZero(t *testing.T) {
	h := NewHistorical(0, nil)
	assert.Equal(t, domain.DefaultHistoricalBufferCap, h.cap)
}

func TestHistorical_Clear(t *testing.T) {
	h := NewHistorical(10, nil)
	h.Append(domain.GoodSample("dev1", "reg1", "t1", []uint16{1}))
	h.Clear()
	assert.Equal(t, 0, h.Len())
}

func TestHistorical_SnapshotIsACopy(t *testing.T) {
	h := NewHistorical(10, nil)
	h.Append(domain.GoodSample("dev1", "reg1", "t1", []uint16{1}))
	snap := h.Snapshot()
	snap[0].RegisterID = "mutated"
	assert.Equal(t, "reg1", h.Snapshot()[0].RegisterID)
}
