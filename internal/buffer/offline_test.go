package buffer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hootrhino/modbus-cloud-agent/internal/domain"
)

func TestOffline_AddAndGetBufferedData(t *testing.T) {
	dir := t.TempDir()
	o, err := NewOffline(filepath.Join(dir, "buf"), 0, nil)
	require.NoError(t, err)

	err = o.AddDataPoints(
		domain.GoodSample("dev1", "reg1", "t1", []uint16{1}),
		domain.GoodSample("dev1", "reg2", "t2", []uint16{2}),
	)
	require.NoError(t, err)

	samples, err := o.GetBufferedData()
	require.NoError(t, err)
	assert.Len(t, samples, 2)

	count, err := o.GetRecordCount()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestOffline_ClearBuffer(t *testing.T) {
	dir := t.TempDir()
	o, err := NewOffline(filepath.Join(dir, "buf"), 0, nil)
	require.NoError(t, err)

	require.NoError(t, o.AddDataPoints(domain.GoodSample("dev1", "reg1", "t1", []uint16{1})))
	require.NoError(t, o.ClearBuffer())

	count, err := o.GetRecordCount()
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestOffline_GetSizeGrowsWithData(t *testing.T) {
	dir := t.TempDir()
	o, err := NewOffline(filepath.Join(dir, "buf"), 0, nil)
	require.NoError(t, err)

	size0, err := o.GetSize()
	require.NoError(t, err)
	assert.Equal(t, int64(0), size0)

	require.NoError(t, o.AddDataPoints(domain.GoodSample("dev1", "reg1", "t1", []uint16{1})))
	size1, err := o.GetSize()
	require.NoError(t, err)
	assert.Greater(t, size1, int64(0))
}

func TestOffline_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "buf")
	o1, err := NewOffline(base, 0, nil)
	require.NoError(t, err)
	require.NoError(t, o1.AddDataPoints(domain.GoodSample("dev1", "reg1", "t1", []uint16{1})))

	o2, err := NewOffline(base, 0, nil)
	require.NoError(t, err)
	samples, err := o2.GetBufferedData()
	require.NoError(t, err)
	assert.Len(t, samples, 1)
}

func TestOffline_BufferingToggle(t *testing.T) {
	dir := t.TempDir()
	o, err := NewOffline(filepath.Join(dir, "buf"), 0, nil)
	require.NoError(t, err)

	assert.False(t, o.IsBuffering())
	o.SetBuffering(true)
	assert.True(t, o.IsBuffering())
}

func TestOffline_SoftCapDropsOldest(t *testing.T) {
	dir := t.TempDir()
	o, err := NewOffline(filepath.Join(dir, "buf"), 200, nil)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		require.NoError(t, o.AddDataPoints(domain.GoodSample("dev1", "reg1", "t1", []uint16{1, 2, 3, 4})))
	}

	size, err := o.GetSize()
	require.NoError(t, err)
	assert.LessOrEqual(t, size, int64(200))
}
