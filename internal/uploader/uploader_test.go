package uploader

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hootrhino/modbus-cloud-agent/internal/buffer"
	"github.com/hootrhino/modbus-cloud-agent/internal/control"
	"github.com/hootrhino/modbus-cloud-agent/internal/domain"
)

func TestPostIngest_SuccessClearsNothingButReturnsNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body ingestRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "agent-1", body.AgentID)
		_ = json.NewEncoder(w).Encode(ingestResponse{Success: true, Inserted: len(body.DataPoints)})
	}))
	defer srv.Close()

	err := postIngest(context.Background(), srv.Client(), srv.URL, "tok", "agent-1", []domain.Sample{
		domain.GoodSample("d1", "r1", "t1", []uint16{1}),
	})
	require.NoError(t, err)
}

func TestPostIngest_NonSuccessResultIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ingestResponse{Success: false, Error: "boom"})
	}))
	defer srv.Close()

	err := postIngest(context.Background(), srv.Client(), srv.URL, "tok", "agent-1", []domain.Sample{
		domain.GoodSample("d1", "r1", "t1", []uint16{1}),
	})
	assert.Error(t, err)
}

func TestPostIngest_NonSuccessStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := postIngest(context.Background(), srv.Client(), srv.URL, "tok", "agent-1", []domain.Sample{
		domain.GoodSample("d1", "r1", "t1", []uint16{1}),
	})
	assert.Error(t, err)
}

func TestBulkUploader_SpillsWhenChannelNotOpen(t *testing.T) {
	dir := t.TempDir()
	historical := buffer.NewHistorical(10, nil)
	offline, err := buffer.NewOffline(dir, 0, nil)
	require.NoError(t, err)
	channel := control.New(control.Options{})

	historical.Append(domain.GoodSample("d1", "r1", "t1", []uint16{1}))

	u := NewBulkUploader(historical, offline, channel, "http://unused", nil, nil)
	u.tick(context.Background())

	assert.Equal(t, 0, historical.Len())
	count, err := offline.GetRecordCount()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestBulkUploader_StatusChangeNotified(t *testing.T) {
	dir := t.TempDir()
	historical := buffer.NewHistorical(10, nil)
	offline, err := buffer.NewOffline(dir, 0, nil)
	require.NoError(t, err)
	channel := control.New(control.Options{})

	historical.Append(domain.GoodSample("d1", "r1", "t1", []uint16{1}))

	u := NewBulkUploader(historical, offline, channel, "http://unused", nil, nil)
	var notified int32
	u.OnStatusChange(func() { atomic.AddInt32(&notified, 1) })
	u.tick(context.Background())

	assert.Equal(t, int32(1), atomic.LoadInt32(&notified))
}

func TestBulkUploader_EmptySnapshotNoOp(t *testing.T) {
	dir := t.TempDir()
	historical := buffer.NewHistorical(10, nil)
	offline, err := buffer.NewOffline(dir, 0, nil)
	require.NoError(t, err)
	channel := control.New(control.Options{})

	u := NewBulkUploader(historical, offline, channel, "http://unused", nil, nil)
	u.tick(context.Background())

	count, err := offline.GetRecordCount()
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestStatusReporter_SkipsUnchangedStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	sr := NewStatusReporter(srv.URL, "key", func() string { return "tok" }, func() string { return "agent-1" }, srv.Client(), nil)
	sr.Report(context.Background(), StatusOnline, 0)
	sr.Report(context.Background(), StatusOnline, 0)

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestStatusReporter_SendsOnChange(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	sr := NewStatusReporter(srv.URL, "key", func() string { return "tok" }, func() string { return "agent-1" }, srv.Client(), nil)
	sr.Report(context.Background(), StatusOnline, 0)
	sr.Report(context.Background(), StatusBuffering, 5)

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}
