package uploader

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hootrhino/modbus-cloud-agent/internal/buffer"
	"github.com/hootrhino/modbus-cloud-agent/internal/control"
	"github.com/hootrhino/modbus-cloud-agent/internal/domain"
)

// BulkUploader drains the Historical Buffer every historicalBatchIntervalMs
// and POSTs it to the ingest endpoint, spilling to the Offline Buffer
// whenever the control channel isn't Open or the upload fails (spec.md
// §4.8).
type BulkUploader struct {
	historical   *buffer.Historical
	offline      *buffer.Offline
	channel      *control.Channel
	ingestURL    string
	httpClient   *http.Client
	logger       *slog.Logger
	onStatusChange func()

	mu       sync.Mutex
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

func NewBulkUploader(historical *buffer.Historical, offline *buffer.Offline, channel *control.Channel, ingestURL string, httpClient *http.Client, logger *slog.Logger) *BulkUploader {
	if httpClient == nil {
		httpClient = defaultHTTPClient()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BulkUploader{
		historical: historical,
		offline:    offline,
		channel:    channel,
		ingestURL:  ingestURL,
		httpClient: httpClient,
		logger:     logger,
		interval:   domain.DefaultHistoricalBatchIntervalMS * time.Millisecond,
	}
}

// OnStatusChange registers the Status Reporter's notification hook, fired
// after each successful upload, each spill to the Offline Buffer and each
// completed offline drain (spec.md §4.10).
func (u *BulkUploader) OnStatusChange(fn func()) {
	u.onStatusChange = fn
}

// SetInterval overrides the default batch interval. If the uploader is
// running, its ticker is restarted so the new interval takes effect.
func (u *BulkUploader) SetInterval(ms int64) {
	if ms <= 0 {
		ms = domain.DefaultHistoricalBatchIntervalMS
	}
	u.mu.Lock()
	u.interval = time.Duration(ms) * time.Millisecond
	running := u.stop != nil
	u.mu.Unlock()
	if running {
		u.Stop()
		u.Start()
	}
}

func (u *BulkUploader) Start() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.stop != nil {
		return
	}
	u.stop = make(chan struct{})
	u.done = make(chan struct{})
	go u.run()
}

func (u *BulkUploader) Stop() {
	u.mu.Lock()
	stop, done := u.stop, u.done
	u.stop, u.done = nil, nil
	u.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (u *BulkUploader) run() {
	u.mu.Lock()
	stop, done, interval := u.stop, u.done, u.interval
	u.mu.Unlock()
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			u.tick(context.Background())
		}
	}
}

func (u *BulkUploader) tick(ctx context.Context) {
	snapshot := u.historical.Snapshot()
	if len(snapshot) == 0 {
		return
	}

	if u.channel.State() != control.StateOpen {
		u.spill(snapshot)
		return
	}

	agentID := u.channel.AgentID()
	err := postIngest(ctx, u.httpClient, u.ingestURL, u.channel.BearerToken(), agentID, snapshot)
	if err != nil {
		u.logger.Warn("bulk upload failed, spilling to offline buffer", "error", err)
		u.spill(snapshot)
		return
	}

	u.historical.Clear()
	u.notifyStatus()
}

func (u *BulkUploader) spill(snapshot []domain.Sample) {
	if err := u.offline.AddDataPoints(snapshot...); err != nil {
		u.logger.Error("failed to spill samples to offline buffer", "error", err)
		return
	}
	u.historical.Clear()
	u.notifyStatus()
}

func (u *BulkUploader) notifyStatus() {
	if u.onStatusChange != nil {
		u.onStatusChange()
	}
}

// DrainOffline uploads the entire Offline Buffer in chunks of 1000 samples
// on transition to Open, per spec.md §4.8. It stops at the first chunk
// failure, leaving the remainder on disk for the next opportunity.
func (u *BulkUploader) DrainOffline(ctx context.Context) {
	const chunkSize = 1000

	samples, err := u.offline.GetBufferedData()
	if err != nil {
		u.logger.Error("failed to read offline buffer for drain", "error", err)
		return
	}
	if len(samples) == 0 {
		return
	}

	agentID := u.channel.AgentID()
	bearer := u.channel.BearerToken()

	for start := 0; start < len(samples); start += chunkSize {
		end := start + chunkSize
		if end > len(samples) {
			end = len(samples)
		}
		if err := postIngest(ctx, u.httpClient, u.ingestURL, bearer, agentID, samples[start:end]); err != nil {
			u.logger.Warn("offline drain chunk failed, leaving remainder buffered", "error", err, "uploaded", start)
			return
		}
	}

	if err := u.offline.ClearBuffer(); err != nil {
		u.logger.Error("failed to clear offline buffer after drain", "error", err)
		return
	}
	u.notifyStatus()
}
