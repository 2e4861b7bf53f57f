package uploader

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hootrhino/modbus-cloud-agent/internal/buffer"
	"github.com/hootrhino/modbus-cloud-agent/internal/control"
	"github.com/hootrhino/modbus-cloud-agent/internal/domain"
)

// BatchTransmitter drains the Transmit Buffer (or snapshots the Value
// Cache for a full refresh) every batchWindowMs and sends a data_update
// frame over the control channel, per spec.md §4.9.
type BatchTransmitter struct {
	values   *buffer.ValueCache
	transmit *buffer.Transmit
	channel  *control.Channel
	logger   *slog.Logger

	mu       sync.Mutex
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

func NewBatchTransmitter(values *buffer.ValueCache, transmit *buffer.Transmit, channel *control.Channel, logger *slog.Logger) *BatchTransmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchTransmitter{
		values:   values,
		transmit: transmit,
		channel:  channel,
		logger:   logger,
		interval: domain.DefaultBatchWindowMS * time.Millisecond,
	}
}

// SetInterval overrides the default batch window. If the transmitter is
// running, its ticker is restarted so the new window takes effect.
func (bt *BatchTransmitter) SetInterval(ms int64) {
	if ms <= 0 {
		ms = domain.DefaultBatchWindowMS
	}
	bt.mu.Lock()
	bt.interval = time.Duration(ms) * time.Millisecond
	running := bt.stop != nil
	bt.mu.Unlock()
	if running {
		bt.Stop()
		bt.Start()
	}
}

func (bt *BatchTransmitter) Start() {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	if bt.stop != nil {
		return
	}
	bt.stop = make(chan struct{})
	bt.done = make(chan struct{})
	go bt.run()
}

func (bt *BatchTransmitter) Stop() {
	bt.mu.Lock()
	stop, done := bt.stop, bt.done
	bt.stop, bt.done = nil, nil
	bt.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (bt *BatchTransmitter) run() {
	bt.mu.Lock()
	stop, done, interval := bt.stop, bt.done, bt.interval
	bt.mu.Unlock()
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			bt.tick(context.Background())
		}
	}
}

func (bt *BatchTransmitter) tick(ctx context.Context) {
	if bt.channel.State() != control.StateOpen {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	if bt.transmit.ShouldSendFullRefresh() {
		snapshot := bt.values.Snapshot()
		updates := make([]control.DataPoint, len(snapshot))
		for i, e := range snapshot {
			updates[i] = control.DataPoint{DeviceID: e.DeviceID, RegisterID: e.RegisterID, Value: e.Value}
		}
		if err := bt.channel.SendDataUpdate(ctx, timestamp, true, updates); err != nil {
			bt.logger.Warn("full refresh send failed", "error", err)
			return
		}
		bt.transmit.MarkFullRefreshSent()
		return
	}

	changes := bt.transmit.Drain()
	if len(changes) == 0 {
		return
	}
	updates := make([]control.DataPoint, len(changes))
	for i, c := range changes {
		updates[i] = control.DataPoint{DeviceID: c.DeviceID, RegisterID: c.RegisterID, Value: c.Value}
	}
	if err := bt.channel.SendDataUpdate(ctx, timestamp, false, updates); err != nil {
		bt.logger.Warn("incremental data_update send failed", "error", err)
	}
}
