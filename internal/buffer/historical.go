package buffer

import (
	"log/slog"
	"sync"

	"github.com/hootrhino/modbus-cloud-agent/internal/domain"
)

// Historical is the bounded FIFO queue of every sample — good or bad —
// awaiting bulk upload. Overflow drops the oldest records and logs once
// per overflow event, per spec.md §4.4.
type Historical struct {
	mu      sync.Mutex
	cap     int
	samples []domain.Sample
	logger  *slog.Logger
}

func NewHistorical(cap int, logger *slog.Logger) *Historical {
	if cap <= 0 {
		cap = domain.DefaultHistoricalBufferCap
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Historical{cap: cap, logger: logger}
}

// Append adds samples to the buffer, truncating to the newest cap entries
// and logging a warning the first time an overflow happens in this call.
func (h *Historical) Append(samples ...domain.Sample) {
	if len(samples) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples = append(h.samples, samples...)
	if len(h.samples) > h.cap {
		dropped := len(h.samples) - h.cap
		h.samples = h.samples[dropped:]
		h.logger.Warn("historical buffer overflow, dropping oldest samples", "dropped", dropped, "cap", h.cap)
	}
}

// Snapshot returns a copy of the current contents without clearing them.
func (h *Historical) Snapshot() []domain.Sample {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]domain.Sample, len(h.samples))
	copy(out, h.samples)
	return out
}

// Clear empties the buffer, used after a successful upload.
func (h *Historical) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples = nil
}

// Len reports the current queue length.
func (h *Historical) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.samples)
}
