package buffer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/hootrhino/modbus-cloud-agent/internal/domain"
)

const (
	// DefaultMaxBytes is the soft cap on-disk spill file size (spec.md §4.4,
	// §6): once exceeded, the oldest records are dropped on the next write.
	DefaultMaxBytes = 50 * 1024 * 1024
	defaultDirName  = ".modbus-agent-buffer"
	defaultFileName = "offline-buffer.json"
)

// Offline is the disk-backed spill queue used while the Control Channel is
// down (spec.md §4.4). It rewrites its single JSON file on every mutation —
// simple and correct at the sample volumes this agent handles, and it never
// needs partial-write recovery semantics beyond "truncate and rewrite".
type Offline struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	logger   *slog.Logger
	buffered bool
}

// NewOffline opens (or creates) the offline buffer rooted at baseDir. An
// empty baseDir defaults to "./.modbus-agent-buffer".
func NewOffline(baseDir string, maxBytes int64, logger *slog.Logger) (*Offline, error) {
	if baseDir == "" {
		baseDir = defaultDirName
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("offline buffer: create dir %s: %w", baseDir, err)
	}
	return &Offline{
		path:     filepath.Join(baseDir, defaultFileName),
		maxBytes: maxBytes,
		logger:   logger,
	}, nil
}

func (o *Offline) readAll() ([]domain.Sample, error) {
	data, err := os.ReadFile(o.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("offline buffer: read %s: %w", o.path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var samples []domain.Sample
	if err := json.Unmarshal(data, &samples); err != nil {
		return nil, fmt.Errorf("offline buffer: decode %s: %w", o.path, err)
	}
	return samples, nil
}

func (o *Offline) writeAll(samples []domain.Sample) error {
	data, err := json.Marshal(samples)
	if err != nil {
		return fmt.Errorf("offline buffer: encode: %w", err)
	}
	for int64(len(data)) > o.maxBytes && len(samples) > 0 {
		dropN := len(samples) / 10
		if dropN == 0 {
			dropN = 1
		}
		samples = samples[dropN:]
		data, err = json.Marshal(samples)
		if err != nil {
			return fmt.Errorf("offline buffer: encode: %w", err)
		}
		o.logger.Warn("offline buffer over soft cap, dropping oldest records", "dropped", dropN, "maxBytes", o.maxBytes)
	}
	tmp := o.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("offline buffer: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, o.path); err != nil {
		return fmt.Errorf("offline buffer: rename %s: %w", tmp, err)
	}
	return nil
}

// AddDataPoints appends samples to the spill file, rewriting it in place.
func (o *Offline) AddDataPoints(samples ...domain.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	existing, err := o.readAll()
	if err != nil {
		return err
	}
	existing = append(existing, samples...)
	return o.writeAll(existing)
}

// GetBufferedData returns every spilled sample without clearing them.
func (o *Offline) GetBufferedData() ([]domain.Sample, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.readAll()
}

// ClearBuffer empties the spill file after a successful drain.
func (o *Offline) ClearBuffer() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.writeAll(nil)
}

// GetRecordCount reports how many samples are currently spilled.
func (o *Offline) GetRecordCount() (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	samples, err := o.readAll()
	if err != nil {
		return 0, err
	}
	return len(samples), nil
}

// GetSize reports the current spill file size in bytes, 0 if it doesn't exist.
func (o *Offline) GetSize() (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	info, err := os.Stat(o.path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("offline buffer: stat %s: %w", o.path, err)
	}
	return info.Size(), nil
}

// SetBuffering toggles the buffering/not-buffering status the Status
// Reporter surfaces to the control plane (spec.md §4.8).
func (o *Offline) SetBuffering(b bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.buffered = b
}

// IsBuffering reports the current buffering status.
func (o *Offline) IsBuffering() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buffered
}
