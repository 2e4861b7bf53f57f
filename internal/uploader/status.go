package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
)

// BufferingStatus mirrors spec.md §4.10's two reported states.
type BufferingStatus string

const (
	StatusOnline    BufferingStatus = "online"
	StatusBuffering BufferingStatus = "buffering"
)

type statusPatch struct {
	BufferingStatus BufferingStatus `json:"buffering_status"`
	BufferedRecords int             `json:"buffered_records"`
}

// StatusReporter PATCHes the agent's buffering status to the control plane
// whenever it changes, per spec.md §4.10. Errors are logged and never
// retried inline — the next change (or the next offline-size delta) is
// the next opportunity.
type StatusReporter struct {
	agentStatusURL string
	apiKey         string
	bearerToken    func() string
	agentID        func() string
	httpClient     *http.Client
	logger         *slog.Logger

	mu   sync.Mutex
	last statusPatch
	sent bool
}

func NewStatusReporter(agentStatusURL, apiKey string, bearerToken func() string, agentID func() string, httpClient *http.Client, logger *slog.Logger) *StatusReporter {
	if httpClient == nil {
		httpClient = defaultHTTPClient()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusReporter{
		agentStatusURL: agentStatusURL,
		apiKey:         apiKey,
		bearerToken:    bearerToken,
		agentID:        agentID,
		httpClient:     httpClient,
		logger:         logger,
	}
}

// Report sends the current status if it differs from the last one sent.
func (sr *StatusReporter) Report(ctx context.Context, status BufferingStatus, bufferedRecords int) {
	current := statusPatch{BufferingStatus: status, BufferedRecords: bufferedRecords}

	sr.mu.Lock()
	if sr.sent && sr.last == current {
		sr.mu.Unlock()
		return
	}
	sr.mu.Unlock()

	if err := sr.patch(ctx, current); err != nil {
		sr.logger.Error("status report failed", "error", err)
		return
	}

	sr.mu.Lock()
	sr.last = current
	sr.sent = true
	sr.mu.Unlock()
}

func (sr *StatusReporter) patch(ctx context.Context, status statusPatch) error {
	body, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("uploader: marshal status patch: %w", err)
	}
	url := fmt.Sprintf("%s?id=eq.%s", sr.agentStatusURL, sr.agentID())
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("uploader: build status request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+sr.bearerToken())
	req.Header.Set("apikey", sr.apiKey)

	resp, err := sr.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("uploader: status request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("uploader: status endpoint returned %s", resp.Status)
	}
	return nil
}
