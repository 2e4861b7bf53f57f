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

// Package uploader implements the Bulk Uploader, Batch Transmitter and
// Status Reporter of spec.md §4.8–§4.10: periodic drains of the Historical
// and Transmit buffers to the control plane, with Offline Buffer spillover
// whenever the control channel isn't Open.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hootrhino/modbus-cloud-agent/internal/domain"
)

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

type ingestRequest struct {
	AgentID    string          `json:"agentId"`
	DataPoints []domain.Sample `json:"dataPoints"`
}

type ingestResponse struct {
	Success  bool     `json:"success"`
	Inserted int      `json:"inserted"`
	Error    string   `json:"error,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// postIngest uploads one batch of samples, returning nil only on HTTP 2xx
// and result.success === true, per spec.md §4.8.
func postIngest(ctx context.Context, client *http.Client, ingestURL, bearerToken, agentID string, samples []domain.Sample) error {
	body, err := json.Marshal(ingestRequest{AgentID: agentID, DataPoints: samples})
	if err != nil {
		return fmt.Errorf("uploader: marshal ingest body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ingestURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("uploader: build ingest request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearerToken)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("uploader: ingest request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("uploader: ingest endpoint returned %s", resp.Status)
	}

	var out ingestResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("uploader: decode ingest response: %w", err)
	}
	if !out.Success {
		return fmt.Errorf("uploader: ingest reported failure: %s", out.Error)
	}
	return nil
}
