// Package ingest holds the telemetry ingest sinks probes are submitted to.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ukydev/fleet-simulator/internal/models"
	"github.com/ukydev/fleet-simulator/internal/simerr"
)

// Tokens supplies the bearer token sent with each request.
type Tokens interface {
	Token() (string, error)
}

// HTTPSink posts probes as JSON to {BaseURL}/telemetry.
type HTTPSink struct {
	BaseURL    string
	HTTPClient *http.Client
	Tokens     Tokens
}

// NewHTTPSink creates a sink for the ingest API at baseURL. tokens may be nil.
func NewHTTPSink(baseURL string, tokens Tokens) *HTTPSink {
	return &HTTPSink{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		Tokens:     tokens,
	}
}

// SubmitProbe sends one probe and decodes the events it triggered.
func (s *HTTPSink) SubmitProbe(ctx context.Context, p models.Probe) (models.IngestResult, error) {
	var res models.IngestResult

	data, err := json.Marshal(p)
	if err != nil {
		return res, fmt.Errorf("failed to marshal probe: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+"/telemetry", bytes.NewReader(data))
	if err != nil {
		return res, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.Tokens != nil {
		token, err := s.Tokens.Token()
		if err != nil {
			return res, fmt.Errorf("failed to get token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return res, fmt.Errorf("%w: %v", simerr.ErrIngestFailure, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return res, fmt.Errorf("%w: read response: %v", simerr.ErrIngestFailure, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return res, fmt.Errorf("%w: status %d: %s", simerr.ErrIngestFailure, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return res, nil
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return res, fmt.Errorf("%w: decode response: %v", simerr.ErrIngestFailure, err)
	}
	return res, nil
}
