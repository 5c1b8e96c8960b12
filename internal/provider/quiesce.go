package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// HTTPQuiescer asks a guest agent over HTTP to quiesce a workload. The agent
// is expected at <BaseURL>/v1/workloads/<id>/quiesce.
type HTTPQuiescer struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPQuiescer creates a quiescer. A zero timeout defaults to 30s.
func NewHTTPQuiescer(baseURL, token string, timeout time.Duration, logger *zap.Logger) (*HTTPQuiescer, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid quiesce agent url: %w", err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPQuiescer{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}, nil
}

type quiesceRequest struct {
	WorkloadID string `json:"workload_id"`
	Mode       string `json:"mode"`
}

// Quiesce posts a quiesce request and waits for the agent to confirm.
func (q *HTTPQuiescer) Quiesce(ctx context.Context, workloadID string) error {
	payload, err := json.Marshal(quiesceRequest{WorkloadID: workloadID, Mode: "application"})
	if err != nil {
		return fmt.Errorf("marshal quiesce request: %w", err)
	}

	endpoint := q.baseURL + "/v1/workloads/" + url.PathEscape(workloadID) + "/quiesce"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build quiesce request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if q.token != "" {
		req.Header.Set("Authorization", "Bearer "+q.token)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return fmt.Errorf("quiesce %s: %w", workloadID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("quiesce %s: agent returned %d: %s", workloadID, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	q.logger.Debug("workload quiesced", zap.String("workload_id", workloadID))
	return nil
}
