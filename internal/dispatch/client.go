package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/johnezell/ai-transcription-microservice-sub007/internal/pipeline"
)

// maxErrorBodySize bounds how much of a failure response is kept for the
// job's error_message.
const maxErrorBodySize = 4 * 1024

// StageClient posts stage-start requests to a remote compute service.
type StageClient interface {
	// Process POSTs the payload to {baseURL}/process. A 2xx response means
	// the service accepted the work, not that it finished.
	Process(ctx context.Context, baseURL string, payload interface{}) error
}

type stageClient struct {
	client    *http.Client
	userAgent string
}

// NewStageClient creates the HTTP client used for stage dispatch. The
// per-stage timeout is applied by the caller through the request context.
func NewStageClient(userAgent string) StageClient {
	return &stageClient{
		client:    &http.Client{},
		userAgent: userAgent,
	}
}

func (c *stageClient) Process(ctx context.Context, baseURL string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return pipeline.NewValidationError(fmt.Sprintf("marshal stage payload: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/process", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		// Transport failures and timeouts are retried like a 5xx.
		return pipeline.NewTransientServiceError("stage service unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	msg := fmt.Sprintf("stage service returned %d: %s", resp.StatusCode, string(respBody))

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return pipeline.NewTransientServiceError(msg, nil)
	}
	return pipeline.NewTerminalServiceError(msg, nil)
}
