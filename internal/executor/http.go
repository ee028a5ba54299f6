package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cleanwave/pipeline/pkg/models"
)

// HTTPClient calls remote stage workers. Each stage is POSTed to
// {baseURL}/stages/{name} with the job context as JSON. The worker answers
// with a stream of JSON messages: any number of {"progress": n} followed by a
// final {"result": {...}} or {"error": "..."}.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a new stage worker client.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Stage returns the executor for one named stage.
func (c *HTTPClient) Stage(name string) models.StageExecutor {
	return &httpStage{client: c, stage: name}
}

type httpStage struct {
	client *HTTPClient
	stage  string
}

func (s *httpStage) Execute(ctx context.Context, jc models.JobContext, report models.ProgressFunc) (map[string]any, error) {
	return s.client.run(ctx, s.stage, jc, report)
}

func (c *HTTPClient) run(ctx context.Context, stage string, jc models.JobContext, report models.ProgressFunc) (map[string]any, error) {
	body, err := json.Marshal(jc)
	if err != nil {
		return nil, fmt.Errorf("encoding job context: %w", err)
	}

	u := fmt.Sprintf("%s/stages/%s", c.baseURL, url.PathEscape(stage))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrExecutorRejected, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var msg workerMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: stream ended without a result", ErrInvalidResponse)
			}
			if ctx.Err() != nil {
				return nil, classifyError(ctx.Err())
			}
			return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}

		switch {
		case msg.Error != "":
			return nil, fmt.Errorf("%w: %s", ErrExecutorRejected, msg.Error)
		case msg.Result != nil:
			return msg.Result, nil
		case msg.Progress != nil:
			report(*msg.Progress)
		}
	}
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrExecutorTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrExecutorTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrExecutorUnreachable, err)
}

// --- worker response types ---

type workerMessage struct {
	Progress *int           `json:"progress,omitempty"`
	Result   map[string]any `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Compile-time check that httpStage implements StageExecutor.
var _ models.StageExecutor = (*httpStage)(nil)
