package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sketchStudio/internal/models"
)

const (
	HeaderTraceID     = "X-Trace-ID"
	HeaderWorkerToken = "X-Worker-Token"

	maxErrorBody = 4 << 10
)

// HTTPDispatcher posts {taskId} to the worker's internal endpoint. The
// request runs under its own timeout, independent of the submit request.
type HTTPDispatcher struct {
	client  *http.Client
	baseURL string
	token   string
	timeout time.Duration
}

func NewHTTPDispatcher(baseURL, token string, timeout time.Duration) *HTTPDispatcher {
	return &HTTPDispatcher{
		client:  &http.Client{},
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		timeout: timeout,
	}
}

func (d *HTTPDispatcher) Dispatch(family models.Family, taskID, traceID string) <-chan error {
	return detach(func() error {
		ctx := context.Background()
		if d.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.timeout)
			defer cancel()
		}
		return d.trigger(ctx, family, taskID, traceID)
	})
}

func (d *HTTPDispatcher) trigger(ctx context.Context, family models.Family, taskID, traceID string) error {
	body, err := json.Marshal(models.Trigger{TaskID: taskID})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/internal/worker/%s", d.baseURL, family)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if traceID != "" {
		req.Header.Set(HeaderTraceID, traceID)
	}
	if d.token != "" {
		req.Header.Set(HeaderWorkerToken, d.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("trigger worker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("trigger worker: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
