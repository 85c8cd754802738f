package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"sketchStudio/api/dto"
	"sketchStudio/api/middleware"
	"sketchStudio/internal/models"
)

var ErrNotFound = errors.New("task not found")

// HTTPError is a non-2xx answer other than a missing task.
type HTTPError struct {
	StatusCode int
	Message    string
	Details    string
	TraceID    string
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("sketch api error (status %d): %s", e.StatusCode, e.Message)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	return msg
}

// Client talks to the submission and status endpoints.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Submit creates a task. input is marshalled as the request body unless it
// is already a json.RawMessage or []byte.
func (c *Client) Submit(ctx context.Context, family models.Family, input any) (*dto.SubmitResponse, error) {
	var body []byte
	switch v := input.(type) {
	case json.RawMessage:
		body = v
	case []byte:
		body = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode input: %w", err)
		}
		body = data
	}

	var out dto.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/api/tasks/"+string(family), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status fetches the current record. A missing record is ErrNotFound.
func (c *Client) Status(ctx context.Context, family models.Family, taskID string) (*models.Task, error) {
	path := "/api/tasks/" + string(family) + "/status?taskId=" + url.QueryEscape(taskID)

	var task models.Task
	if err := c.do(ctx, http.MethodGet, path, nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(middleware.TraceIDHeader, uuid.New().String())

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode == http.StatusNotFound {
		var nf dto.NotFoundResponse
		if json.Unmarshal(raw, &nf) == nil && nf.Status == models.StatusNotFound {
			return ErrNotFound
		}
	}

	var body dto.ErrorResponse
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		return &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Message:    body.Error,
		Details:    body.Details,
		TraceID:    body.TraceID,
	}
}
