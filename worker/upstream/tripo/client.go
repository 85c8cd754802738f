package tripo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gorilla/websocket"
)

const (
	DefaultBaseURL = "https://api.tripo3d.ai/v2/openapi"
	stsRegion      = "us-west-2"
)

var (
	ErrTimeout    = errors.New("reconstruction timed out")
	ErrTaskFailed = errors.New("reconstruction failed")
)

// ObjectPutter uploads into the bucket granted by an STS token.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Client struct {
	APIKey  string
	BaseURL string
	HTTP    *http.Client
	Dialer  *websocket.Dialer

	// NewObjectClient builds the S3 client for an STS grant.
	NewObjectClient func(tok *STSToken) ObjectPutter
}

func NewClient(apiKey, baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		APIKey:  apiKey,
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: timeout,
		},
		NewObjectClient: newS3Client,
	}
}

type STSToken struct {
	S3Host       string `json:"s3_host"`
	Bucket       string `json:"resource_bucket"`
	Key          string `json:"resource_uri"`
	SessionToken string `json:"session_token"`
	AccessKey    string `json:"sts_ak"`
	SecretKey    string `json:"sts_sk"`
}

type ObjectRef struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

type TaskRequest struct {
	Type         string `json:"type"`
	ModelVersion string `json:"model_version,omitempty"`
	Texture      *bool  `json:"texture,omitempty"`
	PBR          *bool  `json:"pbr,omitempty"`
	FaceLimit    int    `json:"face_limit,omitempty"`
	File         struct {
		Type   string    `json:"type"`
		Object ObjectRef `json:"object"`
	} `json:"file"`
}

type TaskOutput struct {
	Model         string `json:"model,omitempty"`
	BaseModel     string `json:"base_model,omitempty"`
	PBRModel      string `json:"pbr_model,omitempty"`
	RenderedImage string `json:"rendered_image,omitempty"`
}

type Task struct {
	TaskID   string     `json:"task_id"`
	Type     string     `json:"type"`
	Status   string     `json:"status"`
	Progress float64    `json:"progress"`
	Output   TaskOutput `json:"output"`
}

// Terminal reports whether the remote task has stopped.
func (t *Task) Terminal() bool {
	switch t.Status {
	case "success", "failed", "banned", "expired", "cancelled", "unknown":
		return true
	default:
		return false
	}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tripo error (status %d, code %d): %s", e.StatusCode, e.Code, e.Message)
}

// RequestUpload asks for short-lived credentials to upload one image.
func (c *Client) RequestUpload(ctx context.Context, format string) (*STSToken, error) {
	var tok STSToken
	if err := c.call(ctx, http.MethodPost, "/upload/sts/token", map[string]string{"format": format}, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

// UploadObject stores data in the bucket granted by tok.
func (c *Client) UploadObject(ctx context.Context, tok *STSToken, data []byte, contentType string) (ObjectRef, error) {
	ref := ObjectRef{Bucket: tok.Bucket, Key: tok.Key}
	_, err := c.NewObjectClient(tok).PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(ref.Bucket),
		Key:           aws.String(ref.Key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return ObjectRef{}, fmt.Errorf("upload to tripo storage: %w", err)
	}
	return ref, nil
}

func (c *Client) CreateTask(ctx context.Context, req TaskRequest) (string, error) {
	var out struct {
		TaskID string `json:"task_id"`
	}
	if err := c.call(ctx, http.MethodPost, "/task", req, &out); err != nil {
		return "", err
	}
	if out.TaskID == "" {
		return "", errors.New("tripo returned no task id")
	}
	return out.TaskID, nil
}

func (c *Client) GetTask(ctx context.Context, id string) (*Task, error) {
	var t Task
	if err := c.call(ctx, http.MethodGet, "/task/"+id, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Watch follows the task's notification socket until the task is terminal
// or ctx ends. A ctx deadline is reported as ErrTimeout. onProgress receives
// every progress value the service sends.
func (c *Client) Watch(ctx context.Context, id string, onProgress func(float64)) (*Task, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.APIKey)

	conn, _, err := c.Dialer.DialContext(ctx, c.watchURL(id), header)
	if err != nil {
		if ctxErr := watchContextError(ctx); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("open tripo watch socket: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var msg struct {
			Event string `json:"event"`
			Data  Task   `json:"data"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			if ctxErr := watchContextError(ctx); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("read tripo watch socket: %w", err)
		}

		if onProgress != nil && msg.Data.Progress > 0 {
			onProgress(msg.Data.Progress)
		}
		if !msg.Data.Terminal() {
			continue
		}
		if msg.Data.Status != "success" {
			return &msg.Data, fmt.Errorf("%w: task %s is %s", ErrTaskFailed, id, msg.Data.Status)
		}
		return &msg.Data, nil
	}
}

func watchContextError(ctx context.Context) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ErrTimeout
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return nil
	}
}

func (c *Client) watchURL(id string) string {
	base := c.BaseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/task/watch/" + id
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		}
		return fmt.Errorf("decode tripo response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || env.Code != 0 {
		return &APIError{StatusCode: resp.StatusCode, Code: env.Code, Message: env.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode tripo data: %w", err)
	}
	return nil
}

func newS3Client(tok *STSToken) ObjectPutter {
	cfg := aws.Config{
		Region:      stsRegion,
		Credentials: credentials.NewStaticCredentialsProvider(tok.AccessKey, tok.SecretKey, tok.SessionToken),
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if tok.S3Host != "" {
			o.BaseEndpoint = aws.String("https://" + tok.S3Host)
		}
	})
}
