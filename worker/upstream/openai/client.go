package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

const DefaultBaseURL = "https://api.openai.com/v1"

// Client calls the image endpoints of the OpenAI API. Every request is bound
// by the client timeout.
type Client struct {
	APIKey  string
	BaseURL string
	HTTP    *http.Client
}

func NewClient(apiKey, baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		APIKey:  apiKey,
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

type EditRequest struct {
	Image       []byte
	ImageName   string
	ContentType string
	Prompt      string
	Model       string
	Size        string
	Quality     string
	Background  string
}

type GenerateRequest struct {
	Prompt  string `json:"prompt"`
	Model   string `json:"model,omitempty"`
	Size    string `json:"size,omitempty"`
	Quality string `json:"quality,omitempty"`
	Style   string `json:"style,omitempty"`
	N       int    `json:"n,omitempty"`

	ResponseFormat string `json:"response_format,omitempty"`
}

type ImageData struct {
	URL           string `json:"url,omitempty"`
	B64JSON       string `json:"b64_json,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

type ImageResponse struct {
	Created int64           `json:"created"`
	Data    []ImageData     `json:"data"`
	Usage   json.RawMessage `json:"usage,omitempty"`
}

// APIError is returned for any non-2xx answer.
type APIError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("openai error (status %d, %s): %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("openai error (status %d): %s", e.StatusCode, e.Message)
}

// Edit sends a multipart /images/edits request.
func (c *Client) Edit(ctx context.Context, in EditRequest) (*ImageResponse, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	name := in.ImageName
	if name == "" {
		name = "sketch.png"
	}
	contentType := in.ContentType
	if contentType == "" {
		contentType = "image/png"
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename=%q`, name))
	header.Set("Content-Type", contentType)
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(in.Image); err != nil {
		return nil, err
	}

	fields := []struct{ key, value string }{
		{"prompt", in.Prompt},
		{"model", in.Model},
		{"size", in.Size},
		{"quality", in.Quality},
		{"background", in.Background},
		{"n", "1"},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		if err := w.WriteField(f.key, f.value); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	return c.do(ctx, "/images/edits", w.FormDataContentType(), &body)
}

// Generate sends a JSON /images/generations request. DALL·E models are asked
// for hosted URLs.
func (c *Client) Generate(ctx context.Context, in GenerateRequest) (*ImageResponse, error) {
	if in.ResponseFormat == "" && strings.HasPrefix(in.Model, "dall-e") {
		in.ResponseFormat = "url"
	}
	if in.Model != "dall-e-3" {
		in.Style = ""
	}

	data, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, "/images/generations", "application/json", bytes.NewReader(data))
}

func (c *Client) do(ctx context.Context, path, contentType string, body io.Reader) (*ImageResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, decodeError(resp)
	}

	var res ImageResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decode openai response: %w", err)
	}
	if len(res.Data) == 0 {
		return nil, fmt.Errorf("openai returned no images")
	}
	return &res, nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
		apiErr.Message = envelope.Error.Message
		apiErr.Type = envelope.Error.Type
	}
	return apiErr
}
