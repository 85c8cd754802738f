package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestEditSendsMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/images/edits" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("Missing bearer token")
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("Failed to parse multipart: %v", err)
			return
		}
		if r.FormValue("prompt") != "add a hat" || r.FormValue("model") != "gpt-image-1" {
			t.Errorf("Unexpected fields: %v", r.MultipartForm.Value)
		}
		if _, ok := r.MultipartForm.Value["background"]; ok {
			t.Errorf("Empty background should not be sent")
		}
		file, header, err := r.FormFile("image")
		if err != nil {
			t.Errorf("Missing image part: %v", err)
			return
		}
		data, _ := io.ReadAll(file)
		if string(data) != "png-bytes" || header.Header.Get("Content-Type") != "image/png" {
			t.Errorf("Unexpected image part %q %s", data, header.Header.Get("Content-Type"))
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"created":1,"data":[{"b64_json":"aGk="}],"usage":{"total_tokens":42}}`))
	}))
	defer srv.Close()

	c := NewClient("sk-test", srv.URL, time.Second)
	res, err := c.Edit(context.Background(), EditRequest{
		Image:  []byte("png-bytes"),
		Prompt: "add a hat",
		Model:  "gpt-image-1",
	})
	if err != nil {
		t.Fatalf("Edit returned error: %v", err)
	}
	if res.Data[0].B64JSON != "aGk=" || len(res.Usage) == 0 {
		t.Fatalf("Unexpected response: %+v", res)
	}
}

func TestGenerateRequestsURLsForDallE(t *testing.T) {
	var got GenerateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"data":[{"url":"https://img/1.png","revised_prompt":"a shiny red cube"}]}`))
	}))
	defer srv.Close()

	c := NewClient("sk-test", srv.URL, time.Second)
	res, err := c.Generate(context.Background(), GenerateRequest{Prompt: "a red cube", Model: "dall-e-3", Style: "vivid", N: 1})
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if got.ResponseFormat != "url" || got.Style != "vivid" {
		t.Errorf("Unexpected request: %+v", got)
	}
	if res.Data[0].RevisedPrompt != "a shiny red cube" {
		t.Errorf("Unexpected response: %+v", res)
	}
}

func TestGenerateDropsStyleForOtherModels(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"data":[{"b64_json":"aGk="}]}`))
	}))
	defer srv.Close()

	c := NewClient("sk-test", srv.URL, time.Second)
	if _, err := c.Generate(context.Background(), GenerateRequest{Prompt: "p", Model: "gpt-image-1", Style: "vivid"}); err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if _, ok := got["style"]; ok {
		t.Errorf("style sent for non dall-e-3 model: %v", got)
	}
	if _, ok := got["response_format"]; ok {
		t.Errorf("response_format sent for gpt-image model: %v", got)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"Your request was rejected","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	c := NewClient("sk-test", srv.URL, time.Second)
	_, err := c.Generate(context.Background(), GenerateRequest{Prompt: "p", Model: "dall-e-3"})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected APIError, got %v", err)
	}
	if apiErr.StatusCode != 400 || apiErr.Message != "Your request was rejected" {
		t.Fatalf("Unexpected APIError: %+v", apiErr)
	}
}

func TestClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	c := NewClient("sk-test", srv.URL, 50*time.Millisecond)
	if _, err := c.Generate(context.Background(), GenerateRequest{Prompt: "p"}); err == nil {
		t.Fatal("Expected timeout error")
	}
}
