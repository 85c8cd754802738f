package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

type Downloader struct {
	HTTP     *http.Client
	MaxBytes int64
}

func NewDownloader(timeout time.Duration, maxBytes int64) *Downloader {
	return &Downloader{
		HTTP:     &http.Client{Timeout: timeout},
		MaxBytes: maxBytes,
	}
}

// Get fetches url, refusing bodies larger than MaxBytes.
func (d *Downloader) Get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := d.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}

	reader := io.Reader(resp.Body)
	if d.MaxBytes > 0 {
		reader = io.LimitReader(resp.Body, d.MaxBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", url, err)
	}
	if d.MaxBytes > 0 && int64(len(data)) > d.MaxBytes {
		return nil, fmt.Errorf("download %s: larger than %d bytes", url, d.MaxBytes)
	}
	return data, nil
}
