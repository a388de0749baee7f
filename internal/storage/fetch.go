package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Fetcher downloads remote images with a size cap.
type Fetcher struct {
	client *http.Client
	limit  int64
}

func NewFetcher(timeout time.Duration, limit int64) *Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if limit <= 0 {
		limit = 25 * 1024 * 1024
	}
	return &Fetcher{client: &http.Client{Timeout: timeout}, limit: limit}
}

// Fetch returns the body and content type at url. data: URIs are decoded in place.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	if strings.HasPrefix(url, "data:") {
		return decodeDataURI(url, f.limit)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download image: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > f.limit {
		return nil, "", fmt.Errorf("image too large (>%d bytes)", f.limit)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(body)
	}
	return body, contentType, nil
}

func decodeDataURI(uri string, limit int64) ([]byte, string, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok {
		return nil, "", errors.New("malformed data uri")
	}
	if !strings.HasSuffix(meta, ";base64") {
		return nil, "", errors.New("data uri must be base64 encoded")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("decode data uri: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, "", fmt.Errorf("image too large (>%d bytes)", limit)
	}
	return data, strings.TrimSuffix(meta, ";base64"), nil
}

// DataURI encodes bytes inline; used when durable storage is unavailable.
func DataURI(contentType string, data []byte) string {
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
