package storage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLocalUploaderWritesAndReturnsURL(t *testing.T) {
	dir := t.TempDir()
	up, err := NewLocalUploader(dir, "http://localhost:8080/static/")
	if err != nil {
		t.Fatalf("new uploader: %v", err)
	}
	url, err := up.Upload(context.Background(), "/staged/owner/job.png", []byte("png"), "image/png")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if url != "http://localhost:8080/static/staged/owner/job.png" {
		t.Fatalf("unexpected url %q", url)
	}
	data, err := os.ReadFile(filepath.Join(dir, "staged", "owner", "job.png"))
	if err != nil || string(data) != "png" {
		t.Fatalf("file not written: %v %q", err, data)
	}
}

func TestSanitizeKeyRejectsTraversal(t *testing.T) {
	for _, key := range []string{"", "..", "../etc/passwd", "a/../../b"} {
		if _, err := SanitizeKey(key); err == nil {
			t.Fatalf("expected error for key %q", key)
		}
	}
	if got, err := SanitizeKey(`originals\o\x.png`); err != nil || got != "originals/o/x.png" {
		t.Fatalf("unexpected sanitize result %q %v", got, err)
	}
}

func TestFetcherEnforcesLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer srv.Close()

	f := NewFetcher(time.Second, 32)
	if _, _, err := f.Fetch(context.Background(), srv.URL); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Fatalf("expected size error, got %v", err)
	}

	f = NewFetcher(time.Second, 1024)
	body, ct, err := f.Fetch(context.Background(), srv.URL)
	if err != nil || len(body) != 64 || ct != "image/png" {
		t.Fatalf("unexpected fetch result len=%d ct=%q err=%v", len(body), ct, err)
	}
}

func TestFetcherDataURIRoundTrip(t *testing.T) {
	uri := DataURI("image/png", []byte("hello"))
	body, ct, err := NewFetcher(0, 0).Fetch(context.Background(), uri)
	if err != nil || string(body) != "hello" || ct != "image/png" {
		t.Fatalf("unexpected data uri result %q %q %v", body, ct, err)
	}
	if _, _, err := NewFetcher(0, 0).Fetch(context.Background(), "data:image/png,raw"); err == nil {
		t.Fatalf("expected error for non-base64 data uri")
	}
}

func TestExtensionForMIME(t *testing.T) {
	if ExtensionForMIME("image/jpeg") != ".jpg" || ExtensionForMIME("IMAGE/PNG") != ".png" || ExtensionForMIME("text/plain") != ".bin" {
		t.Fatalf("unexpected extension mapping")
	}
}
