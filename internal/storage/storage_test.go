package storage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestUploadRetriesTransientFailures(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if n := atomic.AddInt32(&attempts, 1); n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		if r.Method != "PUT" {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		if r.Header.Get("x-upsert") != "true" {
			t.Error("upload must be upserting")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewClient(server.URL, "service-key", "video-renders", zerolog.Nop())

	err := c.Upload(context.Background(), "video-renders/2026-08-30/p/j.mp4", []byte("data"), "video/mp4")
	if err != nil {
		t.Fatalf("Upload error: %v", err)
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestUploadDoesNotRetryClientErrors(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	c := NewClient(server.URL, "bad-key", "video-renders", zerolog.Nop())

	if err := c.Upload(context.Background(), "x.mp4", []byte("data"), "video/mp4"); err == nil {
		t.Fatal("expected error on 403")
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Errorf("attempts = %d, a 403 must not be retried", attempts)
	}
}

func TestSignURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/storage/v1/object/sign/video-renders/") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"signedURL": "/storage/v1/object/sign/video-renders/x.mp4?token=abc"}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, "service-key", "video-renders", zerolog.Nop())

	url, err := c.SignURL(context.Background(), "x.mp4", 72*time.Hour)
	if err != nil {
		t.Fatalf("SignURL error: %v", err)
	}
	if !strings.HasPrefix(url, server.URL) || !strings.Contains(url, "token=abc") {
		t.Errorf("signed url = %s", url)
	}
}

func TestDeleteTreatsNotFoundAsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := NewClient(server.URL, "service-key", "video-renders", zerolog.Nop())

	if err := c.Delete(context.Background(), "gone.mp4"); err != nil {
		t.Errorf("deleting an already-gone object should succeed, got %v", err)
	}
}
