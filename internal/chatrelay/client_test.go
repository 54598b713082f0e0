package chatrelay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestCreateChannel(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/channels" {
			got.Store(r.URL.Path)
			w.WriteHeader(http.StatusCreated)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if err := c.CreateChannel(context.Background(), "r1"); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if got.Load() != "/channels" {
		t.Fatalf("request never reached the server")
	}
}

func TestDeleteChannelMissingIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if err := c.DeleteChannel(context.Background(), "ghost"); err != nil {
		t.Fatalf("expected 404 to count as success, got %v", err)
	}
}

func TestRetryOnServerError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRetry(3))
	if err := c.CreateChannel(context.Background(), "r1"); err != nil {
		t.Fatalf("CreateChannel after retries: %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Fatalf("got %d attempts, want 3", n)
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRetry(3))
	if err := c.CreateChannel(context.Background(), "r1"); err == nil {
		t.Fatalf("expected error on 400")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("got %d attempts, want 1", n)
	}
}
