package healthprobe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestProbe_TransitionsOnFirstCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var transitions []Transition
	p := New(Config{URL: srv.URL}, func(tr Transition) {
		transitions = append(transitions, tr)
	})
	p.CheckOnce(context.Background())

	if len(transitions) != 1 {
		t.Fatalf("got %d transitions, want 1", len(transitions))
	}
	if !transitions[0].Healthy {
		t.Error("transitions[0].Healthy = false, want true")
	}
}

func TestProbe_NoTransitionWhenUnchanged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	count := 0
	p := New(Config{URL: srv.URL}, func(Transition) { count++ })
	p.CheckOnce(context.Background())
	p.CheckOnce(context.Background())
	p.CheckOnce(context.Background())

	if count != 1 {
		t.Errorf("got %d transitions across 3 identical checks, want 1", count)
	}
}

func TestProbe_StatusBoundary(t *testing.T) {
	tests := []struct {
		status  int
		healthy bool
	}{
		// An http.Client never sees other 1xx codes as a final status (it
		// waits for the response that follows them), so 101 stands in for
		// the below-200 side of the boundary.
		{101, false},
		{200, true},
		{399, true},
		{400, false},
		{500, false},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		var got Transition
		p := New(Config{URL: srv.URL}, func(tr Transition) { got = tr })
		p.CheckOnce(context.Background())
		srv.Close()

		if got.Healthy != tt.healthy {
			t.Errorf("status %d: Healthy = %v, want %v", tt.status, got.Healthy, tt.healthy)
		}
	}
}

func TestProbe_RunStopsOnContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New(Config{URL: srv.URL, Interval: time.Millisecond}, func(Transition) {})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}
}
