package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestHTTPClientCallDecodesReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != "wipe" {
			t.Errorf("unexpected body: %q", body)
		}
		_ = json.NewEncoder(w).Encode(wireReply{OK: true, Keywords: map[string][]string{"exposureState": {"wiping"}}})
	}))
	defer srv.Close()

	c := NewHTTPClient(func(actor string) string { return srv.URL }, DefaultBreakerConfig())
	rb, err := c.Call(context.Background(), "ccd_b1", "wipe", time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rb.DidFail {
		t.Fatalf("expected DidFail false")
	}
	if rb.Keywords["exposureState"][0] != "wiping" {
		t.Fatalf("unexpected keywords: %+v", rb.Keywords)
	}
}

func TestHTTPClientCallReportsActorFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(wireReply{OK: false, LastFailure: "CCDMotorsBad(b1 with jammed)"})
	}))
	defer srv.Close()

	c := NewHTTPClient(func(actor string) string { return srv.URL }, DefaultBreakerConfig())
	rb, err := c.Call(context.Background(), "ccd_b1", "read", time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rb.DidFail || rb.LastFailure != "CCDMotorsBad(b1 with jammed)" {
		t.Fatalf("unexpected bundle: %+v", rb)
	}
}

func TestHTTPClientCallSafeWarnsOnTransportError(t *testing.T) {
	c := NewHTTPClient(func(actor string) string { return "http://127.0.0.1:1" }, DefaultBreakerConfig())
	var warned string
	_, err := c.CallSafe(context.Background(), "ccd_b1", "wipe", 50*time.Millisecond, func(actor, cmdStr, reason string) {
		warned = reason
	})
	if err == nil {
		t.Fatalf("expected transport error")
	}
	if warned == "" {
		t.Fatalf("expected warn callback invoked")
	}
}

func TestHTTPClientBreakerOpensFastFailsAfterFailures(t *testing.T) {
	c := NewHTTPClient(func(actor string) string { return "http://127.0.0.1:1" }, BreakerConfig{
		ConsecutiveFailThreshold: 2,
		OpenDuration:             time.Minute,
		HalfOpenProbes:           1,
	})
	for i := 0; i < 2; i++ {
		if _, err := c.Call(context.Background(), "ccd_b1", "wipe", 20*time.Millisecond); err == nil {
			t.Fatalf("expected transport error on attempt %d", i)
		}
	}

	var calledServer int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calledServer, 1)
		_ = json.NewEncoder(w).Encode(wireReply{OK: true})
	}))
	defer srv.Close()
	c.baseURL = func(actor string) string { return srv.URL }

	_, err := c.Call(context.Background(), "ccd_b1", "wipe", time.Second)
	if err == nil {
		t.Fatalf("expected breaker to fail fast without reaching the server")
	}
	if atomic.LoadInt32(&calledServer) != 0 {
		t.Fatalf("expected open breaker to short-circuit before dispatch")
	}
}

func TestHTTPClientCallNoWaitDispatchesAsync(t *testing.T) {
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(done)
		_ = json.NewEncoder(w).Encode(wireReply{OK: true})
	}))
	defer srv.Close()

	c := NewHTTPClient(func(actor string) string { return srv.URL }, DefaultBreakerConfig())
	if err := c.CallNoWait(context.Background(), "lampsActor", "go"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected dispatch to reach server")
	}
}
