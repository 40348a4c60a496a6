package main

import (
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestDrainHTTPCleanStop(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})}
	go func() { _ = srv.Serve(ln) }()

	if code := drainHTTP(zerolog.New(io.Discard), srv, time.Second); code != 0 {
		t.Fatalf("exit code: got=%d want=0", code)
	}
}

func TestDrainHTTPFailureExitsNonZero(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
	})}
	go func() { _ = srv.Serve(ln) }()
	defer close(release)
	defer srv.Close()

	go func() {
		resp, err := http.Get("http://" + ln.Addr().String())
		if err == nil {
			_ = resp.Body.Close()
		}
	}()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("request never reached the handler")
	}

	// The in-flight request outlives the drain window.
	if code := drainHTTP(zerolog.New(io.Discard), srv, 50*time.Millisecond); code != 1 {
		t.Fatalf("exit code: got=%d want=1", code)
	}
}
