package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"mosaic-hq/mosaic/pkg/config"
)

func testConfig() config.ServerConfig {
	return config.ServerConfig{
		ListenAddress:           "127.0.0.1:0",
		ReadHeaderTimeout:       time.Second,
		IdleTimeout:             time.Second,
		MaxHeaderBytes:          1 << 20,
		GracefulShutdownTimeout: time.Second,
	}
}

func TestServer_StartStopsOnContextCancel(t *testing.T) {
	srv := NewServer(testConfig(), http.NewServeMux())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	waitRunning(t, srv)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start() did not return after context cancel")
	}
	if srv.IsRunning() {
		t.Error("IsRunning() = true after shutdown")
	}
}

func TestServer_RequestShutdownUnblocksStart(t *testing.T) {
	srv := NewServer(testConfig(), http.NewServeMux())

	done := make(chan error, 1)
	go func() { done <- srv.Start(context.Background()) }()

	waitRunning(t, srv)
	srv.RequestShutdown()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start() did not return after RequestShutdown")
	}
}

func TestServer_DoubleStartFails(t *testing.T) {
	srv := NewServer(testConfig(), http.NewServeMux())

	go srv.Start(context.Background())
	waitRunning(t, srv)
	defer srv.RequestShutdown()

	if err := srv.Start(context.Background()); err == nil {
		t.Error("second Start() should fail while running")
	}
}

func waitRunning(t *testing.T, srv *Server) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if srv.IsRunning() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("server never reported running")
}
