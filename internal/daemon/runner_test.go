package daemon

import (
	"context"
	"errors"
	"testing"
	"time"
)

func blockingService(started chan<- struct{}) ServiceFunc {
	return func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
}

// TestRunner_StartShutdown runs a service and stops it.
func TestRunner_StartShutdown(t *testing.T) {
	started := make(chan struct{})
	r := NewRunner(blockingService(started), time.Second)
	done := make(chan error, 1)
	go func() { done <- r.Start(context.Background()) }()
	<-started

	if !r.IsRunning() {
		t.Fatal("expected runner to be running")
	}
	if err := r.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if err := r.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Start returned %v", err)
	}
	if r.IsRunning() {
		t.Fatal("expected runner to be stopped")
	}
	if err := r.Shutdown(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

// TestRunner_ContextCancel stops with the parent context.
func TestRunner_ContextCancel(t *testing.T) {
	started := make(chan struct{})
	r := NewRunner(blockingService(started), 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()
	<-started
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("runner did not stop")
	}
}

// TestRunner_ServiceError reports a failing service and allows a restart.
func TestRunner_ServiceError(t *testing.T) {
	boom := errors.New("boom")
	r := NewRunner(ServiceFunc(func(context.Context) error { return boom }), 0)
	for i := 0; i < 2; i++ {
		if err := r.Start(context.Background()); !errors.Is(err, boom) {
			t.Fatalf("run %d: expected boom, got %v", i, err)
		}
	}
}

// TestRunner_ShutdownTimeout gives up on a service that ignores
// cancellation.
func TestRunner_ShutdownTimeout(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	r := NewRunner(ServiceFunc(func(context.Context) error {
		close(started)
		<-release
		return nil
	}), 50*time.Millisecond)
	go func() { _ = r.Start(context.Background()) }()
	<-started
	if err := r.Shutdown(); !errors.Is(err, ErrShutdownTimeout) {
		t.Fatalf("expected ErrShutdownTimeout, got %v", err)
	}
	close(release)
}
