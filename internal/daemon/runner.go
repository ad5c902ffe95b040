// Package daemon assembles the backup engine and its surroundings from the
// configuration and runs them until shutdown.
package daemon

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrAlreadyRunning  = errors.New("daemon is already running")
	ErrNotRunning      = errors.New("daemon is not running")
	ErrShutdownTimeout = errors.New("shutdown timed out")
)

const (
	DefaultServiceName = "WarpVault"
	DefaultDisplayName = "WarpVault Study Backup"
	DefaultDescription = "Backs up imaging studies to remote archives"

	DEF_SHUTDOWN_TIMEOUT = 30 * time.Second
)

// Service is what a Runner runs. Run blocks until ctx is cancelled.
type Service interface {
	Run(ctx context.Context) error
}

// ServiceFunc adapts a function to Service.
type ServiceFunc func(ctx context.Context) error

func (f ServiceFunc) Run(ctx context.Context) error { return f(ctx) }

// Runner runs a Service once at a time and stops it on Shutdown.
type Runner struct {
	svc     Service
	timeout time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRunner creates a runner for svc. A timeout <= 0 uses
// DEF_SHUTDOWN_TIMEOUT.
func NewRunner(svc Service, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = DEF_SHUTDOWN_TIMEOUT
	}
	return &Runner{svc: svc, timeout: timeout}
}

// Start runs the service and blocks until it returns. A cancelled context
// is not reported as an error.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	r.running = true
	done := r.done
	r.mu.Unlock()

	err := r.svc.Run(ctx)

	r.mu.Lock()
	r.running = false
	r.cancel()
	close(done)
	r.mu.Unlock()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown cancels the service and waits for Start to return.
func (r *Runner) Shutdown() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return ErrNotRunning
	}
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-time.After(r.timeout):
		return ErrShutdownTimeout
	}
}

// IsRunning reports whether Start is in progress.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}
