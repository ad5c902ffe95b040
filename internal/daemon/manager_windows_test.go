//go:build windows

package daemon

import (
	"errors"
	"testing"

	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

type fakeService struct {
	state   svc.State
	deleted bool
	stopErr error
}

func (f *fakeService) Start() error { f.state = svc.Running; return nil }
func (f *fakeService) Stop() error {
	if f.stopErr != nil {
		return f.stopErr
	}
	f.state = svc.Stopped
	return nil
}
func (f *fakeService) Delete() error { f.deleted = true; return nil }
func (f *fakeService) State() (svc.State, error) { return f.state, nil }
func (f *fakeService) Close() error { return nil }

type fakeSCM struct {
	services map[string]*fakeService
	args     []string
}

func (f *fakeSCM) OpenService(name string) (ServiceHandle, error) {
	s, ok := f.services[name]
	if !ok {
		return nil, ErrServiceNotFound
	}
	return s, nil
}

func (f *fakeSCM) CreateService(name, _ string, _ mgr.Config, args ...string) (ServiceHandle, error) {
	if _, ok := f.services[name]; ok {
		return nil, ErrServiceExists
	}
	s := &fakeService{state: svc.Stopped}
	f.services[name] = s
	f.args = args
	return s, nil
}

func (f *fakeSCM) Close() error { return nil }

// TestManagerLifecycle installs, starts, stops and removes the service.
func TestManagerLifecycle(t *testing.T) {
	scm := &fakeSCM{services: map[string]*fakeService{}}
	m := NewManager(scm, "")
	if err := m.Install(`C:\warpvault.exe`, StartTypeAutomatic); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if len(scm.args) != 1 || scm.args[0] != "daemon" {
		t.Fatalf("expected daemon argument, got %v", scm.args)
	}
	if err := m.Install(`C:\warpvault.exe`, StartTypeAutomatic); !errors.Is(err, ErrServiceExists) {
		t.Fatalf("expected ErrServiceExists, got %v", err)
	}
	if err := m.Stop(); !errors.Is(err, ErrServiceNotRunning) {
		t.Fatalf("expected ErrServiceNotRunning, got %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Start(); !errors.Is(err, ErrServiceRunning) {
		t.Fatalf("expected ErrServiceRunning, got %v", err)
	}
	if st, _ := m.Status(); StateName(st) != "Running" {
		t.Fatalf("unexpected state %s", StateName(st))
	}
	if err := m.Uninstall(); err != nil {
		t.Fatalf("Uninstall: %v", err)
	}
	s := scm.services[DefaultServiceName]
	if !s.deleted || s.state != svc.Stopped {
		t.Fatalf("expected stopped and deleted service, got %+v", s)
	}
}

// TestManagerMissingService reports ErrServiceNotFound for every control.
func TestManagerMissingService(t *testing.T) {
	m := NewManager(&fakeSCM{services: map[string]*fakeService{}}, "other")
	for name, op := range map[string]func() error{
		"start":     m.Start,
		"stop":      m.Stop,
		"uninstall": m.Uninstall,
	} {
		if err := op(); !errors.Is(err, ErrServiceNotFound) {
			t.Errorf("%s: expected ErrServiceNotFound, got %v", name, err)
		}
	}
	if _, err := m.Status(); !errors.Is(err, ErrServiceNotFound) {
		t.Fatalf("status: expected ErrServiceNotFound, got %v", err)
	}
}
