//go:build windows

package daemon

import (
	"errors"
	"fmt"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

var (
	ErrServiceExists     = errors.New("service already exists")
	ErrServiceNotFound   = errors.New("service not found")
	ErrServiceRunning    = errors.New("service is already running")
	ErrServiceNotRunning = errors.New("service is not running")
)

// StartTypeAutomatic and StartTypeManual are SERVICE_START_TYPE values.
const (
	StartTypeAutomatic uint32 = 2
	StartTypeManual    uint32 = 3
)

// SCM is the part of the service control manager the Manager uses.
type SCM interface {
	OpenService(name string) (ServiceHandle, error)
	CreateService(name, exePath string, cfg mgr.Config, args ...string) (ServiceHandle, error)
	Close() error
}

// ServiceHandle is one installed service.
type ServiceHandle interface {
	Start() error
	Stop() error
	Delete() error
	State() (svc.State, error)
	Close() error
}

// Manager installs and controls the daemon's Windows service.
type Manager struct {
	scm  SCM
	name string
}

func NewManager(scm SCM, name string) *Manager {
	if name == "" {
		name = DefaultServiceName
	}
	return &Manager{scm: scm, name: name}
}

// Install registers exePath to run "daemon" as the service.
func (m *Manager) Install(exePath string, startType uint32) error {
	s, err := m.scm.CreateService(m.name, exePath, mgr.Config{
		DisplayName:  DefaultDisplayName,
		Description:  DefaultDescription,
		StartType:    startType,
		ServiceType:  windows.SERVICE_WIN32_OWN_PROCESS,
		ErrorControl: windows.SERVICE_ERROR_NORMAL,
	}, "daemon")
	if err != nil {
		return err
	}
	return s.Close()
}

// Uninstall stops the service when it runs and removes it.
func (m *Manager) Uninstall() error {
	s, err := m.scm.OpenService(m.name)
	if err != nil {
		return err
	}
	defer s.Close()
	state, err := s.State()
	if err != nil {
		return err
	}
	if state == svc.Running {
		if err := s.Stop(); err != nil {
			return err
		}
	}
	return s.Delete()
}

func (m *Manager) Start() error {
	s, err := m.scm.OpenService(m.name)
	if err != nil {
		return err
	}
	defer s.Close()
	state, err := s.State()
	if err != nil {
		return err
	}
	if state == svc.Running {
		return ErrServiceRunning
	}
	return s.Start()
}

func (m *Manager) Stop() error {
	s, err := m.scm.OpenService(m.name)
	if err != nil {
		return err
	}
	defer s.Close()
	state, err := s.State()
	if err != nil {
		return err
	}
	if state == svc.Stopped {
		return ErrServiceNotRunning
	}
	return s.Stop()
}

func (m *Manager) Status() (svc.State, error) {
	s, err := m.scm.OpenService(m.name)
	if err != nil {
		return 0, err
	}
	defer s.Close()
	return s.State()
}

// StateName is the display form of a service state.
func StateName(s svc.State) string {
	switch s {
	case svc.Stopped:
		return "Stopped"
	case svc.StartPending:
		return "Start Pending"
	case svc.StopPending:
		return "Stop Pending"
	case svc.Running:
		return "Running"
	case svc.Paused:
		return "Paused"
	default:
		return fmt.Sprintf("Unknown (%d)", s)
	}
}

type winSCM struct{ m *mgr.Mgr }

type winService struct{ s *mgr.Service }

// OpenSCM connects to the local service control manager.
func OpenSCM() (SCM, error) {
	m, err := mgr.Connect()
	if err != nil {
		return nil, fmt.Errorf("connect to service control manager: %w", err)
	}
	return &winSCM{m: m}, nil
}

func (w *winSCM) OpenService(name string) (ServiceHandle, error) {
	s, err := w.m.OpenService(name)
	if err != nil {
		return nil, fmt.Errorf("open service %q: %w", name, ErrServiceNotFound)
	}
	return &winService{s: s}, nil
}

func (w *winSCM) CreateService(name, exePath string, cfg mgr.Config, args ...string) (ServiceHandle, error) {
	if existing, err := w.m.OpenService(name); err == nil {
		existing.Close()
		return nil, ErrServiceExists
	}
	s, err := w.m.CreateService(name, exePath, cfg, args...)
	if err != nil {
		return nil, fmt.Errorf("create service %q: %w", name, err)
	}
	return &winService{s: s}, nil
}

func (w *winSCM) Close() error { return w.m.Disconnect() }

func (w *winService) Start() error { return w.s.Start() }

func (w *winService) Stop() error {
	_, err := w.s.Control(svc.Stop)
	return err
}

func (w *winService) Delete() error { return w.s.Delete() }

func (w *winService) State() (svc.State, error) {
	st, err := w.s.Query()
	if err != nil {
		return 0, err
	}
	return st.State, nil
}

func (w *winService) Close() error { return w.s.Close() }
