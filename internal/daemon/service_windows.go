//go:build windows

package daemon

import (
	"context"
	"time"

	"github.com/warpdl/warpvault/pkg/logger"
	"golang.org/x/sys/windows/svc"
)

const acceptedCommands = svc.AcceptStop | svc.AcceptShutdown

// ServiceHandler runs a Runner under the Windows service control manager.
type ServiceHandler struct {
	runner *Runner
	log    logger.Logger
}

var _ svc.Handler = (*ServiceHandler)(nil)

func NewServiceHandler(r *Runner, l logger.Logger) *ServiceHandler {
	if l == nil {
		l = logger.NewNopLogger()
	}
	return &ServiceHandler{runner: r, log: l}
}

// Execute reports StartPending, Running, StopPending and Stopped to the
// service manager while the runner runs.
func (h *ServiceHandler) Execute(_ []string, requests <-chan svc.ChangeRequest, status chan<- svc.Status) (bool, uint32) {
	status <- svc.Status{State: svc.StartPending}
	h.log.Info("%s service starting", DefaultServiceName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- h.runner.Start(ctx) }()

	// an invalid configuration fails before the runner settles
	select {
	case err := <-errc:
		if err != nil {
			h.log.Error("%s service failed to start: %v", DefaultServiceName, err)
		}
		status <- svc.Status{State: svc.Stopped}
		return false, 1
	case <-time.After(500 * time.Millisecond):
	}

	status <- svc.Status{State: svc.Running, Accepts: acceptedCommands}
	h.log.Info("%s service running", DefaultServiceName)
	for {
		select {
		case err := <-errc:
			if err != nil {
				h.log.Error("%s service stopped: %v", DefaultServiceName, err)
				status <- svc.Status{State: svc.Stopped}
				return false, 1
			}
			status <- svc.Status{State: svc.Stopped}
			return false, 0
		case req, ok := <-requests:
			if !ok {
				return false, 0
			}
			switch req.Cmd {
			case svc.Interrogate:
				status <- req.CurrentStatus
			case svc.Stop, svc.Shutdown:
				status <- svc.Status{State: svc.StopPending}
				code := uint32(0)
				if err := h.runner.Shutdown(); err != nil {
					h.log.Error("%s service shutdown: %v", DefaultServiceName, err)
					code = 1
				}
				status <- svc.Status{State: svc.Stopped}
				return false, code
			}
		}
	}
}

// IsWindowsService reports whether the process runs under the service
// control manager.
func IsWindowsService() (bool, error) {
	return svc.IsWindowsService()
}

// RunService hands the process to the service control manager.
func RunService(h *ServiceHandler) error {
	return svc.Run(DefaultServiceName, h)
}
