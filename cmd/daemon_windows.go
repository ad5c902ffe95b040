//go:build windows

package cmd

import (
	"context"

	"github.com/urfave/cli"
	daemonpkg "github.com/warpdl/warpvault/internal/daemon"
	"github.com/warpdl/warpvault/pkg/logger"
)

// getDaemonAction detects service mode: under the service control manager
// the daemon also logs to the Windows Event Log.
func getDaemonAction() cli.ActionFunc {
	return daemonWindows
}

func daemonWindows(ctx *cli.Context) error {
	isService, err := daemonpkg.IsWindowsService()
	if err != nil {
		return runtimeErr("daemon", "detect_service", err)
	}
	if !isService {
		return daemon(ctx)
	}
	dir, err := configDir(ctx)
	if err != nil {
		return err
	}

	var l logger.Logger = consoleLogger()
	if el, err := logger.NewEventLogger(daemonpkg.DefaultServiceName); err == nil {
		defer el.Close()
		l = logger.NewMultiLogger(l, el)
	}
	r := daemonpkg.NewRunner(daemonpkg.ServiceFunc(func(c context.Context) error {
		return runDaemon(c, dir, l)
	}), 0)
	return daemonpkg.RunService(daemonpkg.NewServiceHandler(r, l))
}
