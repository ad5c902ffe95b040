//go:build windows

package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli"
	daemonpkg "github.com/warpdl/warpvault/internal/daemon"
	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/svc/eventlog"
)

var ErrRequiresAdmin = errors.New("this operation requires administrator privileges")

// Replaced in tests.
var (
	isAdminFunc     = isAdmin
	openSCM         = daemonpkg.OpenSCM
	installEventSrc = func(name string) error {
		return eventlog.InstallAsEventCreate(name, eventlog.Info|eventlog.Warning|eventlog.Error)
	}
	removeEventSrc = eventlog.Remove
)

// isAdmin reports whether the process token is a member of the
// Administrators group.
func isAdmin() bool {
	var sid *windows.SID
	err := windows.AllocateAndInitializeSid(
		&windows.SECURITY_NT_AUTHORITY,
		2,
		windows.SECURITY_BUILTIN_DOMAIN_RID,
		windows.DOMAIN_ALIAS_RID_ADMINS,
		0, 0, 0, 0, 0, 0,
		&sid,
	)
	if err != nil {
		return false
	}
	defer windows.FreeSid(sid)
	isMember, err := windows.Token(0).IsMember(sid)
	if err != nil {
		return false
	}
	return isMember
}

func serviceCommand() cli.Command {
	return cli.Command{
		Name:  "service",
		Usage: "manage the WarpVault Windows service",
		Subcommands: []cli.Command{
			{
				Name:   "install",
				Usage:  "install the daemon as an automatic Windows service",
				Action: serviceInstall,
			},
			{
				Name:   "uninstall",
				Usage:  "stop and remove the Windows service",
				Action: serviceUninstall,
			},
			{
				Name:   "start",
				Usage:  "start the Windows service",
				Action: serviceStart,
			},
			{
				Name:   "stop",
				Usage:  "stop the Windows service",
				Action: serviceStop,
			},
			{
				Name:   "status",
				Usage:  "show the state of the Windows service",
				Action: serviceStatus,
			},
		},
	}
}

// withManager checks for admin rights when needed and runs fn with a
// manager for the default service.
func withManager(admin bool, fn func(*daemonpkg.Manager) error) error {
	if admin && !isAdminFunc() {
		return ErrRequiresAdmin
	}
	scm, err := openSCM()
	if err != nil {
		return err
	}
	defer scm.Close()
	return fn(daemonpkg.NewManager(scm, daemonpkg.DefaultServiceName))
}

func serviceErr(action string, err error) error {
	name := daemonpkg.DefaultServiceName
	switch {
	case errors.Is(err, daemonpkg.ErrServiceExists):
		return fmt.Errorf("service '%s' is already installed", name)
	case errors.Is(err, daemonpkg.ErrServiceNotFound):
		return fmt.Errorf("service '%s' is not installed", name)
	case errors.Is(err, daemonpkg.ErrServiceRunning):
		return fmt.Errorf("service '%s' is already running", name)
	case errors.Is(err, daemonpkg.ErrServiceNotRunning):
		return fmt.Errorf("service '%s' is not running", name)
	}
	return fmt.Errorf("failed to %s service: %w", action, err)
}

func serviceInstall(ctx *cli.Context) error {
	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	return withManager(true, func(m *daemonpkg.Manager) error {
		if err := m.Install(exePath, daemonpkg.StartTypeAutomatic); err != nil {
			return serviceErr("install", err)
		}
		if err := installEventSrc(daemonpkg.DefaultServiceName); err != nil {
			_ = m.Uninstall()
			return fmt.Errorf("failed to register event source: %w", err)
		}
		fmt.Fprintf(stdout, "Service '%s' installed successfully\n", daemonpkg.DefaultServiceName)
		return nil
	})
}

func serviceUninstall(ctx *cli.Context) error {
	return withManager(true, func(m *daemonpkg.Manager) error {
		if err := m.Uninstall(); err != nil {
			return serviceErr("uninstall", err)
		}
		_ = removeEventSrc(daemonpkg.DefaultServiceName)
		fmt.Fprintf(stdout, "Service '%s' uninstalled successfully\n", daemonpkg.DefaultServiceName)
		return nil
	})
}

func serviceStart(ctx *cli.Context) error {
	return withManager(true, func(m *daemonpkg.Manager) error {
		if err := m.Start(); err != nil {
			return serviceErr("start", err)
		}
		fmt.Fprintf(stdout, "Service '%s' started successfully\n", daemonpkg.DefaultServiceName)
		return nil
	})
}

func serviceStop(ctx *cli.Context) error {
	return withManager(true, func(m *daemonpkg.Manager) error {
		if err := m.Stop(); err != nil {
			return serviceErr("stop", err)
		}
		fmt.Fprintf(stdout, "Service '%s' stopped successfully\n", daemonpkg.DefaultServiceName)
		return nil
	})
}

// serviceStatus needs no admin rights.
func serviceStatus(ctx *cli.Context) error {
	return withManager(false, func(m *daemonpkg.Manager) error {
		st, err := m.Status()
		if err != nil {
			return serviceErr("query", err)
		}
		fmt.Fprintf(stdout, "Service '%s': %s\n", daemonpkg.DefaultServiceName, daemonpkg.StateName(st))
		return nil
	})
}
