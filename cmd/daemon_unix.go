//go:build !windows

package cmd

import "github.com/urfave/cli"

// getDaemonAction returns the foreground daemon; there is no service mode
// outside Windows.
func getDaemonAction() cli.ActionFunc {
	return daemon
}
