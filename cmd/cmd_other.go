//go:build !windows

package cmd

import "github.com/urfave/cli"

// getPlatformCommands adds nothing outside Windows.
func getPlatformCommands() []cli.Command {
	return nil
}
