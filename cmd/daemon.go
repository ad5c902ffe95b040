package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/urfave/cli"
	cmdCommon "github.com/warpdl/warpvault/cmd/common"
	"github.com/warpdl/warpvault/common"
	"github.com/warpdl/warpvault/internal/config"
	daemonpkg "github.com/warpdl/warpvault/internal/daemon"
	"github.com/warpdl/warpvault/pkg/logger"
)

var daemonFlags = []cli.Flag{
	cli.StringFlag{
		Name:   "config-dir, c",
		Usage:  "directory holding config.yaml",
		EnvVar: common.ConfigDirEnv,
	},
}

var initFlags = []cli.Flag{
	cli.StringFlag{
		Name:   "config-dir, c",
		Usage:  "directory to write config.yaml to",
		EnvVar: common.ConfigDirEnv,
	},
	cli.BoolFlag{
		Name:  "force, f",
		Usage: "overwrite an existing configuration",
	},
}

// currentBuildArgs is reported by system.getVersion.
var currentBuildArgs BuildArgs

// consoleLog is where the daemon logs when it is not a Windows service.
var consoleLog io.Writer = os.Stderr

func configDir(ctx *cli.Context) (string, error) {
	if d := ctx.String("config-dir"); d != "" {
		return d, nil
	}
	return config.Dir()
}

// runDaemon loads the configuration, assembles the daemon and runs it
// until ctx is cancelled.
func runDaemon(ctx context.Context, dir string, l logger.Logger) error {
	cfg, err := config.Load(dir)
	if err != nil {
		l.Error("configuration: %v", err)
		return err
	}
	// a second daemon on the same directory would take over the live socket
	release, err := acquirePidFile(cfg.ConfigDir())
	if err != nil {
		l.Error("%v", err)
		return err
	}
	defer release()
	if cfg.Log.File != "" {
		fl, err := logger.NewFileLogger(cfg.Log.File)
		if err != nil {
			l.Warning("log file disabled: %v", err)
		} else {
			defer fl.Close()
			l = logger.NewMultiLogger(l, fl)
		}
	}
	c, err := daemonpkg.Build(ctx, cfg, daemonpkg.Options{
		Version:   currentBuildArgs.Version,
		Commit:    currentBuildArgs.Commit,
		BuildType: currentBuildArgs.BuildType,
		Logger:    l,
	})
	if err != nil {
		l.Error("daemon initialization failed: %v", err)
		return err
	}
	defer c.Close()
	l.Info("warpvault daemon %s starting (config %s)", currentBuildArgs.Version, dir)
	err = c.Run(ctx)
	l.Info("daemon stopped")
	return err
}

func consoleLogger() *logger.StandardLogger {
	flags := log.LstdFlags
	if os.Getenv(common.DebugEnv) != "" {
		flags |= log.Lmicroseconds | log.Lshortfile
	}
	return logger.NewStandardLogger(log.New(consoleLog, "", flags))
}

// daemon runs the daemon in the foreground until SIGINT or SIGTERM.
func daemon(ctx *cli.Context) error {
	dir, err := configDir(ctx)
	if err != nil {
		return runtimeErr("daemon", "config_dir", err)
	}
	l := consoleLogger()
	sctx, cancel := setupShutdownHandler()
	defer cancel()
	r := daemonpkg.NewRunner(daemonpkg.ServiceFunc(func(c context.Context) error {
		return runDaemon(c, dir, l)
	}), 0)
	if err := r.Start(sctx); err != nil {
		return runtimeErr("daemon", "run", err)
	}
	return nil
}

// initConfig writes a default configuration for a catalog root.
func initConfig(ctx *cli.Context) error {
	root := ctx.Args().First()
	if root == "" {
		return cmdCommon.PrintErrWithCmdHelp(ctx, errors.New("init: missing catalog root"))
	}
	dir, err := configDir(ctx)
	if err != nil {
		return runtimeErr("init", "config_dir", err)
	}
	path := filepath.Join(dir, config.FileName)
	if _, err := os.Stat(path); err == nil && !ctx.Bool("force") {
		return fmt.Errorf("init: %s already exists, use --force to overwrite it", path)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return runtimeErr("init", "catalog_root", err)
	}
	cfg := config.Default(dir)
	cfg.Catalog.Root = abs
	if err := cfg.Validate(); err != nil {
		return runtimeErr("init", "validate", err)
	}
	if err := cfg.Save(); err != nil {
		return runtimeErr("init", "save", err)
	}
	fmt.Fprintf(stdout, "wrote %s\n", path)
	return nil
}
