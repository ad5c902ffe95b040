package config

import (
	"github.com/warpdl/warpvault/internal/scheduler"
	"github.com/warpdl/warpvault/internal/transport"
	"github.com/warpdl/warpvault/internal/verify"
	"github.com/warpdl/warpvault/pkg/logger"
	"github.com/warpdl/warpvault/pkg/vaultlib"
)

// Orchestrator returns the engine settings. Validate has checked the
// verification mode.
func (c *Config) Orchestrator() vaultlib.OrchestratorConfig {
	mode, _ := vaultlib.ParseVerificationMode(c.Engine.Verification)
	return vaultlib.OrchestratorConfig{
		MaxConcurrentTransfers: c.Engine.MaxConcurrentTransfers,
		StopGracePeriod:        c.Engine.StopGracePeriod.D(),
		Verification:           mode,
		PruneAfter:             c.Engine.PruneAfter.D(),
	}
}

func (c *Config) RetryPolicy() vaultlib.RetryConfig {
	return vaultlib.RetryConfig{
		MaxRetries:        c.Retry.MaxRetries,
		BaseInterval:      c.Retry.BaseInterval.D(),
		MaxInterval:       c.Retry.MaxInterval.D(),
		BackoffMultiplier: c.Retry.BackoffMultiplier,
		IntegrityRetries:  c.Retry.IntegrityRetries,
	}
}

func (c *Config) Registry() vaultlib.RegistryConfig {
	policy, _ := vaultlib.ParseMirrorPolicy(c.Routing.MirrorPolicy)
	return vaultlib.RegistryConfig{
		Mirroring:         c.Routing.Mirroring,
		MirrorPolicy:      policy,
		FailoverThreshold: c.Routing.FailoverThreshold,
		ErrorWindow:       c.Routing.ErrorWindow.D(),
		MinSamples:        c.Routing.MinSamples,
	}
}

// MonitorSettings watches free space on the catalog volume.
func (c *Config) MonitorSettings() vaultlib.MonitorConfig {
	return vaultlib.MonitorConfig{
		Interval:       c.Monitor.Interval.D(),
		StallThreshold: c.Monitor.StallThreshold.D(),
		DiskPath:       c.Catalog.Root,
		MinFreeBytes:   c.Monitor.MinFreeBytes,
	}
}

func (c *Config) AuditLog() vaultlib.AuditConfig {
	return vaultlib.AuditConfig{
		Path:       c.Audit.Path,
		MaxSize:    c.Audit.MaxSize,
		MaxBackups: c.Audit.MaxBackups,
	}
}

func (c *Config) Compression() vaultlib.CompressionPolicy {
	return vaultlib.CompressionPolicy{ByModality: c.Engine.Compression}
}

// BandwidthLimit returns the configured limit in bytes per second, 0 for
// unlimited.
func (c *Config) BandwidthLimit() int64 {
	if c.Transport.Bandwidth == "" {
		return 0
	}
	n, _ := vaultlib.ParseSpeedLimit(c.Transport.Bandwidth)
	return n
}

func (c *Config) Book() scheduler.BookConfig {
	return scheduler.BookConfig{
		SkipPeakHours: c.Scheduler.SkipPeakHours,
		Peak:          c.Scheduler.PeakHours,
	}
}

// TransportOptions returns the transport settings.
func (c *Config) TransportOptions(secrets transport.Secrets, l logger.Logger) transport.Options {
	return transport.Options{
		Secrets:        secrets,
		KnownHostsPath: c.Transport.KnownHosts,
		SSHKeyPath:     c.Transport.SSHKey,
		Proxy:          c.Transport.Proxy,
		DialTimeout:    c.Transport.DialTimeout.D(),
		DICOM: transport.StoreSCUOptions{
			Binary:    c.Transport.StoreSCU,
			CallingAE: c.Transport.CallingAE,
			TempDir:   c.Transport.TempDir,
		},
		Logger: l,
	}
}

func (c *Config) FindSCU() verify.FindSCUOptions {
	return verify.FindSCUOptions{
		Binary:    c.Transport.FindSCU,
		CallingAE: c.Transport.CallingAE,
	}
}
