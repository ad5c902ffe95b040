package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/afero"
	"github.com/warpdl/warpvault/internal/catalog"
	"github.com/warpdl/warpvault/internal/config"
	"github.com/warpdl/warpvault/internal/credentials"
	"github.com/warpdl/warpvault/internal/scheduler"
	"github.com/warpdl/warpvault/internal/scripting"
	"github.com/warpdl/warpvault/internal/server"
	"github.com/warpdl/warpvault/internal/store"
	"github.com/warpdl/warpvault/internal/transport"
	"github.com/warpdl/warpvault/internal/verify"
	"github.com/warpdl/warpvault/pkg/logger"
	"github.com/warpdl/warpvault/pkg/vaultlib"
)

// DEF_PERSIST_INTERVAL is how often the waiting queue is written to the
// state database.
const DEF_PERSIST_INTERVAL = 30 * time.Second

// SecretStore holds destination passwords.
type SecretStore interface {
	Set(destinationID, secret string) error
	Delete(destinationID string) error
	Secret(destinationID string) (string, error)
}

// Options carries what the configuration file does not.
type Options struct {
	Version   string
	Commit    string
	BuildType string
	Logger    logger.Logger
	// Fs backs the catalog and dir:// destinations. Defaults to the OS
	// filesystem.
	Fs afero.Fs
	// Secrets defaults to the keyring with an encrypted file fallback in
	// the config directory.
	Secrets SecretStore
	// Prober defaults to a TCP connect probe.
	Prober vaultlib.Prober
}

// Components is the assembled daemon.
type Components struct {
	Config   *config.Config
	Store    *store.Store
	Catalog  *catalog.Catalog
	Secrets  SecretStore
	Router   *transport.Router
	Registry *vaultlib.DestinationRegistry
	Engine   *vaultlib.Orchestrator
	Book     *scheduler.Book
	Monitor  *vaultlib.Monitor
	Audit    *vaultlib.AuditLog
	Stats    *vaultlib.Statistics
	Dedup    *vaultlib.DedupIndex
	Limiter  *vaultlib.BandwidthLimiter
	Server   *server.Server

	prober     vaultlib.Prober
	log        logger.Logger
	persistMu  sync.Mutex
	persistDur time.Duration
}

// Build opens the state and wires every component. Nothing runs until Run.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*Components, error) {
	log := opts.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if err := os.MkdirAll(cfg.StateDir, 0700); err != nil {
		return nil, fmt.Errorf("state dir: %w", err)
	}

	c := &Components{Config: cfg, log: log, persistDur: DEF_PERSIST_INTERVAL}
	if err := c.build(ctx, opts); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Components) build(ctx context.Context, opts Options) error {
	cfg, log := c.Config, c.log
	var err error
	c.Store, err = store.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	c.Catalog = catalog.New(opts.Fs, cfg.Catalog.Root)

	c.Secrets = opts.Secrets
	if c.Secrets == nil {
		c.Secrets = credentials.NewManager(cfg.ConfigDir(), logger.WithPrefix(log, "credentials"))
	}

	topts := cfg.TransportOptions(c.Secrets, logger.WithPrefix(log, "transport"))
	topts.Fs = opts.Fs
	c.Router, err = transport.NewRouter(topts)
	if err != nil {
		return err
	}
	if cfg.Transport.FindSCU != "" {
		c.Router.RegisterVerifier("dicom", verify.NewFindSCU(cfg.FindSCU()))
	}

	c.Registry = vaultlib.NewDestinationRegistry(cfg.Registry())
	dests, err := c.Store.ListDestinations(ctx)
	if err != nil {
		return fmt.Errorf("load destinations: %w", err)
	}
	for _, d := range dests {
		if _, err := c.Registry.Add(d); err != nil {
			log.Warning("skip destination %s: %v", d.ID, err)
		}
	}

	classifier, err := c.classifier()
	if err != nil {
		return err
	}

	c.Dedup = vaultlib.NewDedupIndex(c.Store)
	if err := c.Dedup.Load(ctx); err != nil {
		return fmt.Errorf("load dedup index: %w", err)
	}

	c.Stats = vaultlib.NewStatistics(cfg.Stats.MaxRecords)
	if n, err := c.Store.PruneTransferRecords(ctx, time.Now().Add(-cfg.Stats.Retention.D())); err != nil {
		log.Warning("prune transfer records: %v", err)
	} else if n > 0 {
		log.Info("pruned %d transfer records", n)
	}
	recs, err := c.Store.ListTransferRecords(ctx, cfg.Stats.MaxRecords)
	if err != nil {
		return fmt.Errorf("load transfer records: %w", err)
	}
	c.Stats.Restore(recs)

	c.Audit, err = vaultlib.OpenAuditLog(cfg.AuditLog())
	if err != nil {
		return err
	}
	c.Limiter = vaultlib.NewBandwidthLimiter(cfg.BandwidthLimit())

	queue := vaultlib.NewTransferQueue(cfg.Engine.MaxConcurrentTransfers)
	waiting, err := c.Store.LoadQueue(ctx)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	if n := queue.Restore(waiting); n > 0 {
		log.Info("restored %d queued transfers", n)
	}

	c.Engine, err = vaultlib.NewOrchestrator(cfg.Orchestrator(), vaultlib.OrchestratorDeps{
		Catalog:     c.Catalog,
		Selector:    vaultlib.NewSelector(c.Catalog, c.Store, c.Store, classifier),
		Registry:    c.Registry,
		Transport:   c.Router,
		Verifier:    verify.WithTimeout(c.Router, cfg.Transport.VerifyTimeout.D()),
		Dedup:       c.Dedup,
		Policy:      vaultlib.NewRecoveryPolicy(cfg.RetryPolicy()),
		Queue:       queue,
		Stats:       vaultlib.MultiSink{c.Stats, c.Store, c.Audit},
		Auditor:     c.Audit,
		Limiter:     c.Limiter,
		Compression: cfg.Compression(),
		Alert:       c.alert,
		Logger:      logger.WithPrefix(log, "engine"),
	})
	if err != nil {
		return err
	}

	c.Monitor = vaultlib.NewMonitor(cfg.MonitorSettings(), queue, logger.WithPrefix(log, "monitor"))
	c.Monitor.OnAlert(c.alert)
	c.Book = scheduler.NewBook(c.Store, cfg.Book(), logger.WithPrefix(log, "scheduler"))

	c.prober = opts.Prober
	if c.prober == nil {
		c.prober = vaultlib.TCPProber{Timeout: cfg.Transport.DialTimeout.D()}
	}

	c.Server = server.New(server.Config{
		Secret:    cfg.RPC.Secret,
		Listen:    cfg.RPC.Listen,
		Socket:    cfg.RPC.Socket,
		RateLimit: cfg.RPC.RateLimit,
		RateBurst: cfg.RPC.RateBurst,
		Version:   opts.Version,
		Commit:    opts.Commit,
		BuildType: opts.BuildType,
		Debug:     cfg.Log.Debug,
	}, server.Services{
		Engine:        c.Engine,
		Registry:      c.Registry,
		Catalog:       c.Catalog,
		Schedules:     c.Book,
		Dedup:         c.Dedup,
		Stats:         c.Stats,
		Audit:         c.Audit,
		Monitor:       c.Monitor,
		Limiter:       c.Limiter,
		Prober:        c.prober,
		Destinations:  c.Store,
		Secrets:       c.Secrets,
		Manifests:     c.Router,
		EngineContext: ctx,
	}, logger.WithPrefix(log, "rpc"))
	return nil
}

// classifier loads the smart selection script, or the rule table when no
// script is configured.
func (c *Components) classifier() (vaultlib.Classifier, error) {
	smart := c.Config.Smart
	if smart.Script == "" {
		return vaultlib.NewRuleClassifier(), nil
	}
	cl, err := scripting.Load(smart.Script, smart.Timeout.D(), logger.WithPrefix(c.log, "script"))
	if err != nil {
		return nil, vaultlib.NewTransferError(vaultlib.KindConfigurationInvalid, "", "smart script", err)
	}
	c.log.Info("smart selection script %s loaded", cl.Path())
	return cl, nil
}

func (c *Components) alert(a vaultlib.Alert) {
	if c.Server != nil {
		c.Server.Notifier().Alert(a)
	}
}

// runSchedule starts the backup of a fired schedule.
func (c *Components) runSchedule(ctx context.Context, s scheduler.BackupSchedule) {
	st, err := c.Engine.RunBackup(ctx, vaultlib.BackupRequest{
		Type:         s.Type,
		Filter:       s.Filter,
		Destinations: s.Destinations,
		MaxStudies:   s.MaxStudies,
		Priority:     vaultlib.PriorityNormal,
		Source:       s.Name,
	})
	if err != nil {
		c.log.Error("scheduled backup %q: %v", s.Name, err)
		return
	}
	c.log.Info("scheduled backup %q queued %d studies (run %s)", s.Name, st.Studies, st.ID)
}

// Run starts the engine, schedules, monitor, health probes and the RPC
// server and blocks until ctx is cancelled or the server fails.
func (c *Components) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := c.Engine.Start(ctx); err != nil {
		return err
	}
	defer func() {
		// stopping cancels every item, so the queue is saved first
		c.persistQueue()
		if err := c.Engine.Stop(); err != nil && !errors.Is(err, vaultlib.ErrOrchestratorStopped) {
			c.log.Warning("stop engine: %v", err)
		}
	}()

	if err := c.Book.Start(ctx, c.runSchedule); err != nil {
		return err
	}
	defer c.Book.Wait()
	if c.Config.Scheduler.SeedDefaults {
		n, err := c.Book.Seed(ctx, scheduler.DefaultSchedules(time.Now()))
		if err != nil {
			c.log.Warning("seed schedules: %v", err)
		} else if n > 0 {
			c.log.Info("installed %d default schedules", n)
		}
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	loops := []func(context.Context){
		c.Monitor.Run,
		c.probeLoop,
		c.persistLoop,
		func(ctx context.Context) { c.Server.Notifier().Forward(ctx, c.Engine.Events()) },
	}
	for _, loop := range loops {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(loop)
	}

	c.log.Info("daemon started: catalog %s, %d destinations", c.Catalog.Root(), len(c.Registry.List()))
	err := c.Server.Start(ctx)
	cancel()
	return err
}

// probeLoop probes every enabled destination now and then on the
// configured interval. Destinations found down hand their waiting work to
// the others.
func (c *Components) probeLoop(ctx context.Context) {
	interval := c.Config.Routing.ProbeInterval.D()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		results, _ := c.Engine.ProbeDestinations(ctx, c.prober, "")
		for _, res := range results {
			if !res.Reachable {
				c.log.Warning("destination %s unreachable: %s", res.DestinationID, res.Error)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (c *Components) persistLoop(ctx context.Context) {
	t := time.NewTicker(c.persistDur)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.persistQueue()
		}
	}
}

// persistQueue writes the unfinished items so they survive a restart.
// Items in flight are queued again by Restore.
func (c *Components) persistQueue() {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	var open []vaultlib.TransferItem
	for _, it := range c.Engine.Queue().Items() {
		if !it.IsTerminal() {
			open = append(open, it)
		}
	}
	if err := c.Store.SaveQueue(context.Background(), open); err != nil {
		c.log.Warning("persist queue: %v", err)
	}
}

// Close releases the state database and the audit log.
func (c *Components) Close() {
	if c.Audit != nil {
		if err := c.Audit.Close(); err != nil {
			c.log.Warning("close audit log: %v", err)
		}
	}
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			c.log.Warning("close store: %v", err)
		}
	}
}
