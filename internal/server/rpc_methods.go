package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/handler"
	"github.com/creachadair/jrpc2/jhttp"
	"github.com/warpdl/warpvault/common"
	"github.com/warpdl/warpvault/internal/catalog"
	"github.com/warpdl/warpvault/internal/credentials"
	"github.com/warpdl/warpvault/internal/scheduler"
	"github.com/warpdl/warpvault/internal/store"
	"github.com/warpdl/warpvault/pkg/logger"
	"github.com/warpdl/warpvault/pkg/vaultlib"
)

// Custom JSON-RPC error codes.
const (
	codeNotFound      = jrpc2.Code(-32001)
	codeInvalidState  = jrpc2.Code(-32002)
	codeRateLimited   = jrpc2.Code(-32005)
	codeUnauthorized  = jrpc2.Code(-32600)
	codeInvalidParams = jrpc2.Code(-32602)
)

const (
	DEF_SUGGEST_DAYS    = 3
	DEF_REBUILD_WORKERS = 4
	DEF_AUDIT_PAGE      = 200
)

// DestinationStore persists destination configuration.
type DestinationStore interface {
	SaveDestination(ctx context.Context, d vaultlib.BackupDestination) error
	DeleteDestination(ctx context.Context, id string) error
}

// SecretStore keeps destination secrets.
type SecretStore interface {
	Set(destinationID, secret string) error
	Delete(destinationID string) error
}

// ManifestReader reads the manifest stored with a study at a destination.
type ManifestReader interface {
	ReadManifest(ctx context.Context, dest vaultlib.BackupDestination, studyUID string) (*vaultlib.StudyManifest, error)
}

// Services are the daemon components the RPC methods act on. Engine,
// Registry and Catalog are required; methods of a missing optional
// component answer with an invalid state error.
type Services struct {
	Engine       *vaultlib.Orchestrator
	Registry     *vaultlib.DestinationRegistry
	Catalog      vaultlib.Catalog
	Schedules    *scheduler.Book
	Dedup        *vaultlib.DedupIndex
	Stats        *vaultlib.Statistics
	Audit        *vaultlib.AuditLog
	Monitor      *vaultlib.Monitor
	Limiter      *vaultlib.BandwidthLimiter
	Prober       vaultlib.Prober
	Destinations DestinationStore
	Secrets      SecretStore
	Manifests    ManifestReader
	// EngineContext is the context the engine is restarted under when a
	// backup is requested after a stop.
	EngineContext context.Context
}

// RPCServer holds the JSON-RPC method table and its HTTP bridge.
type RPCServer struct {
	bridge   jhttp.Bridge
	assigner jrpc2.Assigner
	notifier *RPCNotifier
	svc      Services
	version  common.VersionResult
	log      logger.Logger
	debug    bool
	now      func() time.Time
}

// NewRPCServer builds the method table and its HTTP bridge.
func NewRPCServer(cfg Config, svc Services, n *RPCNotifier, l logger.Logger) *RPCServer {
	if l == nil {
		l = logger.NewNopLogger()
	}
	if svc.EngineContext == nil {
		svc.EngineContext = context.Background()
	}
	s := &RPCServer{
		notifier: n,
		svc:      svc,
		version:  common.VersionResult{Version: cfg.Version, Commit: cfg.Commit, BuildType: cfg.BuildType},
		log:      l,
		debug:    cfg.Debug,
		now:      time.Now,
	}
	s.assigner = limitedAssigner{next: s.methods(), lim: newLimiter(cfg.RateLimit, cfg.RateBurst)}
	s.bridge = jhttp.NewBridge(s.assigner, nil)
	return s
}

func (s *RPCServer) methods() handler.Map {
	return handler.Map{
		common.MethodVersion: handler.New(s.getVersion),

		common.MethodBackupStart:  handler.New(s.backupStart),
		common.MethodBackupPause:  handler.New(s.backupPause),
		common.MethodBackupResume: handler.New(s.backupResume),
		common.MethodBackupStop:   handler.New(s.backupStop),
		common.MethodBackupStatus: handler.New(s.backupStatus),

		common.MethodTransferCancel:     handler.New(s.transferCancel),
		common.MethodTransferPrioritize: handler.New(s.transferPrioritize),
		common.MethodTransferList:       handler.New(s.transferList),
		common.MethodTransferRemove:     handler.New(s.transferRemove),

		common.MethodDestinationList:      handler.New(s.destinationList),
		common.MethodDestinationAdd:       handler.New(s.destinationAdd),
		common.MethodDestinationRemove:    handler.New(s.destinationRemove),
		common.MethodDestinationProbe:     handler.New(s.destinationProbe),
		common.MethodDestinationSetSecret: handler.New(s.destinationSetSecret),

		common.MethodScheduleList:    handler.New(s.scheduleList),
		common.MethodScheduleAdd:     handler.New(s.scheduleAdd),
		common.MethodScheduleRemove:  handler.New(s.scheduleRemove),
		common.MethodScheduleSuggest: handler.New(s.scheduleSuggest),

		common.MethodIndexRebuild: handler.New(s.indexRebuild),

		common.MethodStatsGet:    handler.New(s.statsGet),
		common.MethodStatsExport: handler.New(s.statsExport),

		common.MethodAuditSearch:    handler.New(s.auditSearch),
		common.MethodManifestExport: handler.New(s.manifestExport),
		common.MethodBandwidthSet:   handler.New(s.bandwidthSet),
	}
}

// ServeHTTP answers JSON-RPC requests posted over HTTP.
func (s *RPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.bridge.ServeHTTP(w, r)
}

// Close releases the bridge.
func (s *RPCServer) Close() error {
	return s.bridge.Close()
}

func invalidParams(format string, args ...any) error {
	return &jrpc2.Error{Code: codeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

func unavailable(what string) error {
	return &jrpc2.Error{Code: codeInvalidState, Message: what + " is not enabled"}
}

// rpcError maps engine errors to JSON-RPC error codes.
func rpcError(err error) error {
	if err == nil {
		return nil
	}
	var rpcErr *jrpc2.Error
	if errors.As(err, &rpcErr) {
		return err
	}
	code := jrpc2.Code(0)
	switch {
	case errors.Is(err, vaultlib.ErrItemNotFound),
		errors.Is(err, vaultlib.ErrDestinationNotFound),
		errors.Is(err, scheduler.ErrScheduleNotFound),
		errors.Is(err, catalog.ErrStudyNotFound),
		errors.Is(err, store.ErrNotFound):
		code = codeNotFound
	case errors.Is(err, vaultlib.ErrOrchestratorStopped),
		errors.Is(err, vaultlib.ErrOrchestratorRunning),
		errors.Is(err, vaultlib.ErrItemActive),
		errors.Is(err, vaultlib.ErrItemInFlight),
		errors.Is(err, vaultlib.ErrItemNotClaimable),
		errors.Is(err, vaultlib.ErrInvalidTransition),
		errors.Is(err, vaultlib.ErrPriorityNotRaised),
		errors.Is(err, vaultlib.ErrNoReachableDest),
		errors.Is(err, vaultlib.ErrReadBackUnsupported):
		code = codeInvalidState
	case errors.Is(err, vaultlib.ErrUnknownBackupType),
		errors.Is(err, vaultlib.ErrUnknownPriority),
		errors.Is(err, vaultlib.ErrDestinationExists),
		errors.Is(err, scheduler.ErrInvalidCron),
		errors.Is(err, scheduler.ErrNoOccurrence),
		isConfigError(err):
		code = codeInvalidParams
	default:
		return err
	}
	return &jrpc2.Error{Code: code, Message: err.Error()}
}

func isConfigError(err error) bool {
	var te *vaultlib.TransferError
	return errors.As(err, &te) && te.Kind == vaultlib.KindConfigurationInvalid
}

func (s *RPCServer) getVersion(_ context.Context) (common.VersionResult, error) {
	return s.version, nil
}

// ensureEngine starts the engine when it is idle or was stopped.
func (s *RPCServer) ensureEngine() error {
	switch s.svc.Engine.State() {
	case vaultlib.StateIdle, vaultlib.StateStopped:
		err := s.svc.Engine.Start(s.svc.EngineContext)
		if err != nil && !errors.Is(err, vaultlib.ErrOrchestratorRunning) {
			return err
		}
	}
	return nil
}

func (s *RPCServer) backupStart(ctx context.Context, p common.BackupStartParams) (vaultlib.RunStatus, error) {
	typ := vaultlib.BackupIncremental
	if p.Type != "" {
		t, err := vaultlib.ParseBackupType(p.Type)
		if err != nil {
			return vaultlib.RunStatus{}, rpcError(err)
		}
		typ = t
	}
	prio := vaultlib.PriorityNormal
	if p.Priority != "" {
		pr, err := vaultlib.ParsePriority(p.Priority)
		if err != nil {
			return vaultlib.RunStatus{}, rpcError(err)
		}
		prio = pr
	}
	if p.MaxStudies < 0 {
		return vaultlib.RunStatus{}, invalidParams("maxStudies must not be negative")
	}
	for _, id := range p.Destinations {
		if _, ok := s.svc.Registry.Get(id); !ok {
			return vaultlib.RunStatus{}, &jrpc2.Error{Code: codeNotFound, Message: "destination not found: " + id}
		}
	}
	if err := s.ensureEngine(); err != nil {
		return vaultlib.RunStatus{}, rpcError(err)
	}
	st, err := s.svc.Engine.RunBackup(ctx, vaultlib.BackupRequest{
		Type:         typ,
		Filter:       p.Filter,
		Destinations: p.Destinations,
		MaxStudies:   p.MaxStudies,
		Priority:     prio,
		Source:       "rpc",
	})
	return st, rpcError(err)
}

func (s *RPCServer) backupPause(_ context.Context) (vaultlib.OrchestratorStatus, error) {
	if err := s.svc.Engine.Pause(); err != nil {
		return vaultlib.OrchestratorStatus{}, rpcError(err)
	}
	return s.svc.Engine.Status(), nil
}

func (s *RPCServer) backupResume(_ context.Context) (vaultlib.OrchestratorStatus, error) {
	if err := s.svc.Engine.Resume(); err != nil {
		return vaultlib.OrchestratorStatus{}, rpcError(err)
	}
	return s.svc.Engine.Status(), nil
}

// backupStop cancels every transfer. The next backup.start restarts the
// engine.
func (s *RPCServer) backupStop(_ context.Context) (vaultlib.OrchestratorStatus, error) {
	if err := s.svc.Engine.Stop(); err != nil {
		return vaultlib.OrchestratorStatus{}, rpcError(err)
	}
	return s.svc.Engine.Status(), nil
}

func (s *RPCServer) backupStatus(_ context.Context) (vaultlib.OrchestratorStatus, error) {
	return s.svc.Engine.Status(), nil
}

func (s *RPCServer) transferCancel(_ context.Context, p common.IDParams) (vaultlib.TransferItem, error) {
	if p.ID == "" {
		return vaultlib.TransferItem{}, invalidParams("id is required")
	}
	it, err := s.svc.Engine.Cancel(p.ID)
	return it, rpcError(err)
}

func (s *RPCServer) transferPrioritize(_ context.Context, p common.PrioritizeParams) (vaultlib.TransferItem, error) {
	if p.ID == "" {
		return vaultlib.TransferItem{}, invalidParams("id is required")
	}
	prio, err := vaultlib.ParsePriority(p.Priority)
	if err != nil {
		return vaultlib.TransferItem{}, rpcError(err)
	}
	it, err := s.svc.Engine.PrioritizeItem(p.ID, prio)
	return it, rpcError(err)
}

func (s *RPCServer) transferList(_ context.Context, p common.TransferListParams) (common.TransferListResult, error) {
	q := s.svc.Engine.Queue()
	res := common.TransferListResult{Stats: q.Statistics()}
	if p.Status == "" {
		res.Items = q.Items()
		return res, nil
	}
	st, ok := vaultlib.ParseStatus(p.Status)
	if !ok {
		return res, invalidParams("unknown status %q", p.Status)
	}
	res.Items = q.ItemsByStatus(st)
	return res, nil
}

func (s *RPCServer) transferRemove(_ context.Context, p common.IDParams) (bool, error) {
	if err := s.svc.Engine.Queue().Remove(p.ID); err != nil {
		return false, rpcError(err)
	}
	return true, nil
}

func (s *RPCServer) destinationList(_ context.Context) ([]common.DestinationInfo, error) {
	reg := s.svc.Registry
	q := s.svc.Engine.Queue()
	list := reg.List()
	out := make([]common.DestinationInfo, 0, len(list))
	for _, d := range list {
		stopped, reason := reg.IntakeStopped(d.ID)
		rate, _ := reg.ErrorRate(d.ID)
		out = append(out, common.DestinationInfo{
			BackupDestination: d,
			IntakeStopped:     stopped,
			StopReason:        reason,
			Load:              q.Load(d.ID),
			ErrorRate:         rate,
		})
	}
	return out, nil
}

// destinationAdd registers a destination or updates the one with the same
// id. Saving a destination resumes its intake.
func (s *RPCServer) destinationAdd(ctx context.Context, p common.DestinationAddParams) (vaultlib.BackupDestination, error) {
	d := p.Destination
	if err := d.Normalize(); err != nil {
		return d, rpcError(err)
	}
	reg := s.svc.Registry
	_, exists := reg.Get(d.ID)
	if s.svc.Destinations != nil {
		if err := s.svc.Destinations.SaveDestination(ctx, d); err != nil {
			return d, err
		}
	}
	var err error
	if exists {
		d, err = reg.Update(d)
	} else {
		d, err = reg.Add(d)
	}
	if err != nil {
		return d, rpcError(err)
	}
	if p.Secret != "" {
		if s.svc.Secrets == nil {
			return d, unavailable("credential store")
		}
		if err := s.svc.Secrets.Set(d.ID, p.Secret); err != nil {
			return d, err
		}
	}
	reg.ResumeIntake(d.ID)
	s.log.Info("destination %s (%s) saved", d.Name, d.ID)
	return d, nil
}

func (s *RPCServer) destinationRemove(ctx context.Context, p common.IDParams) (bool, error) {
	if _, ok := s.svc.Registry.Get(p.ID); !ok {
		return false, rpcError(vaultlib.ErrDestinationNotFound)
	}
	if n := s.svc.Engine.Queue().Load(p.ID); n > 0 {
		return false, &jrpc2.Error{Code: codeInvalidState, Message: fmt.Sprintf("destination has %d unfinished transfers", n)}
	}
	if s.svc.Destinations != nil {
		if err := s.svc.Destinations.DeleteDestination(ctx, p.ID); err != nil {
			return false, err
		}
	}
	if err := s.svc.Registry.Remove(p.ID); err != nil {
		return false, rpcError(err)
	}
	if s.svc.Secrets != nil {
		if err := s.svc.Secrets.Delete(p.ID); err != nil && !errors.Is(err, credentials.ErrSecretNotFound) {
			s.log.Warning("delete secret of %s: %v", p.ID, err)
		}
	}
	return true, nil
}

// destinationProbe probes one destination, or every enabled one when no id
// is given.
func (s *RPCServer) destinationProbe(ctx context.Context, p common.IDParams) ([]vaultlib.ProbeResult, error) {
	if s.svc.Prober == nil {
		return nil, unavailable("destination probing")
	}
	if s.svc.Engine != nil {
		res, err := s.svc.Engine.ProbeDestinations(ctx, s.svc.Prober, p.ID)
		return res, rpcError(err)
	}
	if p.ID == "" {
		return s.svc.Registry.ProbeAll(ctx, s.svc.Prober), nil
	}
	res, err := s.svc.Registry.Probe(ctx, s.svc.Prober, p.ID)
	if err != nil {
		return nil, rpcError(err)
	}
	return []vaultlib.ProbeResult{res}, nil
}

func (s *RPCServer) destinationSetSecret(_ context.Context, p common.SecretParams) (bool, error) {
	if s.svc.Secrets == nil {
		return false, unavailable("credential store")
	}
	if _, ok := s.svc.Registry.Get(p.ID); !ok {
		return false, rpcError(vaultlib.ErrDestinationNotFound)
	}
	if p.Secret == "" {
		if err := s.svc.Secrets.Delete(p.ID); err != nil && !errors.Is(err, credentials.ErrSecretNotFound) {
			return false, err
		}
		return true, nil
	}
	if err := s.svc.Secrets.Set(p.ID, p.Secret); err != nil {
		return false, err
	}
	s.svc.Registry.ResumeIntake(p.ID)
	return true, nil
}

func (s *RPCServer) scheduleList(_ context.Context) ([]scheduler.BackupSchedule, error) {
	if s.svc.Schedules == nil {
		return nil, unavailable("scheduler")
	}
	return s.svc.Schedules.List(), nil
}

func (s *RPCServer) scheduleAdd(ctx context.Context, p common.ScheduleAddParams) (scheduler.BackupSchedule, error) {
	book := s.svc.Schedules
	if book == nil {
		return scheduler.BackupSchedule{}, unavailable("scheduler")
	}
	sc := p.Schedule
	if sc.ID != "" {
		if _, ok := book.Get(sc.ID); ok {
			out, err := book.Update(ctx, sc)
			return out, rpcError(err)
		}
	}
	out, err := book.Add(ctx, sc)
	return out, rpcError(err)
}

func (s *RPCServer) scheduleRemove(ctx context.Context, p common.IDParams) (bool, error) {
	if s.svc.Schedules == nil {
		return false, unavailable("scheduler")
	}
	if err := s.svc.Schedules.Remove(ctx, p.ID); err != nil {
		return false, rpcError(err)
	}
	return true, nil
}

func (s *RPCServer) scheduleSuggest(_ context.Context, p common.ScheduleSuggestParams) (common.ScheduleSuggestResult, error) {
	days := p.Days
	if days < 0 {
		return common.ScheduleSuggestResult{}, invalidParams("days must not be negative")
	}
	if days == 0 {
		days = DEF_SUGGEST_DAYS
	}
	now := s.now()
	return common.ScheduleSuggestResult{
		Times:   scheduler.SuggestedBackupTimes(now, days),
		Optimal: scheduler.OptimalBackupTime(p.Modality, now),
	}, nil
}

func (s *RPCServer) indexRebuild(ctx context.Context, p common.IndexRebuildParams) (vaultlib.RebuildResult, error) {
	if s.svc.Dedup == nil {
		return vaultlib.RebuildResult{}, unavailable("deduplication index")
	}
	workers := p.Workers
	if workers <= 0 {
		workers = DEF_REBUILD_WORKERS
	}
	res, err := s.svc.Dedup.Rebuild(ctx, s.svc.Catalog, workers)
	if err != nil {
		return res, rpcError(err)
	}
	if s.svc.Audit != nil {
		msg := fmt.Sprintf("index rebuilt over %d studies: %d kept, %d dropped", res.Studies, res.Kept, res.Dropped)
		if err := s.svc.Audit.Log(vaultlib.AuditEntry{Severity: vaultlib.SeverityInfo, Action: vaultlib.AuditIndexRebuilt, Message: msg}); err != nil {
			s.log.Warning("audit: %v", err)
		}
	}
	return res, nil
}

func (s *RPCServer) statsGet(_ context.Context) (common.StatsResult, error) {
	if s.svc.Stats == nil {
		return common.StatsResult{}, unavailable("statistics")
	}
	res := common.StatsResult{
		Stats:  s.svc.Stats.Snapshot(),
		Report: s.svc.Stats.Report(),
	}
	if s.svc.Dedup != nil {
		res.Dedup = s.svc.Dedup.Statistics()
	}
	if s.svc.Monitor != nil {
		if samples := s.svc.Monitor.Samples(); len(samples) > 0 {
			last := samples[len(samples)-1]
			res.Latest = &last
		}
		res.Alerts = s.svc.Monitor.Alerts()
	}
	return res, nil
}

// statsExport renders the statistics as json, csv or text. The "metrics"
// format exports the monitor samples as CSV.
func (s *RPCServer) statsExport(_ context.Context, p common.ExportParams) (common.ExportResult, error) {
	if s.svc.Stats == nil {
		return common.ExportResult{}, unavailable("statistics")
	}
	format := strings.ToLower(p.Format)
	if format == "" {
		format = common.FormatJSON
	}
	var buf bytes.Buffer
	var err error
	switch format {
	case common.FormatJSON:
		err = s.svc.Stats.WriteJSON(&buf)
	case common.FormatCSV:
		err = s.svc.Stats.WriteCSV(&buf)
	case common.FormatText:
		buf.WriteString(s.svc.Stats.Report())
	case "metrics":
		if s.svc.Monitor == nil {
			return common.ExportResult{}, unavailable("monitor")
		}
		err = s.svc.Monitor.WriteCSV(&buf)
	default:
		return common.ExportResult{}, invalidParams("unknown export format %q", p.Format)
	}
	if err != nil {
		return common.ExportResult{}, err
	}
	return common.ExportResult{Format: format, Data: buf.String()}, nil
}

func (s *RPCServer) auditSearch(_ context.Context, p common.AuditSearchParams) (common.AuditSearchResult, error) {
	if s.svc.Audit == nil {
		return common.AuditSearchResult{}, unavailable("audit log")
	}
	q := vaultlib.AuditQuery{
		Since:    p.Since,
		Until:    p.Until,
		Action:   p.Action,
		StudyUID: p.StudyUID,
		Text:     p.Text,
		Limit:    p.Limit,
	}
	if q.Limit <= 0 {
		q.Limit = DEF_AUDIT_PAGE
	}
	if p.MinSeverity != "" {
		sev, err := vaultlib.ParseSeverity(p.MinSeverity)
		if err != nil {
			return common.AuditSearchResult{}, invalidParams("%v", err)
		}
		q.MinSeverity = sev
	}
	entries, err := s.svc.Audit.Search(q)
	if err != nil {
		return common.AuditSearchResult{}, err
	}
	res := common.AuditSearchResult{Entries: entries}
	switch strings.ToLower(p.Format) {
	case "", common.FormatJSON:
	case common.FormatCSV:
		var buf bytes.Buffer
		if err := vaultlib.WriteAuditCSV(&buf, entries); err != nil {
			return res, err
		}
		res.Export = buf.String()
	default:
		return res, invalidParams("unknown export format %q", p.Format)
	}
	return res, nil
}

func (s *RPCServer) manifestExport(ctx context.Context, p common.ManifestParams) (*vaultlib.StudyManifest, error) {
	if p.StudyID == "" {
		return nil, invalidParams("studyId is required")
	}
	if p.DestinationID != "" {
		if s.svc.Manifests == nil {
			return nil, unavailable("manifest read back")
		}
		d, ok := s.svc.Registry.Get(p.DestinationID)
		if !ok {
			return nil, rpcError(vaultlib.ErrDestinationNotFound)
		}
		m, err := s.svc.Manifests.ReadManifest(ctx, d, p.StudyID)
		return m, rpcError(err)
	}
	study, err := s.svc.Catalog.GetStudy(ctx, p.StudyID)
	if err != nil {
		return nil, rpcError(err)
	}
	m, err := vaultlib.GenerateManifest(ctx, study)
	return m, rpcError(err)
}

func (s *RPCServer) bandwidthSet(_ context.Context, p common.BandwidthParams) (common.BandwidthResult, error) {
	if s.svc.Limiter == nil {
		return common.BandwidthResult{}, unavailable("bandwidth limiting")
	}
	limit := p.BytesPerSec
	if p.Limit != "" {
		n, err := vaultlib.ParseSpeedLimit(p.Limit)
		if err != nil {
			return common.BandwidthResult{}, invalidParams("%v", err)
		}
		limit = n
	}
	if limit < 0 {
		return common.BandwidthResult{}, invalidParams("bytesPerSec must not be negative")
	}
	s.svc.Limiter.SetLimit(limit)
	s.log.Info("bandwidth limit set to %s", bandwidthDisplay(limit))
	return common.BandwidthResult{BytesPerSec: limit, Display: bandwidthDisplay(limit)}, nil
}

func bandwidthDisplay(limit int64) string {
	if limit == 0 {
		return "unlimited"
	}
	return vaultlib.FormatBytes(limit) + "/s"
}
