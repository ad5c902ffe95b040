package vaultlib

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warpdl/warpvault/pkg/logger"
)

// Default orchestrator configuration values
const (
	DEF_MAX_CONCURRENT_TRANSFERS = 4
	DEF_STOP_GRACE_PERIOD        = 30 * time.Second
	DEF_DISPATCH_INTERVAL        = time.Second
	DEF_PRUNE_AFTER              = 24 * time.Hour
	progressEventInterval        = 200 * time.Millisecond
	eventBufferSize              = 1024
	maxFinishedRuns              = 20
)

// OrchestratorState is the lifecycle state of the orchestrator.
type OrchestratorState string

const (
	StateIdle     OrchestratorState = "idle"
	StateRunning  OrchestratorState = "running"
	StatePaused   OrchestratorState = "paused"
	StateStopping OrchestratorState = "stopping"
	StateStopped  OrchestratorState = "stopped"
)

// OrchestratorConfig holds the tunables of the orchestrator.
type OrchestratorConfig struct {
	// MaxConcurrentTransfers is the worker pool size and the global
	// concurrency ceiling.
	MaxConcurrentTransfers int
	// StopGracePeriod is how long Stop waits for cancelled transfers to
	// wind down before abandoning them.
	StopGracePeriod time.Duration
	Verification    VerificationMode
	// DispatchInterval bounds how long the dispatcher sleeps between
	// checks for due retries.
	DispatchInterval time.Duration
	// PruneAfter is how long terminal items stay visible in the queue.
	PruneAfter time.Duration
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.MaxConcurrentTransfers <= 0 {
		c.MaxConcurrentTransfers = DEF_MAX_CONCURRENT_TRANSFERS
	}
	if c.StopGracePeriod <= 0 {
		c.StopGracePeriod = DEF_STOP_GRACE_PERIOD
	}
	if c.Verification == "" {
		c.Verification = VerifyFull
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = DEF_DISPATCH_INTERVAL
	}
	if c.PruneAfter <= 0 {
		c.PruneAfter = DEF_PRUNE_AFTER
	}
	return c
}

// Auditor receives engine level audit entries.
type Auditor interface {
	Log(e AuditEntry) error
}

// OrchestratorDeps are the collaborators of the orchestrator. Catalog,
// Selector, Registry and Transport are required.
type OrchestratorDeps struct {
	Catalog     Catalog
	Selector    *Selector
	Registry    *DestinationRegistry
	Transport   Transport
	Verifier    RemoteVerifier
	Dedup       *DedupIndex
	Policy      *RecoveryPolicy
	Queue       *TransferQueue
	Stats       StatsSink
	Auditor     Auditor
	Limiter     *BandwidthLimiter
	Compression CompressionPolicy
	// Alert receives failover and intake alerts. May be nil.
	Alert  func(Alert)
	Logger logger.Logger
}

// EventType names an orchestrator event.
type EventType string

const (
	EventAdded     EventType = "added"
	EventQueued    EventType = "queued"
	EventStarted   EventType = "started"
	EventProgress  EventType = "progress"
	EventVerifying EventType = "verifying"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventRetrying  EventType = "retrying"
	EventCancelled EventType = "cancelled"
)

var statusEvents = map[Status]EventType{
	StatusPending:    EventAdded,
	StatusQueued:     EventQueued,
	StatusInProgress: EventStarted,
	StatusVerifying:  EventVerifying,
	StatusCompleted:  EventCompleted,
	StatusFailed:     EventFailed,
	StatusRetrying:   EventRetrying,
	StatusCancelled:  EventCancelled,
}

// Event reports an item state change or transfer progress.
type Event struct {
	Type EventType    `json:"type"`
	Item TransferItem `json:"item"`
	Time time.Time    `json:"time"`
}

// BackupRequest starts a backup run.
type BackupRequest struct {
	Type   BackupType
	Filter StudyFilter
	// Destinations limits the run to these destination ids. Empty means
	// every usable destination.
	Destinations []string
	// MaxStudies caps the studies enqueued by the run; 0 means no cap.
	// Studies over the cap are deferred to the next run.
	MaxStudies int
	Priority   Priority
	// Source names what started the run, e.g. a schedule name.
	Source string
}

// RunStatus describes a backup run.
type RunStatus struct {
	ID        string     `json:"id"`
	Type      BackupType `json:"type"`
	Source    string     `json:"source,omitempty"`
	Started   time.Time  `json:"started"`
	Finished  time.Time  `json:"finished,omitempty"`
	Studies   int        `json:"studies"`
	Succeeded int        `json:"succeeded"`
	Failed    int        `json:"failed"`
	Deferred  int        `json:"deferred"`
	FellBack  bool       `json:"fellBack,omitempty"`
	Scoped    bool       `json:"scoped,omitempty"`
	Snapshot  string     `json:"snapshot,omitempty"`
}

// OrchestratorStatus is the answer to Status.
type OrchestratorStatus struct {
	State          OrchestratorState `json:"state"`
	Queue          QueueStats        `json:"queue"`
	Active         []TransferItem    `json:"active"`
	Runs           []RunStatus       `json:"runs"`
	MaxConcurrent  int               `json:"maxConcurrent"`
	BandwidthLimit int64             `json:"bandwidthLimit"`
	Dedup          DedupStats        `json:"dedup"`
	DroppedEvents  uint64            `json:"droppedEvents"`
}

// runGroup tracks the copies of one study within a run.
type runGroup struct {
	studyUID string
	policy   MirrorPolicy
	items    map[string]Status
	resolved bool
	ok       bool
}

// update records a terminal status and reports whether the group resolved
// with this call.
func (g *runGroup) update(itemID string, s Status) bool {
	g.items[itemID] = s
	if g.resolved {
		return false
	}
	completed, terminal := 0, 0
	for _, st := range g.items {
		if IsTerminalStatus(st) {
			terminal++
		}
		if st == StatusCompleted {
			completed++
		}
	}
	switch g.policy {
	case MirrorAnySufficient:
		if completed > 0 {
			g.resolved, g.ok = true, true
		} else if terminal == len(g.items) {
			g.resolved = true
		}
	default:
		if terminal > completed {
			g.resolved = true
		} else if completed == len(g.items) {
			g.resolved, g.ok = true, true
		}
	}
	return g.resolved
}

type run struct {
	status     RunStatus
	groups     map[string]*runGroup // study uid -> group
	unresolved int
}

// Orchestrator drives backup runs: it selects studies, enqueues transfer
// items, and runs them on a bounded worker pool.
type Orchestrator struct {
	cfg      OrchestratorConfig
	deps     OrchestratorDeps
	queue    *TransferQueue
	policy   *RecoveryPolicy
	validate *Validator
	log      logger.Logger

	mu       sync.Mutex
	state    OrchestratorState
	cancel   context.CancelFunc
	jobs     chan job
	workers  sync.WaitGroup
	dispatch sync.WaitGroup
	runs     map[string]*run
	byItem   map[string][]*run
	finished []RunStatus

	wake    chan struct{}
	events  chan Event
	dropped uint64
	now     func() time.Time
}

type job struct {
	item  TransferItem
	token *CancelToken
}

// NewOrchestrator wires an orchestrator. It does not start workers.
func NewOrchestrator(cfg OrchestratorConfig, deps OrchestratorDeps) (*Orchestrator, error) {
	if deps.Catalog == nil || deps.Selector == nil || deps.Registry == nil || deps.Transport == nil {
		return nil, errors.New("orchestrator: catalog, selector, registry and transport are required")
	}
	cfg = cfg.withDefaults()
	if deps.Logger == nil {
		deps.Logger = logger.NewNopLogger()
	}
	if deps.Policy == nil {
		deps.Policy = NewRecoveryPolicy(DefaultRetryConfig())
	}
	if deps.Dedup == nil {
		deps.Dedup = NewDedupIndex(nil)
	}
	if deps.Queue == nil {
		deps.Queue = NewTransferQueue(cfg.MaxConcurrentTransfers)
	} else {
		deps.Queue.SetMaxConcurrent(cfg.MaxConcurrentTransfers)
	}
	o := &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		queue:    deps.Queue,
		policy:   deps.Policy,
		validate: NewValidator(cfg.Verification, deps.Verifier),
		log:      deps.Logger,
		state:    StateIdle,
		runs:     make(map[string]*run),
		byItem:   make(map[string][]*run),
		wake:     make(chan struct{}, 1),
		events:   make(chan Event, eventBufferSize),
		now:      time.Now,
	}
	o.queue.OnChange(o.onItemChange)
	deps.Registry.SetLoadFunc(o.queue.Load)
	return o, nil
}

// Queue returns the transfer queue.
func (o *Orchestrator) Queue() *TransferQueue {
	return o.queue
}

// Events returns the event stream. Events are dropped when the consumer
// falls more than the buffer size behind; their order is preserved.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

func (o *Orchestrator) emit(t EventType, item TransferItem) {
	select {
	case o.events <- Event{Type: t, Item: item, Time: o.now()}:
	default:
		o.mu.Lock()
		o.dropped++
		o.mu.Unlock()
	}
}

func (o *Orchestrator) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// State returns the lifecycle state.
func (o *Orchestrator) State() OrchestratorState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Start launches the dispatcher and the worker pool.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	switch o.state {
	case StateRunning, StatePaused, StateStopping:
		o.mu.Unlock()
		return ErrOrchestratorRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	jobs := make(chan job)
	o.cancel, o.jobs = cancel, jobs
	o.state = StateRunning
	n := o.cfg.MaxConcurrentTransfers
	o.mu.Unlock()

	o.queue.Resume()
	for i := 0; i < n; i++ {
		o.workers.Add(1)
		safeGo(o.log, &o.workers, fmt.Sprintf("worker-%d", i), nil, func() {
			for j := range jobs {
				o.runJob(runCtx, j)
			}
		})
	}
	o.dispatch.Add(1)
	safeGo(o.log, &o.dispatch, "dispatcher", nil, func() { o.dispatchLoop(runCtx, jobs) })
	o.log.Info("orchestrator started with %d workers", n)
	o.signal()
	return nil
}

// Pause freezes intake. Transfers already in flight continue.
func (o *Orchestrator) Pause() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateRunning && o.state != StatePaused {
		return ErrOrchestratorStopped
	}
	o.queue.Pause()
	o.state = StatePaused
	o.log.Info("orchestrator paused")
	return nil
}

// Resume undoes Pause.
func (o *Orchestrator) Resume() error {
	o.mu.Lock()
	if o.state != StateRunning && o.state != StatePaused {
		o.mu.Unlock()
		return ErrOrchestratorStopped
	}
	o.queue.Resume()
	o.state = StateRunning
	o.mu.Unlock()
	o.log.Info("orchestrator resumed")
	o.signal()
	return nil
}

// Stop cancels every transfer, waits up to the grace period for in-flight
// items to observe their cancel tokens, then abandons what is left as
// Failed. Unfinished runs are closed: their unresolved studies are marked
// for re-selection.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if o.state != StateRunning && o.state != StatePaused {
		o.mu.Unlock()
		return ErrOrchestratorStopped
	}
	o.state = StateStopping
	o.mu.Unlock()

	o.queue.Pause()
	n := o.queue.CancelAllTransfers()
	o.log.Info("stopping: cancelled %d transfers, grace period %s", n, o.cfg.StopGracePeriod)

	drained := make(chan struct{})
	quit := make(chan struct{})
	go func() {
		for o.queue.ActiveCount("") > 0 {
			select {
			case <-quit:
				return
			case <-time.After(20 * time.Millisecond):
			}
		}
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(o.cfg.StopGracePeriod):
		close(quit)
		abandoned := o.queue.Abandon()
		if len(abandoned) > 0 {
			o.log.Warning("abandoned %d transfers after grace period", len(abandoned))
		}
	}

	o.mu.Lock()
	cancel, jobs := o.cancel, o.jobs
	o.mu.Unlock()
	cancel()
	o.dispatch.Wait()
	// only the dispatcher sends; workers stuck in a transport call are not
	// waited for
	close(jobs)

	o.closeRuns()
	o.mu.Lock()
	o.state = StateStopped
	o.mu.Unlock()
	o.log.Info("orchestrator stopped")
	return nil
}

// Cancel cancels a single item.
func (o *Orchestrator) Cancel(itemID string) (TransferItem, error) {
	return o.queue.Cancel(itemID)
}

// PrioritizeItem raises the priority of a waiting item.
func (o *Orchestrator) PrioritizeItem(itemID string, p Priority) (TransferItem, error) {
	it, err := o.queue.PrioritizeItem(itemID, p)
	if err == nil {
		o.signal()
	}
	return it, err
}

// Status reports the orchestrator state, queue counts and runs.
func (o *Orchestrator) Status() OrchestratorStatus {
	st := OrchestratorStatus{
		Queue:          o.queue.Statistics(),
		MaxConcurrent:  o.queue.MaxConcurrent(),
		BandwidthLimit: o.deps.Limiter.Limit(),
		Dedup:          o.deps.Dedup.Statistics(),
	}
	st.Active = append(st.Active, o.queue.ItemsByStatus(StatusInProgress)...)
	st.Active = append(st.Active, o.queue.ItemsByStatus(StatusVerifying)...)

	o.mu.Lock()
	st.State = o.state
	st.DroppedEvents = o.dropped
	st.Runs = append(st.Runs, o.finished...)
	for _, r := range o.runs {
		st.Runs = append(st.Runs, r.status)
	}
	o.mu.Unlock()
	sort.Slice(st.Runs, func(i, j int) bool { return st.Runs[i].Started.Before(st.Runs[j].Started) })
	return st
}

// RunBackup selects the studies of a backup run and enqueues one item per
// study and target destination.
func (o *Orchestrator) RunBackup(ctx context.Context, req BackupRequest) (RunStatus, error) {
	switch o.State() {
	case StateRunning, StatePaused:
	default:
		return RunStatus{}, ErrOrchestratorStopped
	}
	reg := o.deps.Registry
	if len(reg.SelectDestinationsForStudy(nil, req.Destinations)) == 0 {
		return RunStatus{}, NewTransferError(KindConfigurationInvalid, "", "select", ErrNoReachableDest)
	}

	started := o.now()
	sel, err := o.deps.Selector.Select(ctx, req.Type, req.Filter)
	if err != nil {
		return RunStatus{}, err
	}
	studies := sel.Studies
	if len(sel.Suggested) > 0 {
		sort.SliceStable(studies, func(i, j int) bool {
			return sel.Suggested[studies[i].UID] > sel.Suggested[studies[j].UID]
		})
	}
	var deferred []Study
	if req.MaxStudies > 0 && len(studies) > req.MaxStudies {
		studies, deferred = studies[:req.MaxStudies], studies[req.MaxStudies:]
	}
	for _, st := range deferred {
		if err := o.deps.Selector.RecordFailure(ctx, st.UID, KindUnknown, started); err != nil {
			o.log.Warning("defer study %s: %v", st.UID, err)
		}
	}

	r := &run{
		status: RunStatus{
			ID:       uuid.NewString(),
			Type:     req.Type,
			Source:   req.Source,
			Started:  started,
			Studies:  len(studies),
			Deferred: len(deferred),
			FellBack: sel.FellBack,
			Scoped:   !req.Filter.IsZero() || len(req.Destinations) > 0,
		},
		groups: make(map[string]*runGroup),
		// held until every group is registered
		unresolved: 1,
	}
	policy := reg.Config().MirrorPolicy
	o.audit(AuditEntry{
		Severity: SeverityInfo,
		Action:   AuditBackupStarted,
		Message:  fmt.Sprintf("%s backup of %d studies (%d deferred)", req.Type, len(studies), len(deferred)),
		Details:  map[string]string{"run": r.status.ID, "source": req.Source},
	})
	if sel.FellBack {
		o.log.Warning("smart selection unavailable, run %s used incremental rules", r.status.ID)
	}

	var added []TransferItem
	var unplaced []string
	o.mu.Lock()
	o.runs[r.status.ID] = r
	o.mu.Unlock()
	for i := range studies {
		st := &studies[i]
		targets, _ := reg.Targets(st, req.Destinations)
		if len(targets) == 0 {
			unplaced = append(unplaced, st.UID)
			continue
		}
		prio := req.Priority
		if p, ok := sel.Suggested[st.UID]; ok && p > prio {
			prio = p
		}
		g := &runGroup{studyUID: st.UID, policy: policy, items: make(map[string]Status)}
		groupID := uuid.NewString()
		var items []TransferItem
		for _, d := range targets {
			it, isNew := o.queue.AddItem(TransferItem{
				StudyUID:      st.UID,
				Name:          st.DisplayName(),
				Modality:      st.Modality,
				Priority:      prio,
				DestinationID: d.ID,
				GroupID:       groupID,
				Scope:         req.Destinations,
				TotalImages:   st.ImageCount(),
				TotalBytes:    st.ContentLength(),
			})
			if isNew {
				added = append(added, it)
			}
			items = append(items, it)
		}
		o.mu.Lock()
		r.groups[st.UID] = g
		r.unresolved++
		for _, it := range items {
			g.items[it.ID] = it.Status
			o.byItem[it.ID] = append(o.byItem[it.ID], r)
		}
		o.mu.Unlock()
		// an existing item may have finished between AddItem and here
		for _, it := range items {
			if cur, ok := o.queue.Get(it.ID); ok && cur.IsTerminal() {
				o.resolve(cur)
			}
		}
	}
	for _, uid := range unplaced {
		o.log.Warning("no usable destination for study %s", uid)
		if err := o.deps.Selector.RecordFailure(ctx, uid, KindDestinationUnreachable, started); err != nil {
			o.log.Warning("mark study %s: %v", uid, err)
		}
	}

	o.mu.Lock()
	r.status.Failed += len(unplaced)
	r.unresolved--
	empty := r.unresolved == 0
	status := r.status
	o.mu.Unlock()
	o.log.Info("run %s: %s backup, %d studies, %d items added", status.ID, req.Type, len(studies), len(added))
	if empty {
		o.finishRun(r)
		o.mu.Lock()
		status = r.status
		o.mu.Unlock()
	}
	o.signal()
	return status, nil
}

func (o *Orchestrator) audit(e AuditEntry) {
	if o.deps.Auditor == nil {
		return
	}
	if err := o.deps.Auditor.Log(e); err != nil {
		o.log.Warning("audit: %v", err)
	}
}

func (o *Orchestrator) alert(a Alert) {
	if o.deps.Alert != nil {
		o.deps.Alert(a)
	}
}

// onItemChange is the queue change hook. It runs outside the queue lock.
func (o *Orchestrator) onItemChange(item TransferItem) {
	if t, ok := statusEvents[item.Status]; ok {
		o.emit(t, item)
	}
	if !item.IsTerminal() {
		if item.Status == StatusQueued || item.Status == StatusPending {
			o.signal()
		}
		return
	}
	if s := o.deps.Stats; s != nil {
		switch item.Status {
		case StatusCompleted:
			s.RecordTransfer(item)
		case StatusFailed:
			s.RecordFailure(item, NewTransferError(item.LastErrorKind, item.DestinationID, "transfer", errors.New(item.LastError)))
		case StatusCancelled:
			if c, ok := s.(CancelRecorder); ok {
				c.RecordCancel(item)
			}
		}
	}
	o.resolve(item)
	o.signal()
}

// resolve feeds a terminal item into the groups of its runs.
func (o *Orchestrator) resolve(item TransferItem) {
	var done []*run
	o.mu.Lock()
	for _, r := range o.byItem[item.ID] {
		g, ok := r.groups[item.StudyUID]
		if !ok || !g.update(item.ID, item.Status) {
			continue
		}
		r.unresolved--
		if g.ok {
			r.status.Succeeded++
		} else {
			r.status.Failed++
		}
		if r.unresolved == 0 {
			done = append(done, r)
		}
	}
	delete(o.byItem, item.ID)
	o.mu.Unlock()

	for _, r := range done {
		o.finishRun(r)
	}
}

// finishRun appends the run snapshot and marks the studies that were not
// backed up.
func (o *Orchestrator) finishRun(r *run) {
	o.mu.Lock()
	if _, live := o.runs[r.status.ID]; !live {
		o.mu.Unlock()
		return
	}
	delete(o.runs, r.status.ID)
	var ok, failed []string
	for uid, g := range r.groups {
		if g.resolved && g.ok {
			ok = append(ok, uid)
		} else {
			failed = append(failed, uid)
		}
	}
	o.mu.Unlock()

	ctx := context.Background()
	now := o.now()
	for _, uid := range failed {
		if err := o.deps.Selector.RecordFailure(ctx, uid, KindUnknown, now); err != nil {
			o.log.Error("mark study %s failed: %v", uid, err)
		}
	}
	snap, err := o.deps.Selector.RecordSnapshot(ctx, r.status.Type, r.status.Started, ok, r.status.Scoped)
	if err != nil {
		o.log.Error("run %s: %v", r.status.ID, err)
	}

	o.mu.Lock()
	r.status.Finished = now
	if err == nil {
		r.status.Snapshot = snap.ID
	}
	o.finished = append(o.finished, r.status)
	if len(o.finished) > maxFinishedRuns {
		o.finished = o.finished[len(o.finished)-maxFinishedRuns:]
	}
	status := r.status
	o.mu.Unlock()

	o.log.Info("run %s finished: %d succeeded, %d failed", status.ID, status.Succeeded, status.Failed)
	sev := SeverityInfo
	if status.Failed > 0 {
		sev = SeverityWarning
	}
	o.audit(AuditEntry{
		Severity: sev,
		Action:   AuditBackupFinished,
		Message:  fmt.Sprintf("%s backup finished: %d succeeded, %d failed", status.Type, status.Succeeded, status.Failed),
		Details:  map[string]string{"run": status.ID, "snapshot": status.Snapshot},
	})
}

// closeRuns finishes every open run, e.g. on Stop.
func (o *Orchestrator) closeRuns() {
	o.mu.Lock()
	open := make([]*run, 0, len(o.runs))
	for _, r := range o.runs {
		for _, g := range r.groups {
			if !g.resolved {
				g.resolved = true
				r.status.Failed++
			}
		}
		r.unresolved = 0
		open = append(open, r)
	}
	o.byItem = make(map[string][]*run)
	o.mu.Unlock()
	for _, r := range open {
		o.finishRun(r)
	}
}

func (o *Orchestrator) capacity(destinationID string) int {
	return o.deps.Registry.Capacity(destinationID)
}

func (o *Orchestrator) dispatchLoop(ctx context.Context, jobs chan<- job) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	lastPrune := o.now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.wake:
		case <-timer.C:
		}

		now := o.now()
		o.queue.RequeueDue(now)
		o.queue.PromotePending()
		for {
			item, token, ok := o.queue.ClaimNext(o.capacity)
			if !ok {
				break
			}
			select {
			case jobs <- job{item: item, token: token}:
			case <-ctx.Done():
				return
			}
		}
		if now.Sub(lastPrune) >= time.Minute {
			if n := o.queue.Prune(now.Add(-o.cfg.PruneAfter)); n > 0 {
				o.log.Info("pruned %d finished transfer items", n)
			}
			lastPrune = now
		}

		wait := o.cfg.DispatchInterval
		if next := o.queue.NextRetryAt(); !next.IsZero() {
			if d := next.Sub(o.now()); d < wait {
				wait = d
			}
		}
		if wait < 0 {
			wait = 0
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
	}
}

// runJob processes one claimed item. A panic fails the item instead of
// killing the worker.
func (o *Orchestrator) runJob(ctx context.Context, j job) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("PANIC [transfer %s]: %v", j.item.ID, r)
			o.fail(ctx, j.item, panicError(r))
		}
	}()
	o.transfer(ctx, j.item, j.token)
}

func (o *Orchestrator) transfer(parent context.Context, item TransferItem, token *CancelToken) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	go func() {
		select {
		case <-token.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	dest, ok := o.deps.Registry.Get(item.DestinationID)
	if !ok {
		o.fail(parent, item, NewTransferError(KindConfigurationInvalid, item.DestinationID, "transfer", ErrDestinationNotFound))
		return
	}
	study, err := o.deps.Catalog.GetStudy(ctx, item.StudyUID)
	if err != nil {
		o.finishWithError(parent, item, token, fmt.Errorf("load study: %w", err))
		return
	}
	fp, err := Fingerprint(ctx, study)
	if err != nil {
		o.finishWithError(parent, item, token, fmt.Errorf("fingerprint: %w", err))
		return
	}

	if o.deps.Dedup.IsDuplicateAt(fp, study.ContentLength(), dest.ID) {
		o.log.Info("study %s already stored at %s, skipping transfer", study.UID, dest.Name)
		if _, err := o.queue.MarkVerifying(item.ID); err != nil {
			return
		}
		_, _ = o.queue.Complete(item.ID, fp)
		return
	}

	var lastEmit time.Time
	lastImages := -1
	req := SendRequest{
		Destination: dest,
		Study:       study,
		Compression: o.deps.Compression.ForStudy(study, dest),
		Token:       token,
		Limiter:     o.deps.Limiter,
		OnProgress: func(p Progress) {
			o.queue.UpdateProgress(item.ID, p.Images, p.TotalImages, p.Bytes, p.TotalBytes)
			now := o.now()
			if p.Images == lastImages && now.Sub(lastEmit) < progressEventInterval {
				return
			}
			lastEmit, lastImages = now, p.Images
			if cur, ok := o.queue.Get(item.ID); ok {
				o.emit(EventProgress, cur)
			}
		},
	}
	if _, err := o.deps.Transport.Send(ctx, req); err != nil {
		o.finishWithError(parent, item, token, err)
		return
	}

	if _, err := o.queue.MarkVerifying(item.ID); err != nil {
		// cancelled or abandoned meanwhile
		o.finishWithError(parent, item, token, err)
		return
	}
	if err := o.validate.Verify(ctx, dest, study, fp); err != nil {
		o.finishWithError(parent, item, token, err)
		return
	}
	// the data is verified at the destination even if the item gets
	// cancelled before Complete
	o.deps.Registry.RecordOutcome(dest.ID, false)
	if err := o.deps.Dedup.Record(context.Background(), FingerprintRecord{
		Fingerprint:   fp,
		DestinationID: dest.ID,
		StudyUID:      study.UID,
		ContentLength: study.ContentLength(),
	}); err != nil {
		o.log.Warning("record fingerprint of %s: %v", study.UID, err)
	}
	_, _ = o.queue.Complete(item.ID, fp)
}

// finishWithError ends an attempt: a cancelled item becomes Cancelled, any
// other failure goes through the recovery policy.
func (o *Orchestrator) finishWithError(ctx context.Context, item TransferItem, token *CancelToken, err error) {
	if token.Cancelled() || errors.Is(err, ErrCancelled) {
		if o.queue.CancelRequested(item.ID) {
			_, _ = o.queue.FinishCancelled(item.ID)
			return
		}
		// Abandon already failed it
		if cur, ok := o.queue.Get(item.ID); ok && cur.IsTerminal() {
			return
		}
	}
	o.fail(ctx, item, err)
}

func (o *Orchestrator) fail(ctx context.Context, item TransferItem, err error) {
	cur, ok := o.queue.Get(item.ID)
	if !ok || cur.IsTerminal() {
		return
	}
	d := o.policy.Decide(ctx, cur, err)
	updated, ferr := o.queue.Fail(item.ID, err, d)
	if ferr != nil {
		return
	}
	if updated.Status == StatusRetrying {
		o.log.Warning("transfer %s to %s failed (%s), retry %d/%d in %s: %v",
			updated.Name, updated.DestinationID, d.Kind, updated.RetryCount, o.policy.Config().MaxRetries, d.Delay, err)
	} else {
		o.log.Error("transfer %s to %s failed (%s): %v", updated.Name, updated.DestinationID, d.Kind, err)
	}

	if d.StopIntake {
		o.stopIntake(updated.DestinationID, d.Kind, err)
		return
	}
	switch d.Kind {
	case KindTransientNetwork, KindDestinationUnreachable, KindDestinationRejected:
		if o.deps.Registry.RecordOutcome(updated.DestinationID, true) {
			o.failover(updated.DestinationID, "error rate over threshold")
			return
		}
	}
	// a retry parked on a destination found down would never run
	if updated.Status == StatusRetrying {
		if dest, ok := o.deps.Registry.Get(updated.DestinationID); ok && dest.Enabled && !dest.Reachable {
			o.failover(updated.DestinationID, "destination unreachable")
		}
	}
}

func (o *Orchestrator) stopIntake(destID string, kind ErrorKind, err error) {
	reg := o.deps.Registry
	if stopped, _ := reg.IntakeStopped(destID); stopped {
		return
	}
	reg.StopIntake(destID, fmt.Sprintf("%s: %v", kind, err))
	msg := fmt.Sprintf("destination %s stopped taking work after %s", destID, kind)
	o.log.Error("%s", msg)
	o.audit(AuditEntry{Severity: FailureSeverity(kind), Action: AuditIntakeStopped, DestinationID: destID, Message: msg})
	o.alert(Alert{Kind: AlertIntakeStopped, Severity: SeverityHigh, DestinationID: destID, Message: msg})

	res, _ := reg.FailoverToBackupDestination(destID, o.queue)
	if n := res.Total(); n > 0 {
		o.log.Info("moved %d waiting items from %s to %s", n, destID, strings.Join(res.Targets(), ", "))
	}
	if len(res.Stranded) > 0 {
		o.queue.Abort(destID, err, kind)
		o.log.Warning("no other destination: failed %d waiting items of %s", len(res.Stranded), destID)
	}
	o.signal()
}

// HandleUnreachable moves the waiting work of a destination that stopped
// answering health checks to the other usable destinations.
func (o *Orchestrator) HandleUnreachable(destID string) {
	o.failover(destID, "destination unreachable")
}

// ProbeDestinations checks one destination, or every enabled one when id is
// empty, and fails over the destinations found down.
func (o *Orchestrator) ProbeDestinations(ctx context.Context, p Prober, id string) ([]ProbeResult, error) {
	var results []ProbeResult
	if id == "" {
		results = o.deps.Registry.ProbeAll(ctx, p)
	} else {
		res, err := o.deps.Registry.Probe(ctx, p, id)
		if err != nil {
			return nil, err
		}
		results = []ProbeResult{res}
	}
	for _, res := range results {
		if res.Lost {
			o.HandleUnreachable(res.DestinationID)
		}
	}
	return results, nil
}

func (o *Orchestrator) failover(destID, reason string) {
	res, err := o.deps.Registry.FailoverToBackupDestination(destID, o.queue)
	if err != nil {
		o.log.Warning("failover from %s (%s): %v", destID, reason, err)
		return
	}
	if res.Total() == 0 {
		return
	}
	targets := strings.Join(res.Targets(), ", ")
	msg := fmt.Sprintf("%s: moved %d items from %s to %s", reason, res.Total(), destID, targets)
	o.log.Warning("%s", msg)
	o.audit(AuditEntry{Severity: SeverityWarning, Action: AuditFailover, DestinationID: destID, Message: msg,
		Details: map[string]string{"target": targets}})
	o.alert(Alert{Kind: AlertFailover, Severity: SeverityWarning, DestinationID: destID, Message: msg})
	o.signal()
}
