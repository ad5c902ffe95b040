package vaultlib

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

// MirrorPolicy decides when a mirrored study counts as backed up.
type MirrorPolicy string

const (
	// MirrorAllRequired needs every target destination to complete.
	MirrorAllRequired MirrorPolicy = "all-required"
	// MirrorAnySufficient needs one target destination to complete.
	MirrorAnySufficient MirrorPolicy = "any-sufficient"
)

// ParseMirrorPolicy parses a policy name. The empty string means all-required.
func ParseMirrorPolicy(s string) (MirrorPolicy, error) {
	switch MirrorPolicy(strings.ToLower(s)) {
	case "", MirrorAllRequired:
		return MirrorAllRequired, nil
	case MirrorAnySufficient:
		return MirrorAnySufficient, nil
	}
	return "", fmt.Errorf("unknown mirror policy %q", s)
}

// BackupDestination is a configured remote archive endpoint.
type BackupDestination struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Host    string `json:"host" yaml:"host"`
	Port    int    `json:"port" yaml:"port"`
	AETitle string `json:"aeTitle,omitempty" yaml:"ae_title,omitempty"`
	// URL locates the archive, e.g. sftp://user@host:22/archive or
	// ftps://host/pacs or dir:///mnt/backup. Host and Port are derived
	// from it when empty.
	URL                    string        `json:"url" yaml:"url"`
	Enabled                bool          `json:"enabled" yaml:"enabled"`
	Compression            string        `json:"compression,omitempty" yaml:"compression,omitempty"`
	MaxConcurrentTransfers int           `json:"maxConcurrentTransfers" yaml:"max_concurrent_transfers"`
	Reachable              bool          `json:"reachable" yaml:"-"`
	Latency                time.Duration `json:"latency" yaml:"-"`
	LastProbe              time.Time     `json:"lastProbe,omitempty" yaml:"-"`
	RequiresAuth           bool          `json:"requiresAuth" yaml:"requires_auth"`
	// Modalities lists the modalities this destination is preferred for.
	Modalities []string `json:"modalities,omitempty" yaml:"modalities,omitempty"`
	// Priority breaks ties after load and latency; lower wins.
	Priority int `json:"priority" yaml:"priority"`
}

// Normalize fills derived fields and checks the destination is usable.
func (d *BackupDestination) Normalize() error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Name == "" {
		d.Name = d.ID
	}
	if d.MaxConcurrentTransfers <= 0 {
		d.MaxConcurrentTransfers = 1
	}
	if d.URL == "" {
		if d.Host == "" {
			return NewTransferError(KindConfigurationInvalid, d.ID, "configure", fmt.Errorf("destination %q has no url", d.Name))
		}
		return nil
	}
	u, err := url.Parse(d.URL)
	if err != nil || u.Scheme == "" {
		return NewTransferError(KindConfigurationInvalid, d.ID, "configure", fmt.Errorf("destination %q: invalid url %q", d.Name, d.URL))
	}
	if d.Host == "" {
		d.Host = u.Hostname()
	}
	if d.Port == 0 {
		if p, err := strconv.Atoi(u.Port()); err == nil {
			d.Port = p
		} else {
			d.Port = defaultPort(u.Scheme)
		}
	}
	return nil
}

// Scheme returns the lower-cased URL scheme.
func (d *BackupDestination) Scheme() string {
	u, err := url.Parse(d.URL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Scheme)
}

// Address returns host:port for network destinations.
func (d *BackupDestination) Address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

func defaultPort(scheme string) int {
	switch strings.ToLower(scheme) {
	case "sftp":
		return 22
	case "ftp", "ftps":
		return 21
	case "dicom":
		return 104
	}
	return 0
}

func (d *BackupDestination) prefers(modality string) bool {
	return modality != "" && containsFold(d.Modalities, modality)
}

// RegistryConfig configures destination selection and failover.
type RegistryConfig struct {
	Mirroring    bool
	MirrorPolicy MirrorPolicy
	// FailoverThreshold is the failure ratio within ErrorWindow above which
	// a destination fails over.
	FailoverThreshold float64
	ErrorWindow       time.Duration
	// MinSamples is the number of outcomes needed before the ratio counts.
	MinSamples int
}

// DefaultRegistryConfig returns the default selection settings.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		MirrorPolicy:      MirrorAllRequired,
		FailoverThreshold: 0.5,
		ErrorWindow:       10 * time.Minute,
		MinSamples:        4,
	}
}

type destState struct {
	dest          BackupDestination
	intakeStopped bool
	stopReason    string
}

type outcome struct {
	destinationID string
	failed        bool
}

// DestinationRegistry holds the configured destinations and their health.
// Health is only changed by probes; transfer outcomes only feed the error
// rate window used for failover.
type DestinationRegistry struct {
	mu     sync.RWMutex
	dests  map[string]*destState
	cfg    RegistryConfig
	window *ttlcache.Cache[string, outcome]
	load   func(destinationID string) int
}

// NewDestinationRegistry creates an empty registry.
func NewDestinationRegistry(cfg RegistryConfig) *DestinationRegistry {
	def := DefaultRegistryConfig()
	if cfg.MirrorPolicy == "" {
		cfg.MirrorPolicy = def.MirrorPolicy
	}
	if cfg.FailoverThreshold <= 0 {
		cfg.FailoverThreshold = def.FailoverThreshold
	}
	if cfg.ErrorWindow <= 0 {
		cfg.ErrorWindow = def.ErrorWindow
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	return &DestinationRegistry{
		dests: make(map[string]*destState),
		cfg:   cfg,
		window: ttlcache.New[string, outcome](
			ttlcache.WithTTL[string, outcome](cfg.ErrorWindow),
			ttlcache.WithDisableTouchOnHit[string, outcome](),
		),
	}
}

// Config returns the registry configuration.
func (r *DestinationRegistry) Config() RegistryConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// SetMirroring toggles mirroring and its completion policy.
func (r *DestinationRegistry) SetMirroring(on bool, policy MirrorPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.Mirroring = on
	if policy != "" {
		r.cfg.MirrorPolicy = policy
	}
}

// SetLoadFunc installs the function reporting in-flight transfers per
// destination, used for ranking.
func (r *DestinationRegistry) SetLoadFunc(fn func(destinationID string) int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.load = fn
}

// Add registers a destination.
func (r *DestinationRegistry) Add(d BackupDestination) (BackupDestination, error) {
	if err := d.Normalize(); err != nil {
		return d, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.dests[d.ID]; ok {
		return d, ErrDestinationExists
	}
	r.dests[d.ID] = &destState{dest: d}
	return d, nil
}

// Update replaces the configuration of a destination, keeping its health.
func (r *DestinationRegistry) Update(d BackupDestination) (BackupDestination, error) {
	if err := d.Normalize(); err != nil {
		return d, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.dests[d.ID]
	if !ok {
		return d, ErrDestinationNotFound
	}
	d.Reachable, d.Latency, d.LastProbe = st.dest.Reachable, st.dest.Latency, st.dest.LastProbe
	st.dest = d
	return d, nil
}

// Remove deletes a destination.
func (r *DestinationRegistry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.dests[id]; !ok {
		return ErrDestinationNotFound
	}
	delete(r.dests, id)
	return nil
}

// Get returns a snapshot of one destination.
func (r *DestinationRegistry) Get(id string) (BackupDestination, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.dests[id]
	if !ok {
		return BackupDestination{}, false
	}
	return st.dest, true
}

// List returns snapshots of all destinations sorted by name.
func (r *DestinationRegistry) List() []BackupDestination {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]BackupDestination, 0, len(r.dests))
	for _, st := range r.dests {
		out = append(out, st.dest)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// UpdateHealth records a health check. lost is true when the destination
// was reachable before this result and is not anymore.
func (r *DestinationRegistry) UpdateHealth(id string, reachable bool, latency time.Duration, at time.Time) (lost bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.dests[id]
	if !ok {
		return false, ErrDestinationNotFound
	}
	lost = st.dest.Reachable && !reachable
	st.dest.Reachable = reachable
	st.dest.Latency = latency
	st.dest.LastProbe = at
	return lost, nil
}

// StopIntake prevents a destination from receiving new work until
// ResumeIntake is called.
func (r *DestinationRegistry) StopIntake(id, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.dests[id]; ok {
		st.intakeStopped = true
		st.stopReason = reason
	}
}

// ResumeIntake undoes StopIntake.
func (r *DestinationRegistry) ResumeIntake(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.dests[id]; ok {
		st.intakeStopped = false
		st.stopReason = ""
	}
}

// IntakeStopped reports whether intake is stopped and why.
func (r *DestinationRegistry) IntakeStopped(id string) (bool, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.dests[id]
	if !ok {
		return false, ""
	}
	return st.intakeStopped, st.stopReason
}

// Capacity returns how many transfers a destination may run at once. It is
// zero for destinations that are disabled, unreachable, unknown or whose
// intake is stopped.
func (r *DestinationRegistry) Capacity(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.dests[id]
	if !ok || !st.usable() {
		return 0
	}
	return st.dest.MaxConcurrentTransfers
}

func (st *destState) usable() bool {
	return st.dest.Enabled && st.dest.Reachable && !st.intakeStopped
}

// SelectDestinationsForStudy returns the usable destinations ranked for
// study: affinity first, then lowest load, then lowest latency. When only is
// non-empty, candidates are limited to those ids.
func (r *DestinationRegistry) SelectDestinationsForStudy(study *Study, only []string) []BackupDestination {
	r.mu.RLock()
	load := r.load
	var cands []BackupDestination
	for _, st := range r.dests {
		if !st.usable() {
			continue
		}
		if len(only) > 0 && !containsString(only, st.dest.ID) {
			continue
		}
		cands = append(cands, st.dest)
	}
	r.mu.RUnlock()

	loads := make(map[string]int, len(cands))
	for _, d := range cands {
		if load != nil {
			loads[d.ID] = load(d.ID)
		}
	}
	modality := ""
	if study != nil {
		modality = study.Modality
	}
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if pa, pb := a.prefers(modality), b.prefers(modality); pa != pb {
			return pa
		}
		if loads[a.ID] != loads[b.ID] {
			return loads[a.ID] < loads[b.ID]
		}
		if a.Latency != b.Latency {
			return a.Latency < b.Latency
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})
	return cands
}

// Targets splits the ranked destinations of a study into transfer targets
// and failover candidates according to the mirroring setting.
func (r *DestinationRegistry) Targets(study *Study, only []string) (targets, failover []BackupDestination) {
	ranked := r.SelectDestinationsForStudy(study, only)
	if len(ranked) == 0 {
		return nil, nil
	}
	if r.Config().Mirroring {
		return ranked, nil
	}
	return ranked[:1], ranked[1:]
}

// RecordOutcome adds a transfer outcome to the error window and reports
// whether the destination crossed the failover threshold.
func (r *DestinationRegistry) RecordOutcome(id string, failed bool) bool {
	r.window.Set(uuid.NewString(), outcome{destinationID: id, failed: failed}, ttlcache.DefaultTTL)
	rate, n := r.ErrorRate(id)
	cfg := r.Config()
	return n >= cfg.MinSamples && rate >= cfg.FailoverThreshold
}

// ErrorRate returns the failure ratio and sample count of a destination
// within the error window.
func (r *DestinationRegistry) ErrorRate(id string) (float64, int) {
	r.window.DeleteExpired()
	var failed, total int
	for _, item := range r.window.Items() {
		o := item.Value()
		if o.destinationID != id {
			continue
		}
		total++
		if o.failed {
			failed++
		}
	}
	if total == 0 {
		return 0, 0
	}
	return float64(failed) / float64(total), total
}

func (r *DestinationRegistry) resetWindow(id string) {
	for key, item := range r.window.Items() {
		if item.Value().destinationID == id {
			r.window.Delete(key)
		}
	}
}

// Failover is the outcome of FailoverToBackupDestination.
type Failover struct {
	// Moved counts the moved items per new destination id.
	Moved map[string]int
	// Stranded holds the items left in place for lack of another usable
	// destination within their scope.
	Stranded []TransferItem
}

// Total returns the number of moved items.
func (f Failover) Total() int {
	n := 0
	for _, c := range f.Moved {
		n += c
	}
	return n
}

// Targets returns the destinations that received items, sorted.
func (f Failover) Targets() []string {
	out := make([]string, 0, len(f.Moved))
	for id := range f.Moved {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// FailoverToBackupDestination moves the waiting items of a destination to
// the best other usable destination for each item's study, within the
// item's scope. Destinations that already hold a copy of the study are
// tried last. Retry counters are kept. ErrNoReachableDest is returned when
// items were waiting and none could move.
func (r *DestinationRegistry) FailoverToBackupDestination(id string, q *TransferQueue) (Failover, error) {
	res := Failover{Moved: make(map[string]int)}
	waiting := q.WaitingFor(id)
	targets := make(map[string]string, len(waiting))
	for _, it := range waiting {
		study := &Study{UID: it.StudyUID, Modality: it.Modality}
		next := ""
		for _, d := range r.SelectDestinationsForStudy(study, it.Scope) {
			if d.ID == id {
				continue
			}
			if !q.HasActive(it.StudyUID, d.ID) {
				next = d.ID
				break
			}
			if next == "" {
				next = d.ID
			}
		}
		if next == "" {
			res.Stranded = append(res.Stranded, it)
			continue
		}
		targets[it.ID] = next
	}
	if len(targets) > 0 {
		q.ReassignItems(id, targets)
		for itemID, dest := range targets {
			if cur, ok := q.Get(itemID); ok && cur.DestinationID == dest {
				res.Moved[dest]++
			}
		}
	}
	r.resetWindow(id)
	if len(waiting) > 0 && len(targets) == 0 {
		return res, ErrNoReachableDest
	}
	return res, nil
}

// Prober checks a destination out of band.
type Prober interface {
	Probe(ctx context.Context, dest BackupDestination) (time.Duration, error)
}

// ProbeResult is one destination's probe outcome.
type ProbeResult struct {
	DestinationID string        `json:"destinationId"`
	Reachable     bool          `json:"reachable"`
	Latency       time.Duration `json:"latency"`
	Error         string        `json:"error,omitempty"`
	// Lost is set when this check found a reachable destination down.
	Lost bool `json:"lost,omitempty"`
}

// Probe checks one destination and records the result.
func (r *DestinationRegistry) Probe(ctx context.Context, p Prober, id string) (ProbeResult, error) {
	d, ok := r.Get(id)
	if !ok {
		return ProbeResult{}, ErrDestinationNotFound
	}
	return r.probe(ctx, p, d)
}

func (r *DestinationRegistry) probe(ctx context.Context, p Prober, d BackupDestination) (ProbeResult, error) {
	lat, err := p.Probe(ctx, d)
	res := ProbeResult{DestinationID: d.ID, Reachable: err == nil, Latency: lat}
	if err != nil {
		res.Error = err.Error()
	}
	lost, uerr := r.UpdateHealth(d.ID, res.Reachable, lat, time.Now())
	res.Lost = lost
	return res, uerr
}

// ProbeAll probes every enabled destination concurrently and records the
// results.
func (r *DestinationRegistry) ProbeAll(ctx context.Context, p Prober) []ProbeResult {
	dests := r.List()
	results := make([]ProbeResult, len(dests))
	var wg sync.WaitGroup
	for i, d := range dests {
		if !d.Enabled {
			results[i] = ProbeResult{DestinationID: d.ID, Error: "disabled"}
			continue
		}
		wg.Add(1)
		go func(i int, d BackupDestination) {
			defer wg.Done()
			// removed meanwhile
			results[i], _ = r.probe(ctx, p, d)
		}(i, d)
	}
	wg.Wait()
	return results
}

// TCPProber measures the time to open a TCP connection to a destination.
type TCPProber struct {
	Timeout time.Duration
}

// Probe implements Prober. Destinations without a network address (local
// directories) are always reachable.
func (p TCPProber) Probe(ctx context.Context, dest BackupDestination) (time.Duration, error) {
	if dest.Host == "" || dest.Port == 0 {
		return 0, nil
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", dest.Address())
	if err != nil {
		return 0, err
	}
	lat := time.Since(start)
	conn.Close()
	return lat, nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
