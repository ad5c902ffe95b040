package vaultlib

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BackupType selects which studies a backup run covers.
type BackupType int

const (
	BackupFull BackupType = iota
	BackupIncremental
	BackupDifferential
	BackupSmart
)

var backupTypeNames = []string{"full", "incremental", "differential", "smart"}

func (t BackupType) String() string {
	if t < BackupFull || t > BackupSmart {
		return "unknown"
	}
	return backupTypeNames[t]
}

// ParseBackupType parses a backup type name, case-insensitively.
func ParseBackupType(s string) (BackupType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range backupTypeNames {
		if name == s {
			return BackupType(i), nil
		}
	}
	return BackupFull, fmt.Errorf("%w: %q", ErrUnknownBackupType, s)
}

func (t BackupType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *BackupType) UnmarshalText(b []byte) error {
	v, err := ParseBackupType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// BackupSnapshot records the studies known to be backed up as of Date.
// Snapshots are append-only.
type BackupSnapshot struct {
	ID        string     `json:"id"`
	Date      time.Time  `json:"date"`
	Type      BackupType `json:"type"`
	StudyUIDs []string   `json:"studyUids"`
	// Scoped is set for runs limited by a study filter or a destination
	// list. They only vouch for the studies they hold.
	Scoped bool `json:"scoped,omitempty"`
}

// NewSnapshot builds a snapshot with a fresh id. The study list is copied
// and sorted.
func NewSnapshot(t BackupType, at time.Time, studyUIDs []string) BackupSnapshot {
	uids := append([]string(nil), studyUIDs...)
	sort.Strings(uids)
	return BackupSnapshot{ID: uuid.NewString(), Date: at.UTC(), Type: t, StudyUIDs: uids}
}

// SnapshotStore persists backup history. AppendSnapshot must be durable
// before it returns.
type SnapshotStore interface {
	AppendSnapshot(ctx context.Context, snap BackupSnapshot) error
	ListSnapshots(ctx context.Context) ([]BackupSnapshot, error)
}

// FailureLedger remembers studies whose last transfer ended without success.
type FailureLedger interface {
	MarkFailed(ctx context.Context, studyUID string, kind ErrorKind, at time.Time) error
	ClearFailed(ctx context.Context, studyUIDs []string) error
	FailedStudies(ctx context.Context) (map[string]time.Time, error)
}

// History is the backup history view the selection engine works on.
// LastAny and LastFull only count unscoped snapshots; the per-study maps
// count every snapshot.
type History struct {
	LastAny    time.Time
	LastFull   time.Time
	BackedUp   map[string]time.Time // study uid -> date of the latest snapshot holding it
	FullBackup map[string]time.Time // study uid -> date of the latest full snapshot holding it
	Counts     map[string]int       // study uid -> number of snapshots holding it
	Failed     map[string]time.Time
	Snapshots  int
	LastByType map[BackupType]time.Time
}

// StudyHistory returns the per-study view of h.
func (h *History) StudyHistory(uid string) StudyHistory {
	_, failed := h.Failed[uid]
	return StudyHistory{
		LastBackup:       h.BackedUp[uid],
		BackupCount:      h.Counts[uid],
		PreviouslyFailed: failed,
	}
}

// Selector is the backup selection engine.
type Selector struct {
	catalog    Catalog
	snapshots  SnapshotStore
	failures   FailureLedger
	classifier Classifier
}

// NewSelector creates a selector. failures and classifier may be nil.
func NewSelector(catalog Catalog, snapshots SnapshotStore, failures FailureLedger, classifier Classifier) *Selector {
	return &Selector{
		catalog:    catalog,
		snapshots:  snapshots,
		failures:   failures,
		classifier: classifier,
	}
}

// SetClassifier swaps the smart classifier. nil disables smart selection,
// which then behaves like an incremental one.
func (s *Selector) SetClassifier(c Classifier) {
	s.classifier = c
}

// LoadHistory reads snapshots and the failure ledger.
func (s *Selector) LoadHistory(ctx context.Context) (*History, error) {
	h := &History{
		BackedUp:   make(map[string]time.Time),
		FullBackup: make(map[string]time.Time),
		Counts:     make(map[string]int),
		Failed:     make(map[string]time.Time),
		LastByType: make(map[BackupType]time.Time),
	}
	snaps, err := s.snapshots.ListSnapshots(ctx)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	h.Snapshots = len(snaps)
	for _, snap := range snaps {
		if !snap.Scoped {
			if snap.Date.After(h.LastAny) {
				h.LastAny = snap.Date
			}
			if snap.Type == BackupFull && snap.Date.After(h.LastFull) {
				h.LastFull = snap.Date
			}
		}
		if snap.Date.After(h.LastByType[snap.Type]) {
			h.LastByType[snap.Type] = snap.Date
		}
		for _, uid := range snap.StudyUIDs {
			h.Counts[uid]++
			if snap.Date.After(h.BackedUp[uid]) {
				h.BackedUp[uid] = snap.Date
			}
			if snap.Type == BackupFull && snap.Date.After(h.FullBackup[uid]) {
				h.FullBackup[uid] = snap.Date
			}
		}
	}
	if s.failures != nil {
		failed, err := s.failures.FailedStudies(ctx)
		if err != nil {
			return nil, fmt.Errorf("list failed studies: %w", err)
		}
		h.Failed = failed
	}
	return h, nil
}

// Selection is the result of a selection run.
type Selection struct {
	Type    BackupType
	Studies []Study
	// Suggested holds classifier priorities for smart runs, by study uid.
	Suggested map[string]Priority
	// FellBack is set when a smart run used incremental rules instead.
	FellBack bool
}

// Select returns the studies of the catalog matching filter that need a
// transfer for a backup of type t. The result is sorted by study uid and is
// the same on every call as long as the catalog and history do not change.
func (s *Selector) Select(ctx context.Context, t BackupType, filter StudyFilter) (*Selection, error) {
	if t < BackupFull || t > BackupSmart {
		return nil, ErrUnknownBackupType
	}
	studies, err := s.catalog.ListStudies(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list studies: %w", err)
	}
	h, err := s.LoadHistory(ctx)
	if err != nil {
		return nil, err
	}

	sel := &Selection{Type: t}
	if t == BackupSmart {
		picked, suggested, err := s.classify(ctx, studies, h)
		if err == nil {
			sel.Studies = picked
			sel.Suggested = suggested
			sortStudies(sel.Studies)
			return sel, nil
		}
		sel.FellBack = true
		t = BackupIncremental
	}

	for i := range studies {
		st := &studies[i]
		if mustSelect(st, h) || matchesType(st, t, h) {
			sel.Studies = append(sel.Studies, *st)
		}
	}
	sortStudies(sel.Studies)
	return sel, nil
}

// mustSelect covers the rules that hold for every backup type.
func mustSelect(st *Study, h *History) bool {
	if _, ok := h.BackedUp[st.UID]; !ok {
		return true
	}
	_, failed := h.Failed[st.UID]
	return failed
}

// matchesType measures a study against the later of the run-wide watermark
// and its own latest backup, so a scoped run moves the mark of the studies
// it held only.
func matchesType(st *Study, t BackupType, h *History) bool {
	switch t {
	case BackupFull:
		return true
	case BackupIncremental:
		return st.LastChange().After(later(h.LastAny, h.BackedUp[st.UID]))
	case BackupDifferential:
		return st.LastChange().After(later(h.LastFull, h.FullBackup[st.UID]))
	}
	return false
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func (s *Selector) classify(ctx context.Context, studies []Study, h *History) ([]Study, map[string]Priority, error) {
	if s.classifier == nil {
		return nil, nil, ErrClassifierUnavailable
	}
	var picked []Study
	suggested := make(map[string]Priority)
	for i := range studies {
		st := &studies[i]
		res, err := s.classifier.Classify(ctx, st, h.StudyHistory(st.UID))
		if err != nil {
			return nil, nil, errors.Join(ErrClassifierUnavailable, err)
		}
		if res.Protect || mustSelect(st, h) {
			picked = append(picked, *st)
			suggested[st.UID] = res.Priority
		}
	}
	return picked, suggested, nil
}

func sortStudies(studies []Study) {
	sort.Slice(studies, func(i, j int) bool { return studies[i].UID < studies[j].UID })
}

// RecordSnapshot appends a snapshot holding studyUIDs and clears their
// failure marks. scoped marks a run limited by a filter or destinations.
func (s *Selector) RecordSnapshot(ctx context.Context, t BackupType, at time.Time, studyUIDs []string, scoped bool) (BackupSnapshot, error) {
	snap := NewSnapshot(t, at, studyUIDs)
	snap.Scoped = scoped
	if err := s.snapshots.AppendSnapshot(ctx, snap); err != nil {
		return snap, fmt.Errorf("append snapshot: %w", err)
	}
	if s.failures != nil && len(studyUIDs) > 0 {
		if err := s.failures.ClearFailed(ctx, studyUIDs); err != nil {
			return snap, fmt.Errorf("clear failure marks: %w", err)
		}
	}
	return snap, nil
}

// RecordFailure marks a study as not backed up so the next run picks it
// again whatever its type.
func (s *Selector) RecordFailure(ctx context.Context, studyUID string, kind ErrorKind, at time.Time) error {
	if s.failures == nil {
		return nil
	}
	return s.failures.MarkFailed(ctx, studyUID, kind, at)
}
