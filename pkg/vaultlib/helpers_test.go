package vaultlib

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"
)

// testInstance returns an instance whose data is payload.
func testInstance(series, number int, payload string) Instance {
	data := []byte(payload)
	return Instance{
		SOPInstanceUID: fmt.Sprintf("1.2.3.%d.%d", series, number),
		SeriesUID:      fmt.Sprintf("1.2.3.%d", series),
		SeriesNumber:   series,
		InstanceNumber: number,
		Size:           int64(len(data)),
		Path:           fmt.Sprintf("s%d/i%d.dcm", series, number),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// testStudy builds a study with one instance per payload in series 1.
func testStudy(uid, modality string, modified time.Time, payloads ...string) Study {
	st := Study{
		UID:         uid,
		PatientName: "Patient " + uid,
		Modality:    modality,
		Created:     modified,
		Modified:    modified,
	}
	for i, p := range payloads {
		st.Instances = append(st.Instances, testInstance(1, i+1, p))
	}
	return st
}

type memCatalog struct {
	mu      sync.Mutex
	studies map[string]Study
	err     error
}

func newMemCatalog(studies ...Study) *memCatalog {
	c := &memCatalog{studies: make(map[string]Study)}
	for _, s := range studies {
		c.studies[s.UID] = s
	}
	return c
}

func (c *memCatalog) put(s Study) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.studies[s.UID] = s
}

func (c *memCatalog) ListStudies(_ context.Context, f StudyFilter) ([]Study, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	var out []Study
	for _, s := range c.studies {
		s := s
		if f.Match(&s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID > out[j].UID })
	return out, nil
}

func (c *memCatalog) GetStudy(_ context.Context, uid string) (*Study, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.studies[uid]
	if !ok {
		return nil, fmt.Errorf("study %s not found", uid)
	}
	return &s, nil
}

// memHistory is an in-memory SnapshotStore, FailureLedger and
// FingerprintStore.
type memHistory struct {
	mu     sync.Mutex
	snaps  []BackupSnapshot
	failed map[string]time.Time
	fps    []FingerprintRecord
}

func newMemHistory() *memHistory {
	return &memHistory{failed: make(map[string]time.Time)}
}

func (h *memHistory) AppendSnapshot(_ context.Context, s BackupSnapshot) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snaps = append(h.snaps, s)
	return nil
}

func (h *memHistory) ListSnapshots(context.Context) ([]BackupSnapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]BackupSnapshot(nil), h.snaps...), nil
}

func (h *memHistory) snapshots() []BackupSnapshot {
	s, _ := h.ListSnapshots(context.Background())
	return s
}

func (h *memHistory) MarkFailed(_ context.Context, uid string, _ ErrorKind, at time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failed[uid] = at
	return nil
}

func (h *memHistory) ClearFailed(_ context.Context, uids []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, u := range uids {
		delete(h.failed, u)
	}
	return nil
}

func (h *memHistory) FailedStudies(context.Context) (map[string]time.Time, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]time.Time, len(h.failed))
	for k, v := range h.failed {
		out[k] = v
	}
	return out, nil
}

func (h *memHistory) PutFingerprint(_ context.Context, r FingerprintRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, old := range h.fps {
		if old.Fingerprint == r.Fingerprint && old.DestinationID == r.DestinationID {
			h.fps[i] = r
			return nil
		}
	}
	h.fps = append(h.fps, r)
	return nil
}

func (h *memHistory) ListFingerprints(context.Context) ([]FingerprintRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]FingerprintRecord(nil), h.fps...), nil
}

func (h *memHistory) DeleteFingerprints(_ context.Context, fp string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.fps[:0]
	for _, r := range h.fps {
		if r.Fingerprint != fp {
			kept = append(kept, r)
		}
	}
	h.fps = kept
	return nil
}

func (h *memHistory) ClearFingerprints(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fps = nil
	return nil
}

// reachableDest returns an enabled, probed-reachable destination.
func reachableDest(id string, maxConcurrent int) BackupDestination {
	return BackupDestination{
		ID:                     id,
		Name:                   id,
		URL:                    "dir:///backup/" + id,
		Enabled:                true,
		Reachable:              true,
		MaxConcurrentTransfers: maxConcurrent,
	}
}

func newTestRegistry(t *testing.T, dests ...BackupDestination) *DestinationRegistry {
	t.Helper()
	r := NewDestinationRegistry(RegistryConfig{})
	for _, d := range dests {
		reachable := d.Reachable
		if _, err := r.Add(d); err != nil {
			t.Fatalf("Add(%s): %v", d.ID, err)
		}
		if _, err := r.UpdateHealth(d.ID, reachable, 0, time.Now()); err != nil {
			t.Fatalf("UpdateHealth(%s): %v", d.ID, err)
		}
	}
	return r
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
