package vaultlib

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// IndexVersion is bumped whenever the fingerprint definition changes.
// Records of other versions are dropped on load.
const IndexVersion = 1

// FingerprintRecord notes that a study with a given fingerprint was verified
// at a destination.
type FingerprintRecord struct {
	Fingerprint   string
	DestinationID string
	StudyUID      string
	ContentLength int64
	VerifiedAt    time.Time
	Version       int
}

// FingerprintStore persists the deduplication index.
type FingerprintStore interface {
	PutFingerprint(ctx context.Context, rec FingerprintRecord) error
	ListFingerprints(ctx context.Context) ([]FingerprintRecord, error)
	DeleteFingerprints(ctx context.Context, fingerprint string) error
	ClearFingerprints(ctx context.Context) error
}

// DedupStats reports index usage.
type DedupStats struct {
	Records    int   `json:"records"`
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	BytesSaved int64 `json:"bytesSaved"`
}

// RebuildResult reports what DedupIndex.Rebuild changed.
type RebuildResult struct {
	Studies int `json:"studies"`
	Kept    int `json:"kept"`
	Dropped int `json:"dropped"`
}

// DedupIndex maps fingerprints to records of verified transfers.
type DedupIndex struct {
	mu      sync.RWMutex
	records map[string]map[string]FingerprintRecord // fingerprint -> destination -> record
	store   FingerprintStore
	stats   DedupStats
}

// NewDedupIndex creates an empty index backed by store. store may be nil for
// a purely in-memory index.
func NewDedupIndex(store FingerprintStore) *DedupIndex {
	return &DedupIndex{
		records: make(map[string]map[string]FingerprintRecord),
		store:   store,
	}
}

// Load reads the persisted records. Records written under another
// IndexVersion invalidate the whole index.
func (d *DedupIndex) Load(ctx context.Context) error {
	if d.store == nil {
		return nil
	}
	recs, err := d.store.ListFingerprints(ctx)
	if err != nil {
		return fmt.Errorf("load fingerprint index: %w", err)
	}
	for _, r := range recs {
		if r.Version != IndexVersion {
			return d.Invalidate(ctx)
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = make(map[string]map[string]FingerprintRecord)
	for _, r := range recs {
		d.put(r)
	}
	return nil
}

func (d *DedupIndex) put(r FingerprintRecord) {
	byDest, ok := d.records[r.Fingerprint]
	if !ok {
		byDest = make(map[string]FingerprintRecord)
		d.records[r.Fingerprint] = byDest
	}
	byDest[r.DestinationID] = r
}

// IsDuplicate reports whether fingerprint is known with a matching source
// content length at any destination.
func (d *DedupIndex) IsDuplicate(fingerprint string, contentLength int64) bool {
	return d.lookup(fingerprint, contentLength, "")
}

// IsDuplicateAt is IsDuplicate restricted to one destination.
func (d *DedupIndex) IsDuplicateAt(fingerprint string, contentLength int64, destinationID string) bool {
	return d.lookup(fingerprint, contentLength, destinationID)
}

func (d *DedupIndex) lookup(fingerprint string, contentLength int64, destinationID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	hit := false
	for dest, r := range d.records[fingerprint] {
		if destinationID != "" && dest != destinationID {
			continue
		}
		if r.ContentLength == contentLength {
			hit = true
			break
		}
	}
	if hit {
		d.stats.Hits++
		d.stats.BytesSaved += contentLength
	} else {
		d.stats.Misses++
	}
	return hit
}

// Record adds a verified transfer to the index and persists it.
func (d *DedupIndex) Record(ctx context.Context, rec FingerprintRecord) error {
	if rec.VerifiedAt.IsZero() {
		rec.VerifiedAt = time.Now().UTC()
	}
	rec.Version = IndexVersion
	if d.store != nil {
		if err := d.store.PutFingerprint(ctx, rec); err != nil {
			return fmt.Errorf("record fingerprint: %w", err)
		}
	}
	d.mu.Lock()
	d.put(rec)
	d.mu.Unlock()
	return nil
}

// Lookup returns the records of a study, if any.
func (d *DedupIndex) Lookup(studyUID string) []FingerprintRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []FingerprintRecord
	for _, byDest := range d.records {
		for _, r := range byDest {
			if r.StudyUID == studyUID {
				out = append(out, r)
			}
		}
	}
	return out
}

// Invalidate drops every record, in memory and in the store.
func (d *DedupIndex) Invalidate(ctx context.Context) error {
	if d.store != nil {
		if err := d.store.ClearFingerprints(ctx); err != nil {
			return fmt.Errorf("clear fingerprint index: %w", err)
		}
	}
	d.mu.Lock()
	d.records = make(map[string]map[string]FingerprintRecord)
	d.mu.Unlock()
	return nil
}

// Rebuild recomputes the fingerprint of every study in the catalog and drops
// records whose study no longer hashes to the recorded fingerprint. It is
// never run automatically.
func (d *DedupIndex) Rebuild(ctx context.Context, catalog Catalog, workers int) (RebuildResult, error) {
	studies, err := catalog.ListStudies(ctx, StudyFilter{})
	if err != nil {
		return RebuildResult{}, fmt.Errorf("list studies: %w", err)
	}
	if workers < 1 {
		workers = runtime.NumCPU()
	}

	current := make(map[string]string, len(studies)) // study uid -> fingerprint
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range studies {
		st := &studies[i]
		g.Go(func() error {
			if len(st.Instances) == 0 {
				return nil
			}
			fp, err := Fingerprint(gctx, st)
			if err != nil {
				return fmt.Errorf("fingerprint %s: %w", st.UID, err)
			}
			mu.Lock()
			current[st.UID] = fp
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return RebuildResult{}, err
	}

	res := RebuildResult{Studies: len(studies)}
	var stale []string
	d.mu.Lock()
	for fp, byDest := range d.records {
		keep := false
		for _, r := range byDest {
			if current[r.StudyUID] == fp {
				keep = true
			}
		}
		if keep {
			res.Kept += len(byDest)
			continue
		}
		res.Dropped += len(byDest)
		stale = append(stale, fp)
		delete(d.records, fp)
	}
	d.mu.Unlock()

	if d.store != nil {
		for _, fp := range stale {
			if err := d.store.DeleteFingerprints(ctx, fp); err != nil {
				return res, fmt.Errorf("delete stale fingerprint: %w", err)
			}
		}
	}
	return res, nil
}

// Statistics returns a snapshot of index usage.
func (d *DedupIndex) Statistics() DedupStats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s := d.stats
	for _, byDest := range d.records {
		s.Records += len(byDest)
	}
	return s
}
