package vaultlib

import (
	"context"
	"testing"
	"time"
)

// TestDedupLengthMustMatch checks a fingerprint alone is not enough.
func TestDedupLengthMustMatch(t *testing.T) {
	ctx := context.Background()
	d := NewDedupIndex(nil)
	if err := d.Record(ctx, FingerprintRecord{Fingerprint: "fp", DestinationID: "d1", StudyUID: "s", ContentLength: 100}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !d.IsDuplicate("fp", 100) {
		t.Fatal("expected duplicate with matching length")
	}
	if d.IsDuplicate("fp", 101) {
		t.Fatal("expected miss with different length")
	}
	if d.IsDuplicate("other", 100) {
		t.Fatal("expected miss for unknown fingerprint")
	}
	if !d.IsDuplicateAt("fp", 100, "d1") || d.IsDuplicateAt("fp", 100, "d2") {
		t.Fatal("expected destination scoped lookup")
	}

	st := d.Statistics()
	if st.Records != 1 || st.Hits != 2 || st.Misses != 3 || st.BytesSaved != 200 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

// TestDedupPersistence reloads records from the store.
func TestDedupPersistence(t *testing.T) {
	ctx := context.Background()
	store := newMemHistory()
	d := NewDedupIndex(store)
	d.Record(ctx, FingerprintRecord{Fingerprint: "fp", DestinationID: "d1", StudyUID: "s", ContentLength: 10})

	reloaded := NewDedupIndex(store)
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reloaded.IsDuplicate("fp", 10) {
		t.Fatal("expected reloaded index to know the fingerprint")
	}
	if recs := reloaded.Lookup("s"); len(recs) != 1 || recs[0].Version != IndexVersion {
		t.Fatalf("unexpected lookup %+v", recs)
	}
}

// TestDedupVersionInvalidates drops an index written by another version.
func TestDedupVersionInvalidates(t *testing.T) {
	ctx := context.Background()
	store := newMemHistory()
	store.PutFingerprint(ctx, FingerprintRecord{Fingerprint: "a", DestinationID: "d", ContentLength: 1, Version: IndexVersion})
	store.PutFingerprint(ctx, FingerprintRecord{Fingerprint: "b", DestinationID: "d", ContentLength: 1, Version: IndexVersion + 1})

	d := NewDedupIndex(store)
	if err := d.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if d.IsDuplicate("a", 1) {
		t.Fatal("expected version change to clear the index")
	}
	if recs, _ := store.ListFingerprints(ctx); len(recs) != 0 {
		t.Fatalf("expected store cleared, got %d records", len(recs))
	}
}

// TestDedupRebuild keeps records whose study still hashes the same and
// drops the rest.
func TestDedupRebuild(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	kept := testStudy("kept", "CT", now, "same")
	changed := testStudy("changed", "CT", now, "before")
	cat := newMemCatalog(kept, changed)

	keptFP, _ := Fingerprint(ctx, &kept)
	changedFP, _ := Fingerprint(ctx, &changed)

	store := newMemHistory()
	d := NewDedupIndex(store)
	d.Record(ctx, FingerprintRecord{Fingerprint: keptFP, DestinationID: "d1", StudyUID: "kept", ContentLength: kept.ContentLength()})
	d.Record(ctx, FingerprintRecord{Fingerprint: keptFP, DestinationID: "d2", StudyUID: "kept", ContentLength: kept.ContentLength()})
	d.Record(ctx, FingerprintRecord{Fingerprint: changedFP, DestinationID: "d1", StudyUID: "changed", ContentLength: changed.ContentLength()})

	cat.put(testStudy("changed", "CT", now, "after!"))

	res, err := d.Rebuild(ctx, cat, 2)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if res.Studies != 2 || res.Kept != 2 || res.Dropped != 1 {
		t.Fatalf("unexpected rebuild result %+v", res)
	}
	if d.IsDuplicate(changedFP, changed.ContentLength()) {
		t.Fatal("expected stale fingerprint dropped")
	}
	if recs, _ := store.ListFingerprints(ctx); len(recs) != 2 {
		t.Fatalf("expected 2 persisted records, got %d", len(recs))
	}
}
