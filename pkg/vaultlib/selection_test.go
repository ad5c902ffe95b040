package vaultlib

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

func uids(studies []Study) []string {
	out := make([]string, len(studies))
	for i, s := range studies {
		out[i] = s.UID
	}
	return out
}

// selectionFixture: a full backup on day 10, an incremental on day 20.
// "old" unchanged since day 1, "mid" changed day 15, "new" changed day 25,
// "fresh" never backed up, "broken" failed.
func selectionFixture(t *testing.T) (*Selector, *memHistory) {
	t.Helper()
	day := func(n int) time.Time { return time.Date(2026, 1, n, 12, 0, 0, 0, time.UTC) }
	cat := newMemCatalog(
		testStudy("old", "CT", day(1), "o"),
		testStudy("mid", "MR", day(15), "m"),
		testStudy("new", "US", day(25), "n"),
		testStudy("fresh", "CR", day(2), "f"),
		testStudy("broken", "CT", day(3), "b"),
	)
	h := newMemHistory()
	ctx := context.Background()
	h.AppendSnapshot(ctx, NewSnapshot(BackupFull, day(10), []string{"old", "mid", "new", "broken"}))
	h.AppendSnapshot(ctx, NewSnapshot(BackupIncremental, day(20), []string{"mid"}))
	h.MarkFailed(ctx, "broken", KindTransientNetwork, day(20))
	return NewSelector(cat, h, h, nil), h
}

// TestSelectByType covers the full, incremental and differential rules.
func TestSelectByType(t *testing.T) {
	sel, _ := selectionFixture(t)
	tests := []struct {
		typ  BackupType
		want []string
	}{
		{BackupFull, []string{"broken", "fresh", "mid", "new", "old"}},
		{BackupIncremental, []string{"broken", "fresh", "new"}},
		{BackupDifferential, []string{"broken", "fresh", "mid", "new"}},
	}
	for _, tt := range tests {
		t.Run(tt.typ.String(), func(t *testing.T) {
			got, err := sel.Select(context.Background(), tt.typ, StudyFilter{})
			if err != nil {
				t.Fatalf("Select: %v", err)
			}
			if !reflect.DeepEqual(uids(got.Studies), tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, uids(got.Studies))
			}
		})
	}
}

// TestSelectIdempotent checks repeated selection yields the same list.
func TestSelectIdempotent(t *testing.T) {
	sel, _ := selectionFixture(t)
	a, _ := sel.Select(context.Background(), BackupIncremental, StudyFilter{})
	b, _ := sel.Select(context.Background(), BackupIncremental, StudyFilter{})
	if !reflect.DeepEqual(uids(a.Studies), uids(b.Studies)) {
		t.Fatalf("expected identical selections, got %v and %v", uids(a.Studies), uids(b.Studies))
	}
}

// TestSelectFilter narrows the candidates before the type rules apply.
func TestSelectFilter(t *testing.T) {
	sel, _ := selectionFixture(t)
	got, err := sel.Select(context.Background(), BackupFull, StudyFilter{Modalities: []string{"ct"}})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if want := []string{"broken", "old"}; !reflect.DeepEqual(uids(got.Studies), want) {
		t.Fatalf("expected %v, got %v", want, uids(got.Studies))
	}
}

// TestSelectEmptyHistory selects everything when nothing was backed up.
func TestSelectEmptyHistory(t *testing.T) {
	cat := newMemCatalog(testStudy("a", "CT", time.Now(), "x"), testStudy("b", "MR", time.Now(), "y"))
	h := newMemHistory()
	got, err := NewSelector(cat, h, nil, nil).Select(context.Background(), BackupIncremental, StudyFilter{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(got.Studies) != 2 {
		t.Fatalf("expected every study selected, got %v", uids(got.Studies))
	}
}

// TestSelectSmart uses the classifier and falls back when it fails.
func TestSelectSmart(t *testing.T) {
	sel, _ := selectionFixture(t)
	sel.SetClassifier(ClassifierFunc(func(_ context.Context, st *Study, _ StudyHistory) (Classification, error) {
		return Classification{Protect: st.Modality == "MR", Priority: PriorityHigh}, nil
	}))
	got, err := sel.Select(context.Background(), BackupSmart, StudyFilter{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if want := []string{"broken", "fresh", "mid"}; !reflect.DeepEqual(uids(got.Studies), want) {
		t.Fatalf("expected %v, got %v", want, uids(got.Studies))
	}
	if got.FellBack || got.Suggested["mid"] != PriorityHigh {
		t.Fatalf("unexpected smart selection %+v", got)
	}

	sel.SetClassifier(ClassifierFunc(func(context.Context, *Study, StudyHistory) (Classification, error) {
		return Classification{}, errors.New("script crashed")
	}))
	got, err = sel.Select(context.Background(), BackupSmart, StudyFilter{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if !got.FellBack {
		t.Fatal("expected fallback to incremental")
	}
	if want := []string{"broken", "fresh", "new"}; !reflect.DeepEqual(uids(got.Studies), want) {
		t.Fatalf("expected incremental selection %v, got %v", want, uids(got.Studies))
	}

	sel.SetClassifier(nil)
	got, _ = sel.Select(context.Background(), BackupSmart, StudyFilter{})
	if !got.FellBack {
		t.Fatal("expected fallback without classifier")
	}
}

// TestRecordSnapshotClearsFailures checks a successful run clears failure marks.
func TestRecordSnapshotClearsFailures(t *testing.T) {
	sel, h := selectionFixture(t)
	ctx := context.Background()
	at := time.Date(2026, 1, 30, 0, 0, 0, 0, time.UTC)
	snap, err := sel.RecordSnapshot(ctx, BackupIncremental, at, []string{"new", "broken", "fresh"}, false)
	if err != nil {
		t.Fatalf("RecordSnapshot: %v", err)
	}
	if want := []string{"broken", "fresh", "new"}; !reflect.DeepEqual(snap.StudyUIDs, want) {
		t.Fatalf("expected sorted uids %v, got %v", want, snap.StudyUIDs)
	}
	if failed, _ := h.FailedStudies(ctx); len(failed) != 0 {
		t.Fatalf("expected failure marks cleared, got %v", failed)
	}
	got, _ := sel.Select(ctx, BackupIncremental, StudyFilter{})
	if len(got.Studies) != 0 {
		t.Fatalf("expected nothing left to back up, got %v", uids(got.Studies))
	}

	sel.RecordFailure(ctx, "old", KindDestinationRejected, at)
	got, _ = sel.Select(ctx, BackupIncremental, StudyFilter{})
	if want := []string{"old"}; !reflect.DeepEqual(uids(got.Studies), want) {
		t.Fatalf("expected failed study re-selected, got %v", uids(got.Studies))
	}
}

// TestScopedRunKeepsWatermark checks a run limited to one modality does not
// hide changes to studies it never looked at.
func TestScopedRunKeepsWatermark(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	ct1 := testStudy("ct1", "CT", t0.Add(-time.Hour), "c")
	mr1 := testStudy("mr1", "MR", t0.Add(-time.Hour), "m")
	cat := newMemCatalog(ct1, mr1)
	h := newMemHistory()
	sel := NewSelector(cat, h, h, nil)

	if _, err := sel.RecordSnapshot(ctx, BackupFull, t0, []string{"ct1", "mr1"}, false); err != nil {
		t.Fatalf("RecordSnapshot: %v", err)
	}
	// mr1 changes, then a CT only incremental runs
	cat.put(testStudy("mr1", "MR", t0.Add(time.Hour), "m2"))
	ctOnly := StudyFilter{Modalities: []string{"CT"}}
	got, err := sel.Select(ctx, BackupIncremental, ctOnly)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(got.Studies) != 0 {
		t.Fatalf("expected no CT changes, got %v", uids(got.Studies))
	}
	snap, err := sel.RecordSnapshot(ctx, BackupIncremental, t0.Add(2*time.Hour), uids(got.Studies), !ctOnly.IsZero())
	if err != nil {
		t.Fatalf("RecordSnapshot: %v", err)
	}
	if !snap.Scoped {
		t.Fatal("expected scoped snapshot")
	}

	tests := []struct {
		typ  BackupType
		want []string
	}{
		{BackupIncremental, []string{"mr1"}},
		{BackupDifferential, []string{"mr1"}},
	}
	for _, tt := range tests {
		got, err := sel.Select(ctx, tt.typ, StudyFilter{})
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if !reflect.DeepEqual(uids(got.Studies), tt.want) {
			t.Fatalf("%s: expected %v, got %v", tt.typ, tt.want, uids(got.Studies))
		}
	}

	// a scoped run still vouches for the studies it held
	if _, err := sel.RecordSnapshot(ctx, BackupIncremental, t0.Add(3*time.Hour), []string{"mr1"}, true); err != nil {
		t.Fatalf("RecordSnapshot: %v", err)
	}
	got, _ = sel.Select(ctx, BackupIncremental, StudyFilter{})
	if len(got.Studies) != 0 {
		t.Fatalf("expected nothing left after scoped mr1 backup, got %v", uids(got.Studies))
	}
	got, _ = sel.Select(ctx, BackupDifferential, StudyFilter{})
	if want := []string{"mr1"}; !reflect.DeepEqual(uids(got.Studies), want) {
		t.Fatalf("differential should still hold mr1 until the next full, got %v", uids(got.Studies))
	}
}

// TestSelectUnknownType rejects out of range types.
func TestSelectUnknownType(t *testing.T) {
	sel, _ := selectionFixture(t)
	if _, err := sel.Select(context.Background(), BackupType(42), StudyFilter{}); !errors.Is(err, ErrUnknownBackupType) {
		t.Fatalf("expected ErrUnknownBackupType, got %v", err)
	}
	if _, err := ParseBackupType("weekly"); !errors.Is(err, ErrUnknownBackupType) {
		t.Fatalf("expected ErrUnknownBackupType, got %v", err)
	}
}

// TestRuleClassifier checks scoring and protection.
func TestRuleClassifier(t *testing.T) {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	c := NewRuleClassifier()
	c.Now = func() time.Time { return now }
	ctx := context.Background()

	recentCT := testStudy("ct", "CT", now.Add(-24*time.Hour), "x")
	res, _ := c.Classify(ctx, &recentCT, StudyHistory{})
	if !res.Protect || res.Priority != PriorityHigh {
		t.Fatalf("expected recent CT protected at high priority, got %+v", res)
	}

	oldOT := testStudy("ot", "OT", now.Add(-90*24*time.Hour), "x")
	res, _ = c.Classify(ctx, &oldOT, StudyHistory{})
	if res.Protect {
		t.Fatalf("expected old OT study not protected, got %+v", res)
	}
	res, _ = c.Classify(ctx, &oldOT, StudyHistory{PreviouslyFailed: true})
	if !res.Protect {
		t.Fatalf("expected previously failed study protected, got %+v", res)
	}

	unchanged := testStudy("ct2", "CT", now.Add(-24*time.Hour), "x")
	res, _ = c.Classify(ctx, &unchanged, StudyHistory{LastBackup: now})
	if res.Protect {
		t.Fatalf("expected unchanged study not protected, got %+v", res)
	}
}
