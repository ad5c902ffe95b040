package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warpdl/warpvault/pkg/logger"
)

// Store persists backup schedules.
type Store interface {
	SaveSchedule(ctx context.Context, s BackupSchedule) error
	DeleteSchedule(ctx context.Context, id string) error
	ListSchedules(ctx context.Context) ([]BackupSchedule, error)
}

// RunFunc starts the backup run of a fired schedule.
type RunFunc func(ctx context.Context, s BackupSchedule)

// BookConfig configures a Book.
type BookConfig struct {
	// SkipPeakHours skips occurrences that fall within Peak.
	SkipPeakHours bool
	Peak          PeakHours
}

// Book owns the backup schedules of the daemon and fires them through a
// Scheduler.
type Book struct {
	mu        sync.Mutex
	cfg       BookConfig
	store     Store
	schedules map[string]*BackupSchedule
	sched     *Scheduler
	ctx       context.Context
	run       RunFunc
	wg        sync.WaitGroup
	log       logger.Logger
	now       func() time.Time
}

// NewBook creates a schedule book backed by store.
func NewBook(store Store, cfg BookConfig, l logger.Logger) *Book {
	if cfg.Peak == (PeakHours{}) {
		cfg.Peak = DefaultPeakHours
	}
	if l == nil {
		l = logger.NewNopLogger()
	}
	return &Book{
		cfg:       cfg,
		store:     store,
		schedules: make(map[string]*BackupSchedule),
		log:       l,
		now:       time.Now,
	}
}

// Start loads the persisted schedules and starts firing them. run is called
// on its own goroutine for every fired schedule. Start returns after the
// schedules are loaded; firing stops when ctx is cancelled.
func (b *Book) Start(ctx context.Context, run RunFunc) error {
	list, err := b.store.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}
	now := b.now()
	events, missed := LoadSchedules(list, now)
	for _, m := range missed {
		b.log.Warning("schedule %q missed its run at %s; next run %s",
			m.Name, m.NextRunDate.Format(time.RFC3339), b.nextOf(list, m.ID).Format(time.RFC3339))
	}

	for _, s := range list {
		if err := b.store.SaveSchedule(ctx, s); err != nil {
			b.log.Warning("persist schedule %q: %v", s.Name, err)
		}
	}

	b.mu.Lock()
	b.ctx, b.run = ctx, run
	for i := range list {
		s := list[i]
		b.schedules[s.ID] = &s
	}
	b.sched = New(ctx, b.trigger)
	sched := b.sched
	b.mu.Unlock()

	// the scheduler goroutine takes b.mu when an event fires
	for _, ev := range events {
		sched.Add(ev)
	}
	b.log.Info("loaded %d schedules", len(list))
	return nil
}

func (b *Book) nextOf(list []BackupSchedule, id string) time.Time {
	for _, s := range list {
		if s.ID == id {
			return s.NextRunDate
		}
	}
	return time.Time{}
}

// Wait blocks until every run started by the book returned.
func (b *Book) Wait() {
	b.wg.Wait()
}

func (b *Book) trigger(id string) {
	b.mu.Lock()
	s, ok := b.schedules[id]
	if !ok || !s.Enabled {
		b.mu.Unlock()
		return
	}
	now := b.now()
	if err := s.Fire(now); err != nil {
		name := s.Name
		b.mu.Unlock()
		b.log.Error("schedule %q: %v", name, err)
		return
	}
	snap := *s
	ctx, run := b.ctx, b.run
	skip := b.cfg.SkipPeakHours && b.cfg.Peak.Contains(now)
	b.mu.Unlock()

	if err := b.store.SaveSchedule(ctx, snap); err != nil {
		b.log.Warning("persist schedule %q: %v", snap.Name, err)
	}
	if skip {
		b.log.Info("schedule %q skipped during peak hours; next run %s", snap.Name, snap.NextRunDate.Format(time.RFC3339))
		return
	}
	b.log.Info("schedule %q fired (%s backup)", snap.Name, snap.Type)
	if run == nil {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		run(ctx, snap)
	}()
}

// Add validates and stores a new schedule.
func (b *Book) Add(ctx context.Context, s BackupSchedule) (BackupSchedule, error) {
	s.ID = ""
	if err := s.Normalize(b.now()); err != nil {
		return BackupSchedule{}, err
	}
	if err := b.store.SaveSchedule(ctx, s); err != nil {
		return BackupSchedule{}, err
	}
	b.mu.Lock()
	b.schedules[s.ID] = &s
	b.mu.Unlock()
	b.arm(s)
	return s, nil
}

// Update replaces an existing schedule, keeping its last run.
func (b *Book) Update(ctx context.Context, s BackupSchedule) (BackupSchedule, error) {
	b.mu.Lock()
	old, ok := b.schedules[s.ID]
	b.mu.Unlock()
	if !ok {
		return BackupSchedule{}, ErrScheduleNotFound
	}
	s.LastRunDate = old.LastRunDate
	if err := s.Normalize(b.now()); err != nil {
		return BackupSchedule{}, err
	}
	if err := b.store.SaveSchedule(ctx, s); err != nil {
		return BackupSchedule{}, err
	}
	b.mu.Lock()
	b.schedules[s.ID] = &s
	b.mu.Unlock()
	b.arm(s)
	return s, nil
}

// SetEnabled enables or disables a schedule.
func (b *Book) SetEnabled(ctx context.Context, id string, enabled bool) (BackupSchedule, error) {
	s, ok := b.Get(id)
	if !ok {
		return BackupSchedule{}, ErrScheduleNotFound
	}
	s.Enabled = enabled
	return b.Update(ctx, s)
}

// arm updates the heap for s. Caller must not hold b.mu.
func (b *Book) arm(s BackupSchedule) {
	b.mu.Lock()
	sched := b.sched
	b.mu.Unlock()
	if sched == nil {
		return
	}
	if !s.Enabled {
		sched.Remove(s.ID)
		return
	}
	sched.Update(ScheduleEvent{ScheduleID: s.ID, TriggerAt: s.NextRunDate, CronExpr: s.CronExpr})
}

// Remove deletes a schedule.
func (b *Book) Remove(ctx context.Context, id string) error {
	b.mu.Lock()
	_, ok := b.schedules[id]
	b.mu.Unlock()
	if !ok {
		return ErrScheduleNotFound
	}
	if err := b.store.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.schedules, id)
	sched := b.sched
	b.mu.Unlock()
	if sched != nil {
		sched.Remove(id)
	}
	return nil
}

// Get returns a copy of a schedule.
func (b *Book) Get(id string) (BackupSchedule, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.schedules[id]
	if !ok {
		return BackupSchedule{}, false
	}
	return *s, true
}

// List returns every schedule ordered by next run, then name.
func (b *Book) List() []BackupSchedule {
	b.mu.Lock()
	out := make([]BackupSchedule, 0, len(b.schedules))
	for _, s := range b.schedules {
		out = append(out, *s)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextRunDate.Equal(out[j].NextRunDate) {
			return out[i].NextRunDate.Before(out[j].NextRunDate)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Seed adds defaults when the book is empty and returns how many were added.
func (b *Book) Seed(ctx context.Context, defaults []BackupSchedule) (int, error) {
	b.mu.Lock()
	empty := len(b.schedules) == 0
	b.mu.Unlock()
	if !empty {
		return 0, nil
	}
	for i, s := range defaults {
		if _, err := b.Add(ctx, s); err != nil {
			return i, err
		}
	}
	return len(defaults), nil
}
