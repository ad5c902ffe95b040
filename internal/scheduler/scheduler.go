package scheduler

import (
	"container/heap"
	"context"
	"time"

	"github.com/adhocore/gronx"
)

// maxSleepCap bounds one wait so clock jumps are noticed within a minute.
const maxSleepCap = 60 * time.Second

// Scheduler fires backup schedules. A single goroutine owns the event heap;
// callers talk to it through channels.
type Scheduler struct {
	addChan    chan ScheduleEvent
	removeChan chan string
	ctx        context.Context
	now        func() time.Time
}

// New starts a Scheduler that calls onTrigger with the schedule id of every
// due event until ctx is done.
func New(ctx context.Context, onTrigger func(string)) *Scheduler {
	s := &Scheduler{
		addChan:    make(chan ScheduleEvent, 64),
		removeChan: make(chan string, 64),
		ctx:        ctx,
		now:        time.Now,
	}
	go s.run(onTrigger)
	return s
}

// Add queues event.
func (s *Scheduler) Add(event ScheduleEvent) {
	select {
	case s.addChan <- event:
	case <-s.ctx.Done():
	}
}

// Remove drops every pending event of a schedule.
func (s *Scheduler) Remove(scheduleID string) {
	select {
	case s.removeChan <- scheduleID:
	case <-s.ctx.Done():
	}
}

// Update replaces the pending events of a schedule with event.
func (s *Scheduler) Update(event ScheduleEvent) {
	s.Remove(event.ScheduleID)
	s.Add(event)
}

// run owns the heap. A cron event is pushed back with its next tick after
// the current time once it fires; ticks missed while the daemon was down
// are skipped.
func (s *Scheduler) run(onTrigger func(string)) {
	h := &scheduleHeap{}
	heap.Init(h)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	arm := func() <-chan time.Time {
		if timer != nil {
			timer.Stop()
		}
		if h.Len() == 0 {
			return nil
		}
		dur := (*h)[0].TriggerAt.Sub(s.now())
		if dur > maxSleepCap {
			dur = maxSleepCap
		}
		if dur < 0 {
			dur = 0
		}
		timer = time.NewTimer(dur)
		return timer.C
	}

	timerCh := arm()

	for {
		select {
		case <-s.ctx.Done():
			return

		case event := <-s.addChan:
			heapPush(h, event)
			timerCh = arm()

		case id := <-s.removeChan:
			heapRemoveByID(h, id)
			timerCh = arm()

		case <-timerCh:
			now := s.now()
			for h.Len() > 0 && !(*h)[0].TriggerAt.After(now) {
				ev := heapPop(h)
				onTrigger(ev.ScheduleID)
				if ev.CronExpr == "" {
					continue
				}
				if next, err := nextCronOccurrence(ev.CronExpr, s.now()); err == nil {
					ev.TriggerAt = next
					heapPush(h, ev)
				}
			}
			timerCh = arm()
		}
	}
}

// nextCronOccurrence returns the first tick of expr after start, excluding
// start itself.
func nextCronOccurrence(expr string, start time.Time) (time.Time, error) {
	return gronx.NextTickAfter(expr, start, false)
}

// hasOccurrenceWithinYear rejects expressions that are invalid or that never
// fire in the next 365 days, such as "0 0 30 2 *".
func hasOccurrenceWithinYear(expr string, from time.Time) bool {
	next, err := gronx.NextTickAfter(expr, from, false)
	if err != nil {
		return false
	}
	return next.Before(from.Add(365 * 24 * time.Hour))
}
