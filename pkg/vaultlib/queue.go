package vaultlib

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrItemInFlight is returned when an operation needs an item that is
	// not being transferred.
	ErrItemInFlight = errors.New("transfer item is in flight")
	// ErrItemNotClaimable is returned when a claim races with another worker.
	ErrItemNotClaimable = errors.New("transfer item is not queued")
)

type queueEntry struct {
	item            TransferItem
	token           *CancelToken
	seq             uint64
	cancelRequested bool
}

// QueueStats summarizes the queue by status.
type QueueStats struct {
	Pending         int     `json:"pending"`
	Queued          int     `json:"queued"`
	InProgress      int     `json:"inProgress"`
	Verifying       int     `json:"verifying"`
	Retrying        int     `json:"retrying"`
	Completed       int     `json:"completed"`
	Failed          int     `json:"failed"`
	Cancelled       int     `json:"cancelled"`
	AverageProgress float64 `json:"averageProgress"`
}

// Total returns the number of tracked items.
func (s QueueStats) Total() int {
	return s.Pending + s.Queued + s.InProgress + s.Verifying + s.Retrying +
		s.Completed + s.Failed + s.Cancelled
}

// CapacityFunc returns the number of transfers a destination may run at
// once. A value <= 0 blocks the destination.
type CapacityFunc func(destinationID string) int

// TransferQueue is the ordered, status-tracked collection of transfer items.
// A single mutex guards all of its state.
type TransferQueue struct {
	mu            sync.Mutex
	entries       map[string]*queueEntry
	active        map[string]string // study|destination -> item id, non-terminal only
	maxConcurrent int
	paused        bool
	seq           uint64
	onChange      func(TransferItem)
	now           func() time.Time
}

// NewTransferQueue creates a queue allowing maxConcurrent transfers in
// flight across all destinations.
func NewTransferQueue(maxConcurrent int) *TransferQueue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &TransferQueue{
		entries:       make(map[string]*queueEntry),
		active:        make(map[string]string),
		maxConcurrent: maxConcurrent,
		now:           time.Now,
	}
}

// OnChange registers fn to receive a copy of every item whose status
// changes. fn runs outside the queue lock.
func (q *TransferQueue) OnChange(fn func(TransferItem)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onChange = fn
}

func (q *TransferQueue) notify(items []TransferItem) {
	q.mu.Lock()
	fn := q.onChange
	q.mu.Unlock()
	if fn == nil {
		return
	}
	for _, it := range items {
		fn(it)
	}
}

func activeKey(studyUID, destinationID string) string {
	return studyUID + "|" + destinationID
}

// MaxConcurrent returns the global concurrency ceiling.
func (q *TransferQueue) MaxConcurrent() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxConcurrent
}

// SetMaxConcurrent changes the global concurrency ceiling. Items already in
// flight are not affected.
func (q *TransferQueue) SetMaxConcurrent(n int) {
	if n < 1 {
		n = 1
	}
	q.mu.Lock()
	q.maxConcurrent = n
	q.mu.Unlock()
}

// AddItem inserts item in Pending. When an item for the same study and
// destination is already non-terminal it is returned instead and added is
// false.
func (q *TransferQueue) AddItem(item TransferItem) (_ TransferItem, added bool) {
	q.mu.Lock()
	key := activeKey(item.StudyUID, item.DestinationID)
	if id, ok := q.active[key]; ok {
		existing := q.entries[id].item
		q.mu.Unlock()
		return existing, false
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item.Status = StatusPending
	if item.QueuedDate.IsZero() {
		item.QueuedDate = q.now()
	}
	q.seq++
	q.entries[item.ID] = &queueEntry{item: item, token: NewCancelToken(), seq: q.seq}
	q.active[key] = item.ID
	q.mu.Unlock()

	q.notify([]TransferItem{item})
	return item, true
}

// PromotePending moves every Pending item to Queued. Nothing moves while the
// queue is paused. Returns the number of promoted items.
func (q *TransferQueue) PromotePending() int {
	q.mu.Lock()
	if q.paused {
		q.mu.Unlock()
		return 0
	}
	var changed []TransferItem
	for _, e := range q.entries {
		if e.item.Status == StatusPending {
			e.item.Status = StatusQueued
			changed = append(changed, e.item)
		}
	}
	q.mu.Unlock()

	q.notify(changed)
	return len(changed)
}

// inFlight counts InProgress and Verifying items, globally and per destination.
// Caller must hold q.mu.
func (q *TransferQueue) inFlight() (int, map[string]int) {
	total := 0
	perDest := make(map[string]int)
	for _, e := range q.entries {
		if e.item.Status == StatusInProgress || e.item.Status == StatusVerifying {
			total++
			perDest[e.item.DestinationID]++
		}
	}
	return total, perDest
}

// queuedInOrder returns the Queued entries by priority (highest first), then
// queued date, then insertion order. Caller must hold q.mu.
func (q *TransferQueue) queuedInOrder() []*queueEntry {
	var out []*queueEntry
	for _, e := range q.entries {
		if e.item.Status == StatusQueued {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.item.Priority != b.item.Priority {
			return a.item.Priority > b.item.Priority
		}
		if !a.item.QueuedDate.Equal(b.item.QueuedDate) {
			return a.item.QueuedDate.Before(b.item.QueuedDate)
		}
		return a.seq < b.seq
	})
	return out
}

// pick returns the entry that should run next, or nil. Caller must hold q.mu.
func (q *TransferQueue) pick(capacity CapacityFunc) *queueEntry {
	if q.paused {
		return nil
	}
	total, perDest := q.inFlight()
	if total >= q.maxConcurrent {
		return nil
	}
	for _, e := range q.queuedInOrder() {
		limit := q.maxConcurrent
		if capacity != nil {
			if c := capacity(e.item.DestinationID); c < limit {
				limit = c
			}
		}
		if perDest[e.item.DestinationID] < limit {
			return e
		}
	}
	return nil
}

// NextItemToProcess returns the Queued item that should run next without
// claiming it. ok is false when nothing is eligible or the concurrency
// ceiling is reached.
func (q *TransferQueue) NextItemToProcess(capacity CapacityFunc) (item TransferItem, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.pick(capacity)
	if e == nil {
		return TransferItem{}, false
	}
	return e.item, true
}

// Claim moves a Queued item to InProgress. Only one caller can win.
func (q *TransferQueue) Claim(id string) (TransferItem, *CancelToken, error) {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return TransferItem{}, nil, ErrItemNotFound
	}
	if e.item.Status != StatusQueued {
		q.mu.Unlock()
		return TransferItem{}, nil, ErrItemNotClaimable
	}
	q.claim(e)
	item, token := e.item, e.token
	q.mu.Unlock()

	q.notify([]TransferItem{item})
	return item, token, nil
}

// ClaimNext atomically picks and claims the next item.
func (q *TransferQueue) ClaimNext(capacity CapacityFunc) (TransferItem, *CancelToken, bool) {
	q.mu.Lock()
	e := q.pick(capacity)
	if e == nil {
		q.mu.Unlock()
		return TransferItem{}, nil, false
	}
	q.claim(e)
	item, token := e.item, e.token
	q.mu.Unlock()

	q.notify([]TransferItem{item})
	return item, token, true
}

// claim performs the Queued -> InProgress transition. Caller must hold q.mu.
func (q *TransferQueue) claim(e *queueEntry) {
	e.item.Status = StatusInProgress
	e.item.StartDate = q.now()
	e.item.CompletionDate = time.Time{}
	e.item.TransferredImages = 0
	e.item.TransferredBytes = 0
	e.item.Speed = 0
}

// transition applies a checked status change plus mutate under the lock.
func (q *TransferQueue) transition(id string, to Status, mutate func(*TransferItem)) (TransferItem, error) {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return TransferItem{}, ErrItemNotFound
	}
	if !CanTransition(e.item.Status, to) {
		q.mu.Unlock()
		return e.item, ErrInvalidTransition
	}
	e.item.Status = to
	if mutate != nil {
		mutate(&e.item)
	}
	if IsTerminalStatus(to) {
		delete(q.active, activeKey(e.item.StudyUID, e.item.DestinationID))
	}
	item := e.item
	q.mu.Unlock()

	q.notify([]TransferItem{item})
	return item, nil
}

// UpdateProgress records transfer progress of an in-flight item.
func (q *TransferQueue) UpdateProgress(id string, images, totalImages int, bytes, totalBytes int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok || e.item.Status != StatusInProgress {
		return
	}
	e.item.TransferredImages = images
	if totalImages > 0 {
		e.item.TotalImages = totalImages
	}
	e.item.TransferredBytes = bytes
	if totalBytes > 0 {
		e.item.TotalBytes = totalBytes
	}
	if elapsed := q.now().Sub(e.item.StartDate).Seconds(); elapsed > 0 {
		e.item.Speed = float64(bytes) / elapsed
	}
}

// MarkVerifying moves an InProgress item to Verifying after the transport
// reported success.
func (q *TransferQueue) MarkVerifying(id string) (TransferItem, error) {
	return q.transition(id, StatusVerifying, nil)
}

// Complete grants Completed to a verified item.
func (q *TransferQueue) Complete(id, fingerprint string) (TransferItem, error) {
	return q.transition(id, StatusCompleted, func(it *TransferItem) {
		it.CompletionDate = q.now()
		it.Fingerprint = fingerprint
		it.LastError = ""
		it.LastErrorKind = KindUnknown
		if it.TotalImages > 0 {
			it.TransferredImages = it.TotalImages
		}
		if it.TotalBytes > 0 {
			it.TransferredBytes = it.TotalBytes
		}
	})
}

// Fail records a failed attempt. When d.Retry is set the item moves on to
// Retrying with its retry counter advanced; otherwise it stays Failed.
func (q *TransferQueue) Fail(id string, err error, d RecoveryDecision) (TransferItem, error) {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return TransferItem{}, ErrItemNotFound
	}
	if !CanTransition(e.item.Status, StatusFailed) {
		q.mu.Unlock()
		return e.item, ErrInvalidTransition
	}
	now := q.now()
	e.item.Status = StatusFailed
	e.item.CompletionDate = now
	if err != nil {
		e.item.LastError = err.Error()
	}
	e.item.LastErrorKind = d.Kind
	if d.Kind == KindContentIntegrityMismatch {
		e.item.IntegrityFailures++
	}
	if d.Retry && !e.cancelRequested {
		e.item.Status = StatusRetrying
		e.item.RetryCount++
		e.item.NextRetryDelay = d.Delay
		e.item.NextRetryAt = now.Add(d.Delay)
		e.item.CompletionDate = time.Time{}
	} else {
		e.item.NextRetryAt = time.Time{}
		delete(q.active, activeKey(e.item.StudyUID, e.item.DestinationID))
	}
	item := e.item
	q.mu.Unlock()

	q.notify([]TransferItem{item})
	return item, nil
}

// RequeueDue moves Retrying items whose delay elapsed back to Queued and
// returns their ids.
func (q *TransferQueue) RequeueDue(now time.Time) []string {
	q.mu.Lock()
	var changed []TransferItem
	var ids []string
	for id, e := range q.entries {
		if e.item.Status != StatusRetrying || e.item.NextRetryAt.After(now) {
			continue
		}
		e.item.Status = StatusQueued
		e.item.NextRetryAt = time.Time{}
		// keep FIFO fair: a retried item queues behind its band
		e.item.QueuedDate = now
		q.seq++
		e.seq = q.seq
		ids = append(ids, id)
		changed = append(changed, e.item)
	}
	q.mu.Unlock()

	q.notify(changed)
	return ids
}

// NextRetryAt returns the earliest pending retry time, or zero.
func (q *TransferQueue) NextRetryAt() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	var next time.Time
	for _, e := range q.entries {
		if e.item.Status == StatusRetrying && (next.IsZero() || e.item.NextRetryAt.Before(next)) {
			next = e.item.NextRetryAt
		}
	}
	return next
}

// PrioritizeItem raises the priority of a waiting item. Queued items are
// reordered on the next pick. In-flight items are not affected.
func (q *TransferQueue) PrioritizeItem(id string, p Priority) (TransferItem, error) {
	if p < PriorityLow || p > PriorityEmergency {
		return TransferItem{}, ErrUnknownPriority
	}
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return TransferItem{}, ErrItemNotFound
	}
	switch {
	case e.item.IsTerminal():
		q.mu.Unlock()
		return e.item, ErrInvalidTransition
	case e.item.Status == StatusInProgress || e.item.Status == StatusVerifying:
		q.mu.Unlock()
		return e.item, ErrItemInFlight
	case p <= e.item.Priority:
		q.mu.Unlock()
		return e.item, ErrPriorityNotRaised
	}
	e.item.Priority = p
	item := e.item
	q.mu.Unlock()

	q.notify([]TransferItem{item})
	return item, nil
}

// Cancel cancels a single item. Waiting items become Cancelled at once;
// in-flight items get their token signalled and are finished by the worker.
func (q *TransferQueue) Cancel(id string) (TransferItem, error) {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return TransferItem{}, ErrItemNotFound
	}
	if e.item.IsTerminal() {
		q.mu.Unlock()
		return e.item, ErrInvalidTransition
	}
	changed := q.cancelEntry(e)
	item := e.item
	q.mu.Unlock()

	if changed {
		q.notify([]TransferItem{item})
	}
	return item, nil
}

// cancelEntry cancels e and reports whether its status changed.
// Caller must hold q.mu.
func (q *TransferQueue) cancelEntry(e *queueEntry) bool {
	e.token.Cancel()
	if e.item.Status == StatusInProgress || e.item.Status == StatusVerifying {
		e.cancelRequested = true
		return false
	}
	e.item.Status = StatusCancelled
	e.item.CompletionDate = q.now()
	e.item.NextRetryAt = time.Time{}
	delete(q.active, activeKey(e.item.StudyUID, e.item.DestinationID))
	return true
}

// CancelAllTransfers cancels every non-terminal item and returns the number
// of items affected.
func (q *TransferQueue) CancelAllTransfers() int {
	q.mu.Lock()
	var changed []TransferItem
	n := 0
	for _, e := range q.entries {
		if e.item.IsTerminal() {
			continue
		}
		n++
		if q.cancelEntry(e) {
			changed = append(changed, e.item)
		}
	}
	q.mu.Unlock()

	q.notify(changed)
	return n
}

// FinishCancelled moves an in-flight item whose cancellation was requested
// to Cancelled. The worker calls it once it observed the token.
func (q *TransferQueue) FinishCancelled(id string) (TransferItem, error) {
	return q.transition(id, StatusCancelled, func(it *TransferItem) {
		it.CompletionDate = q.now()
		it.LastErrorKind = KindCancelled
	})
}

// CancelRequested reports whether Cancel was called on an in-flight item.
func (q *TransferQueue) CancelRequested(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	return ok && e.cancelRequested
}

// Abandon marks every in-flight item Failed with ErrAbandoned and returns
// the affected items. Used once the stop grace period ran out.
func (q *TransferQueue) Abandon() []TransferItem {
	q.mu.Lock()
	var changed []TransferItem
	now := q.now()
	for _, e := range q.entries {
		switch e.item.Status {
		case StatusInProgress, StatusVerifying, StatusRetrying:
		default:
			continue
		}
		e.token.Cancel()
		e.item.Status = StatusFailed
		e.item.CompletionDate = now
		e.item.NextRetryAt = time.Time{}
		e.item.LastError = ErrAbandoned.Error()
		e.item.LastErrorKind = KindCancelled
		delete(q.active, activeKey(e.item.StudyUID, e.item.DestinationID))
		changed = append(changed, e.item)
	}
	q.mu.Unlock()

	q.notify(changed)
	return changed
}

// Reassign moves the waiting items (Pending, Queued, Retrying) of one
// destination to another, keeping their retry counters. Items whose study is
// already headed to the target are cancelled as duplicates. Returns the
// number of moved items.
func (q *TransferQueue) Reassign(fromID, toID string) int {
	if fromID == toID {
		return 0
	}
	targets := make(map[string]string)
	for _, it := range q.WaitingFor(fromID) {
		targets[it.ID] = toID
	}
	return q.ReassignItems(fromID, targets)
}

// ReassignItems moves waiting items of fromID to the destination mapped to
// their id. Items that left fromID or stopped waiting in the meantime are
// skipped; duplicates at the target are cancelled as in Reassign.
func (q *TransferQueue) ReassignItems(fromID string, targets map[string]string) int {
	q.mu.Lock()
	var changed []TransferItem
	moved := 0
	for id, toID := range targets {
		e, ok := q.entries[id]
		if !ok || toID == fromID || e.item.DestinationID != fromID || !isWaiting(e.item.Status) {
			continue
		}
		if _, dup := q.active[activeKey(e.item.StudyUID, toID)]; dup {
			q.cancelEntry(e)
			changed = append(changed, e.item)
			continue
		}
		delete(q.active, activeKey(e.item.StudyUID, fromID))
		e.item.DestinationID = toID
		q.active[activeKey(e.item.StudyUID, toID)] = e.item.ID
		moved++
		changed = append(changed, e.item)
	}
	q.mu.Unlock()

	q.notify(changed)
	return moved
}

// WaitingFor returns the waiting items of one destination.
func (q *TransferQueue) WaitingFor(destinationID string) []TransferItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []TransferItem
	for _, e := range q.entries {
		if e.item.DestinationID == destinationID && isWaiting(e.item.Status) {
			out = append(out, e.item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueuedDate.Before(out[j].QueuedDate) })
	return out
}

// HasActive reports whether a non-terminal item sends study to destination.
func (q *TransferQueue) HasActive(studyUID, destinationID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.active[activeKey(studyUID, destinationID)]
	return ok
}

func isWaiting(s Status) bool {
	switch s {
	case StatusPending, StatusQueued, StatusRetrying:
		return true
	}
	return false
}

// Abort terminally fails the waiting items (Pending, Queued, Retrying) of a
// destination that can no longer take work and returns them.
func (q *TransferQueue) Abort(destinationID string, err error, kind ErrorKind) []TransferItem {
	q.mu.Lock()
	var changed []TransferItem
	now := q.now()
	for _, e := range q.entries {
		if e.item.DestinationID != destinationID {
			continue
		}
		switch e.item.Status {
		case StatusPending, StatusQueued, StatusRetrying:
		default:
			continue
		}
		e.token.Cancel()
		e.item.Status = StatusFailed
		e.item.CompletionDate = now
		e.item.NextRetryAt = time.Time{}
		if err != nil {
			e.item.LastError = err.Error()
		}
		e.item.LastErrorKind = kind
		delete(q.active, activeKey(e.item.StudyUID, e.item.DestinationID))
		changed = append(changed, e.item)
	}
	q.mu.Unlock()

	q.notify(changed)
	return changed
}

// Load returns the number of non-terminal items assigned to a destination.
func (q *TransferQueue) Load(destinationID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.entries {
		if e.item.DestinationID == destinationID && !e.item.IsTerminal() {
			n++
		}
	}
	return n
}

// Get returns a copy of the item with the given id.
func (q *TransferQueue) Get(id string) (TransferItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return TransferItem{}, false
	}
	return e.item, true
}

// Items returns copies of all items ordered by queued date.
func (q *TransferQueue) Items() []TransferItem {
	q.mu.Lock()
	entries := make([]*queueEntry, 0, len(q.entries))
	for _, e := range q.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].item.QueuedDate.Equal(entries[j].item.QueuedDate) {
			return entries[i].item.QueuedDate.Before(entries[j].item.QueuedDate)
		}
		return entries[i].seq < entries[j].seq
	})
	out := make([]TransferItem, len(entries))
	for i, e := range entries {
		out[i] = e.item
	}
	q.mu.Unlock()
	return out
}

// ItemsByStatus returns copies of the items in status s.
func (q *TransferQueue) ItemsByStatus(s Status) []TransferItem {
	var out []TransferItem
	for _, it := range q.Items() {
		if it.Status == s {
			out = append(out, it)
		}
	}
	return out
}

// ActiveCount returns the number of in-flight items for a destination, or
// across all destinations when destinationID is empty.
func (q *TransferQueue) ActiveCount(destinationID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total, perDest := q.inFlight()
	if destinationID == "" {
		return total
	}
	return perDest[destinationID]
}

// PendingWork reports whether any item is not yet terminal.
func (q *TransferQueue) PendingWork() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active) > 0
}

// Statistics returns per-status counts and the average progress of the
// items that are not cancelled.
func (q *TransferQueue) Statistics() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s QueueStats
	var progress float64
	var counted int
	for _, e := range q.entries {
		switch e.item.Status {
		case StatusPending:
			s.Pending++
		case StatusQueued:
			s.Queued++
		case StatusInProgress:
			s.InProgress++
		case StatusVerifying:
			s.Verifying++
		case StatusRetrying:
			s.Retrying++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		case StatusCancelled:
			s.Cancelled++
			continue
		}
		progress += e.item.ProgressPercentage()
		counted++
	}
	if counted > 0 {
		s.AverageProgress = progress / float64(counted)
	}
	return s
}

// Prune removes terminal items that finished before cutoff and returns how
// many were removed.
func (q *TransferQueue) Prune(cutoff time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for id, e := range q.entries {
		if e.item.IsTerminal() && !e.item.CompletionDate.After(cutoff) {
			delete(q.entries, id)
			n++
		}
	}
	return n
}

// Remove drops a terminal item from the queue. Active items must be
// cancelled first.
func (q *TransferQueue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return ErrItemNotFound
	}
	if !e.item.IsTerminal() {
		return ErrItemActive
	}
	delete(q.entries, id)
	return nil
}

// ClearCompleted removes all Completed items.
func (q *TransferQueue) ClearCompleted() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for id, e := range q.entries {
		if e.item.Status == StatusCompleted {
			delete(q.entries, id)
			n++
		}
	}
	return n
}

// Pause freezes intake: no Pending -> Queued transitions and no new claims.
func (q *TransferQueue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume undoes Pause.
func (q *TransferQueue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
}

// IsPaused reports whether the queue is paused.
func (q *TransferQueue) IsPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// WaitingItems returns the non-terminal items that are not in flight, for
// persistence across restarts.
func (q *TransferQueue) WaitingItems() []TransferItem {
	var out []TransferItem
	for _, it := range q.Items() {
		switch it.Status {
		case StatusPending, StatusQueued, StatusRetrying:
			out = append(out, it)
		}
	}
	return out
}

// Restore re-inserts persisted items. Items that were in flight when the
// process stopped are queued again; retry counters are kept.
func (q *TransferQueue) Restore(items []TransferItem) int {
	q.mu.Lock()
	n := 0
	for _, it := range items {
		if it.IsTerminal() || it.ID == "" {
			continue
		}
		key := activeKey(it.StudyUID, it.DestinationID)
		if _, dup := q.active[key]; dup {
			continue
		}
		switch it.Status {
		case StatusInProgress, StatusVerifying:
			it.Status = StatusQueued
		}
		q.seq++
		q.entries[it.ID] = &queueEntry{item: it, token: NewCancelToken(), seq: q.seq}
		q.active[key] = it.ID
		n++
	}
	q.mu.Unlock()
	return n
}
