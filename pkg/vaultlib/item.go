package vaultlib

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Priority represents the priority level of a transfer item.
type Priority int

const (
	// PriorityLow is used for bulk catch-up work.
	PriorityLow Priority = iota
	// PriorityNormal is the default priority.
	PriorityNormal
	PriorityHigh
	PriorityUrgent
	// PriorityEmergency is the highest priority and is reserved for
	// studies that must leave the site immediately.
	PriorityEmergency
)

var priorityNames = []string{"low", "normal", "high", "urgent", "emergency"}

func (p Priority) String() string {
	if p < PriorityLow || p > PriorityEmergency {
		return "unknown"
	}
	return priorityNames[p]
}

// ParsePriority parses a priority name, case-insensitively.
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range priorityNames {
		if name == s {
			return Priority(i), nil
		}
	}
	return PriorityNormal, ErrUnknownPriority
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Status is a state of the transfer item state machine.
type Status int

const (
	StatusPending Status = iota
	StatusQueued
	StatusInProgress
	StatusVerifying
	StatusCompleted
	StatusFailed
	StatusRetrying
	StatusCancelled
)

var statusNames = []string{
	"pending", "queued", "in_progress", "verifying",
	"completed", "failed", "retrying", "cancelled",
}

func (s Status) String() string {
	if s < StatusPending || s > StatusCancelled {
		return "unknown"
	}
	return statusNames[s]
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, bool) {
	for i, name := range statusNames {
		if name == s {
			return Status(i), true
		}
	}
	return StatusPending, false
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, ok := ParseStatus(string(b))
	if !ok {
		return fmt.Errorf("unknown status %q", b)
	}
	*s = v
	return nil
}

// transitions lists the legal next states of each state. Failed is only
// left through Retrying, and only while the recovery policy allows it.
var transitions = map[Status][]Status{
	StatusPending:    {StatusQueued, StatusCancelled},
	StatusQueued:     {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusVerifying, StatusFailed, StatusCancelled},
	StatusVerifying:  {StatusCompleted, StatusFailed, StatusCancelled},
	StatusFailed:     {StatusRetrying},
	StatusRetrying:   {StatusQueued, StatusCancelled, StatusFailed},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CancelToken is a cooperative cancellation signal owned by one item.
// Transports check it before every chunk they send.
type CancelToken struct {
	once sync.Once
	ch   chan struct{}
}

// NewCancelToken returns an unsignalled token.
func NewCancelToken() *CancelToken {
	return &CancelToken{ch: make(chan struct{})}
}

// Cancel signals the token. Safe to call more than once.
func (t *CancelToken) Cancel() {
	t.once.Do(func() { close(t.ch) })
}

// Cancelled reports whether Cancel was called.
func (t *CancelToken) Cancelled() bool {
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel closed on cancellation.
func (t *CancelToken) Done() <-chan struct{} {
	return t.ch
}

// Err returns ErrCancelled once the token is cancelled, nil before.
func (t *CancelToken) Err() error {
	if t.Cancelled() {
		return ErrCancelled
	}
	return nil
}

// TransferItem is one study's transfer to one destination.
type TransferItem struct {
	ID            string   `json:"id"`
	StudyUID      string   `json:"studyUid"`
	Name          string   `json:"name"`
	Modality      string   `json:"modality,omitempty"`
	Priority      Priority `json:"priority"`
	Status        Status   `json:"status"`
	DestinationID string   `json:"destinationId"`
	// GroupID ties together the items of one mirrored study.
	GroupID string `json:"groupId,omitempty"`
	// Scope limits failover to these destination ids. Empty allows any.
	Scope []string `json:"scope,omitempty"`

	QueuedDate     time.Time `json:"queuedDate"`
	StartDate      time.Time `json:"startDate,omitempty"`
	CompletionDate time.Time `json:"completionDate,omitempty"`

	RetryCount        int           `json:"retryCount"`
	IntegrityFailures int           `json:"integrityFailures,omitempty"`
	NextRetryDelay    time.Duration `json:"nextRetryDelay,omitempty"`
	NextRetryAt       time.Time     `json:"nextRetryAt,omitempty"`
	LastError         string        `json:"lastError,omitempty"`
	LastErrorKind     ErrorKind     `json:"lastErrorKind"`

	TotalImages       int   `json:"totalImages"`
	TransferredImages int   `json:"transferredImages"`
	TotalBytes        int64 `json:"totalBytes"`
	TransferredBytes  int64 `json:"transferredBytes"`
	// Speed is the measured rate in bytes per second.
	Speed       float64 `json:"speed"`
	Fingerprint string  `json:"fingerprint,omitempty"`
}

// IsTerminal reports whether the item reached a state it never leaves.
// A retryable failure passes through Failed to Retrying under the same
// queue lock, so an item observed in Failed is terminal.
func (it *TransferItem) IsTerminal() bool {
	return IsTerminalStatus(it.Status)
}

// IsTerminalStatus reports whether s is Completed, Failed or Cancelled.
func IsTerminalStatus(s Status) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ProgressPercentage returns the transferred share of images in [0,100].
func (it *TransferItem) ProgressPercentage() float64 {
	if it.TotalImages > 0 {
		return float64(it.TransferredImages) / float64(it.TotalImages) * 100
	}
	if it.TotalBytes > 0 {
		return float64(it.TransferredBytes) / float64(it.TotalBytes) * 100
	}
	if it.Status == StatusCompleted {
		return 100
	}
	return 0
}

// ElapsedTime returns the time spent since the transfer started.
func (it *TransferItem) ElapsedTime(now time.Time) time.Duration {
	if it.StartDate.IsZero() {
		return 0
	}
	if !it.CompletionDate.IsZero() {
		return it.CompletionDate.Sub(it.StartDate)
	}
	return now.Sub(it.StartDate)
}

// EstimatedTimeRemaining extrapolates from the measured speed. It returns
// zero when no estimate is possible.
func (it *TransferItem) EstimatedTimeRemaining() time.Duration {
	if it.Speed <= 0 || it.TotalBytes <= 0 {
		return 0
	}
	remaining := it.TotalBytes - it.TransferredBytes
	if remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining) / it.Speed * float64(time.Second))
}
