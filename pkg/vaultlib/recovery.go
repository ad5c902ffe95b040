package vaultlib

import (
	"context"
	"errors"
	"io"
	"math"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Default recovery configuration values
const (
	DEF_MAX_RETRIES         = 3
	DEF_BASE_RETRY_INTERVAL = 5 * time.Second
	DEF_MAX_RETRY_INTERVAL  = 5 * time.Minute
	DEF_BACKOFF_MULTIPLIER  = 2.0
	// Content mismatches get a single retry unless a strategy is registered.
	DEF_INTEGRITY_RETRIES = 1
)

// RetryConfig holds the backoff parameters of the recovery policy.
type RetryConfig struct {
	MaxRetries        int           // Retries allowed before an item is terminally Failed
	BaseInterval      time.Duration // Delay before the first retry
	MaxInterval       time.Duration // Upper bound for any retry delay
	BackoffMultiplier float64       // Exponential growth factor
	IntegrityRetries  int           // Retries allowed for content mismatches
}

// DefaultRetryConfig returns a RetryConfig with sensible defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        DEF_MAX_RETRIES,
		BaseInterval:      DEF_BASE_RETRY_INTERVAL,
		MaxInterval:       DEF_MAX_RETRY_INTERVAL,
		BackoffMultiplier: DEF_BACKOFF_MULTIPLIER,
		IntegrityRetries:  DEF_INTEGRITY_RETRIES,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseInterval <= 0 {
		c.BaseInterval = DEF_BASE_RETRY_INTERVAL
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = DEF_MAX_RETRY_INTERVAL
	}
	if c.MaxInterval < c.BaseInterval {
		c.MaxInterval = c.BaseInterval
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = DEF_BACKOFF_MULTIPLIER
	}
	if c.IntegrityRetries < 0 {
		c.IntegrityRetries = 0
	}
	return c
}

// RecoveryStrategy runs remediation for a failed item before the standard
// backoff is applied, e.g. re-resolving a destination address or re-reading
// the study from the catalog. It returns true when the remediation made the
// failure worth retrying.
type RecoveryStrategy func(ctx context.Context, item TransferItem, err error) bool

// RecoveryDecision is the outcome of RecoveryPolicy.Decide.
type RecoveryDecision struct {
	Kind       ErrorKind
	Retry      bool
	Delay      time.Duration
	StopIntake bool // the destination must stop accepting work
}

// RecoveryPolicy decides retry eligibility and backoff timing per failed item.
type RecoveryPolicy struct {
	cfg        RetryConfig
	mu         sync.RWMutex
	strategies map[ErrorKind]RecoveryStrategy
}

// NewRecoveryPolicy creates a policy. Zero fields of cfg take defaults.
func NewRecoveryPolicy(cfg RetryConfig) *RecoveryPolicy {
	return &RecoveryPolicy{
		cfg:        cfg.withDefaults(),
		strategies: make(map[ErrorKind]RecoveryStrategy),
	}
}

// Config returns the effective configuration.
func (p *RecoveryPolicy) Config() RetryConfig {
	return p.cfg
}

// RegisterStrategy installs s for failures of the given kind, replacing any
// strategy previously registered for it. A nil s removes the strategy.
func (p *RecoveryPolicy) RegisterStrategy(kind ErrorKind, s RecoveryStrategy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s == nil {
		delete(p.strategies, kind)
		return
	}
	p.strategies[kind] = s
}

func (p *RecoveryPolicy) strategy(kind ErrorKind) RecoveryStrategy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.strategies[kind]
}

// ShouldRetry reports whether a failure with err on the given attempt
// (1-based count of failures so far) may be retried.
func (p *RecoveryPolicy) ShouldRetry(err error, attempt int) bool {
	return p.shouldRetryKind(KindOf(err), attempt, false)
}

func (p *RecoveryPolicy) shouldRetryKind(kind ErrorKind, attempt int, remediated bool) bool {
	if attempt < 1 {
		attempt = 1
	}
	switch kind {
	case KindTransientNetwork, KindDestinationUnreachable:
		return attempt <= p.cfg.MaxRetries
	case KindContentIntegrityMismatch:
		limit := p.cfg.IntegrityRetries
		if remediated {
			limit = p.cfg.MaxRetries
		}
		if limit > p.cfg.MaxRetries {
			limit = p.cfg.MaxRetries
		}
		return attempt <= limit
	default:
		return false
	}
}

// NextRetryInterval computes base * multiplier^(attempt-1), capped at the
// configured maximum. Attempts start at 1.
func (p *RecoveryPolicy) NextRetryInterval(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.cfg.BaseInterval) * math.Pow(p.cfg.BackoffMultiplier, float64(attempt-1))
	if delay > float64(p.cfg.MaxInterval) || math.IsInf(delay, 0) || math.IsNaN(delay) {
		delay = float64(p.cfg.MaxInterval)
	}
	return time.Duration(delay)
}

// StopsIntake reports whether failures of kind must stop the affected
// destination from taking new work.
func (p *RecoveryPolicy) StopsIntake(kind ErrorKind) bool {
	return kind == KindAuthenticationFailure || kind == KindConfigurationInvalid
}

// Decide runs any registered strategy for the failure and returns what the
// caller should do with the item. item is a snapshot taken before the
// failure was recorded.
func (p *RecoveryPolicy) Decide(ctx context.Context, item TransferItem, err error) RecoveryDecision {
	kind := KindOf(err)
	d := RecoveryDecision{Kind: kind, StopIntake: p.StopsIntake(kind)}
	if kind == KindCancelled || d.StopIntake {
		return d
	}

	remediated := false
	if s := p.strategy(kind); s != nil {
		remediated = s(ctx, item, err)
	}

	attempt := item.RetryCount + 1
	if kind == KindContentIntegrityMismatch {
		attempt = item.IntegrityFailures + 1
		// the item-wide ceiling still applies
		if item.RetryCount+1 > p.cfg.MaxRetries {
			return d
		}
	}
	if !p.shouldRetryKind(kind, attempt, remediated) {
		return d
	}
	d.Retry = true
	d.Delay = p.NextRetryInterval(item.RetryCount + 1)
	return d
}

// WaitForRetry blocks until delay has elapsed or ctx is canceled.
func WaitForRetry(ctx context.Context, delay time.Duration) error {
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ClassifyError maps an unclassified error to an ErrorKind.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var te *TransferError
	if errors.As(err, &te) {
		return te.Kind
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransientNetwork
	}
	if errors.Is(err, ErrFingerprintMismatch) || errors.Is(err, ErrImageCountMismatch) {
		return KindContentIntegrityMismatch
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return KindTransientNetwork
	}

	// FTP style reply codes: 530 login, 4xx transient, 5xx refusal
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		switch {
		case tpErr.Code == 530 || tpErr.Code == 532:
			return KindAuthenticationFailure
		case tpErr.Code >= 400 && tpErr.Code < 500:
			return KindTransientNetwork
		default:
			return KindDestinationRejected
		}
	}

	var sysErr syscall.Errno
	if errors.As(err, &sysErr) {
		switch {
		case isUnreachableErrno(sysErr):
			return KindDestinationUnreachable
		case isRetryableErrno(sysErr):
			return KindTransientNetwork
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindDestinationUnreachable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransientNetwork
	}

	errStr := strings.ToLower(err.Error())
	for _, p := range authPatterns {
		if strings.Contains(errStr, p) {
			return KindAuthenticationFailure
		}
	}
	for _, p := range unreachablePatterns {
		if strings.Contains(errStr, p) {
			return KindDestinationUnreachable
		}
	}
	for _, p := range transientPatterns {
		if strings.Contains(errStr, p) {
			return KindTransientNetwork
		}
	}
	return KindUnknown
}

var (
	authPatterns = []string{
		"unable to authenticate",
		"authentication failed",
		"permission denied",
		"login incorrect",
		"not logged in",
	}
	unreachablePatterns = []string{
		"connection refused",
		"no route to host",
		"network is unreachable",
		"no such host",
		"host is down",
	}
	transientPatterns = []string{
		"connection reset",
		"broken pipe",
		"timeout",
		"timed out",
		"temporary failure",
		"eof",
	}
)
