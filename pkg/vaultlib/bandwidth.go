package vaultlib

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// Size units in bytes.
const (
	B  int64 = 1
	KB       = 1024 * B
	MB       = 1024 * KB
	GB       = 1024 * MB
)

// BandwidthLimiter throttles the combined outgoing rate of all transfers.
// A limit of 0 or less means unlimited. A nil *BandwidthLimiter never waits.
type BandwidthLimiter struct {
	mu    sync.RWMutex
	limit int64 // bytes per second
	lim   *rate.Limiter
}

// NewBandwidthLimiter creates a limiter allowing limit bytes per second.
func NewBandwidthLimiter(limit int64) *BandwidthLimiter {
	b := &BandwidthLimiter{}
	b.SetLimit(limit)
	return b
}

// SetLimit updates the rate limit. It applies to transfers already running.
func (b *BandwidthLimiter) SetLimit(limit int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit < 0 {
		limit = 0
	}
	b.limit = limit
	if limit == 0 {
		b.lim = nil
		return
	}
	// at most one second of data in a burst, but never less than one chunk
	burst := int(limit)
	if burst < chunkSize {
		burst = chunkSize
	}
	if b.lim == nil {
		b.lim = rate.NewLimiter(rate.Limit(limit), burst)
		return
	}
	b.lim.SetLimit(rate.Limit(limit))
	b.lim.SetBurst(burst)
}

// Limit returns the configured bytes per second, 0 when unlimited.
func (b *BandwidthLimiter) Limit() int64 {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.limit
}

// WaitN blocks until n bytes may be sent or ctx is done.
func (b *BandwidthLimiter) WaitN(ctx context.Context, n int) error {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	lim := b.lim
	b.mu.RUnlock()
	if lim == nil {
		return nil
	}
	for n > 0 {
		step := n
		if burst := lim.Burst(); step > burst {
			step = burst
		}
		if err := lim.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// ParseSpeedLimit parses a human-readable speed limit string.
// Returns bytes per second. 0 means unlimited.
//
// Supported formats:
//   - Plain bytes: "100", "1024"
//   - With B suffix: "100B"
//   - Kilobytes: "512KB", "512k"
//   - Megabytes: "1MB", "1.5mb"
//   - Gigabytes: "1GB"
func ParseSpeedLimit(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty speed limit")
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("invalid speed limit: negative value not allowed in %q", s)
	}

	numStr, unit := s, ""
	for i, c := range s {
		if (c < '0' || c > '9') && c != '.' {
			numStr, unit = s[:i], strings.TrimSpace(s[i:])
			break
		}
	}
	if numStr == "" {
		return 0, fmt.Errorf("invalid speed limit: no numeric value in %q", s)
	}
	num, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid speed limit: %q is not a valid number", numStr)
	}

	var multiplier int64
	switch unit {
	case "", "B":
		multiplier = B
	case "KB", "K":
		multiplier = KB
	case "MB", "M":
		multiplier = MB
	case "GB", "G":
		multiplier = GB
	default:
		return 0, fmt.Errorf("invalid speed limit unit: %q (use B, KB, MB, or GB)", unit)
	}
	return int64(num * float64(multiplier)), nil
}

// FormatBytes renders a byte count with a binary unit, e.g. "1.5 MB".
func FormatBytes(n int64) string {
	switch {
	case n >= GB:
		return fmt.Sprintf("%.2f GB", float64(n)/float64(GB))
	case n >= MB:
		return fmt.Sprintf("%.2f MB", float64(n)/float64(MB))
	case n >= KB:
		return fmt.Sprintf("%.2f KB", float64(n)/float64(KB))
	}
	return fmt.Sprintf("%d B", n)
}
