package vaultlib

import (
	"context"
	"testing"
	"time"
)

// TestParseSpeedLimit tests parsing of speed limit strings
func TestParseSpeedLimit(t *testing.T) {
	tests := []struct {
		input   string
		want    int64
		wantErr bool
	}{
		{"100", 100, false},
		{"100B", 100, false},
		{"512KB", 512 * KB, false},
		{"512k", 512 * KB, false},
		{"1MB", MB, false},
		{"1.5mb", MB + MB/2, false},
		{"2G", 2 * GB, false},
		{"0", 0, false},
		{"", 0, true},
		{"-5MB", 0, true},
		{"MB", 0, true},
		{"10TB", 0, true},
		{"1.2.3", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseSpeedLimit(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSpeedLimit(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSpeedLimit(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

// TestFormatBytes tests unit selection.
func TestFormatBytes(t *testing.T) {
	tests := map[int64]string{
		512:       "512 B",
		2 * KB:    "2.00 KB",
		MB + MB/2: "1.50 MB",
		3 * GB:    "3.00 GB",
	}
	for in, want := range tests {
		if got := FormatBytes(in); got != want {
			t.Errorf("FormatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}

// TestBandwidthLimiterUnlimited never blocks.
func TestBandwidthLimiterUnlimited(t *testing.T) {
	var nilLimiter *BandwidthLimiter
	if err := nilLimiter.WaitN(context.Background(), 1<<30); err != nil {
		t.Fatalf("nil limiter: %v", err)
	}
	if nilLimiter.Limit() != 0 {
		t.Fatal("expected nil limiter unlimited")
	}
	b := NewBandwidthLimiter(0)
	start := time.Now()
	if err := b.WaitN(context.Background(), 1<<30); err != nil {
		t.Fatalf("WaitN: %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("expected unlimited limiter not to wait")
	}
}

// TestBandwidthLimiterThrottles waits roughly size/limit beyond the burst.
func TestBandwidthLimiterThrottles(t *testing.T) {
	b := NewBandwidthLimiter(int64(chunkSize))
	if b.Limit() != int64(chunkSize) {
		t.Fatalf("expected limit %d, got %d", chunkSize, b.Limit())
	}
	ctx := context.Background()
	start := time.Now()
	// the first chunk drains the burst; the second waits a quarter second
	if err := b.WaitN(ctx, chunkSize); err != nil {
		t.Fatalf("WaitN: %v", err)
	}
	if err := b.WaitN(ctx, chunkSize/4); err != nil {
		t.Fatalf("WaitN: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Fatalf("expected throttling, took %v", elapsed)
	}

	b.SetLimit(0)
	if b.Limit() != 0 {
		t.Fatal("expected limit removed")
	}
}

// TestBandwidthLimiterContext aborts a wait on cancellation.
func TestBandwidthLimiterContext(t *testing.T) {
	b := NewBandwidthLimiter(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.WaitN(ctx, chunkSize*2); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
