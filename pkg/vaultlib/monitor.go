package vaultlib

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/warpdl/warpvault/pkg/logger"
)

// Alert kinds raised by the monitor and the orchestrator.
const (
	AlertStall         = "stall"
	AlertLowDisk       = "low_disk"
	AlertFailover      = "failover"
	AlertIntakeStopped = "intake_stopped"
)

// Alert is an operational condition worth pushing to clients.
type Alert struct {
	Time          time.Time `json:"time"`
	Kind          string    `json:"kind"`
	Severity      Severity  `json:"severity"`
	ItemID        string    `json:"itemId,omitempty"`
	DestinationID string    `json:"destinationId,omitempty"`
	Message       string    `json:"message"`
}

// MetricSample is one monitor observation.
type MetricSample struct {
	Time           time.Time `json:"time"`
	Active         int       `json:"active"`
	Queued         int       `json:"queued"`
	Retrying       int       `json:"retrying"`
	Completed      int       `json:"completed"`
	Failed         int       `json:"failed"`
	BytesPerSecond float64   `json:"bytesPerSecond"`
	FreeDisk       uint64    `json:"freeDisk"`
}

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	Interval time.Duration
	// StallThreshold is how long an in-flight item may go without progress.
	StallThreshold time.Duration
	// DiskPath is checked against MinFreeBytes; empty disables the check.
	DiskPath     string
	MinFreeBytes uint64
	MaxSamples   int
}

const (
	DEF_MONITOR_INTERVAL = 5 * time.Second
	DEF_STALL_THRESHOLD  = 2 * time.Minute
	DEF_MIN_FREE_BYTES   = uint64(GB)
	DEF_MAX_SAMPLES      = 1000
	maxRecentAlerts      = 100
)

type progressMark struct {
	bytes int64
	since time.Time
	fired bool
}

// Monitor samples queue metrics and raises stall and low disk alerts.
type Monitor struct {
	mu        sync.Mutex
	cfg       MonitorConfig
	queue     *TransferQueue
	samples   []MetricSample
	alerts    []Alert
	marks     map[string]*progressMark
	diskLow   bool
	onAlert   func(Alert)
	freeSpace func(path string) (uint64, error)
	log       logger.Logger
}

// NewMonitor creates a monitor over q.
func NewMonitor(cfg MonitorConfig, q *TransferQueue, l logger.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DEF_MONITOR_INTERVAL
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = DEF_STALL_THRESHOLD
	}
	if cfg.MinFreeBytes == 0 {
		cfg.MinFreeBytes = DEF_MIN_FREE_BYTES
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = DEF_MAX_SAMPLES
	}
	if l == nil {
		l = logger.NewNopLogger()
	}
	return &Monitor{
		cfg:       cfg,
		queue:     q,
		marks:     make(map[string]*progressMark),
		freeSpace: freeDiskSpace,
		log:       l,
	}
}

// OnAlert registers the alert callback.
func (m *Monitor) OnAlert(fn func(Alert)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAlert = fn
}

// Raise records an alert and hands it to the callback.
func (m *Monitor) Raise(a Alert) {
	if a.Time.IsZero() {
		a.Time = time.Now()
	}
	m.mu.Lock()
	m.alerts = append(m.alerts, a)
	if len(m.alerts) > maxRecentAlerts {
		m.alerts = m.alerts[len(m.alerts)-maxRecentAlerts:]
	}
	fn := m.onAlert
	m.mu.Unlock()

	m.log.Warning("alert %s: %s", a.Kind, a.Message)
	if fn != nil {
		fn(a)
	}
}

// Sample takes one observation at now and checks alert conditions.
func (m *Monitor) Sample(now time.Time) MetricSample {
	st := m.queue.Statistics()
	s := MetricSample{
		Time:      now,
		Active:    st.InProgress + st.Verifying,
		Queued:    st.Queued + st.Pending,
		Retrying:  st.Retrying,
		Completed: st.Completed,
		Failed:    st.Failed,
	}
	inflight := m.queue.ItemsByStatus(StatusInProgress)
	for _, it := range inflight {
		s.BytesPerSecond += it.Speed
	}

	var alerts []Alert
	m.mu.Lock()
	seen := make(map[string]bool, len(inflight))
	for _, it := range inflight {
		seen[it.ID] = true
		mk, ok := m.marks[it.ID]
		if !ok || mk.bytes != it.TransferredBytes {
			m.marks[it.ID] = &progressMark{bytes: it.TransferredBytes, since: now}
			continue
		}
		if !mk.fired && now.Sub(mk.since) >= m.cfg.StallThreshold {
			mk.fired = true
			alerts = append(alerts, Alert{
				Time:          now,
				Kind:          AlertStall,
				Severity:      SeverityWarning,
				ItemID:        it.ID,
				DestinationID: it.DestinationID,
				Message:       fmt.Sprintf("%s made no progress for %s", it.Name, now.Sub(mk.since).Round(time.Second)),
			})
		}
	}
	for id := range m.marks {
		if !seen[id] {
			delete(m.marks, id)
		}
	}

	if m.cfg.DiskPath != "" {
		free, err := m.freeSpace(m.cfg.DiskPath)
		if err == nil {
			s.FreeDisk = free
			low := free < m.cfg.MinFreeBytes
			if low && !m.diskLow {
				alerts = append(alerts, Alert{
					Time:     now,
					Kind:     AlertLowDisk,
					Severity: SeverityHigh,
					Message:  fmt.Sprintf("%s free on %s", FormatBytes(int64(free)), m.cfg.DiskPath),
				})
			}
			m.diskLow = low
		}
	}

	m.samples = append(m.samples, s)
	if len(m.samples) > m.cfg.MaxSamples {
		m.samples = m.samples[len(m.samples)-m.cfg.MaxSamples:]
	}
	m.mu.Unlock()

	for _, a := range alerts {
		m.Raise(a)
	}
	return s
}

// Run samples every Interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	t := time.NewTicker(m.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			m.Sample(now)
		}
	}
}

// Samples returns a copy of the kept samples, oldest first.
func (m *Monitor) Samples() []MetricSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MetricSample(nil), m.samples...)
}

// Alerts returns the most recent alerts, oldest first.
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.alerts...)
}

// WriteCSV writes the kept samples as CSV.
func (m *Monitor) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"time", "active", "queued", "retrying", "completed", "failed", "bytes_per_second", "free_disk"}); err != nil {
		return err
	}
	for _, s := range m.Samples() {
		if err := cw.Write([]string{
			s.Time.Format(time.RFC3339),
			strconv.Itoa(s.Active),
			strconv.Itoa(s.Queued),
			strconv.Itoa(s.Retrying),
			strconv.Itoa(s.Completed),
			strconv.Itoa(s.Failed),
			strconv.FormatFloat(s.BytesPerSecond, 'f', 0, 64),
			strconv.FormatUint(s.FreeDisk, 10),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
