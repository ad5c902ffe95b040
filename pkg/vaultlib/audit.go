package vaultlib

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// Severity grades audit entries.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityHigh
	SeverityCritical
)

var severityNames = []string{"info", "warning", "high", "critical"}

func (s Severity) String() string {
	if s < SeverityInfo || s > SeverityCritical {
		return "unknown"
	}
	return severityNames[s]
}

// ParseSeverity parses a severity name.
func ParseSeverity(s string) (Severity, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range severityNames {
		if name == s {
			return Severity(i), nil
		}
	}
	return SeverityInfo, fmt.Errorf("unknown severity %q", s)
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Audit actions written by the engine.
const (
	AuditTransferCompleted = "transfer.completed"
	AuditTransferFailed    = "transfer.failed"
	AuditTransferCancelled = "transfer.cancelled"
	AuditBackupStarted     = "backup.started"
	AuditBackupFinished    = "backup.finished"
	AuditFailover          = "destination.failover"
	AuditIntakeStopped     = "destination.intake_stopped"
	AuditIndexRebuilt      = "index.rebuilt"
)

// AuditEntry is one line of the audit log.
type AuditEntry struct {
	Time          time.Time         `json:"time"`
	Severity      Severity          `json:"severity"`
	Action        string            `json:"action"`
	StudyUID      string            `json:"studyUid,omitempty"`
	DestinationID string            `json:"destinationId,omitempty"`
	ItemID        string            `json:"itemId,omitempty"`
	Message       string            `json:"message"`
	Details       map[string]string `json:"details,omitempty"`
}

// AuditQuery filters Search results. Zero fields match everything.
type AuditQuery struct {
	Since       time.Time `json:"since,omitempty"`
	Until       time.Time `json:"until,omitempty"`
	MinSeverity Severity  `json:"minSeverity"`
	Action      string    `json:"action,omitempty"`
	StudyUID    string    `json:"studyUid,omitempty"`
	Text        string    `json:"text,omitempty"`
	Limit       int       `json:"limit,omitempty"`
}

func (q AuditQuery) match(e AuditEntry) bool {
	if !q.Since.IsZero() && e.Time.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && e.Time.After(q.Until) {
		return false
	}
	if e.Severity < q.MinSeverity {
		return false
	}
	if q.Action != "" && !strings.HasPrefix(e.Action, q.Action) {
		return false
	}
	if q.StudyUID != "" && e.StudyUID != q.StudyUID {
		return false
	}
	if q.Text != "" && !strings.Contains(strings.ToLower(e.Message), strings.ToLower(q.Text)) {
		return false
	}
	return true
}

// AuditConfig configures an AuditLog.
type AuditConfig struct {
	Fs   afero.Fs
	Path string
	// MaxSize is the size in bytes at which the file is rotated.
	MaxSize int64
	// MaxBackups is the number of rotated files kept.
	MaxBackups int
}

const (
	DEF_AUDIT_MAX_SIZE    = 10 * MB
	DEF_AUDIT_MAX_BACKUPS = 5
)

// AuditLog is an append-only JSON-lines audit trail with size based
// rotation. It implements StatsSink and CancelRecorder.
type AuditLog struct {
	mu   sync.Mutex
	cfg  AuditConfig
	f    afero.File
	size int64
	now  func() time.Time
}

// OpenAuditLog opens or creates the audit file.
func OpenAuditLog(cfg AuditConfig) (*AuditLog, error) {
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("audit log path is empty")
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DEF_AUDIT_MAX_SIZE
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = DEF_AUDIT_MAX_BACKUPS
	}
	a := &AuditLog{cfg: cfg, now: time.Now}
	if err := a.open(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *AuditLog) open() error {
	if err := a.cfg.Fs.MkdirAll(filepath.Dir(a.cfg.Path), 0o755); err != nil {
		return fmt.Errorf("create audit directory: %w", err)
	}
	f, err := a.cfg.Fs.OpenFile(a.cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	a.f, a.size = f, fi.Size()
	return nil
}

func (a *AuditLog) backupPath(n int) string {
	return fmt.Sprintf("%s.%d", a.cfg.Path, n)
}

// rotate shifts path.N-1 to path.N and the live file to path.1.
// Caller must hold a.mu.
func (a *AuditLog) rotate() error {
	if err := a.f.Close(); err != nil {
		return err
	}
	fs := a.cfg.Fs
	_ = fs.Remove(a.backupPath(a.cfg.MaxBackups))
	for n := a.cfg.MaxBackups - 1; n >= 1; n-- {
		if _, err := fs.Stat(a.backupPath(n)); err == nil {
			if err := fs.Rename(a.backupPath(n), a.backupPath(n+1)); err != nil {
				return err
			}
		}
	}
	if err := fs.Rename(a.cfg.Path, a.backupPath(1)); err != nil {
		return err
	}
	return a.open()
}

// Log appends e. Time defaults to now.
func (a *AuditLog) Log(e AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f == nil {
		return os.ErrClosed
	}
	if e.Time.IsZero() {
		e.Time = a.now()
	}
	e.Time = e.Time.UTC()
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	if a.size > 0 && a.size+int64(len(line)) > a.cfg.MaxSize {
		if err := a.rotate(); err != nil {
			return fmt.Errorf("rotate audit log: %w", err)
		}
	}
	n, err := a.f.Write(line)
	a.size += int64(n)
	return err
}

func (a *AuditLog) RecordTransfer(item TransferItem) {
	_ = a.Log(AuditEntry{
		Severity:      SeverityInfo,
		Action:        AuditTransferCompleted,
		StudyUID:      item.StudyUID,
		DestinationID: item.DestinationID,
		ItemID:        item.ID,
		Message:       fmt.Sprintf("%s stored (%d images, %s)", item.Name, item.TransferredImages, FormatBytes(item.TransferredBytes)),
		Details:       map[string]string{"fingerprint": item.Fingerprint},
	})
}

func (a *AuditLog) RecordFailure(item TransferItem, err error) {
	kind := item.LastErrorKind
	if kind == KindUnknown && err != nil {
		kind = KindOf(err)
	}
	msg := item.LastError
	if err != nil {
		msg = err.Error()
	}
	_ = a.Log(AuditEntry{
		Severity:      FailureSeverity(kind),
		Action:        AuditTransferFailed,
		StudyUID:      item.StudyUID,
		DestinationID: item.DestinationID,
		ItemID:        item.ID,
		Message:       msg,
		Details: map[string]string{
			"kind":    kind.String(),
			"retries": fmt.Sprint(item.RetryCount),
		},
	})
}

func (a *AuditLog) RecordCancel(item TransferItem) {
	_ = a.Log(AuditEntry{
		Severity:      SeverityInfo,
		Action:        AuditTransferCancelled,
		StudyUID:      item.StudyUID,
		DestinationID: item.DestinationID,
		ItemID:        item.ID,
		Message:       item.Name + " cancelled",
	})
}

// FailureSeverity grades a terminal failure.
func FailureSeverity(kind ErrorKind) Severity {
	switch kind {
	case KindContentIntegrityMismatch, KindAuthenticationFailure:
		return SeverityHigh
	case KindConfigurationInvalid:
		return SeverityCritical
	}
	return SeverityWarning
}

// Search returns the entries matching q across the live and rotated files,
// oldest first. With q.Limit set only the newest Limit entries are kept.
func (a *AuditLog) Search(q AuditQuery) ([]AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []AuditEntry
	paths := make([]string, 0, a.cfg.MaxBackups+1)
	for n := a.cfg.MaxBackups; n >= 1; n-- {
		paths = append(paths, a.backupPath(n))
	}
	paths = append(paths, a.cfg.Path)
	for _, p := range paths {
		entries, err := a.readFile(p, q)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

func (a *AuditLog) readFile(path string, q AuditQuery) ([]AuditEntry, error) {
	f, err := a.cfg.Fs.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []AuditEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			// a torn last line after a crash
			continue
		}
		if q.match(e) {
			out = append(out, e)
		}
	}
	return out, sc.Err()
}

// ExportCSV writes the entries matching q as CSV.
func (a *AuditLog) ExportCSV(w io.Writer, q AuditQuery) error {
	entries, err := a.Search(q)
	if err != nil {
		return err
	}
	return WriteAuditCSV(w, entries)
}

// WriteAuditCSV writes entries as CSV.
func WriteAuditCSV(w io.Writer, entries []AuditEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"time", "severity", "action", "study_uid", "destination_id", "item_id", "message"}); err != nil {
		return err
	}
	for _, e := range entries {
		if err := cw.Write([]string{
			e.Time.Format(time.RFC3339),
			e.Severity.String(),
			e.Action,
			e.StudyUID,
			e.DestinationID,
			e.ItemID,
			e.Message,
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Close closes the live file.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f == nil {
		return nil
	}
	err := a.f.Close()
	a.f = nil
	return err
}
