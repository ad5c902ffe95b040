package vaultlib

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// StatsSink receives terminal transfer outcomes. Cancelled items are not
// failures and are not reported through RecordFailure.
type StatsSink interface {
	RecordTransfer(item TransferItem)
	RecordFailure(item TransferItem, err error)
}

// CancelRecorder is implemented by sinks that also want cancellations.
type CancelRecorder interface {
	RecordCancel(item TransferItem)
}

// MultiSink fans outcomes out to several sinks.
type MultiSink []StatsSink

func (m MultiSink) RecordTransfer(item TransferItem) {
	for _, s := range m {
		s.RecordTransfer(item)
	}
}

func (m MultiSink) RecordFailure(item TransferItem, err error) {
	for _, s := range m {
		s.RecordFailure(item, err)
	}
}

func (m MultiSink) RecordCancel(item TransferItem) {
	for _, s := range m {
		if c, ok := s.(CancelRecorder); ok {
			c.RecordCancel(item)
		}
	}
}

// TransferRecord is one terminal transfer outcome as kept by Statistics.
type TransferRecord struct {
	ItemID        string        `json:"itemId"`
	StudyUID      string        `json:"studyUid"`
	DestinationID string        `json:"destinationId"`
	Modality      string        `json:"modality,omitempty"`
	Success       bool          `json:"success"`
	Kind          ErrorKind     `json:"kind"`
	Images        int           `json:"images"`
	Bytes         int64         `json:"bytes"`
	Duration      time.Duration `json:"duration"`
	Retries       int           `json:"retries"`
	At            time.Time     `json:"at"`
}

// RecordFromItem builds a record from a terminal item.
func RecordFromItem(item TransferItem, success bool) TransferRecord {
	at := item.CompletionDate
	if at.IsZero() {
		at = time.Now()
	}
	return TransferRecord{
		ItemID:        item.ID,
		StudyUID:      item.StudyUID,
		DestinationID: item.DestinationID,
		Modality:      item.Modality,
		Success:       success,
		Kind:          item.LastErrorKind,
		Images:        item.TransferredImages,
		Bytes:         item.TransferredBytes,
		Duration:      item.ElapsedTime(at),
		Retries:       item.RetryCount,
		At:            at.UTC(),
	}
}

// DestinationStats aggregates outcomes of one destination.
type DestinationStats struct {
	Transfers int   `json:"transfers"`
	Failures  int   `json:"failures"`
	Bytes     int64 `json:"bytes"`
}

// StatsSnapshot is a point-in-time view of Statistics.
type StatsSnapshot struct {
	Transfers      int                         `json:"transfers"`
	Successful     int                         `json:"successful"`
	Failed         int                         `json:"failed"`
	Studies        int                         `json:"studies"`
	Images         int64                       `json:"images"`
	Bytes          int64                       `json:"bytes"`
	AverageSpeed   float64                     `json:"averageSpeed"` // bytes per second
	SuccessRate    float64                     `json:"successRate"`
	FirstBackup    time.Time                   `json:"firstBackup,omitempty"`
	LastBackup     time.Time                   `json:"lastBackup,omitempty"`
	FailuresByKind map[string]int              `json:"failuresByKind"`
	ByDestination  map[string]DestinationStats `json:"byDestination"`
	ByModality     map[string]int              `json:"byModality"`
}

// DefaultStatsHistory bounds the records kept for export.
const DefaultStatsHistory = 10000

// Statistics is a StatsSink aggregating transfer outcomes in memory.
type Statistics struct {
	mu       sync.Mutex
	records  []TransferRecord
	max      int
	snap     StatsSnapshot
	studies  map[string]struct{}
	duration time.Duration
}

// NewStatistics creates a collector keeping at most maxRecords records.
func NewStatistics(maxRecords int) *Statistics {
	if maxRecords <= 0 {
		maxRecords = DefaultStatsHistory
	}
	s := &Statistics{max: maxRecords}
	s.reset()
	return s
}

func (s *Statistics) reset() {
	s.records = nil
	s.studies = make(map[string]struct{})
	s.duration = 0
	s.snap = StatsSnapshot{
		FailuresByKind: make(map[string]int),
		ByDestination:  make(map[string]DestinationStats),
		ByModality:     make(map[string]int),
	}
}

// Reset drops everything collected so far.
func (s *Statistics) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

func (s *Statistics) RecordTransfer(item TransferItem) {
	s.Add(RecordFromItem(item, true))
}

func (s *Statistics) RecordFailure(item TransferItem, err error) {
	rec := RecordFromItem(item, false)
	if err != nil && rec.Kind == KindUnknown {
		rec.Kind = KindOf(err)
	}
	s.Add(rec)
}

// Restore replays persisted records, e.g. on daemon start.
func (s *Statistics) Restore(recs []TransferRecord) {
	for _, r := range recs {
		s.Add(r)
	}
}

// Add folds one record into the aggregates.
func (s *Statistics) Add(r TransferRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	if len(s.records) > s.max {
		s.records = s.records[len(s.records)-s.max:]
	}

	sn := &s.snap
	sn.Transfers++
	ds := sn.ByDestination[r.DestinationID]
	ds.Transfers++
	if !r.Success {
		sn.Failed++
		ds.Failures++
		sn.FailuresByKind[r.Kind.String()]++
		sn.ByDestination[r.DestinationID] = ds
		s.updateRates()
		return
	}
	sn.Successful++
	sn.Images += int64(r.Images)
	sn.Bytes += r.Bytes
	ds.Bytes += r.Bytes
	sn.ByDestination[r.DestinationID] = ds
	if r.Modality != "" {
		sn.ByModality[strings.ToUpper(r.Modality)]++
	}
	s.studies[r.StudyUID] = struct{}{}
	sn.Studies = len(s.studies)
	s.duration += r.Duration
	if sn.FirstBackup.IsZero() || r.At.Before(sn.FirstBackup) {
		sn.FirstBackup = r.At
	}
	if r.At.After(sn.LastBackup) {
		sn.LastBackup = r.At
	}
	s.updateRates()
}

func (s *Statistics) updateRates() {
	sn := &s.snap
	if s.duration > 0 {
		sn.AverageSpeed = float64(sn.Bytes) / s.duration.Seconds()
	}
	if sn.Transfers > 0 {
		sn.SuccessRate = float64(sn.Successful) / float64(sn.Transfers) * 100
	}
}

// Snapshot returns a copy of the aggregates.
func (s *Statistics) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.snap
	out.FailuresByKind = make(map[string]int, len(s.snap.FailuresByKind))
	for k, v := range s.snap.FailuresByKind {
		out.FailuresByKind[k] = v
	}
	out.ByDestination = make(map[string]DestinationStats, len(s.snap.ByDestination))
	for k, v := range s.snap.ByDestination {
		out.ByDestination[k] = v
	}
	out.ByModality = make(map[string]int, len(s.snap.ByModality))
	for k, v := range s.snap.ByModality {
		out.ByModality[k] = v
	}
	return out
}

// Records returns a copy of the kept records, oldest first.
func (s *Statistics) Records() []TransferRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TransferRecord(nil), s.records...)
}

// Report renders the aggregates as plain text.
func (s *Statistics) Report() string {
	sn := s.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "Transfers:     %d (%d successful, %d failed, %.1f%% success)\n",
		sn.Transfers, sn.Successful, sn.Failed, sn.SuccessRate)
	fmt.Fprintf(&b, "Studies:       %d\n", sn.Studies)
	fmt.Fprintf(&b, "Images:        %d\n", sn.Images)
	fmt.Fprintf(&b, "Data:          %s\n", FormatBytes(sn.Bytes))
	fmt.Fprintf(&b, "Average speed: %s/s\n", FormatBytes(int64(sn.AverageSpeed)))
	if !sn.FirstBackup.IsZero() {
		fmt.Fprintf(&b, "First backup:  %s\n", sn.FirstBackup.Format(time.RFC3339))
		fmt.Fprintf(&b, "Last backup:   %s\n", sn.LastBackup.Format(time.RFC3339))
	}
	if len(sn.FailuresByKind) > 0 {
		b.WriteString("Failures by kind:\n")
		for _, k := range sortedKeys(sn.FailuresByKind) {
			fmt.Fprintf(&b, "  %-28s %d\n", k, sn.FailuresByKind[k])
		}
	}
	if len(sn.ByDestination) > 0 {
		b.WriteString("Destinations:\n")
		ids := make([]string, 0, len(sn.ByDestination))
		for id := range sn.ByDestination {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			d := sn.ByDestination[id]
			fmt.Fprintf(&b, "  %-28s %d transfers, %d failures, %s\n", id, d.Transfers, d.Failures, FormatBytes(d.Bytes))
		}
	}
	return b.String()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var statsCSVHeader = []string{
	"at", "item_id", "study_uid", "destination_id", "modality",
	"success", "kind", "images", "bytes", "duration_ms", "retries",
}

// WriteCSV writes one row per kept record.
func (s *Statistics) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(statsCSVHeader); err != nil {
		return err
	}
	for _, r := range s.Records() {
		row := []string{
			r.At.Format(time.RFC3339),
			r.ItemID,
			r.StudyUID,
			r.DestinationID,
			r.Modality,
			strconv.FormatBool(r.Success),
			r.Kind.String(),
			strconv.Itoa(r.Images),
			strconv.FormatInt(r.Bytes, 10),
			strconv.FormatInt(r.Duration.Milliseconds(), 10),
			strconv.Itoa(r.Retries),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSON writes the aggregates and the kept records.
func (s *Statistics) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Summary StatsSnapshot    `json:"summary"`
		Records []TransferRecord `json:"records"`
	}{s.Snapshot(), s.Records()})
}
