package common

import (
	"time"

	"github.com/warpdl/warpvault/internal/scheduler"
	"github.com/warpdl/warpvault/pkg/vaultlib"
)

// VersionResult is the response for system.getVersion.
type VersionResult struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildType string `json:"buildType,omitempty"`
}

// BackupStartParams is the input for backup.start.
type BackupStartParams struct {
	Type         string               `json:"type"`
	Destinations []string             `json:"destinations,omitempty"`
	Filter       vaultlib.StudyFilter `json:"filter,omitempty"`
	MaxStudies   int                  `json:"maxStudies,omitempty"`
	Priority     string               `json:"priority,omitempty"`
}

// IDParams is a common input with just an id.
type IDParams struct {
	ID string `json:"id"`
}

// PrioritizeParams is the input for transfer.prioritize.
type PrioritizeParams struct {
	ID       string `json:"id"`
	Priority string `json:"priority"`
}

// TransferListParams is the input for transfer.list. An empty status lists
// every item.
type TransferListParams struct {
	Status string `json:"status,omitempty"`
}

// TransferListResult is the response for transfer.list.
type TransferListResult struct {
	Items []vaultlib.TransferItem `json:"items"`
	Stats vaultlib.QueueStats     `json:"stats"`
}

// DestinationAddParams is the input for destination.add. An existing id is
// updated in place.
type DestinationAddParams struct {
	Destination vaultlib.BackupDestination `json:"destination"`
	// Secret is stored in the credential store when set.
	Secret string `json:"secret,omitempty"`
}

// DestinationInfo is a destination with its intake state.
type DestinationInfo struct {
	vaultlib.BackupDestination
	IntakeStopped bool    `json:"intakeStopped,omitempty"`
	StopReason    string  `json:"stopReason,omitempty"`
	Load          int     `json:"load"`
	ErrorRate     float64 `json:"errorRate"`
}

// SecretParams is the input for destination.setSecret. An empty secret
// deletes the stored one.
type SecretParams struct {
	ID     string `json:"id"`
	Secret string `json:"secret"`
}

// ScheduleAddParams is the input for schedule.add. A schedule with an
// existing id is updated.
type ScheduleAddParams struct {
	Schedule scheduler.BackupSchedule `json:"schedule"`
}

// ScheduleSuggestParams is the input for schedule.suggest.
type ScheduleSuggestParams struct {
	Days     int    `json:"days,omitempty"`
	Modality string `json:"modality,omitempty"`
}

// ScheduleSuggestResult is the response for schedule.suggest.
type ScheduleSuggestResult struct {
	Times   []time.Time `json:"times"`
	Optimal time.Time   `json:"optimal"`
}

// IndexRebuildParams is the input for index.rebuild.
type IndexRebuildParams struct {
	Workers int `json:"workers,omitempty"`
}

// StatsResult is the response for stats.get.
type StatsResult struct {
	Stats  vaultlib.StatsSnapshot `json:"stats"`
	Report string                 `json:"report"`
	Latest *vaultlib.MetricSample `json:"latest,omitempty"`
	Alerts []vaultlib.Alert       `json:"alerts,omitempty"`
	Dedup  vaultlib.DedupStats    `json:"dedup"`
}

// ExportParams is the input for stats.export.
type ExportParams struct {
	Format string `json:"format"`
}

// ExportResult carries an exported document.
type ExportResult struct {
	Format string `json:"format"`
	Data   string `json:"data"`
}

// AuditSearchParams is the input for audit.search.
type AuditSearchParams struct {
	Since       time.Time `json:"since,omitempty"`
	Until       time.Time `json:"until,omitempty"`
	MinSeverity string    `json:"minSeverity,omitempty"`
	Action      string    `json:"action,omitempty"`
	StudyUID    string    `json:"studyUid,omitempty"`
	Text        string    `json:"text,omitempty"`
	Limit       int       `json:"limit,omitempty"`
	// Format "csv" returns the matches as CSV in Export.
	Format string `json:"format,omitempty"`
}

// AuditSearchResult is the response for audit.search.
type AuditSearchResult struct {
	Entries []vaultlib.AuditEntry `json:"entries"`
	Export  string                `json:"export,omitempty"`
}

// ManifestParams is the input for manifest.export. With a destination id
// the manifest stored at that destination is read back instead of hashing
// the local study.
type ManifestParams struct {
	StudyID       string `json:"studyId"`
	DestinationID string `json:"destinationId,omitempty"`
}

// BandwidthParams is the input for bandwidth.set. Limit, when set, is a
// human readable rate such as "10MB" and wins over BytesPerSec.
type BandwidthParams struct {
	BytesPerSec int64  `json:"bytesPerSec"`
	Limit       string `json:"limit,omitempty"`
}

// BandwidthResult is the response for bandwidth.set.
type BandwidthResult struct {
	BytesPerSec int64  `json:"bytesPerSec"`
	Display     string `json:"display"`
}

// TransferNotification is the payload of the transfer.* notifications.
type TransferNotification struct {
	Event      string                `json:"event"`
	Item       vaultlib.TransferItem `json:"item"`
	Percentage float64               `json:"percentage"`
	ETA        time.Duration         `json:"eta,omitempty"`
	Time       time.Time             `json:"time"`
}
