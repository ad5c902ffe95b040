package vaultcli

import (
	"context"

	"github.com/warpdl/warpvault/common"
	"github.com/warpdl/warpvault/internal/scheduler"
	"github.com/warpdl/warpvault/pkg/vaultlib"
)

func (c *Client) Version(ctx context.Context) (common.VersionResult, error) {
	return call[common.VersionResult](ctx, c, common.MethodVersion, nil)
}

// StartBackup selects studies and queues them. The engine is started when
// it is not running.
func (c *Client) StartBackup(ctx context.Context, p common.BackupStartParams) (vaultlib.RunStatus, error) {
	return call[vaultlib.RunStatus](ctx, c, common.MethodBackupStart, p)
}

func (c *Client) PauseBackup(ctx context.Context) (vaultlib.OrchestratorStatus, error) {
	return call[vaultlib.OrchestratorStatus](ctx, c, common.MethodBackupPause, nil)
}

func (c *Client) ResumeBackup(ctx context.Context) (vaultlib.OrchestratorStatus, error) {
	return call[vaultlib.OrchestratorStatus](ctx, c, common.MethodBackupResume, nil)
}

// StopBackup cancels every transfer and stops the engine.
func (c *Client) StopBackup(ctx context.Context) (vaultlib.OrchestratorStatus, error) {
	return call[vaultlib.OrchestratorStatus](ctx, c, common.MethodBackupStop, nil)
}

func (c *Client) Status(ctx context.Context) (vaultlib.OrchestratorStatus, error) {
	return call[vaultlib.OrchestratorStatus](ctx, c, common.MethodBackupStatus, nil)
}

func (c *Client) CancelTransfer(ctx context.Context, id string) (vaultlib.TransferItem, error) {
	return call[vaultlib.TransferItem](ctx, c, common.MethodTransferCancel, common.IDParams{ID: id})
}

func (c *Client) PrioritizeTransfer(ctx context.Context, id, priority string) (vaultlib.TransferItem, error) {
	return call[vaultlib.TransferItem](ctx, c, common.MethodTransferPrioritize, common.PrioritizeParams{ID: id, Priority: priority})
}

// ListTransfers lists the items with the given status, or all of them.
func (c *Client) ListTransfers(ctx context.Context, status string) (common.TransferListResult, error) {
	return call[common.TransferListResult](ctx, c, common.MethodTransferList, common.TransferListParams{Status: status})
}

func (c *Client) RemoveTransfer(ctx context.Context, id string) (bool, error) {
	return call[bool](ctx, c, common.MethodTransferRemove, common.IDParams{ID: id})
}

func (c *Client) ListDestinations(ctx context.Context) ([]common.DestinationInfo, error) {
	return call[[]common.DestinationInfo](ctx, c, common.MethodDestinationList, nil)
}

func (c *Client) AddDestination(ctx context.Context, d vaultlib.BackupDestination, secret string) (vaultlib.BackupDestination, error) {
	return call[vaultlib.BackupDestination](ctx, c, common.MethodDestinationAdd, common.DestinationAddParams{Destination: d, Secret: secret})
}

func (c *Client) RemoveDestination(ctx context.Context, id string) (bool, error) {
	return call[bool](ctx, c, common.MethodDestinationRemove, common.IDParams{ID: id})
}

// ProbeDestinations probes one destination, or every one when id is empty.
func (c *Client) ProbeDestinations(ctx context.Context, id string) ([]vaultlib.ProbeResult, error) {
	return call[[]vaultlib.ProbeResult](ctx, c, common.MethodDestinationProbe, common.IDParams{ID: id})
}

// SetSecret stores the destination password. An empty secret deletes it.
func (c *Client) SetSecret(ctx context.Context, id, secret string) (bool, error) {
	return call[bool](ctx, c, common.MethodDestinationSetSecret, common.SecretParams{ID: id, Secret: secret})
}

func (c *Client) ListSchedules(ctx context.Context) ([]scheduler.BackupSchedule, error) {
	return call[[]scheduler.BackupSchedule](ctx, c, common.MethodScheduleList, nil)
}

// AddSchedule creates a schedule, or updates the one with the same id.
func (c *Client) AddSchedule(ctx context.Context, s scheduler.BackupSchedule) (scheduler.BackupSchedule, error) {
	return call[scheduler.BackupSchedule](ctx, c, common.MethodScheduleAdd, common.ScheduleAddParams{Schedule: s})
}

func (c *Client) RemoveSchedule(ctx context.Context, id string) (bool, error) {
	return call[bool](ctx, c, common.MethodScheduleRemove, common.IDParams{ID: id})
}

func (c *Client) SuggestSchedule(ctx context.Context, days int, modality string) (common.ScheduleSuggestResult, error) {
	return call[common.ScheduleSuggestResult](ctx, c, common.MethodScheduleSuggest, common.ScheduleSuggestParams{Days: days, Modality: modality})
}

func (c *Client) RebuildIndex(ctx context.Context, workers int) (vaultlib.RebuildResult, error) {
	return call[vaultlib.RebuildResult](ctx, c, common.MethodIndexRebuild, common.IndexRebuildParams{Workers: workers})
}

func (c *Client) Stats(ctx context.Context) (common.StatsResult, error) {
	return call[common.StatsResult](ctx, c, common.MethodStatsGet, nil)
}

// ExportStats renders the statistics as json, csv, text or metrics.
func (c *Client) ExportStats(ctx context.Context, format string) (common.ExportResult, error) {
	return call[common.ExportResult](ctx, c, common.MethodStatsExport, common.ExportParams{Format: format})
}

func (c *Client) SearchAudit(ctx context.Context, p common.AuditSearchParams) (common.AuditSearchResult, error) {
	return call[common.AuditSearchResult](ctx, c, common.MethodAuditSearch, p)
}

// Manifest returns the manifest of a study. With a destination id the copy
// stored at that destination is read back.
func (c *Client) Manifest(ctx context.Context, studyID, destinationID string) (*vaultlib.StudyManifest, error) {
	return call[*vaultlib.StudyManifest](ctx, c, common.MethodManifestExport, common.ManifestParams{StudyID: studyID, DestinationID: destinationID})
}

// SetBandwidth changes the global limit. limit is a rate such as "10MB";
// "0" removes the limit.
func (c *Client) SetBandwidth(ctx context.Context, limit string) (common.BandwidthResult, error) {
	return call[common.BandwidthResult](ctx, c, common.MethodBandwidthSet, common.BandwidthParams{Limit: limit})
}
