// Package store keeps the daemon's persistent state in a SQLite database:
// backup snapshots, the failure ledger, the fingerprint index, configured
// destinations and schedules, waiting queue items and transfer records.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/warpdl/warpvault/internal/scheduler"
	"github.com/warpdl/warpvault/pkg/vaultlib"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by lookups of missing rows.
var ErrNotFound = errors.New("not found")

// schemaVersion is stored in PRAGMA user_version.
const schemaVersion = 2

var schema = []string{
	`CREATE TABLE IF NOT EXISTS snapshots (
		seq  INTEGER PRIMARY KEY AUTOINCREMENT,
		id   TEXT NOT NULL UNIQUE,
		date   INTEGER NOT NULL,
		type   TEXT NOT NULL,
		scoped INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS snapshot_studies (
		snapshot_id TEXT NOT NULL REFERENCES snapshots(id) ON DELETE CASCADE,
		study_uid   TEXT NOT NULL,
		PRIMARY KEY (snapshot_id, study_uid)
	)`,
	`CREATE TABLE IF NOT EXISTS failures (
		study_uid TEXT PRIMARY KEY,
		kind      TEXT NOT NULL,
		failed_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS fingerprints (
		fingerprint    TEXT NOT NULL,
		destination_id TEXT NOT NULL,
		study_uid      TEXT NOT NULL,
		content_length INTEGER NOT NULL,
		verified_at    INTEGER NOT NULL,
		version        INTEGER NOT NULL,
		PRIMARY KEY (fingerprint, destination_id)
	)`,
	`CREATE TABLE IF NOT EXISTS destinations (
		id   TEXT PRIMARY KEY,
		data TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS schedules (
		id   TEXT PRIMARY KEY,
		data TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS queue_items (
		id   TEXT PRIMARY KEY,
		data TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS transfer_records (
		seq  INTEGER PRIMARY KEY AUTOINCREMENT,
		at   INTEGER NOT NULL,
		data TEXT NOT NULL
	)`,
}

// Store is the SQLite backed state store. It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and migrates its schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("error: cannot create state directory: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("error: cannot open state database: %w", err)
	}
	// one connection serializes writers and keeps PRAGMAs in effect
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("error: %s: %w", p, err)
		}
	}
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("error: read schema version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("error: state database schema %d is newer than supported %d", version, schemaVersion)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if version == 1 {
		if _, err := tx.Exec(`ALTER TABLE snapshots ADD COLUMN scoped INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("error: migrate state database: %w", err)
		}
	}
	for _, stmt := range schema {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("error: migrate state database: %w", err)
		}
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version=%d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// AppendSnapshot stores snap and its study set in one transaction.
func (s *Store) AppendSnapshot(ctx context.Context, snap vaultlib.BackupSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (id, date, type, scoped) VALUES (?, ?, ?, ?)`,
		snap.ID, unixNano(snap.Date), snap.Type.String(), snap.Scoped); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	for _, uid := range snap.StudyUIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO snapshot_studies (snapshot_id, study_uid) VALUES (?, ?)`,
			snap.ID, uid); err != nil {
			return fmt.Errorf("insert snapshot study: %w", err)
		}
	}
	return tx.Commit()
}

// ListSnapshots returns every snapshot in insertion order.
func (s *Store) ListSnapshots(ctx context.Context) ([]vaultlib.BackupSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, date, type, scoped FROM snapshots ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	var out []vaultlib.BackupSnapshot
	index := make(map[string]int)
	for rows.Next() {
		var (
			snap     vaultlib.BackupSnapshot
			date     int64
			typeName string
		)
		if err := rows.Scan(&snap.ID, &date, &typeName, &snap.Scoped); err != nil {
			rows.Close()
			return nil, err
		}
		snap.Date = fromUnixNano(date)
		if snap.Type, err = vaultlib.ParseBackupType(typeName); err != nil {
			rows.Close()
			return nil, err
		}
		index[snap.ID] = len(out)
		out = append(out, snap)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT snapshot_id, study_uid FROM snapshot_studies ORDER BY snapshot_id, study_uid`)
	if err != nil {
		return nil, fmt.Errorf("query snapshot studies: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, uid string
		if err := rows.Scan(&id, &uid); err != nil {
			return nil, err
		}
		if i, ok := index[id]; ok {
			out[i].StudyUIDs = append(out[i].StudyUIDs, uid)
		}
	}
	return out, rows.Err()
}

// MarkFailed records that the last transfer of a study did not succeed.
func (s *Store) MarkFailed(ctx context.Context, studyUID string, kind vaultlib.ErrorKind, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO failures (study_uid, kind, failed_at) VALUES (?, ?, ?)
		 ON CONFLICT(study_uid) DO UPDATE SET kind = excluded.kind, failed_at = excluded.failed_at`,
		studyUID, kind.String(), unixNano(at))
	return err
}

// ClearFailed removes the failure marks of studies.
func (s *Store) ClearFailed(ctx context.Context, studyUIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, uid := range studyUIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM failures WHERE study_uid = ?`, uid); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// FailedStudies returns the marked studies and when they failed.
func (s *Store) FailedStudies(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT study_uid, failed_at FROM failures`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			uid string
			at  int64
		)
		if err := rows.Scan(&uid, &at); err != nil {
			return nil, err
		}
		out[uid] = fromUnixNano(at)
	}
	return out, rows.Err()
}

// PutFingerprint inserts or replaces a fingerprint record.
func (s *Store) PutFingerprint(ctx context.Context, rec vaultlib.FingerprintRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO fingerprints
		 (fingerprint, destination_id, study_uid, content_length, verified_at, version)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Fingerprint, rec.DestinationID, rec.StudyUID, rec.ContentLength, unixNano(rec.VerifiedAt), rec.Version)
	return err
}

// ListFingerprints returns every fingerprint record.
func (s *Store) ListFingerprints(ctx context.Context) ([]vaultlib.FingerprintRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fingerprint, destination_id, study_uid, content_length, verified_at, version
		 FROM fingerprints ORDER BY fingerprint, destination_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []vaultlib.FingerprintRecord
	for rows.Next() {
		var (
			r  vaultlib.FingerprintRecord
			at int64
		)
		if err := rows.Scan(&r.Fingerprint, &r.DestinationID, &r.StudyUID, &r.ContentLength, &at, &r.Version); err != nil {
			return nil, err
		}
		r.VerifiedAt = fromUnixNano(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteFingerprints removes every record of a fingerprint.
func (s *Store) DeleteFingerprints(ctx context.Context, fingerprint string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM fingerprints WHERE fingerprint = ?`, fingerprint)
	return err
}

// ClearFingerprints empties the fingerprint index.
func (s *Store) ClearFingerprints(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM fingerprints`)
	return err
}

// putJSON upserts v as the JSON document of id in table.
func (s *Store) putJSON(ctx context.Context, table, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO `+table+` (id, data) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data`, id, string(data))
	return err
}

func (s *Store) deleteID(ctx context.Context, table, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id)
	return err
}

// listJSON decodes every document of table through decode.
func (s *Store) listJSON(ctx context.Context, table string, decode func([]byte) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM `+table+` ORDER BY id`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return err
		}
		if err := decode([]byte(data)); err != nil {
			return fmt.Errorf("decode %s row: %w", table, err)
		}
	}
	return rows.Err()
}

// SaveDestination stores a destination's configuration. Health fields are
// not persisted; probes refresh them.
func (s *Store) SaveDestination(ctx context.Context, d vaultlib.BackupDestination) error {
	d.Reachable, d.Latency, d.LastProbe = false, 0, time.Time{}
	return s.putJSON(ctx, "destinations", d.ID, d)
}

// DeleteDestination removes a destination.
func (s *Store) DeleteDestination(ctx context.Context, id string) error {
	return s.deleteID(ctx, "destinations", id)
}

// ListDestinations returns the stored destinations ordered by id.
func (s *Store) ListDestinations(ctx context.Context) ([]vaultlib.BackupDestination, error) {
	var out []vaultlib.BackupDestination
	err := s.listJSON(ctx, "destinations", func(b []byte) error {
		var d vaultlib.BackupDestination
		if err := json.Unmarshal(b, &d); err != nil {
			return err
		}
		out = append(out, d)
		return nil
	})
	return out, err
}

// SaveSchedule stores a schedule.
func (s *Store) SaveSchedule(ctx context.Context, sc scheduler.BackupSchedule) error {
	return s.putJSON(ctx, "schedules", sc.ID, sc)
}

// DeleteSchedule removes a schedule.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	return s.deleteID(ctx, "schedules", id)
}

// ListSchedules returns the stored schedules ordered by id.
func (s *Store) ListSchedules(ctx context.Context) ([]scheduler.BackupSchedule, error) {
	var out []scheduler.BackupSchedule
	err := s.listJSON(ctx, "schedules", func(b []byte) error {
		var sc scheduler.BackupSchedule
		if err := json.Unmarshal(b, &sc); err != nil {
			return err
		}
		out = append(out, sc)
		return nil
	})
	return out, err
}

// SaveQueue replaces the persisted queue with items.
func (s *Store) SaveQueue(ctx context.Context, items []vaultlib.TransferItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_items`); err != nil {
		return err
	}
	for _, it := range items {
		data, err := json.Marshal(it)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO queue_items (id, data) VALUES (?, ?)`, it.ID, string(data)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadQueue returns the persisted queue items in queue order.
func (s *Store) LoadQueue(ctx context.Context) ([]vaultlib.TransferItem, error) {
	var out []vaultlib.TransferItem
	err := s.listJSON(ctx, "queue_items", func(b []byte) error {
		var it vaultlib.TransferItem
		if err := json.Unmarshal(b, &it); err != nil {
			return err
		}
		out = append(out, it)
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].QueuedDate.Before(out[j].QueuedDate) })
	return out, err
}

// AppendTransferRecord stores one terminal transfer outcome.
func (s *Store) AppendTransferRecord(ctx context.Context, r vaultlib.TransferRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO transfer_records (at, data) VALUES (?, ?)`, unixNano(r.At), string(data))
	return err
}

// ListTransferRecords returns up to limit of the newest records, oldest
// first. limit <= 0 returns all.
func (s *Store) ListTransferRecords(ctx context.Context, limit int) ([]vaultlib.TransferRecord, error) {
	q := `SELECT data FROM (SELECT seq, data FROM transfer_records ORDER BY seq DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	q += `) ORDER BY seq`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []vaultlib.TransferRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var r vaultlib.TransferRecord
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneTransferRecords deletes records older than cutoff.
func (s *Store) PruneTransferRecords(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM transfer_records WHERE at < ?`, unixNano(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RecordTransfer implements vaultlib.StatsSink.
func (s *Store) RecordTransfer(item vaultlib.TransferItem) {
	_ = s.AppendTransferRecord(context.Background(), vaultlib.RecordFromItem(item, true))
}

// RecordFailure implements vaultlib.StatsSink.
func (s *Store) RecordFailure(item vaultlib.TransferItem, err error) {
	r := vaultlib.RecordFromItem(item, false)
	if err != nil && r.Kind == vaultlib.KindUnknown {
		r.Kind = vaultlib.KindOf(err)
	}
	_ = s.AppendTransferRecord(context.Background(), r)
}

// GetSchedule returns one stored schedule.
func (s *Store) GetSchedule(ctx context.Context, id string) (scheduler.BackupSchedule, error) {
	var sc scheduler.BackupSchedule
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM schedules WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return sc, ErrNotFound
	}
	if err != nil {
		return sc, err
	}
	return sc, json.Unmarshal([]byte(data), &sc)
}
