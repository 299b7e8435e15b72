// Package sqlite provides a SQLite-backed storage.Store. Seasons are sharded
// logically: every season gets its own records table.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/goclaw/cadence/pkg/schedule"
	"github.com/goclaw/cadence/pkg/storage"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Config holds SQLite storage configuration.
type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// Store implements storage.Store on SQLite.
type Store struct {
	db    *sql.DB
	nowFn func() time.Time
}

// New opens the database and applies pending migrations.
func New(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg == nil || cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(on)", cfg.Path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, &storage.StorageUnavailableError{Cause: err}
	}

	sub, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations sub-fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, sub)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &Store{db: db, nowFn: time.Now}, nil
}

func tableName(seasonID string) string {
	return `"memory_records_` + seasonID + `"`
}

func indexName(seasonID string) string {
	return `"idx_memory_records_` + seasonID + `_due"`
}

// UpsertRecords applies records in one transaction with last-review-wins
// semantics. Reclaimable partitions reject writes.
func (s *Store) UpsertRecords(ctx context.Context, records []schedule.MemoryRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback()

	checked := make(map[string]bool)
	for _, r := range records {
		if !checked[r.SeasonID] {
			if err := partitionWritable(ctx, tx, r.SeasonID); err != nil {
				return err
			}
			checked[r.SeasonID] = true
		}

		t := tableName(r.SeasonID)
		query := `INSERT INTO ` + t + ` (owner_id, item_id, stability, next_review_at, last_review_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (owner_id, item_id) DO UPDATE SET
				stability = excluded.stability,
				next_review_at = excluded.next_review_at,
				last_review_at = excluded.last_review_at
			WHERE (excluded.last_review_at IS NOT NULL AND (` + t + `.last_review_at IS NULL OR excluded.last_review_at >= ` + t + `.last_review_at))
				OR (excluded.last_review_at IS NULL AND ` + t + `.last_review_at IS NULL)`
		if _, err := tx.ExecContext(ctx, query, r.OwnerID, r.ItemID, r.Stability, r.NextReviewAt.UnixNano(), nullableNanos(r.LastReviewAt)); err != nil {
			return mapError(err)
		}
	}

	return mapError(tx.Commit())
}

// GetRecord retrieves a record by key.
func (s *Store) GetRecord(ctx context.Context, key schedule.RecordKey) (*schedule.MemoryRecord, error) {
	if err := partitionExists(ctx, s.db, key.SeasonID); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT owner_id, item_id, stability, next_review_at, last_review_at FROM `+tableName(key.SeasonID)+`
		WHERE owner_id = ? AND item_id = ?`, key.OwnerID, key.ItemID)

	r, err := scanRecord(row, key.SeasonID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &storage.NotFoundError{EntityType: "memory_record", ID: key.SeasonID + "/" + key.OwnerID + "/" + key.ItemID}
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &r, nil
}

// RecordsFor returns every record of a pair in due order.
func (s *Store) RecordsFor(ctx context.Context, key schedule.Key) ([]schedule.MemoryRecord, error) {
	return s.queryRecords(ctx, key.SeasonID,
		`SELECT owner_id, item_id, stability, next_review_at, last_review_at FROM `+tableName(key.SeasonID)+`
		WHERE owner_id = ? ORDER BY next_review_at, item_id`, key.OwnerID)
}

// DueRecords returns up to limit records of a pair due at or before now.
func (s *Store) DueRecords(ctx context.Context, key schedule.Key, now time.Time, limit int) ([]schedule.MemoryRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.queryRecords(ctx, key.SeasonID,
		`SELECT owner_id, item_id, stability, next_review_at, last_review_at FROM `+tableName(key.SeasonID)+`
		WHERE owner_id = ? AND next_review_at <= ? ORDER BY next_review_at, item_id LIMIT ?`,
		key.OwnerID, now.UnixNano(), limit)
}

// ScanSeason pages through a season in (owner_id, item_id) order.
func (s *Store) ScanSeason(ctx context.Context, seasonID string, after storage.Cursor, limit int) ([]schedule.MemoryRecord, error) {
	if after.IsZero() {
		return s.queryRecords(ctx, seasonID,
			`SELECT owner_id, item_id, stability, next_review_at, last_review_at FROM `+tableName(seasonID)+`
			ORDER BY owner_id, item_id LIMIT ?`, limit)
	}
	return s.queryRecords(ctx, seasonID,
		`SELECT owner_id, item_id, stability, next_review_at, last_review_at FROM `+tableName(seasonID)+`
		WHERE (owner_id, item_id) > (?, ?) ORDER BY owner_id, item_id LIMIT ?`,
		after.OwnerID, after.ItemID, limit)
}

// CountSeason returns the number of active records in a season.
func (s *Store) CountSeason(ctx context.Context, seasonID string) (int64, error) {
	if err := partitionExists(ctx, s.db, seasonID); err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+tableName(seasonID)).Scan(&n); err != nil {
		return 0, mapError(err)
	}
	return n, nil
}

// SampleRecords returns up to n random records of a season.
func (s *Store) SampleRecords(ctx context.Context, seasonID string, n int) ([]schedule.MemoryRecord, error) {
	return s.queryRecords(ctx, seasonID,
		`SELECT owner_id, item_id, stability, next_review_at, last_review_at FROM `+tableName(seasonID)+`
		ORDER BY random() LIMIT ?`, n)
}

// DeleteRecords removes records and returns how many existed.
func (s *Store) DeleteRecords(ctx context.Context, keys []schedule.RecordKey) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, mapError(err)
	}
	defer tx.Rollback()

	deleted := 0
	for _, k := range keys {
		res, err := tx.ExecContext(ctx, `DELETE FROM `+tableName(k.SeasonID)+` WHERE owner_id = ? AND item_id = ?`, k.OwnerID, k.ItemID)
		if err != nil {
			return 0, mapError(err)
		}
		n, _ := res.RowsAffected()
		deleted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, mapError(err)
	}
	return deleted, nil
}

// CreateSeason stores a new season.
func (s *Store) CreateSeason(ctx context.Context, season schedule.Season) error {
	if season.CreatedAt.IsZero() {
		season.CreatedAt = s.nowFn()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO seasons (id, start_at, end_at, is_active, auto_archive, archived_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		season.ID, season.Start.UnixNano(), season.End.UnixNano(), season.IsActive, season.AutoArchive,
		nullableNanos(season.ArchivedAt), season.CreatedAt.UnixNano())
	if isConstraintError(err) {
		return &storage.DuplicateKeyError{EntityType: "season", ID: season.ID}
	}
	return mapError(err)
}

// GetSeason retrieves a season by ID.
func (s *Store) GetSeason(ctx context.Context, id string) (*schedule.Season, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, start_at, end_at, is_active, auto_archive, archived_at, created_at FROM seasons WHERE id = ?`, id)
	season, err := scanSeason(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &storage.NotFoundError{EntityType: "season", ID: id}
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &season, nil
}

// ListSeasons lists seasons ordered by start time.
func (s *Store) ListSeasons(ctx context.Context, filter storage.SeasonFilter) ([]schedule.Season, error) {
	query := `SELECT id, start_at, end_at, is_active, auto_archive, archived_at, created_at FROM seasons`
	var args []any
	if filter.Active != nil {
		query += ` WHERE is_active = ?`
		args = append(args, *filter.Active)
	}
	query += ` ORDER BY start_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []schedule.Season
	for rows.Next() {
		season, err := scanSeason(rows)
		if err != nil {
			return nil, mapError(err)
		}
		out = append(out, season)
	}
	return out, mapError(rows.Err())
}

// UpdateSeason replaces an existing season.
func (s *Store) UpdateSeason(ctx context.Context, season schedule.Season) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE seasons SET start_at = ?, end_at = ?, is_active = ?, auto_archive = ?, archived_at = ? WHERE id = ?`,
		season.Start.UnixNano(), season.End.UnixNano(), season.IsActive, season.AutoArchive,
		nullableNanos(season.ArchivedAt), season.ID)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &storage.NotFoundError{EntityType: "season", ID: season.ID}
	}
	return nil
}

// MarkDirty upserts dirty markers. A marker's time never moves backwards.
func (s *Store) MarkDirty(ctx context.Context, markers []schedule.DirtyMarker) error {
	if len(markers) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback()

	for _, m := range markers {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO dirty_markers (owner_id, season_id, reason, marked_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (owner_id, season_id, reason) DO UPDATE SET marked_at = MAX(dirty_markers.marked_at, excluded.marked_at)`,
			m.OwnerID, m.SeasonID, m.Reason, m.MarkedAt.UnixNano()); err != nil {
			return mapError(err)
		}
	}
	return mapError(tx.Commit())
}

// ClearDirty removes matching markers marked at or before before.
func (s *Store) ClearDirty(ctx context.Context, pairs []schedule.Key, reason string, before time.Time) error {
	if len(pairs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback()

	for _, p := range pairs {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM dirty_markers WHERE owner_id = ? AND season_id = ? AND (? = '' OR reason = ?) AND marked_at <= ?`,
			p.OwnerID, p.SeasonID, reason, reason, before.UnixNano()); err != nil {
			return mapError(err)
		}
	}
	return mapError(tx.Commit())
}

// ListDirty returns markers oldest first.
func (s *Store) ListDirty(ctx context.Context, reason string, limit int) ([]schedule.DirtyMarker, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT owner_id, season_id, reason, marked_at FROM dirty_markers
		WHERE (? = '' OR reason = ?) ORDER BY marked_at, season_id, owner_id LIMIT ?`,
		reason, reason, limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []schedule.DirtyMarker
	for rows.Next() {
		var m schedule.DirtyMarker
		var marked int64
		if err := rows.Scan(&m.OwnerID, &m.SeasonID, &m.Reason, &marked); err != nil {
			return nil, mapError(err)
		}
		m.MarkedAt = time.Unix(0, marked).UTC()
		out = append(out, m)
	}
	return out, mapError(rows.Err())
}

// CreatePartition creates the season's records table and its due index.
func (s *Store) CreatePartition(ctx context.Context, seasonID string) error {
	if err := schedule.ValidateSeasonID(seasonID); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + tableName(seasonID) + ` (
			owner_id       TEXT NOT NULL,
			item_id        TEXT NOT NULL,
			stability      REAL NOT NULL,
			next_review_at INTEGER NOT NULL,
			last_review_at INTEGER,
			PRIMARY KEY (owner_id, item_id)
		)`,
		`CREATE INDEX IF NOT EXISTS ` + indexName(seasonID) + ` ON ` + tableName(seasonID) + ` (owner_id, next_review_at, item_id)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return mapError(err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO partitions (season_id, table_name, created_at) VALUES (?, ?, ?) ON CONFLICT (season_id) DO NOTHING`,
		seasonID, strings.Trim(tableName(seasonID), `"`), s.nowFn().UnixNano()); err != nil {
		return mapError(err)
	}
	return mapError(tx.Commit())
}

// DropPartition drops the season's records table.
func (s *Store) DropPartition(ctx context.Context, seasonID string) error {
	if err := partitionExists(ctx, s.db, seasonID); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+tableName(seasonID)); err != nil {
		return mapError(err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM partitions WHERE season_id = ?`, seasonID); err != nil {
		return mapError(err)
	}
	return mapError(tx.Commit())
}

// MarkPartitionReclaimable flags a partition for reclamation.
func (s *Store) MarkPartitionReclaimable(ctx context.Context, seasonID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE partitions SET reclaimable = 1, reclaimable_at = COALESCE(reclaimable_at, ?) WHERE season_id = ?`,
		s.nowFn().UnixNano(), seasonID)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &storage.PartitionMissingError{SeasonID: seasonID}
	}
	return nil
}

// ListPartitions lists partitions ordered by season ID.
func (s *Store) ListPartitions(ctx context.Context) ([]storage.Partition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT season_id, created_at, reclaimable, reclaimable_at FROM partitions ORDER BY season_id`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []storage.Partition
	for rows.Next() {
		var p storage.Partition
		var created int64
		var reclaimableAt sql.NullInt64
		if err := rows.Scan(&p.SeasonID, &created, &p.Reclaimable, &reclaimableAt); err != nil {
			return nil, mapError(err)
		}
		p.CreatedAt = time.Unix(0, created).UTC()
		p.ReclaimableAt = timeFromNull(reclaimableAt)
		out = append(out, p)
	}
	return out, mapError(rows.Err())
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &storage.StorageUnavailableError{Cause: err}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func partitionExists(ctx context.Context, q queryer, seasonID string) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM partitions WHERE season_id = ?`, seasonID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return &storage.PartitionMissingError{SeasonID: seasonID}
	}
	return mapError(err)
}

func partitionWritable(ctx context.Context, q queryer, seasonID string) error {
	var reclaimable bool
	err := q.QueryRowContext(ctx, `SELECT reclaimable FROM partitions WHERE season_id = ?`, seasonID).Scan(&reclaimable)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && reclaimable) {
		return &storage.PartitionMissingError{SeasonID: seasonID}
	}
	return mapError(err)
}

func (s *Store) queryRecords(ctx context.Context, seasonID, query string, args ...any) ([]schedule.MemoryRecord, error) {
	if err := partitionExists(ctx, s.db, seasonID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []schedule.MemoryRecord
	for rows.Next() {
		r, err := scanRecord(rows, seasonID)
		if err != nil {
			return nil, mapError(err)
		}
		out = append(out, r)
	}
	return out, mapError(rows.Err())
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner, seasonID string) (schedule.MemoryRecord, error) {
	var r schedule.MemoryRecord
	var next int64
	var last sql.NullInt64
	if err := row.Scan(&r.OwnerID, &r.ItemID, &r.Stability, &next, &last); err != nil {
		return r, err
	}
	r.SeasonID = seasonID
	r.NextReviewAt = time.Unix(0, next).UTC()
	r.LastReviewAt = timeFromNull(last)
	return r, nil
}

func scanSeason(row scanner) (schedule.Season, error) {
	var s schedule.Season
	var start, end, created int64
	var archived sql.NullInt64
	if err := row.Scan(&s.ID, &start, &end, &s.IsActive, &s.AutoArchive, &archived, &created); err != nil {
		return s, err
	}
	s.Start = time.Unix(0, start).UTC()
	s.End = time.Unix(0, end).UTC()
	s.CreatedAt = time.Unix(0, created).UTC()
	s.ArchivedAt = timeFromNull(archived)
	return s, nil
}

func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func timeFromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func isConstraintError(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_IOERR:
			return &storage.StorageUnavailableError{Cause: err}
		}
	}
	return err
}

var _ storage.Store = (*Store)(nil)
