// Package postgres provides a PostgreSQL-backed storage.Store using native
// LIST partitioning of the records table by season.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/goclaw/cadence/pkg/schedule"
	"github.com/goclaw/cadence/pkg/storage"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Config holds PostgreSQL storage configuration.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Store implements storage.Store on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

const recordColumns = `owner_id, item_id, season_id, stability, next_review_at, last_review_at`

// New connects to PostgreSQL and applies pending migrations.
func New(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg == nil || cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, &storage.StorageUnavailableError{Cause: err}
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &storage.StorageUnavailableError{Cause: err}
	}

	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	sub, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrations sub-fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, sub)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func partitionTable(seasonID string) string {
	return "memory_records_" + seasonID
}

// UpsertRecords applies records in one transaction with last-review-wins
// semantics. Reclaimable partitions reject writes.
func (s *Store) UpsertRecords(ctx context.Context, records []schedule.MemoryRecord) error {
	if len(records) == 0 {
		return nil
	}

	seasons := make([]string, 0, 1)
	seen := make(map[string]bool)
	for _, r := range records {
		if !seen[r.SeasonID] {
			seen[r.SeasonID] = true
			seasons = append(seasons, r.SeasonID)
		}
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return MapError(err)
	}
	defer tx.Rollback(ctx)

	// FOR SHARE holds off MarkPartitionReclaimable until this batch commits.
	if err := requirePartitions(ctx, tx, seasons,
		`SELECT season_id FROM partitions WHERE season_id = ANY($1) AND NOT reclaimable FOR SHARE`); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(`INSERT INTO memory_records (`+recordColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (owner_id, item_id, season_id) DO UPDATE SET
				stability = EXCLUDED.stability,
				next_review_at = EXCLUDED.next_review_at,
				last_review_at = EXCLUDED.last_review_at
			WHERE (EXCLUDED.last_review_at IS NOT NULL
					AND (memory_records.last_review_at IS NULL OR EXCLUDED.last_review_at >= memory_records.last_review_at))
				OR (EXCLUDED.last_review_at IS NULL AND memory_records.last_review_at IS NULL)`,
			r.OwnerID, r.ItemID, r.SeasonID, r.Stability, r.NextReviewAt, r.LastReviewAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return MapError(err)
	}
	return MapError(tx.Commit(ctx))
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const partitionsQuery = `SELECT season_id FROM partitions WHERE season_id = ANY($1)`

func requirePartitions(ctx context.Context, q querier, seasons []string, query string) error {
	rows, err := q.Query(ctx, query, seasons)
	if err != nil {
		return MapError(err)
	}
	found, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return MapError(err)
	}
	have := make(map[string]bool, len(found))
	for _, id := range found {
		have[id] = true
	}
	for _, id := range seasons {
		if !have[id] {
			return &storage.PartitionMissingError{SeasonID: id}
		}
	}
	return nil
}

// GetRecord retrieves a record by key.
func (s *Store) GetRecord(ctx context.Context, key schedule.RecordKey) (*schedule.MemoryRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+recordColumns+` FROM memory_records
		WHERE owner_id = $1 AND item_id = $2 AND season_id = $3`, key.OwnerID, key.ItemID, key.SeasonID)
	if err != nil {
		return nil, MapError(err)
	}
	r, err := pgx.CollectExactlyOneRow(rows, scanRecord)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &storage.NotFoundError{EntityType: "memory_record", ID: key.SeasonID + "/" + key.OwnerID + "/" + key.ItemID}
	}
	if err != nil {
		return nil, MapError(err)
	}
	return &r, nil
}

// RecordsFor returns every record of a pair in due order.
func (s *Store) RecordsFor(ctx context.Context, key schedule.Key) ([]schedule.MemoryRecord, error) {
	return s.queryRecords(ctx, `SELECT `+recordColumns+` FROM memory_records
		WHERE owner_id = $1 AND season_id = $2 ORDER BY next_review_at, item_id`, key.OwnerID, key.SeasonID)
}

// DueRecords returns up to limit records of a pair due at or before now.
func (s *Store) DueRecords(ctx context.Context, key schedule.Key, now time.Time, limit int) ([]schedule.MemoryRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.queryRecords(ctx, `SELECT `+recordColumns+` FROM memory_records
		WHERE owner_id = $1 AND season_id = $2 AND next_review_at <= $3
		ORDER BY next_review_at, item_id LIMIT $4`, key.OwnerID, key.SeasonID, now, limit)
}

// ScanSeason pages through a season in (owner_id, item_id) order.
func (s *Store) ScanSeason(ctx context.Context, seasonID string, after storage.Cursor, limit int) ([]schedule.MemoryRecord, error) {
	return s.queryRecords(ctx, `SELECT `+recordColumns+` FROM memory_records
		WHERE season_id = $1 AND (owner_id, item_id) > ($2, $3)
		ORDER BY owner_id, item_id LIMIT $4`, seasonID, after.OwnerID, after.ItemID, limit)
}

// CountSeason returns the number of active records in a season.
func (s *Store) CountSeason(ctx context.Context, seasonID string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM memory_records WHERE season_id = $1`, seasonID).Scan(&n); err != nil {
		return 0, MapError(err)
	}
	return n, nil
}

// SampleRecords returns up to n random records of a season. Large partitions
// are sampled with TABLESAMPLE sized from the planner's row estimate.
func (s *Store) SampleRecords(ctx context.Context, seasonID string, n int) ([]schedule.MemoryRecord, error) {
	if n <= 0 {
		return nil, nil
	}
	if err := schedule.ValidateSeasonID(seasonID); err != nil {
		return nil, err
	}
	table := pgx.Identifier{partitionTable(seasonID)}.Sanitize()

	var estimate float64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE((SELECT reltuples FROM pg_class WHERE oid = to_regclass($1)), -1)`, table).Scan(&estimate)
	if err != nil {
		return nil, MapError(err)
	}

	if estimate > float64(n)*10 {
		pct := float64(n) * 2 / estimate * 100
		records, err := s.queryRecords(ctx, fmt.Sprintf(`SELECT `+recordColumns+` FROM %s TABLESAMPLE BERNOULLI (%f) LIMIT $1`, table, pct), n)
		if err != nil || len(records) >= n/2 {
			return records, err
		}
	}
	return s.queryRecords(ctx, `SELECT `+recordColumns+` FROM memory_records
		WHERE season_id = $1 ORDER BY random() LIMIT $2`, seasonID, n)
}

// DeleteRecords removes records and returns how many existed.
func (s *Store) DeleteRecords(ctx context.Context, keys []schedule.RecordKey) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, MapError(err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, k := range keys {
		batch.Queue(`DELETE FROM memory_records WHERE owner_id = $1 AND item_id = $2 AND season_id = $3`, k.OwnerID, k.ItemID, k.SeasonID)
	}
	br := tx.SendBatch(ctx, batch)
	deleted := 0
	for range keys {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return 0, MapError(err)
		}
		deleted += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return 0, MapError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, MapError(err)
	}
	return deleted, nil
}

// CreateSeason stores a new season.
func (s *Store) CreateSeason(ctx context.Context, season schedule.Season) error {
	if season.CreatedAt.IsZero() {
		season.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO seasons (id, start_at, end_at, is_active, auto_archive, archived_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		season.ID, season.Start, season.End, season.IsActive, season.AutoArchive, season.ArchivedAt, season.CreatedAt)
	if IsUniqueViolation(err) {
		return &storage.DuplicateKeyError{EntityType: "season", ID: season.ID}
	}
	return MapError(err)
}

// GetSeason retrieves a season by ID.
func (s *Store) GetSeason(ctx context.Context, id string) (*schedule.Season, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, start_at, end_at, is_active, auto_archive, archived_at, created_at
		FROM seasons WHERE id = $1`, id)
	if err != nil {
		return nil, MapError(err)
	}
	season, err := pgx.CollectExactlyOneRow(rows, scanSeason)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &storage.NotFoundError{EntityType: "season", ID: id}
	}
	if err != nil {
		return nil, MapError(err)
	}
	return &season, nil
}

// ListSeasons lists seasons ordered by start time.
func (s *Store) ListSeasons(ctx context.Context, filter storage.SeasonFilter) ([]schedule.Season, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, start_at, end_at, is_active, auto_archive, archived_at, created_at
		FROM seasons WHERE ($1::boolean IS NULL OR is_active = $1) ORDER BY start_at, id`, filter.Active)
	if err != nil {
		return nil, MapError(err)
	}
	seasons, err := pgx.CollectRows(rows, scanSeason)
	return seasons, MapError(err)
}

// UpdateSeason replaces an existing season.
func (s *Store) UpdateSeason(ctx context.Context, season schedule.Season) error {
	tag, err := s.pool.Exec(ctx, `UPDATE seasons SET start_at = $2, end_at = $3, is_active = $4, auto_archive = $5, archived_at = $6
		WHERE id = $1`, season.ID, season.Start, season.End, season.IsActive, season.AutoArchive, season.ArchivedAt)
	if err != nil {
		return MapError(err)
	}
	if tag.RowsAffected() == 0 {
		return &storage.NotFoundError{EntityType: "season", ID: season.ID}
	}
	return nil
}

// MarkDirty upserts dirty markers. A marker's time never moves backwards.
func (s *Store) MarkDirty(ctx context.Context, markers []schedule.DirtyMarker) error {
	if len(markers) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, m := range markers {
		batch.Queue(`INSERT INTO dirty_markers (owner_id, season_id, reason, marked_at) VALUES ($1, $2, $3, $4)
			ON CONFLICT (owner_id, season_id, reason) DO UPDATE SET marked_at = GREATEST(dirty_markers.marked_at, EXCLUDED.marked_at)`,
			m.OwnerID, m.SeasonID, m.Reason, m.MarkedAt)
	}
	return MapError(s.pool.SendBatch(ctx, batch).Close())
}

// ClearDirty removes matching markers marked at or before before.
func (s *Store) ClearDirty(ctx context.Context, pairs []schedule.Key, reason string, before time.Time) error {
	if len(pairs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, p := range pairs {
		batch.Queue(`DELETE FROM dirty_markers
			WHERE owner_id = $1 AND season_id = $2 AND ($3 = '' OR reason = $3) AND marked_at <= $4`,
			p.OwnerID, p.SeasonID, reason, before)
	}
	return MapError(s.pool.SendBatch(ctx, batch).Close())
}

// ListDirty returns markers oldest first.
func (s *Store) ListDirty(ctx context.Context, reason string, limit int) ([]schedule.DirtyMarker, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx, `SELECT owner_id, season_id, reason, marked_at FROM dirty_markers
		WHERE ($1 = '' OR reason = $1) ORDER BY marked_at, season_id, owner_id LIMIT $2`, reason, lim)
	if err != nil {
		return nil, MapError(err)
	}
	markers, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (schedule.DirtyMarker, error) {
		var m schedule.DirtyMarker
		err := row.Scan(&m.OwnerID, &m.SeasonID, &m.Reason, &m.MarkedAt)
		m.MarkedAt = m.MarkedAt.UTC()
		return m, err
	})
	return markers, MapError(err)
}

// CreatePartition attaches a LIST partition for the season.
func (s *Store) CreatePartition(ctx context.Context, seasonID string) error {
	if err := schedule.ValidateSeasonID(seasonID); err != nil {
		return err
	}
	table := partitionTable(seasonID)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return MapError(err)
	}
	defer tx.Rollback(ctx)

	// seasonID is restricted to [A-Za-z0-9_-], so it is safe as a literal.
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s PARTITION OF memory_records FOR VALUES IN ('%s')`,
		pgx.Identifier{table}.Sanitize(), seasonID)
	if _, err := tx.Exec(ctx, ddl); err != nil {
		return MapError(err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO partitions (season_id, table_name) VALUES ($1, $2)
		ON CONFLICT (season_id) DO NOTHING`, seasonID, table); err != nil {
		return MapError(err)
	}
	return MapError(tx.Commit(ctx))
}

// DropPartition detaches and drops the season's partition.
func (s *Store) DropPartition(ctx context.Context, seasonID string) error {
	if err := schedule.ValidateSeasonID(seasonID); err != nil {
		return err
	}
	if err := requirePartitions(ctx, s.pool, []string{seasonID}, partitionsQuery); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return MapError(err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DROP TABLE IF EXISTS `+pgx.Identifier{partitionTable(seasonID)}.Sanitize()); err != nil {
		return MapError(err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM partitions WHERE season_id = $1`, seasonID); err != nil {
		return MapError(err)
	}
	return MapError(tx.Commit(ctx))
}

// MarkPartitionReclaimable flags a partition for reclamation.
func (s *Store) MarkPartitionReclaimable(ctx context.Context, seasonID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE partitions SET reclaimable = TRUE, reclaimable_at = COALESCE(reclaimable_at, NOW())
		WHERE season_id = $1`, seasonID)
	if err != nil {
		return MapError(err)
	}
	if tag.RowsAffected() == 0 {
		return &storage.PartitionMissingError{SeasonID: seasonID}
	}
	return nil
}

// ListPartitions lists partitions ordered by season ID.
func (s *Store) ListPartitions(ctx context.Context) ([]storage.Partition, error) {
	rows, err := s.pool.Query(ctx, `SELECT season_id, created_at, reclaimable, reclaimable_at FROM partitions ORDER BY season_id`)
	if err != nil {
		return nil, MapError(err)
	}
	parts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.Partition, error) {
		var p storage.Partition
		err := row.Scan(&p.SeasonID, &p.CreatedAt, &p.Reclaimable, &p.ReclaimableAt)
		return p, err
	})
	return parts, MapError(err)
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return &storage.StorageUnavailableError{Cause: err}
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]schedule.MemoryRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, MapError(err)
	}
	records, err := pgx.CollectRows(rows, scanRecord)
	return records, MapError(err)
}

func scanRecord(row pgx.CollectableRow) (schedule.MemoryRecord, error) {
	var r schedule.MemoryRecord
	err := row.Scan(&r.OwnerID, &r.ItemID, &r.SeasonID, &r.Stability, &r.NextReviewAt, &r.LastReviewAt)
	r.NextReviewAt = r.NextReviewAt.UTC()
	return r, err
}

func scanSeason(row pgx.CollectableRow) (schedule.Season, error) {
	var s schedule.Season
	err := row.Scan(&s.ID, &s.Start, &s.End, &s.IsActive, &s.AutoArchive, &s.ArchivedAt, &s.CreatedAt)
	return s, err
}

var _ storage.Store = (*Store)(nil)
