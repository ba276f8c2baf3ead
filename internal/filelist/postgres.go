package filelist

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/withObsrvr/obsrvr-lake-compactor/internal/logging"
	"github.com/withObsrvr/obsrvr-lake-compactor/internal/timerange"
)

//go:embed schema.sql
var schemaSQL string

// PostgresConfig carries the catalog connection settings.
type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

// PostgresStore implements Store on PostgreSQL. It is the production catalog
// shared by all compactor nodes.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewPostgresStore connects, verifies the connection, and applies the schema.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{pool: pool, log: logging.Component("filelist")}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	s.log.Info("connected to catalog")
	return s, nil
}

// Pool exposes the underlying pool so sibling components (advisory locks,
// node registry, schema registry) can share one connection set.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

func (s *PostgresStore) BatchProcess(ctx context.Context, events []FileKey) error {
	if len(events) == 0 {
		return nil
	}
	if err := ValidateEvents(events); err != nil {
		return err
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, e := range events {
		p, err := ParseKey(e.Key)
		if err != nil {
			return err
		}
		if e.Deleted {
			batch.Queue(`
				UPDATE file_list SET deleted = TRUE, updated_at = NOW()
				WHERE org = $1 AND stream_type = $2 AND stream_name = $3
				  AND date_hour = $4 AND file = $5`,
				p.Stream.Org, string(p.Stream.Type), p.Stream.Name, p.HourDir, p.File)
			continue
		}
		batch.Queue(`
			INSERT INTO file_list (
				account, org, stream_type, stream_name, date_hour, file,
				deleted, flattened, min_ts, max_ts, records,
				original_size, compressed_size, index_size
			)
			VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (org, stream_type, stream_name, date_hour, file)
			DO UPDATE SET
				deleted = FALSE,
				flattened = EXCLUDED.flattened,
				min_ts = EXCLUDED.min_ts,
				max_ts = EXCLUDED.max_ts,
				records = EXCLUDED.records,
				original_size = EXCLUDED.original_size,
				compressed_size = EXCLUDED.compressed_size,
				index_size = EXCLUDED.index_size,
				updated_at = NOW()`,
			e.Account, p.Stream.Org, string(p.Stream.Type), p.Stream.Name, p.HourDir, p.File,
			e.Meta.Flattened, e.Meta.MinTS, e.Meta.MaxTS, e.Meta.Records,
			e.Meta.OriginalSize, e.Meta.CompressedSize, e.Meta.IndexSize)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("apply batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

const fileColumns = `id, account, org, stream_type, stream_name, date_hour, file,
	deleted, flattened, min_ts, max_ts, records, original_size, compressed_size, index_size`

func scanFile(row pgx.Row) (FileKey, error) {
	var (
		f                          FileKey
		org, stype, sname, dh, fl string
	)
	err := row.Scan(&f.ID, &f.Account, &org, &stype, &sname, &dh, &fl,
		&f.Deleted, &f.Meta.Flattened, &f.Meta.MinTS, &f.Meta.MaxTS, &f.Meta.Records,
		&f.Meta.OriginalSize, &f.Meta.CompressedSize, &f.Meta.IndexSize)
	if err != nil {
		return FileKey{}, err
	}
	f.Key = fmt.Sprintf("%s/%s/%s/%s/%s/%s", FileRoot, org, stype, sname, dh, fl)
	return f, nil
}

func (s *PostgresStore) Query(ctx context.Context, stream StreamRef, tr timerange.Range) ([]FileKey, error) {
	if tr.IsEmpty() {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+fileColumns+`
		FROM file_list
		WHERE org = $1 AND stream_type = $2 AND stream_name = $3
		  AND NOT deleted AND date_hour >= $4 AND date_hour <= $5
		ORDER BY date_hour, file`,
		stream.Org, string(stream.Type), stream.Name, HourDir(tr.Start), HourDir(tr.End-1))
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()

	var out []FileKey
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PostgresStore) QueryOldDataHours(ctx context.Context, stream StreamRef, tr timerange.Range) ([]string, error) {
	if tr.IsEmpty() {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT date_hour
		FROM file_list
		WHERE org = $1 AND stream_type = $2 AND stream_name = $3
		  AND NOT deleted AND date_hour >= $4 AND date_hour <= $5
		ORDER BY date_hour`,
		stream.Org, string(stream.Type), stream.Name, HourDir(tr.Start), HourDir(tr.End-1))
	if err != nil {
		return nil, fmt.Errorf("query old data hours: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan hour: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MinTS(ctx context.Context, stream StreamRef, scope *timerange.Range) (int64, error) {
	query := `
		SELECT COALESCE(MIN(min_ts), 0)
		FROM file_list
		WHERE org = $1 AND stream_type = $2 AND stream_name = $3 AND NOT deleted`
	args := []any{stream.Org, string(stream.Type), stream.Name}
	if scope != nil {
		query += ` AND max_ts >= $4 AND min_ts < $5`
		args = append(args, scope.Start, scope.End)
	}
	var min int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&min); err != nil {
		return 0, fmt.Errorf("query min ts: %w", err)
	}
	return min, nil
}

// keyTuples decomposes object keys into parallel column arrays for unnest
// joins.
func keyTuples(keys []string) (orgs, stypes, snames, dhs, files []string, err error) {
	for _, k := range keys {
		p, perr := ParseKey(k)
		if perr != nil {
			return nil, nil, nil, nil, nil, perr
		}
		orgs = append(orgs, p.Stream.Org)
		stypes = append(stypes, string(p.Stream.Type))
		snames = append(snames, p.Stream.Name)
		dhs = append(dhs, p.HourDir)
		files = append(files, p.File)
	}
	return orgs, stypes, snames, dhs, files, nil
}

func (s *PostgresStore) IDsByKeys(ctx context.Context, keys []string) (map[string]int64, error) {
	if len(keys) == 0 {
		return map[string]int64{}, nil
	}
	orgs, stypes, snames, dhs, files, err := keyTuples(keys)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT f.id, f.org, f.stream_type, f.stream_name, f.date_hour, f.file
		FROM file_list f
		JOIN unnest($1::text[], $2::text[], $3::text[], $4::text[], $5::text[])
		  AS u(org, stream_type, stream_name, date_hour, file)
		ON f.org = u.org AND f.stream_type = u.stream_type AND f.stream_name = u.stream_name
		  AND f.date_hour = u.date_hour AND f.file = u.file`,
		orgs, stypes, snames, dhs, files)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64, len(keys))
	for rows.Next() {
		var (
			id                         int64
			org, stype, sname, dh, fl string
		)
		if err := rows.Scan(&id, &org, &stype, &sname, &dh, &fl); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		out[fmt.Sprintf("%s/%s/%s/%s/%s/%s", FileRoot, org, stype, sname, dh, fl)] = id
	}
	return out, rows.Err()
}

func (s *PostgresStore) RemoveEntries(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	orgs, stypes, snames, dhs, files, err := keyTuples(keys)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		DELETE FROM file_list f
		USING unnest($1::text[], $2::text[], $3::text[], $4::text[], $5::text[])
		  AS u(org, stream_type, stream_name, date_hour, file)
		WHERE f.org = u.org AND f.stream_type = u.stream_type AND f.stream_name = u.stream_name
		  AND f.date_hour = u.date_hour AND f.file = u.file`,
		orgs, stypes, snames, dhs, files)
	if err != nil {
		return fmt.Errorf("remove entries: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOffset(ctx context.Context, key string) (Offset, error) {
	var off Offset
	err := s.pool.QueryRow(ctx,
		`SELECT offset_micros, node FROM stream_offsets WHERE key = $1`, key).
		Scan(&off.Micros, &off.Node)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Offset{}, nil
		}
		return Offset{}, fmt.Errorf("get offset: %w", err)
	}
	return off, nil
}

func (s *PostgresStore) SetOffset(ctx context.Context, key string, off Offset) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stream_offsets (key, offset_micros, node)
		VALUES ($1, $2, $3)
		ON CONFLICT (key)
		DO UPDATE SET offset_micros = EXCLUDED.offset_micros, node = EXCLUDED.node, updated_at = NOW()`,
		key, off.Micros, off.Node)
	if err != nil {
		return fmt.Errorf("set offset: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddJob(ctx context.Context, stream StreamRef, offset int64) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO merge_jobs (org, stream_type, stream_name, offset_micros)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (org, stream_type, stream_name, offset_micros)
		DO UPDATE SET
			status = CASE WHEN merge_jobs.status = 'done' THEN 'pending' ELSE merge_jobs.status END,
			updated_at = NOW()
		RETURNING id`,
		stream.Org, string(stream.Type), stream.Name, offset).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("add job: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) LeaseJobs(ctx context.Context, node string, limit int, runTimeout time.Duration) ([]MergeJob, error) {
	staleBefore := time.Now().Add(-runTimeout)
	rows, err := s.pool.Query(ctx, `
		UPDATE merge_jobs SET status = 'running', node = $1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM merge_jobs
			WHERE status = 'pending' OR (status = 'running' AND updated_at < $2)
			ORDER BY id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, org, stream_type, stream_name, offset_micros, status, node, COALESCE(error, ''), updated_at`,
		node, staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("lease jobs: %w", err)
	}
	defer rows.Close()

	var out []MergeJob
	for rows.Next() {
		var (
			j     MergeJob
			stype string
		)
		if err := rows.Scan(&j.ID, &j.Stream.Org, &stype, &j.Stream.Name,
			&j.Offset, &j.Status, &j.Node, &j.Error, &j.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		j.Stream.Type = ParseStreamType(stype)
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetJobDone(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE merge_jobs SET status = 'done', error = NULL, updated_at = NOW() WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("set jobs done: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetJobError(ctx context.Context, id int64, msg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE merge_jobs SET status = 'pending', error = $2, updated_at = NOW() WHERE id = $1`, id, msg)
	if err != nil {
		return fmt.Errorf("set job error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *PostgresStore) AddDeleted(ctx context.Context, entries []FileKey, plannedAt int64) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		p, err := ParseKey(e.Key)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO file_list_deleted (account, org, stream_type, stream_name, date_hour, file, index_size, planned_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (org, stream_type, stream_name, date_hour, file) DO NOTHING`,
			e.Account, p.Stream.Org, string(p.Stream.Type), p.Stream.Name, p.HourDir, p.File,
			e.Meta.IndexSize, plannedAt)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("add deleted: %w", err)
	}
	return nil
}

func (s *PostgresStore) QueryDeleted(ctx context.Context, cutoff int64, limit int) ([]FileKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, account, org, stream_type, stream_name, date_hour, file, index_size
		FROM file_list_deleted
		WHERE planned_at <= $1
		ORDER BY id
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query deleted: %w", err)
	}
	defer rows.Close()

	var out []FileKey
	for rows.Next() {
		var (
			f                          FileKey
			org, stype, sname, dh, fl string
		)
		if err := rows.Scan(&f.ID, &f.Account, &org, &stype, &sname, &dh, &fl, &f.Meta.IndexSize); err != nil {
			return nil, fmt.Errorf("scan deleted: %w", err)
		}
		f.Deleted = true
		f.Key = fmt.Sprintf("%s/%s/%s/%s/%s/%s", FileRoot, org, stype, sname, dh, fl)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RemoveDeleted(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM file_list_deleted WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("remove deleted: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddHistory(ctx context.Context, entries []FileKey) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		p, err := ParseKey(e.Key)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO file_list_history (
				account, org, stream_type, stream_name, date_hour, file,
				min_ts, max_ts, records, original_size, compressed_size, index_size
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (org, stream_type, stream_name, date_hour, file) DO NOTHING`,
			e.Account, p.Stream.Org, string(p.Stream.Type), p.Stream.Name, p.HourDir, p.File,
			e.Meta.MinTS, e.Meta.MaxTS, e.Meta.Records,
			e.Meta.OriginalSize, e.Meta.CompressedSize, e.Meta.IndexSize)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("add history: %w", err)
	}
	return nil
}

// AddManualJob registers a user-requested deletion range. Called by the
// request path, not the compactor; kept here so operators can enqueue ranges
// through one catalog type.
func (s *PostgresStore) AddManualJob(ctx context.Context, stream StreamRef, tr timerange.Range) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO manual_delete_jobs (org, stream_type, stream_name, start_ts, end_ts)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		stream.Org, string(stream.Type), stream.Name, tr.Start, tr.End).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("add manual job: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) CompleteManualJobs(ctx context.Context, stream StreamRef, tr timerange.Range) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE manual_delete_jobs SET status = 'done', updated_at = NOW()
		WHERE org = $1 AND stream_type = $2 AND stream_name = $3
		  AND status <> 'done' AND start_ts >= $4 AND end_ts <= $5`,
		stream.Org, string(stream.Type), stream.Name, tr.Start, tr.End)
	if err != nil {
		return fmt.Errorf("complete manual jobs: %w", err)
	}
	return nil
}

func (s *PostgresStore) RefreshStats(ctx context.Context, stream StreamRef) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stream_stats (
			org, stream_type, stream_name, file_num, min_ts, max_ts,
			records, original_size, compressed_size, index_size, updated_at
		)
		SELECT $1, $2, $3, COUNT(*), COALESCE(MIN(min_ts), 0), COALESCE(MAX(max_ts), 0),
		       COALESCE(SUM(records), 0), COALESCE(SUM(original_size), 0),
		       COALESCE(SUM(compressed_size), 0), COALESCE(SUM(index_size), 0), NOW()
		FROM file_list
		WHERE org = $1 AND stream_type = $2 AND stream_name = $3 AND NOT deleted
		ON CONFLICT (org, stream_type, stream_name)
		DO UPDATE SET
			file_num = EXCLUDED.file_num,
			min_ts = EXCLUDED.min_ts,
			max_ts = EXCLUDED.max_ts,
			records = EXCLUDED.records,
			original_size = EXCLUDED.original_size,
			compressed_size = EXCLUDED.compressed_size,
			index_size = EXCLUDED.index_size,
			updated_at = NOW()`,
		stream.Org, string(stream.Type), stream.Name)
	if err != nil {
		return fmt.Errorf("refresh stats: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
