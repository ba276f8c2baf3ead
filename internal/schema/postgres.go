package schema

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/withObsrvr/obsrvr-lake-compactor/internal/filelist"
)

//go:embed registry.sql
var registrySchema string

// PostgresRegistry reads the schema registry tables. It shares the
// catalog's connection pool.
type PostgresRegistry struct {
	pool *pgxpool.Pool
}

func NewPostgresRegistry(ctx context.Context, pool *pgxpool.Pool) (*PostgresRegistry, error) {
	if _, err := pool.Exec(ctx, registrySchema); err != nil {
		return nil, fmt.Errorf("create registry tables: %w", err)
	}
	return &PostgresRegistry{pool: pool}, nil
}

func (r *PostgresRegistry) Streams(ctx context.Context) ([]filelist.StreamRef, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT org, stream_type, stream_name FROM stream_settings
		UNION
		SELECT org, stream_type, stream_name FROM stream_schemas
		ORDER BY org, stream_type, stream_name`)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	defer rows.Close()

	var out []filelist.StreamRef
	for rows.Next() {
		var s filelist.StreamRef
		var st string
		if err := rows.Scan(&s.Org, &st, &s.Name); err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		s.Type = filelist.ParseStreamType(st)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PostgresRegistry) Latest(ctx context.Context, stream filelist.StreamRef) (Version, error) {
	var fieldsJSON []byte
	var v Version
	err := r.pool.QueryRow(ctx, `
		SELECT fields, created_at
		FROM stream_schemas
		WHERE org = $1 AND stream_type = $2 AND stream_name = $3
		ORDER BY created_at DESC, id DESC
		LIMIT 1`,
		stream.Org, string(stream.Type), stream.Name,
	).Scan(&fieldsJSON, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Version{}, ErrStreamNotFound
	}
	if err != nil {
		return Version{}, fmt.Errorf("query latest schema for %s: %w", stream, err)
	}
	if err := json.Unmarshal(fieldsJSON, &v.Fields); err != nil {
		return Version{}, fmt.Errorf("decode schema fields for %s: %w", stream, err)
	}
	return v, nil
}

func (r *PostgresRegistry) Settings(ctx context.Context, stream filelist.StreamRef) (Settings, error) {
	var (
		s       Settings
		level   string
		retJSON []byte
		ftJSON  []byte
		idxJSON []byte
		defJSON []byte
	)
	err := r.pool.QueryRow(ctx, `
		SELECT retention_days, extended_retentions, partition_level,
		       full_text_fields, index_fields, defined_fields, created_at
		FROM stream_settings
		WHERE org = $1 AND stream_type = $2 AND stream_name = $3`,
		stream.Org, string(stream.Type), stream.Name,
	).Scan(&s.RetentionDays, &retJSON, &level, &ftJSON, &idxJSON, &defJSON, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return DefaultSettings(), nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("query settings for %s: %w", stream, err)
	}

	s.PartitionLevel = ParsePartitionLevel(level)

	if err := json.Unmarshal(retJSON, &s.ExtendedRetentions); err != nil {
		return Settings{}, fmt.Errorf("decode extended retentions for %s: %w", stream, err)
	}
	if err := json.Unmarshal(ftJSON, &s.FullTextFields); err != nil {
		return Settings{}, fmt.Errorf("decode full text fields for %s: %w", stream, err)
	}
	if err := json.Unmarshal(idxJSON, &s.IndexFields); err != nil {
		return Settings{}, fmt.Errorf("decode index fields for %s: %w", stream, err)
	}
	if err := json.Unmarshal(defJSON, &s.DefinedFields); err != nil {
		return Settings{}, fmt.Errorf("decode defined fields for %s: %w", stream, err)
	}
	return s, nil
}

func (r *PostgresRegistry) ArchiveBefore(ctx context.Context, stream filelist.StreamRef, ts int64) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM stream_schemas
		WHERE org = $1 AND stream_type = $2 AND stream_name = $3
		  AND created_at < $4
		  AND id <> (
			SELECT id FROM stream_schemas
			WHERE org = $1 AND stream_type = $2 AND stream_name = $3
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		  )`,
		stream.Org, string(stream.Type), stream.Name, ts)
	if err != nil {
		return 0, fmt.Errorf("archive schemas for %s: %w", stream, err)
	}
	return int(tag.RowsAffected()), nil
}
