package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/withObsrvr/obsrvr-lake-compactor/internal/logging"
)

const nodesSchema = `
CREATE TABLE IF NOT EXISTS cluster_nodes (
    id           VARCHAR(36)  PRIMARY KEY,
    addr         VARCHAR(256) NOT NULL DEFAULT '',
    started_at   TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
    heartbeat_at TIMESTAMPTZ  NOT NULL DEFAULT NOW()
);`

// PostgresRegistry keeps node liveness in the shared catalog database. A node
// is alive while its heartbeat is younger than the TTL.
type PostgresRegistry struct {
	pool     *pgxpool.Pool
	node     Node
	ttl      time.Duration
	interval time.Duration
	log      *slog.Logger
}

// NewPostgresRegistry registers this node and returns the registry. ttl
// should be several heartbeat intervals.
func NewPostgresRegistry(ctx context.Context, pool *pgxpool.Pool, node Node, ttl time.Duration) (*PostgresRegistry, error) {
	if _, err := pool.Exec(ctx, nodesSchema); err != nil {
		return nil, fmt.Errorf("init nodes schema: %w", err)
	}
	r := &PostgresRegistry{
		pool:     pool,
		node:     node,
		ttl:      ttl,
		interval: ttl / 3,
		log:      logging.Component("cluster"),
	}
	if err := r.beat(ctx); err != nil {
		return nil, err
	}
	r.log.Info("node registered", "node_id", node.ID, "addr", node.Addr)
	return r, nil
}

func (r *PostgresRegistry) Self() Node { return r.node }

func (r *PostgresRegistry) beat(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO cluster_nodes (id, addr, started_at, heartbeat_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET heartbeat_at = NOW(), addr = EXCLUDED.addr`,
		r.node.ID, r.node.Addr, r.node.StartedAt)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

func (r *PostgresRegistry) IsAlive(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	var alive bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM cluster_nodes
			WHERE id = $1 AND heartbeat_at > NOW() - $2::interval
		)`, id, r.ttl.String()).Scan(&alive)
	if err != nil {
		return false, fmt.Errorf("check node liveness: %w", err)
	}
	return alive, nil
}

func (r *PostgresRegistry) Peers(ctx context.Context) ([]Node, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, addr, started_at FROM cluster_nodes
		WHERE id <> $1 AND heartbeat_at > NOW() - $2::interval
		ORDER BY id`, r.node.ID, r.ttl.String())
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		var n Node
		if err := rows.Scan(&n.ID, &n.Addr, &n.StartedAt); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Run refreshes the heartbeat until ctx ends, then removes the node row so
// peers stop seeing this node immediately rather than after TTL.
func (r *PostgresRegistry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			cleanup, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := r.pool.Exec(cleanup, `DELETE FROM cluster_nodes WHERE id = $1`, r.node.ID); err != nil {
				r.log.Warn("deregister failed", "error", err)
			}
			return ctx.Err()
		case <-ticker.C:
			if err := r.beat(ctx); err != nil {
				r.log.Warn("heartbeat failed", "error", err)
			}
		}
	}
}
