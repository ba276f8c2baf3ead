package distlock

import (
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLocker implements Locker with postgres advisory locks. Lock names
// hash to the 64-bit advisory key space; the lock is session-scoped, so a
// crashed holder releases implicitly when its connection dies.
type PostgresLocker struct {
	pool *pgxpool.Pool
}

func NewPostgresLocker(pool *pgxpool.Pool) *PostgresLocker {
	return &PostgresLocker{pool: pool}
}

// lockKey maps a lock name onto the advisory key space.
func lockKey(name string) int64 {
	return int64(xxhash.Sum64String(name))
}

func (l *PostgresLocker) Lock(ctx context.Context, name string) (UnlockFunc, error) {
	// advisory locks are per-session: the same connection must issue the
	// matching unlock, so pin one for the lock's lifetime
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection for lock %q: %w", name, err)
	}
	key := lockKey(name)
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
		conn.Release()
		return nil, fmt.Errorf("acquire lock %q: %w", name, err)
	}
	unlock := func(ctx context.Context) error {
		defer conn.Release()
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, key); err != nil {
			return fmt.Errorf("release lock %q: %w", name, err)
		}
		return nil
	}
	return unlock, nil
}
