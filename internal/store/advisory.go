// ABOUTME: Transaction-scoped advisory locks serializing admission per concurrency group.
// ABOUTME: The lock key is a stable 64-bit hash of job class + concurrency key.
package store

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5"
)

// GroupAdvisoryKey returns a stable int64 advisory lock key for a
// concurrency group. The "jobq" domain prefix keeps the queue's lock space
// from colliding with any other advisory lock user in the same database;
// the class:key format keeps distinct groups from colliding even when their
// keys overlap.
func GroupAdvisoryKey(jobClass, concurrencyKey string) int64 {
	h := fnv.New64a()
	// hash.Hash.Write is documented to never return an error; discard explicitly.
	_, _ = h.Write([]byte("jobq:" + jobClass + ":" + concurrencyKey))
	// Intentional uint64→int64 reinterpretation: advisory lock keys use the
	// full int64 range. Zeroing the sign bit would halve hash distribution.
	return int64(h.Sum64()) //nolint:gosec // G115: full-range reinterpretation for advisory lock key
}

// AcquireGroupLock takes the transaction-scoped advisory lock for the given
// concurrency group. The lock is held until tx commits or rolls back, which
// is exactly the admission window: held through the durable lease commit on
// the admit path, released immediately on the reject path.
func (s *Store) AcquireGroupLock(ctx context.Context, tx pgx.Tx, jobClass, concurrencyKey string) error {
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", GroupAdvisoryKey(jobClass, concurrencyKey)); err != nil {
		return fmt.Errorf("advisory lock group %s/%s: %w", jobClass, concurrencyKey, err)
	}
	return nil
}
