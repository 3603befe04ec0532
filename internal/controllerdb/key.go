package controllerdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/plane-run/plane/pkg/types"
)

// ErrKeyHeld is returned by AcquireKey when a live, healthy backend already
// holds the requested (cluster, namespace, name, tag) tuple.
var ErrKeyHeld = errors.New("key already held")

// GetKeyHolder returns the backend currently holding a key, if any. The
// scheduler (pkg/scheduler) uses this to implement rejoin and evict-
// unhealthy: a KeyConfig resolves to an existing healthy backend, an
// existing unhealthy one to evict, or no holder at all.
func (s *Store) GetKeyHolder(ctx context.Context, cluster types.ClusterName, key types.KeyConfig) (*types.BackendKey, error) {
	var bk types.BackendKey
	err := s.pool.QueryRow(ctx, `
		select backend_id, name, cluster, namespace, tag, fencing_token,
		       renew_at, soft_terminate_at, hard_terminate_at, expires_at
		from backend_key
		where cluster = $1 and namespace = $2 and name = $3 and tag = $4
	`, string(cluster), key.Namespace, key.Name, key.Tag).Scan(
		&bk.BackendId, &bk.Name, &bk.Cluster, &bk.Namespace, &bk.Tag, &bk.FencingToken,
		&bk.Deadlines.RenewAt, &bk.Deadlines.SoftTerminateAt, &bk.Deadlines.HardTerminateAt, &bk.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up key holder for %s/%s/%s: %w", key.Namespace, key.Name, key.Tag, err)
	}
	return &bk, nil
}

// CreateKey inserts the fencing-key row for a freshly scheduled backend,
// inside the same transaction as CreateBackend.
func (s *Store) CreateKey(ctx context.Context, tx pgx.Tx, bk types.BackendKey) error {
	_, err := tx.Exec(ctx, `
		insert into backend_key (backend_id, name, cluster, namespace, tag, fencing_token,
		                          renew_at, soft_terminate_at, hard_terminate_at, expires_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, string(bk.BackendId), bk.Name, string(bk.Cluster), bk.Namespace, bk.Tag, bk.FencingToken,
		bk.Deadlines.RenewAt, bk.Deadlines.SoftTerminateAt, bk.Deadlines.HardTerminateAt, bk.ExpiresAt)
	if err != nil {
		return fmt.Errorf("creating key for %s: %w", bk.BackendId, err)
	}
	return nil
}

// RenewKey extends a held key's deadlines iff token still matches the
// fencing token on file, bumping the fencing token itself. A mismatch
// means the key has since been released and reacquired by someone else,
// so the caller (the controller's renewal RPC handler) must reject the
// renewal and let the drone terminate the backend.
func (s *Store) RenewKey(ctx context.Context, backend types.BackendName, token int64, deadlines types.KeyDeadlines, expiresAt time.Time) (int64, error) {
	var newToken int64
	err := s.pool.QueryRow(ctx, `
		update backend_key
		set renew_at = $3, soft_terminate_at = $4, hard_terminate_at = $5, expires_at = $6,
		    fencing_token = fencing_token + 1
		where backend_id = $1 and fencing_token = $2
		returning fencing_token
	`, string(backend), token, deadlines.RenewAt, deadlines.SoftTerminateAt, deadlines.HardTerminateAt, expiresAt).Scan(&newToken)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("renewing key for %s with token %d: %w", backend, token, ErrKeyHeld)
	}
	if err != nil {
		return 0, fmt.Errorf("renewing key for %s: %w", backend, err)
	}
	return newToken, nil
}

// DeleteKey releases a key outright, used when the scheduler evicts an
// unhealthy holder before scheduling a replacement.
func (s *Store) DeleteKey(ctx context.Context, tx pgx.Tx, backend types.BackendName) error {
	if _, err := tx.Exec(ctx, `delete from backend_key where backend_id = $1`, string(backend)); err != nil {
		return fmt.Errorf("deleting key for %s: %w", backend, err)
	}
	return nil
}
