package controllerdb

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/plane-run/plane/pkg/types"
)

// BackendStateChannel is the NOTIFY channel carrying every durable backend
// state transition, keyed by backend id.
const BackendStateChannel = "plane_backend_state"

// NewBackend is the row-level input to CreateBackend, already resolved by
// the scheduler (cluster, drone, identifiers all chosen).
type NewBackend struct {
	Id                 types.BackendName
	Cluster            types.ClusterName
	DroneId            types.NodeId
	AllowedIdleSeconds *int32
	ExpirationTime     *time.Time
	StaticToken        *types.BearerToken
	SecretToken        types.SecretToken
	Subdomain          types.Subdomain
}

// CreateBackend inserts the authoritative row for a freshly scheduled
// backend in the Scheduled state.
func (s *Store) CreateBackend(ctx context.Context, tx pgx.Tx, nb NewBackend) error {
	initial := types.Scheduled()
	_, err := tx.Exec(ctx, `
		insert into backend (id, cluster, drone_id, last_status, last_status_time,
		                      last_status_number, state, last_keepalive,
		                      expiration_time, allowed_idle_seconds, static_token,
		                      secret_token, subdomain, created_at)
		values ($1, $2, $3, $4, now(), $5, $6, now(), $7, $8, $9, $10, $11, now())
	`, string(nb.Id), string(nb.Cluster), int64(nb.DroneId), string(initial.Status),
		initial.Rank(), initial, nb.ExpirationTime, nb.AllowedIdleSeconds,
		nb.StaticToken, string(nb.SecretToken), string(nb.Subdomain))
	if err != nil {
		return fmt.Errorf("creating backend %s: %w", nb.Id, err)
	}
	_, err = tx.Exec(ctx, `insert into backend_state (backend_id, state) values ($1, $2)`, string(nb.Id), initial)
	if err != nil {
		return fmt.Errorf("journaling initial state for %s: %w", nb.Id, err)
	}
	return nil
}

// GetBackend fetches one backend by id.
func (s *Store) GetBackend(ctx context.Context, id types.BackendName) (types.Backend, error) {
	return scanBackend(s.pool.QueryRow(ctx, backendSelect+` where id = $1`, string(id)))
}

// ListBackends returns a page of backends in a cluster, most recently
// created first, along with the total row count for the cluster.
func (s *Store) ListBackends(ctx context.Context, cluster types.ClusterName, limit, offset int) ([]types.Backend, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `select count(*) from backend where cluster = $1`, string(cluster)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting backends for %s: %w", cluster, err)
	}

	rows, err := s.pool.Query(ctx,
		backendSelect+` where cluster = $1 order by created_at desc limit $2 offset $3`,
		string(cluster), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing backends for %s: %w", cluster, err)
	}
	defer rows.Close()

	backends, err := scanBackends(rows)
	if err != nil {
		return nil, 0, err
	}
	return backends, total, nil
}

// ListActiveBackendsForDrone returns every non-terminated backend assigned
// to a drone. No code in this module calls it; the drone's orphan reaper
// reads its own embedded store (pkg/dronestore) instead.
func (s *Store) ListActiveBackendsForDrone(ctx context.Context, droneId types.NodeId) ([]types.Backend, error) {
	rows, err := s.pool.Query(ctx, backendSelect+` where drone_id = $1 and last_status <> 'terminated'`, int64(droneId))
	if err != nil {
		return nil, fmt.Errorf("listing active backends for drone %d: %w", droneId, err)
	}
	defer rows.Close()
	return scanBackends(rows)
}

// UpdateState applies next to a backend iff it respects the monotonic-rank
// invariant, journaling and notifying atomically with the row update.
// Terminal states also release the backend's fencing key and bearer
// tokens.
func (s *Store) UpdateState(ctx context.Context, bus *EventBus, id types.BackendName, next types.BackendState) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		var currentRank int
		err := tx.QueryRow(ctx, `select last_status_number from backend where id = $1 for update`, string(id)).Scan(&currentRank)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("updating state for %s: %w", id, err)
		}
		if err != nil {
			return fmt.Errorf("locking backend %s: %w", id, err)
		}
		if next.Rank() < currentRank {
			// Stale update: ranks only move forward, so silently ignore it.
			return nil
		}

		var address any
		if next.Status == types.StatusReady {
			address = next.Address
		}
		tag, err := tx.Exec(ctx, `
			update backend set last_status = $2, last_status_time = now(),
			       last_status_number = $3, state = $4, cluster_address = coalesce($5, cluster_address)
			where id = $1 and (last_status_number < $3 or last_status_number is null)
		`, string(id), string(next.Status), next.Rank(), next, address)
		if err != nil {
			return fmt.Errorf("updating backend %s: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		if _, err := tx.Exec(ctx, `insert into backend_state (backend_id, state) values ($1, $2)`, string(id), next); err != nil {
			return fmt.Errorf("journaling state for %s: %w", id, err)
		}

		if next.IsTerminal() {
			if _, err := tx.Exec(ctx, `delete from backend_key where backend_id = $1`, string(id)); err != nil {
				return fmt.Errorf("releasing key for %s: %w", id, err)
			}
			if _, err := tx.Exec(ctx, `delete from token where backend_id = $1`, string(id)); err != nil {
				return fmt.Errorf("deleting tokens for %s: %w", id, err)
			}
		}

		if bus != nil {
			if err := bus.Publish(ctx, tx, string(id), types.BackendStatusStreamEntry{State: next, Time: time.Now()}); err != nil {
				return fmt.Errorf("publishing state change for %s: %w", id, err)
			}
		}
		return nil
	})
}

// BumpKeepalive records a keep-alive from a proxy that is carrying traffic
// for the backend, resetting the idle-timeout clock.
func (s *Store) BumpKeepalive(ctx context.Context, id types.BackendName) error {
	tag, err := s.pool.Exec(ctx, `update backend set last_keepalive = now() where id = $1`, string(id))
	if err != nil {
		return fmt.Errorf("bumping keepalive for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("bumping keepalive for %s: %w", id, pgx.ErrNoRows)
	}
	return nil
}

// ExpirationCandidate is a backend past one of its lifetime limits,
// surfaced by ExpireCandidates for the controller's sweep loop.
type ExpirationCandidate struct {
	Id     types.BackendName
	Reason types.TerminationReason
}

// ExpireCandidates returns backends that have exceeded their expiration
// time or idle budget and are not already terminating.
func (s *Store) ExpireCandidates(ctx context.Context) ([]ExpirationCandidate, error) {
	rows, err := s.pool.Query(ctx, `
		select id,
		       case
		           when expiration_time is not null and expiration_time < now() then 'expired'
		           else 'idle_timeout'
		       end as reason
		from backend
		where last_status not in ('terminating', 'hard_terminating', 'terminated')
		  and (
		      (expiration_time is not null and expiration_time < now())
		      or (allowed_idle_seconds is not null
		          and last_keepalive < now() - (allowed_idle_seconds || ' seconds')::interval)
		  )
	`)
	if err != nil {
		return nil, fmt.Errorf("listing expiration candidates: %w", err)
	}
	defer rows.Close()

	var out []ExpirationCandidate
	for rows.Next() {
		var c ExpirationCandidate
		var reason string
		if err := rows.Scan(&c.Id, &reason); err != nil {
			return nil, fmt.Errorf("scanning expiration candidate: %w", err)
		}
		c.Reason = types.TerminationReason(reason)
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteOldTerminated removes Terminated backend rows whose last status
// transition is older than minAge, returning the count removed. The
// backend_state journal rows cascade with the backend row.
func (s *Store) DeleteOldTerminated(ctx context.Context, minAge time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		delete from backend
		where last_status = 'terminated'
		  and last_status_time < now() - ($1 || ' seconds')::interval
	`, minAge.Seconds())
	if err != nil {
		return 0, fmt.Errorf("deleting old terminated backends: %w", err)
	}
	return tag.RowsAffected(), nil
}

const backendSelect = `
	select id, cluster, drone_id, state, last_status, last_status_time, last_status_number,
	       cluster_address, last_keepalive, expiration_time, allowed_idle_seconds,
	       static_token, secret_token, subdomain
	from backend
`

func scanBackend(row pgx.Row) (types.Backend, error) {
	var b types.Backend
	var lastStatus string
	var clusterAddress *string
	var secretToken string
	var subdomain string
	if err := row.Scan(&b.Id, &b.Cluster, &b.DroneId, &b.State, &lastStatus, &b.LastStatusTime,
		&b.LastStatusNumber, &clusterAddress, &b.LastKeepalive, &b.ExpirationTime,
		&b.AllowedIdleSeconds, &b.StaticToken, &secretToken, &subdomain); err != nil {
		return types.Backend{}, fmt.Errorf("scanning backend: %w", err)
	}
	b.LastStatus = types.BackendStatus(lastStatus)
	b.SecretToken = types.SecretToken(secretToken)
	b.Subdomain = types.Subdomain(subdomain)
	if clusterAddress != nil {
		if addr, err := net.ResolveTCPAddr("tcp", *clusterAddress); err == nil {
			b.ClusterAddress = addr
		}
	}
	return b, nil
}

func scanBackends(rows pgx.Rows) ([]types.Backend, error) {
	var out []types.Backend
	for rows.Next() {
		b, err := scanBackend(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
