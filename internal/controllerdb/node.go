package controllerdb

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/plane-run/plane/pkg/types"
)

// livenessWindow is how long a node's last heartbeat may age before the
// scheduler stops considering it eligible.
const livenessWindow = 30 * time.Second

// RegisterNode upserts a node by (cluster, name), returning its id. Re-
// registration (a drone restarting with the same name) is idempotent.
func (s *Store) RegisterNode(ctx context.Context, n types.Node) (types.NodeId, error) {
	var id types.NodeId
	err := s.pool.QueryRow(ctx, `
		insert into node (name, cluster, pool, kind, controller, last_heartbeat, ready, draining)
		values ($1, $2, $3, $4, $5, now(), $6, false)
		on conflict (cluster, name) do update set
			pool = excluded.pool,
			kind = excluded.kind,
			controller = excluded.controller,
			last_heartbeat = now(),
			ready = excluded.ready,
			draining = false
		returning id
	`, n.Name, string(n.Cluster), n.Pool, string(n.Kind), n.Controller, n.Ready).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("registering node %s/%s: %w", n.Cluster, n.Name, err)
	}
	return id, nil
}

// Heartbeat bumps a node's last_heartbeat and readiness.
func (s *Store) Heartbeat(ctx context.Context, id types.NodeId, ready bool) error {
	tag, err := s.pool.Exec(ctx, `
		update node set last_heartbeat = now(), ready = $2 where id = $1
	`, int64(id), ready)
	if err != nil {
		return fmt.Errorf("heartbeating node %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("heartbeating node %d: %w", id, pgx.ErrNoRows)
	}
	return nil
}

// SetDraining marks a node as no longer eligible for new scheduling
//; in-flight backends are unaffected.
func (s *Store) SetDraining(ctx context.Context, id types.NodeId, draining bool) error {
	_, err := s.pool.Exec(ctx, `update node set draining = $2 where id = $1`, int64(id), draining)
	if err != nil {
		return fmt.Errorf("setting draining on node %d: %w", id, err)
	}
	return nil
}

// GetNode fetches a single node by id.
func (s *Store) GetNode(ctx context.Context, id types.NodeId) (types.Node, error) {
	return scanNode(s.pool.QueryRow(ctx, nodeSelect+` where id = $1`, int64(id)))
}

// EligibleDrone is a scheduling candidate: a node plus its current live
// backend count, used to pick the least-loaded drone.
type EligibleDrone struct {
	Node        types.Node
	LiveBackends int
}

// ListEligibleDrones returns every ready, non-draining, recently-heartbeat
// drone in (cluster, pool), ordered by live backend count ascending then
// oldest heartbeat.
func (s *Store) ListEligibleDrones(ctx context.Context, cluster types.ClusterName, pool string) ([]EligibleDrone, error) {
	rows, err := s.pool.Query(ctx, `
		select n.id, n.name, n.cluster, n.pool, n.kind, n.controller,
		       n.last_heartbeat, n.ready, n.draining,
		       count(b.id) filter (where b.last_status <> 'terminated') as live
		from node n
		left join backend b on b.drone_id = n.id
		where n.cluster = $1
		  and n.pool = $2
		  and n.kind = 'drone'
		  and n.ready
		  and not n.draining
		  and n.last_heartbeat > $3
		group by n.id
		order by live asc, n.last_heartbeat asc
	`, string(cluster), pool, time.Now().Add(-livenessWindow))
	if err != nil {
		return nil, fmt.Errorf("listing eligible drones for %s/%s: %w", cluster, pool, err)
	}
	defer rows.Close()

	var out []EligibleDrone
	for rows.Next() {
		var n types.Node
		var kind string
		var live int
		if err := rows.Scan(&n.Id, &n.Name, &n.Cluster, &n.Pool, &kind, &n.Controller,
			&n.LastHeartbeat, &n.Ready, &n.Draining, &live); err != nil {
			return nil, fmt.Errorf("scanning eligible drone: %w", err)
		}
		n.Kind = types.NodeKind(kind)
		out = append(out, EligibleDrone{Node: n, LiveBackends: live})
	}
	return out, rows.Err()
}

// ListNodes returns every registered node of kind in a cluster, used by
// the supplemented admin listing endpoints.
func (s *Store) ListNodes(ctx context.Context, cluster types.ClusterName, kind types.NodeKind) ([]types.Node, error) {
	rows, err := s.pool.Query(ctx, nodeSelect+` where cluster = $1 and kind = $2 order by name`, string(cluster), string(kind))
	if err != nil {
		return nil, fmt.Errorf("listing %s nodes for %s: %w", kind, cluster, err)
	}
	defer rows.Close()

	var out []types.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

const nodeSelect = `select id, name, cluster, pool, kind, controller, last_heartbeat, ready, draining from node`

func scanNode(row pgx.Row) (types.Node, error) {
	var n types.Node
	var kind string
	if err := row.Scan(&n.Id, &n.Name, &n.Cluster, &n.Pool, &kind, &n.Controller,
		&n.LastHeartbeat, &n.Ready, &n.Draining); err != nil {
		return types.Node{}, fmt.Errorf("scanning node: %w", err)
	}
	n.Kind = types.NodeKind(kind)
	return n, nil
}
