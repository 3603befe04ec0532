package controllerdb

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/plane-run/plane/pkg/types"
)

// BackendActionChannel is the NOTIFY channel carrying every outbox enqueue,
// keyed by the drone's NodeId formatted as a string.
const BackendActionChannel = "plane_backend_action"

// EnqueueAction writes a durable outbox row for a drone, then notifies any
// listener watching that drone's outbox.
func (s *Store) EnqueueAction(ctx context.Context, tx pgx.Tx, bus *EventBus, a types.BackendAction, executable json.RawMessage, kind types.TerminationKind, reason types.TerminationReason) (int64, error) {
	var actionId int64
	err := tx.QueryRow(ctx, `
		insert into backend_action (backend_id, drone_id, action, executable, termination_kind, termination_reason)
		values ($1, $2, $3, $4, $5, $6)
		returning action_id
	`, string(a.Backend), int64(a.DroneId), string(a.Action), executable, nullableTerminationKind(kind), nullableTerminationReason(reason)).Scan(&actionId)
	if err != nil {
		return 0, fmt.Errorf("enqueuing %s action for %s: %w", a.Action, a.Backend, err)
	}
	if bus != nil {
		if err := bus.Publish(ctx, tx, strconv.FormatInt(int64(a.DroneId), 10), actionId); err != nil {
			return 0, fmt.Errorf("publishing outbox notification for drone %d: %w", a.DroneId, err)
		}
	}
	return actionId, nil
}

func nullableTerminationKind(k types.TerminationKind) any {
	if k == "" {
		return nil
	}
	return string(k)
}

func nullableTerminationReason(r types.TerminationReason) any {
	if r == "" {
		return nil
	}
	return string(r)
}

// PendingActionsForDrone returns every unacknowledged outbox row for a
// drone, oldest first, matching the order it must be delivered in.
func (s *Store) PendingActionsForDrone(ctx context.Context, droneId types.NodeId) ([]types.BackendAction, error) {
	rows, err := s.pool.Query(ctx, `
		select ba.action_id, ba.backend_id, ba.drone_id, ba.action, ba.termination_kind, ba.executable,
		       b.static_token,
		       bk.name, bk.namespace, bk.tag, bk.fencing_token,
		       bk.renew_at, bk.soft_terminate_at, bk.hard_terminate_at
		from backend_action ba
		join backend b on b.id = ba.backend_id
		left join backend_key bk on bk.backend_id = ba.backend_id
		where ba.drone_id = $1
		order by ba.action_id asc
	`, int64(droneId))
	if err != nil {
		return nil, fmt.Errorf("listing pending actions for drone %d: %w", droneId, err)
	}
	defer rows.Close()

	var out []types.BackendAction
	for rows.Next() {
		var a types.BackendAction
		var action string
		var terminationKind *string
		var keyName, keyNamespace, keyTag *string
		var fencingToken *int64
		var renewAt, softAt, hardAt *time.Time
		if err := rows.Scan(&a.ActionId, &a.Backend, &a.DroneId, &action, &terminationKind, &a.Executable,
			&a.StaticToken, &keyName, &keyNamespace, &keyTag, &fencingToken, &renewAt, &softAt, &hardAt); err != nil {
			return nil, fmt.Errorf("scanning pending action: %w", err)
		}
		a.Action = types.ActionKind(action)
		a.TerminateHard = terminationKind != nil && types.TerminationKind(*terminationKind) == types.TerminationHard
		if keyName != nil {
			a.Key = &types.AcquiredKey{
				Key:     types.KeyConfig{Name: *keyName, Namespace: *keyNamespace, Tag: *keyTag},
				Backend: a.Backend,
				Token:   *fencingToken,
				Deadlines: types.KeyDeadlines{
					RenewAt:         *renewAt,
					SoftTerminateAt: *softAt,
					HardTerminateAt: *hardAt,
				},
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AckAction deletes an acknowledged outbox row.
func (s *Store) AckAction(ctx context.Context, actionId int64) error {
	if _, err := s.pool.Exec(ctx, `delete from backend_action where action_id = $1`, actionId); err != nil {
		return fmt.Errorf("acking action %d: %w", actionId, err)
	}
	return nil
}
