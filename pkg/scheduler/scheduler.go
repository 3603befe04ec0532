// Package scheduler implements the controller's connect algorithm:
// resolving or acquiring a fencing key, picking the least-loaded eligible
// drone, and transactionally creating the backend, its key, its token, and
// its first outbox action.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/plane-run/plane/internal/controllerdb"
	"github.com/plane-run/plane/pkg/protocol"
	"github.com/plane-run/plane/pkg/types"
)

// defaultCluster is used when a ConnectRequest omits SpawnConfig.Cluster
// entirely.
const defaultCluster = types.ClusterName("default")

// keyRenewalWindow/softTerminateWindow/hardTerminateWindow/keyExpirationWindow
// set the four deadlines written onto a freshly acquired key.
const (
	keyRenewalWindow     = 30 * time.Second
	softTerminateWindow  = 60 * time.Second
	hardTerminateWindow  = 90 * time.Second
	keyExpirationWindow  = 10 * time.Minute
	healthyKeepaliveSlop = 45 * time.Second
)

// Scheduler owns the connect algorithm's access to the store.
type Scheduler struct {
	db        *controllerdb.Store
	stateBus  *controllerdb.EventBus
	actionBus *controllerdb.EventBus
	logger    *slog.Logger
}

func New(db *controllerdb.Store, stateBus, actionBus *controllerdb.EventBus, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{db: db, stateBus: stateBus, actionBus: actionBus, logger: logger}
}

// Connect runs the connect algorithm end to end: resolve or acquire a
// key, pick a drone if needed, and schedule the backend.
func (s *Scheduler) Connect(ctx context.Context, req types.ConnectRequest, publicURL func(cluster types.ClusterName, subdomain types.Subdomain, token types.BearerToken) string) (*types.ConnectResponse, error) {
	cluster := defaultCluster
	pool := ""
	if req.SpawnConfig != nil {
		if req.SpawnConfig.Cluster != "" {
			cluster = req.SpawnConfig.Cluster
		}
		pool = req.SpawnConfig.Pool
	}

	if req.Key != nil {
		if resp, done, err := s.tryExistingKey(ctx, cluster, *req.Key, req.SpawnConfig, publicURL); err != nil {
			return nil, err
		} else if done {
			return resp, nil
		}
	}

	if req.SpawnConfig == nil {
		return nil, types.NewApiError(types.ErrKeyUnheldNoSpawnConfig,
			"key is not held by a live backend and no spawn_config was provided")
	}

	drone, err := s.pickDrone(ctx, cluster, pool)
	if err != nil {
		return nil, err
	}

	return s.scheduleNew(ctx, cluster, drone, req)
}

// tryExistingKey implements step 2: rejoin a healthy, subdomain-compatible
// holder, evict an unhealthy one, or fall through to a fresh schedule.
func (s *Scheduler) tryExistingKey(ctx context.Context, cluster types.ClusterName, key types.KeyConfig, sc *types.SpawnConfig, publicURL func(types.ClusterName, types.Subdomain, types.BearerToken) string) (*types.ConnectResponse, bool, error) {
	holder, err := s.db.GetKeyHolder(ctx, cluster, key)
	if err != nil {
		return nil, false, types.NewApiError(types.ErrDatabaseError, err.Error())
	}
	if holder == nil {
		return nil, false, nil
	}

	backend, err := s.db.GetBackend(ctx, holder.BackendId)
	if err != nil {
		return nil, false, types.NewApiError(types.ErrDatabaseError, err.Error())
	}

	if backend.LastStatus == types.StatusTerminating || backend.LastStatus == types.StatusHardTerminating || backend.LastStatus == types.StatusTerminated {
		return nil, false, nil
	}

	if !keyHolderCompatible(sc, backend) {
		// Not compatible: same key, different requested subdomain. Fall
		// through so Connect schedules a fresh backend instead of handing
		// back one bound to the wrong subdomain.
		return nil, false, nil
	}

	if backend.LastStatus == types.StatusReady && time.Since(backend.LastKeepalive) > healthyKeepaliveSlop {
		// Unhealthy: evict and fall through to a fresh schedule.
		if err := s.db.UpdateState(ctx, s.stateBus, backend.Id,
			types.HardTerminating(types.ReasonSwept, backend.LastStatus)); err != nil {
			return nil, false, types.NewApiError(types.ErrFailedToRemoveKey, err.Error())
		}
		return nil, false, nil
	}

	token, err := s.tokenForBackend(ctx, backend)
	if err != nil {
		return nil, false, types.NewApiError(types.ErrDatabaseError, err.Error())
	}

	return &types.ConnectResponse{
		BackendId:   backend.Id,
		Token:       token,
		Url:         publicURL(cluster, backend.Subdomain, token),
		SecretToken: backend.SecretToken,
		StatusUrl:   fmt.Sprintf("/c/%s/b/%s/status", cluster, backend.Id),
		Drone:       fmt.Sprintf("%d", backend.DroneId),
	}, true, nil
}

// keyHolderCompatible reports whether an existing key holder can be reused
// for a Connect carrying sc: the requested subdomain, when one is given,
// must match the backend it would be reused from.
func keyHolderCompatible(sc *types.SpawnConfig, backend types.Backend) bool {
	if sc == nil || sc.Subdomain == "" {
		return true
	}
	return sc.Subdomain == backend.Subdomain
}

func (s *Scheduler) tokenForBackend(ctx context.Context, b types.Backend) (types.BearerToken, error) {
	if b.StaticToken != nil {
		return *b.StaticToken, nil
	}
	// Rejoining a backend that was issued a non-static token requires
	// minting a fresh one: the first token is only known to the client
	// that connected originally, so the rejoin path always hands back a
	// usable token rather than requiring the caller to have retained it.
	tok := types.NewBearerToken()
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		return s.db.CreateToken(ctx, tx, types.Token{
			Token:       tok,
			BackendId:   b.Id,
			SecretToken: b.SecretToken,
		})
	})
	return tok, err
}

func (s *Scheduler) pickDrone(ctx context.Context, cluster types.ClusterName, pool string) (controllerdb.EligibleDrone, error) {
	candidates, err := s.db.ListEligibleDrones(ctx, cluster, pool)
	if err != nil {
		return controllerdb.EligibleDrone{}, types.NewApiError(types.ErrDatabaseError, err.Error())
	}
	if len(candidates) == 0 {
		return controllerdb.EligibleDrone{}, types.NewApiError(types.ErrNoDroneAvailable,
			fmt.Sprintf("no eligible drone in cluster %s pool %q", cluster, pool))
	}
	return candidates[0], nil
}

func (s *Scheduler) scheduleNew(ctx context.Context, cluster types.ClusterName, drone controllerdb.EligibleDrone, req types.ConnectRequest) (*types.ConnectResponse, error) {
	sc := req.SpawnConfig
	backendId := types.NewBackendName(string(cluster))
	if sc.Id != nil {
		backendId = *sc.Id
	}

	var staticToken *types.BearerToken
	var bearerToken types.BearerToken
	if sc.UseStaticToken {
		t := types.NewStaticBearerToken()
		staticToken = &t
		bearerToken = t
	} else {
		bearerToken = types.NewBearerToken()
	}
	secretToken := types.NewSecretToken()

	now := time.Now()
	deadlines := types.KeyDeadlines{
		RenewAt:         now.Add(keyRenewalWindow),
		SoftTerminateAt: now.Add(softTerminateWindow),
		HardTerminateAt: now.Add(hardTerminateWindow),
	}

	var allowedIdle *int32
	if sc.MaxIdleSeconds != nil {
		allowedIdle = sc.MaxIdleSeconds
	}
	var expiration *time.Time
	if sc.LifetimeLimitSeconds != nil {
		t := now.Add(time.Duration(*sc.LifetimeLimitSeconds) * time.Second)
		expiration = &t
	}

	var actionId int64
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := s.db.CreateBackend(ctx, tx, controllerdb.NewBackend{
			Id:                 backendId,
			Cluster:            cluster,
			DroneId:            drone.Node.Id,
			AllowedIdleSeconds: allowedIdle,
			ExpirationTime:     expiration,
			StaticToken:        staticToken,
			SecretToken:        secretToken,
			Subdomain:          sc.Subdomain,
		}); err != nil {
			return err
		}

		if req.Key != nil {
			if err := s.db.CreateKey(ctx, tx, types.BackendKey{
				BackendId:    backendId,
				Name:         req.Key.Name,
				Cluster:      cluster,
				Namespace:    req.Key.Namespace,
				Tag:          req.Key.Tag,
				FencingToken: 1,
				Deadlines:    deadlines,
				ExpiresAt:    now.Add(keyExpirationWindow),
			}); err != nil {
				return err
			}
		}

		if staticToken == nil {
			if err := s.db.CreateToken(ctx, tx, types.Token{
				Token:       bearerToken,
				BackendId:   backendId,
				Username:    req.User,
				Auth:        req.Auth,
				SecretToken: secretToken,
			}); err != nil {
				return err
			}
		}

		var err error
		actionId, err = s.db.EnqueueAction(ctx, tx, s.actionBus, types.BackendAction{
			Backend: backendId,
			DroneId: drone.Node.Id,
			Action:  types.ActionSpawn,
		}, sc.Executable, "", "")
		return err
	})
	if err != nil {
		return nil, types.NewApiError(types.ErrDatabaseError, err.Error())
	}

	s.logger.Info("scheduled backend", "backend", backendId, "drone", drone.Node.Name, "action", actionId)

	return &types.ConnectResponse{
		BackendId:   backendId,
		Token:       bearerToken,
		Url:         fmt.Sprintf("https://%s%s/%s/", subdomainPrefix(sc.Subdomain), cluster, bearerToken),
		SecretToken: secretToken,
		StatusUrl:   fmt.Sprintf("/c/%s/b/%s/status", cluster, backendId),
		Drone:       drone.Node.Name,
	}, nil
}

// sweepInterval is how often RunSweep polls for expired/idle backends.
const sweepInterval = 5 * time.Second

// RunSweep runs the expiration sweep: every tick, every backend
// ExpireCandidates surfaces is moved to Terminating and a terminate
// action is enqueued for its drone. It blocks until ctx is canceled.
func (s *Scheduler) RunSweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

// cleanupInterval is how often RunCleanup checks for old Terminated rows.
const cleanupInterval = time.Hour

// RunCleanup periodically deletes Terminated backend rows whose last
// status transition is older than minAge, keeping the backend table from
// growing unbounded over a long-lived cluster's history. It blocks until
// ctx is canceled.
func (s *Scheduler) RunCleanup(ctx context.Context, minAge time.Duration) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.db.DeleteOldTerminated(ctx, minAge)
			if err != nil {
				s.logger.Warn("cleanup sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("cleanup sweep removed terminated backends", "count", n)
			}
		}
	}
}

func (s *Scheduler) sweepOnce(ctx context.Context) {
	candidates, err := s.db.ExpireCandidates(ctx)
	if err != nil {
		s.logger.Warn("listing expiration candidates", "error", err)
		return
	}
	for _, c := range candidates {
		if err := s.expireOne(ctx, c); err != nil {
			s.logger.Warn("expiring backend", "backend", c.Id, "reason", c.Reason, "error", err)
		}
	}
}

func (s *Scheduler) expireOne(ctx context.Context, c controllerdb.ExpirationCandidate) error {
	b, err := s.db.GetBackend(ctx, c.Id)
	if err != nil {
		return err
	}
	if err := s.db.UpdateState(ctx, s.stateBus, c.Id, types.Terminating(types.TerminationSoft, c.Reason, b.LastStatus)); err != nil {
		return err
	}
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := s.db.EnqueueAction(ctx, tx, s.actionBus, types.BackendAction{
			Backend: c.Id,
			DroneId: b.DroneId,
			Action:  types.ActionTerminate,
		}, nil, types.TerminationSoft, c.Reason)
		return err
	})
}

func subdomainPrefix(sub types.Subdomain) string {
	if sub == "" {
		return ""
	}
	return string(sub) + "."
}

// ActionMessage converts a pending outbox row into the wire envelope an
// outbox-delivery session sends to its drone (internal/controllerapi's
// drone socket handler calls this for every row PendingActionsForDrone
// returns).
func ActionMessage(a types.BackendAction) protocol.BackendActionMessage {
	msg := protocol.BackendActionMessage{
		ActionId:  a.ActionId,
		BackendId: a.Backend,
		DroneId:   a.DroneId,
		Action: protocol.BackendAction{
			Kind: a.Action,
		},
	}
	switch a.Action {
	case types.ActionSpawn:
		msg.Action.Executable = a.Executable
		msg.Action.StaticToken = a.StaticToken
		if a.Key != nil {
			msg.Action.Key = *a.Key
		}
	case types.ActionTerminate:
		kind := types.TerminationSoft
		if a.TerminateHard {
			kind = types.TerminationHard
		}
		msg.Action.TerminationKind = kind
		msg.Action.TerminationReason = types.ReasonExternal
	}
	return msg
}
