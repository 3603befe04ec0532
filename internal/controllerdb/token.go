package controllerdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/plane-run/plane/pkg/types"
)

// CreateToken inserts a non-static bearer token row for a freshly
// connected backend.
func (s *Store) CreateToken(ctx context.Context, tx pgx.Tx, t types.Token) error {
	_, err := tx.Exec(ctx, `
		insert into token (token, backend_id, username, auth, secret_token)
		values ($1, $2, $3, $4, $5)
	`, string(t.Token), string(t.BackendId), t.Username, t.Auth, string(t.SecretToken))
	if err != nil {
		return fmt.Errorf("creating token for %s: %w", t.BackendId, err)
	}
	return nil
}

// RouteInfoForToken resolves a bearer token to the RouteInfo the proxy
// needs. A static token ("s." prefix) addresses the backend
// directly via backend.static_token; any other token looks up the token
// table. Returns (nil, nil) if the token does not resolve to a live
// backend.
func (s *Store) RouteInfoForToken(ctx context.Context, token types.BearerToken) (*types.RouteInfo, error) {
	if token.IsStatic() {
		return s.routeInfoForStaticToken(ctx, token)
	}
	return s.routeInfoForBearerToken(ctx, token)
}

func (s *Store) routeInfoForStaticToken(ctx context.Context, token types.BearerToken) (*types.RouteInfo, error) {
	var ri types.RouteInfo
	var status string
	var address *string
	var secret string
	err := s.pool.QueryRow(ctx, `
		select id, cluster, cluster_address, last_status, secret_token, subdomain
		from backend where static_token = $1 and last_status <> 'terminated'
	`, string(token)).Scan(&ri.BackendId, &ri.Cluster, &address, &status, &secret, &ri.Subdomain)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolving static token: %w", err)
	}
	ri.SecretToken = types.SecretToken(secret)
	ri.BackendReady = types.BackendStatus(status) == types.StatusReady
	if address != nil {
		ri.Address = *address
	}
	return &ri, nil
}

func (s *Store) routeInfoForBearerToken(ctx context.Context, token types.BearerToken) (*types.RouteInfo, error) {
	var ri types.RouteInfo
	var status string
	var address *string
	var secret string
	err := s.pool.QueryRow(ctx, `
		select b.id, b.cluster, b.cluster_address, b.last_status, b.subdomain,
		       t.username, t.auth, t.secret_token
		from token t join backend b on b.id = t.backend_id
		where t.token = $1
	`, string(token)).Scan(&ri.BackendId, &ri.Cluster, &address, &status, &ri.Subdomain,
		&ri.User, &ri.UserData, &secret)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolving bearer token: %w", err)
	}
	ri.SecretToken = types.SecretToken(secret)
	ri.BackendReady = types.BackendStatus(status) == types.StatusReady
	if address != nil {
		ri.Address = *address
	}
	return &ri, nil
}

// DeleteTokensForBackend removes every token issued for a backend, called
// when the backend reaches Terminated.
func (s *Store) DeleteTokensForBackend(ctx context.Context, tx pgx.Tx, backend types.BackendName) error {
	if _, err := tx.Exec(ctx, `delete from token where backend_id = $1`, string(backend)); err != nil {
		return fmt.Errorf("deleting tokens for %s: %w", backend, err)
	}
	return nil
}
