package controllerdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/plane-run/plane/pkg/types"
)

// acmeLeaseDuration bounds how long one proxy may hold the DNS-01 lease for
// a cluster before another proxy may steal it.
const acmeLeaseDuration = 2 * time.Minute

// AcquireCertLease tries to take (or renew) the ACME DNS-01 lease for a
// cluster. Succeeds if no one holds it, the caller already holds it, or
// the existing lease has expired.
func (s *Store) AcquireCertLease(ctx context.Context, cluster types.ClusterName, holder types.ProxyName) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		insert into acme_txt (cluster, lease_holder, lease_expiry)
		values ($1, $2, now() + $3)
		on conflict (cluster) do update set
			lease_holder = excluded.lease_holder,
			lease_expiry = excluded.lease_expiry
		where acme_txt.lease_holder is null
		   or acme_txt.lease_holder = excluded.lease_holder
		   or acme_txt.lease_expiry < now()
	`, string(cluster), string(holder), acmeLeaseDuration)
	if err != nil {
		return false, fmt.Errorf("acquiring cert lease for %s: %w", cluster, err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetTxtValue writes the DNS-01 TXT challenge value for a cluster; only
// the current lease holder may call this successfully.
func (s *Store) SetTxtValue(ctx context.Context, cluster types.ClusterName, holder types.ProxyName, value string) error {
	tag, err := s.pool.Exec(ctx, `
		update acme_txt set txt_value = $3 where cluster = $1 and lease_holder = $2
	`, string(cluster), string(holder), value)
	if err != nil {
		return fmt.Errorf("setting txt value for %s: %w", cluster, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("setting txt value for %s: %w", cluster, errNotLeaseHolder)
	}
	return nil
}

// GetTxtValue reads the current DNS-01 TXT value for a cluster, used by
// the DNS collaborator node answering TXT queries.
func (s *Store) GetTxtValue(ctx context.Context, cluster types.ClusterName) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `select txt_value from acme_txt where cluster = $1`, string(cluster)).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading txt value for %s: %w", cluster, err)
	}
	return value, nil
}

// ReleaseCertLease gives up the lease early, once issuance succeeds or
// fails terminally, so another proxy need not wait out the full lease
// duration.
func (s *Store) ReleaseCertLease(ctx context.Context, cluster types.ClusterName, holder types.ProxyName) error {
	_, err := s.pool.Exec(ctx, `
		update acme_txt set lease_holder = null, lease_expiry = null, txt_value = ''
		where cluster = $1 and lease_holder = $2
	`, string(cluster), string(holder))
	if err != nil {
		return fmt.Errorf("releasing cert lease for %s: %w", cluster, err)
	}
	return nil
}

var errNotLeaseHolder = errors.New("caller does not hold the cert lease")
