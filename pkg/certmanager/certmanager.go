// Package certmanager runs the leased ACME DNS-01 flow:
// at most one proxy per cluster holds the lease at a time, performs the
// ACME order, and publishes the DNS-01 challenge value through the
// controller to the DNS collaborator. The resulting certificate is
// persisted to disk and hot-reloaded into the TLS listener on change.
package certmanager

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/acme"
)

const (
	leaseRetryInterval = 15 * time.Second
	renewBefore        = 30 * 24 * time.Hour
)

// LeaseClient is the proxy's view of the controller's cert-lease RPCs
//, carried over the proxy's typed socket.
type LeaseClient interface {
	RequestLease(ctx context.Context) (bool, error)
	SetTxtValue(ctx context.Context, value string) error
	ReleaseLease(ctx context.Context) error
}

// Config configures a Manager.
type Config struct {
	Domain    string
	Email     string
	Directory string // ACME directory URL
	CertPath  string
	KeyPath   string
	Lease     LeaseClient
	Logger    *slog.Logger
}

// Manager owns the ACME client, the current certificate, and the
// lease-acquisition loop.
type Manager struct {
	cfg    Config
	client *acme.Client
	logger *slog.Logger

	cert atomic.Pointer[tls.Certificate]
}

// New constructs a Manager. The ACME account key is generated fresh each
// process start; Let's Encrypt does not require a stable account key for
// the DNS-01 flow this package drives.
func New(cfg Config) (*Manager, error) {
	accountKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ACME account key: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		client: &acme.Client{Key: accountKey, DirectoryURL: cfg.Directory},
		logger: logger,
	}, nil
}

// GetCertificate implements tls.Config.GetCertificate, serving whatever
// certificate is currently loaded.
func (m *Manager) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert := m.cert.Load()
	if cert == nil {
		return nil, fmt.Errorf("no certificate loaded yet")
	}
	return cert, nil
}

// Run loads any certificate already on disk, starts the hot-reload
// watcher, and drives the lease-and-renew loop until ctx is canceled.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.loadFromDisk(); err != nil {
		m.logger.Warn("no certificate on disk yet", "error", err)
	}
	go m.watchDisk(ctx)

	ticker := time.NewTicker(leaseRetryInterval)
	defer ticker.Stop()
	for {
		if m.needsRenewal() {
			if err := m.tryIssue(ctx); err != nil {
				m.logger.Warn("certificate issuance attempt failed", "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (m *Manager) needsRenewal() bool {
	cert := m.cert.Load()
	if cert == nil {
		return true
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return true
	}
	return time.Now().After(leaf.NotAfter.Add(-renewBefore))
}

// tryIssue acquires the cluster's cert lease, runs one ACME DNS-01 order
// to completion, and releases the lease. If the lease is held elsewhere
// it returns nil without error: another proxy in the cluster is handling
// issuance this round.
func (m *Manager) tryIssue(ctx context.Context) error {
	granted, err := m.cfg.Lease.RequestLease(ctx)
	if err != nil {
		return fmt.Errorf("requesting cert lease: %w", err)
	}
	if !granted {
		return nil
	}
	defer func() {
		if err := m.cfg.Lease.ReleaseLease(ctx); err != nil {
			m.logger.Warn("releasing cert lease", "error", err)
		}
	}()

	if _, err := m.client.Register(ctx, &acme.Account{Contact: []string{"mailto:" + m.cfg.Email}}, acme.AcceptTOS); err != nil && err != acme.ErrAccountAlreadyExists {
		return fmt.Errorf("registering ACME account: %w", err)
	}

	order, err := m.client.AuthorizeOrder(ctx, acme.DomainIDs(m.cfg.Domain))
	if err != nil {
		return fmt.Errorf("authorizing order: %w", err)
	}

	for _, authzURL := range order.AuthzURLs {
		if err := m.completeAuthorization(ctx, authzURL); err != nil {
			return err
		}
	}

	order, err = m.client.WaitOrder(ctx, order.URI)
	if err != nil {
		return fmt.Errorf("waiting for order: %w", err)
	}

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generating certificate key: %w", err)
	}
	csr, err := certRequest(certKey, m.cfg.Domain)
	if err != nil {
		return fmt.Errorf("building CSR: %w", err)
	}

	der, _, err := m.client.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		return fmt.Errorf("finalizing order: %w", err)
	}

	if err := writePEMBundle(m.cfg.CertPath, m.cfg.KeyPath, der, certKey); err != nil {
		return fmt.Errorf("writing certificate: %w", err)
	}
	return m.loadFromDisk()
}

// completeAuthorization drives one DNS-01 challenge end to end: publish
// the challenge value through the controller, accept the challenge, and
// wait for it to validate.
func (m *Manager) completeAuthorization(ctx context.Context, authzURL string) error {
	authz, err := m.client.GetAuthorization(ctx, authzURL)
	if err != nil {
		return fmt.Errorf("fetching authorization: %w", err)
	}
	if authz.Status == acme.StatusValid {
		return nil
	}

	var chal *acme.Challenge
	for _, c := range authz.Challenges {
		if c.Type == "dns-01" {
			chal = c
			break
		}
	}
	if chal == nil {
		return fmt.Errorf("no dns-01 challenge offered for %s", authzURL)
	}

	value, err := m.client.DNS01ChallengeRecord(chal.Token)
	if err != nil {
		return fmt.Errorf("computing dns-01 record: %w", err)
	}
	if err := m.cfg.Lease.SetTxtValue(ctx, value); err != nil {
		return fmt.Errorf("publishing dns-01 txt value: %w", err)
	}

	if _, err := m.client.Accept(ctx, chal); err != nil {
		return fmt.Errorf("accepting challenge: %w", err)
	}
	if _, err := m.client.WaitAuthorization(ctx, authzURL); err != nil {
		return fmt.Errorf("waiting for authorization: %w", err)
	}
	return nil
}

func (m *Manager) loadFromDisk() error {
	cert, err := tls.LoadX509KeyPair(m.cfg.CertPath, m.cfg.KeyPath)
	if err != nil {
		return err
	}
	m.cert.Store(&cert)
	m.logger.Info("certificate loaded", "domain", m.cfg.Domain)
	return nil
}

// watchDisk reloads the certificate whenever the cert file changes on
// disk, e.g. a sibling proxy in the cluster issued it first and it was
// synced in by an external mechanism.
func (m *Manager) watchDisk(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.logger.Warn("certificate watcher unavailable", "error", err)
		return
	}
	defer watcher.Close()
	if err := watcher.Add(m.cfg.CertPath); err != nil {
		m.logger.Debug("certificate path not yet present to watch", "path", m.cfg.CertPath, "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := m.loadFromDisk(); err != nil {
					m.logger.Warn("reloading certificate after file change", "error", err)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("certificate watcher error", "error", err)
		}
	}
}

func certRequest(key *ecdsa.PrivateKey, domain string) ([]byte, error) {
	template := &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: domain},
		DNSNames: []string{domain},
	}
	return x509.CreateCertificateRequest(rand.Reader, template, key)
}

func writePEMBundle(certPath, keyPath string, der [][]byte, key *ecdsa.PrivateKey) error {
	var certPEM []byte
	for _, b := range der {
		certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: b})...)
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return err
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return os.WriteFile(keyPath, keyPEM, 0o600)
}
