package certmanager

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"math/big"
	"path/filepath"
	"testing"
	"time"
)

func TestNeedsRenewalWithNoCertificateLoaded(t *testing.T) {
	m := &Manager{}
	if !m.needsRenewal() {
		t.Fatal("expected renewal needed with no certificate loaded")
	}
}

func TestLoadFromDiskRoundTrip(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	der, err := selfSignedDER(key)
	if err != nil {
		t.Fatal(err)
	}
	if err := writePEMBundle(certPath, keyPath, [][]byte{der}, key); err != nil {
		t.Fatal(err)
	}

	m := &Manager{cfg: Config{CertPath: certPath, KeyPath: keyPath}}
	if err := m.loadFromDisk(); err != nil {
		t.Fatalf("loadFromDisk: %v", err)
	}
	if m.cert.Load() == nil {
		t.Fatal("expected certificate to be loaded")
	}
}

func selfSignedDER(key *ecdsa.PrivateKey) ([]byte, error) {
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
	}
	return x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
}
