package certstore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"testing"
	"time"

	"github.com/acpproxy/acp-proxy/internal/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func newTestStore(t *testing.T, ips ...string) *Store {
	t.Helper()
	s := New(t.TempDir(), newTestLogger(t))
	s.lanIPs = func() []net.IP {
		var out []net.IP
		for _, raw := range ips {
			out = append(out, net.ParseIP(raw).To4())
		}
		return out
	}
	return s
}

func leaf(t *testing.T, s *Store) *x509.Certificate {
	t.Helper()
	cert, err := s.Load()
	require.NoError(t, err)
	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	return parsed
}

func TestGenerateCertificateProperties(t *testing.T) {
	s := newTestStore(t, "192.168.1.10")
	c := leaf(t, s)

	assert.Equal(t, "ACP Proxy Server", c.Subject.CommonName)
	assert.Contains(t, c.DNSNames, "localhost")
	assert.Contains(t, c.ExtKeyUsage, x509.ExtKeyUsageServerAuth)
	assert.WithinDuration(t, time.Now().Add(validity), c.NotAfter, time.Minute)

	sans := make(map[string]bool)
	for _, ip := range c.IPAddresses {
		sans[ip.String()] = true
	}
	assert.True(t, sans["127.0.0.1"])
	assert.True(t, sans["::1"])
	assert.True(t, sans["192.168.1.10"])
}

func TestGeneratePersistsPEMs(t *testing.T) {
	s := newTestStore(t, "10.0.0.5")
	_, err := s.Load()
	require.NoError(t, err)

	for _, path := range []string{s.CertPath(), s.KeyPath()} {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(0))
	}

	keyInfo, err := os.Stat(s.KeyPath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), keyInfo.Mode().Perm(), "key must not be world-readable")
}

func TestReuseFreshCertificate(t *testing.T) {
	s := newTestStore(t, "10.0.0.5")
	first := leaf(t, s)
	second := leaf(t, s)

	assert.Equal(t, first.SerialNumber, second.SerialNumber,
		"a fresh certificate covering all addresses should be reused")
}

func TestRegenerateWhenAddressMissing(t *testing.T) {
	s := newTestStore(t, "10.0.0.5")
	first := leaf(t, s)

	// The machine picked up a new LAN address not present in the SANs.
	s.lanIPs = func() []net.IP {
		return []net.IP{net.ParseIP("10.0.0.5").To4(), net.ParseIP("172.16.0.2").To4()}
	}
	second := leaf(t, s)

	assert.NotEqual(t, first.SerialNumber, second.SerialNumber)
	sans := make(map[string]bool)
	for _, ip := range second.IPAddresses {
		sans[ip.String()] = true
	}
	assert.True(t, sans["172.16.0.2"])
}

// writePairExpiringAt persists a valid pair with serial 1 and the given
// notAfter, covering loopback plus 10.0.0.5.
func writePairExpiringAt(t *testing.T, s *Store, notAfter time.Time) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses: []net.IP{
			net.ParseIP("127.0.0.1"),
			net.ParseIP("::1"),
			net.ParseIP("10.0.0.5").To4(),
		},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(s.dir, 0o700))
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	require.NoError(t, os.WriteFile(s.CertPath(), certPEM, 0o644))
	require.NoError(t, os.WriteFile(s.KeyPath(), keyPEM, 0o600))
}

func TestRegenerateNearExpiry(t *testing.T) {
	s := newTestStore(t, "10.0.0.5")
	writePairExpiringAt(t, s, time.Now().Add(3*24*time.Hour))

	c := leaf(t, s)
	assert.NotZero(t, c.SerialNumber.Cmp(big.NewInt(1)),
		"a pair inside the renewal margin must be replaced")
	assert.Greater(t, time.Until(c.NotAfter), expiryMargin)
}

func TestReuseOutsideExpiryMargin(t *testing.T) {
	s := newTestStore(t, "10.0.0.5")
	writePairExpiringAt(t, s, time.Now().Add(30*24*time.Hour))

	c := leaf(t, s)
	assert.Zero(t, c.SerialNumber.Cmp(big.NewInt(1)),
		"a pair comfortably before the margin is reused")
}

func TestRegenerateWhenCorrupt(t *testing.T) {
	s := newTestStore(t, "10.0.0.5")
	_, err := s.Load()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(s.CertPath(), []byte("not a pem"), 0o644))
	_, err = s.Load()
	require.NoError(t, err, "a corrupt pair should be silently regenerated")
}

func TestNoLANAddresses(t *testing.T) {
	s := newTestStore(t)
	c := leaf(t, s)

	// Loopback-only machines still get a working localhost certificate.
	assert.Contains(t, c.DNSNames, "localhost")
}
