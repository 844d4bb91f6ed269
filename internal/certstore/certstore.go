// Package certstore manages the self-signed TLS certificate used for HTTPS
// on the LAN: reuse when still fresh and covering the current addresses,
// regenerate otherwise.
package certstore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/acpproxy/acp-proxy/internal/common/logger"
	"go.uber.org/zap"
)

const (
	certFileName = "cert.pem"
	keyFileName  = "key.pem"

	// expiryMargin: certificates closer than this to notAfter are replaced.
	expiryMargin = 7 * 24 * time.Hour
	// validity of freshly generated certificates.
	validity = 365 * 24 * time.Hour

	commonName = "ACP Proxy Server"
	rsaBits    = 2048
)

// Store loads or generates the proxy's TLS key pair under a state directory.
type Store struct {
	dir    string
	logger *logger.Logger

	// lanIPs is swappable for tests.
	lanIPs func() []net.IP
}

// New creates a store rooted at dir (usually ~/.acp-proxy).
func New(dir string, log *logger.Logger) *Store {
	return &Store{
		dir:    dir,
		logger: log.WithComponent("certstore"),
		lanIPs: discoverLANIPs,
	}
}

// CertPath returns the path of the certificate PEM.
func (s *Store) CertPath() string { return filepath.Join(s.dir, certFileName) }

// KeyPath returns the path of the private key PEM.
func (s *Store) KeyPath() string { return filepath.Join(s.dir, keyFileName) }

// Load returns a usable TLS certificate, reusing the on-disk pair when it is
// still fresh and its SANs cover every current non-loopback IPv4 address, and
// generating a new one otherwise.
func (s *Store) Load() (tls.Certificate, error) {
	if cert, ok := s.tryReuse(); ok {
		return cert, nil
	}
	return s.generate()
}

// tryReuse validates the persisted pair against the reuse rules.
func (s *Store) tryReuse() (tls.Certificate, bool) {
	cert, err := tls.LoadX509KeyPair(s.CertPath(), s.KeyPath())
	if err != nil {
		return tls.Certificate{}, false
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		s.logger.Warn("persisted certificate does not parse, regenerating", zap.Error(err))
		return tls.Certificate{}, false
	}

	if time.Until(leaf.NotAfter) <= expiryMargin {
		s.logger.Info("certificate close to expiry, regenerating",
			zap.Time("not_after", leaf.NotAfter))
		return tls.Certificate{}, false
	}

	san := make(map[string]bool, len(leaf.IPAddresses))
	for _, ip := range leaf.IPAddresses {
		san[ip.String()] = true
	}
	for _, ip := range s.lanIPs() {
		if !san[ip.String()] {
			s.logger.Info("LAN address missing from certificate SANs, regenerating",
				zap.String("ip", ip.String()))
			return tls.Certificate{}, false
		}
	}

	s.logger.Info("reusing persisted certificate",
		zap.Time("not_after", leaf.NotAfter))
	cert.Leaf = leaf
	return cert, true
}

// generate creates a fresh self-signed pair and persists it atomically.
func (s *Store) generate() (tls.Certificate, error) {
	s.logger.Info("generating self-signed certificate")

	key, err := rsa.GenerateKey(rand.Reader, rsaBits)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate RSA key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial number: %w", err)
	}

	now := time.Now()
	ips := []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")}
	ips = append(ips, s.lanIPs()...)

	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           ips,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return tls.Certificate{}, fmt.Errorf("create state directory: %w", err)
	}
	if err := writeFileAtomic(s.KeyPath(), keyPEM, 0o600); err != nil {
		return tls.Certificate{}, fmt.Errorf("persist key: %w", err)
	}
	if err := writeFileAtomic(s.CertPath(), certPEM, 0o644); err != nil {
		return tls.Certificate{}, fmt.Errorf("persist certificate: %w", err)
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("assemble key pair: %w", err)
	}
	s.logger.Info("certificate generated",
		zap.Time("not_after", template.NotAfter),
		zap.Int("san_ips", len(ips)))
	return cert, nil
}

// writeFileAtomic writes via a temp file and rename so readers never see a
// partial PEM.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// discoverLANIPs returns the machine's non-loopback IPv4 addresses.
func discoverLANIPs() []net.IP {
	var ips []net.IP
	ifaces, err := net.Interfaces()
	if err != nil {
		return ips
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP.To4()
			if ip == nil || ip.IsLoopback() {
				continue
			}
			ips = append(ips, ip)
		}
	}
	return ips
}
