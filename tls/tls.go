// Package tls serves the local metrics and health endpoint over TLS,
// reloading the key pair when its files change.
package tls

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jkoelker/ffsclient/log"
)

const (
	defaultSerialBits = 128

	// SelfSignedLifetime is how long generated certificates are valid.
	SelfSignedLifetime = 7 * 24 * time.Hour
)

var (
	// ErrNoCertificate is returned when no certificate is loaded yet.
	ErrNoCertificate = errors.New("no TLS certificate available")

	// ErrIncompletePair is returned when only one of the cert and key paths is set.
	ErrIncompletePair = errors.New("both TLS cert and key paths are required")
)

// Manager holds the endpoint key pair.
type Manager struct {
	certPath string
	keyPath  string

	mu          sync.RWMutex
	certificate *tls.Certificate
	keyPEM      []byte
}

// NewManager creates a manager for the key pair at certPath and keyPath.
// With both empty it serves a self-signed localhost certificate.
func NewManager(certPath, keyPath string) *Manager {
	return &Manager{certPath: certPath, keyPath: keyPath}
}

// Load reads the key pair, or generates a self-signed one when no files
// are configured.
func (m *Manager) Load(ctx context.Context) error {
	switch {
	case m.certPath == "" && m.keyPath == "":
		certPEM, keyPEM, err := GenerateSelfSigned(SelfSignedLifetime)
		if err != nil {
			return err
		}

		if _, err := m.install(certPEM, keyPEM); err != nil {
			return err
		}

		log.Info(ctx, "Using self-signed TLS certificate", "valid_for", SelfSignedLifetime)

		return nil
	case m.certPath == "" || m.keyPath == "":
		return ErrIncompletePair
	}

	if err := m.reload(ctx); err != nil {
		return err
	}

	log.Info(ctx, "Loaded TLS certificate", "cert_path", m.certPath, "key_path", m.keyPath)

	return nil
}

// Watch reloads the key pair when one of its files is written or
// replaced, until ctx is done. It returns at once for self-signed pairs.
func (m *Manager) Watch(ctx context.Context) error {
	if m.certPath == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	defer func() { _ = watcher.Close() }()

	// Directories survive the rename dance of atomic certificate updates,
	// the files themselves do not.
	for _, dir := range watchDirs(m.certPath, m.keyPath) {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if !m.affects(event) {
				continue
			}

			log.Debug(ctx, "Certificate file event", "event", event.Op.String(), "file", event.Name)

			// A half written pair fails to parse; the next event retries.
			if err := m.reload(ctx); err != nil {
				log.Warn(ctx, "Failed to reload TLS certificate", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			log.Warn(ctx, "Certificate watch error", "error", err)
		}
	}
}

func watchDirs(paths ...string) []string {
	seen := map[string]bool{}
	dirs := make([]string, 0, len(paths))

	for _, path := range paths {
		dir := filepath.Dir(filepath.Clean(path))
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}

	return dirs
}

func (m *Manager) affects(event fsnotify.Event) bool {
	if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
		return false
	}

	name := filepath.Clean(event.Name)

	return name == filepath.Clean(m.certPath) || name == filepath.Clean(m.keyPath)
}

func (m *Manager) reload(ctx context.Context) error {
	certPEM, err := os.ReadFile(filepath.Clean(m.certPath))
	if err != nil {
		return fmt.Errorf("failed to read cert file: %w", err)
	}

	keyPEM, err := os.ReadFile(filepath.Clean(m.keyPath))
	if err != nil {
		return fmt.Errorf("failed to read key file: %w", err)
	}

	changed, err := m.install(certPEM, keyPEM)
	if err != nil {
		return err
	}

	if changed {
		log.Info(ctx, "Updated TLS certificate")
	}

	return nil
}

// install parses the PEM pair and reports whether it replaced a
// different certificate.
func (m *Manager) install(certPEM, keyPEM []byte) (bool, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return false, fmt.Errorf("failed to parse certificate: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.certificate != nil &&
		bytes.Equal(m.certificate.Certificate[0], cert.Certificate[0]) &&
		bytes.Equal(m.keyPEM, keyPEM) {
		return false, nil
	}

	m.certificate = &cert
	m.keyPEM = keyPEM

	return true, nil
}

// GetCertificate implements tls.Config.GetCertificate.
func (m *Manager) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.certificate == nil {
		return nil, ErrNoCertificate
	}

	return m.certificate, nil
}

// Config returns a server tls.Config serving the current certificate.
func (m *Manager) Config() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: m.GetCertificate,
	}
}

// GenerateSelfSigned returns a PEM encoded certificate and EC key for
// localhost valid for lifetime.
func GenerateSelfSigned(lifetime time.Duration) ([]byte, []byte, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), defaultSerialBits))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{Organization: []string{"ffsclient (Self-Signed)"}},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(lifetime),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}, //nolint:mnd // Loopback
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal EC private key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	return certPEM, keyPEM, nil
}
