package tls_test

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jkoelker/ffsclient/log"
	tlspkg "github.com/jkoelker/ffsclient/tls"
)

func setupTestLogging(t *testing.T) context.Context {
	t.Helper()

	return log.WithLogger(t.Context(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// writePair writes a fresh self-signed pair to dir.
func writePair(t *testing.T, certPath, keyPath string) {
	t.Helper()

	certPEM, keyPEM, err := tlspkg.GenerateSelfSigned(time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate certificate: %v", err)
	}

	// Key first so the pair matches once the cert lands.
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		t.Fatalf("Failed to write key file: %v", err)
	}

	if err := os.WriteFile(certPath, certPEM, 0o600); err != nil {
		t.Fatalf("Failed to write cert file: %v", err)
	}
}

func leaf(t *testing.T, manager *tlspkg.Manager) []byte {
	t.Helper()

	cert, err := manager.GetCertificate(nil)
	if err != nil {
		t.Fatalf("Failed to get certificate: %v", err)
	}

	return cert.Certificate[0]
}

func TestManagerSelfSigned(t *testing.T) {
	t.Parallel()

	manager := tlspkg.NewManager("", "")

	if _, err := manager.GetCertificate(nil); !errors.Is(err, tlspkg.ErrNoCertificate) {
		t.Fatalf("Expected ErrNoCertificate before Load, got %v", err)
	}

	if err := manager.Load(setupTestLogging(t)); err != nil {
		t.Fatalf("Failed to load self-signed certificate: %v", err)
	}

	if len(leaf(t, manager)) == 0 {
		t.Error("No certificate data generated")
	}

	// Nothing to watch.
	if err := manager.Watch(t.Context()); err != nil {
		t.Errorf("Watch returned %v", err)
	}
}

func TestManagerIncompletePair(t *testing.T) {
	t.Parallel()

	manager := tlspkg.NewManager(filepath.Join(t.TempDir(), "tls.crt"), "")

	if err := manager.Load(setupTestLogging(t)); !errors.Is(err, tlspkg.ErrIncompletePair) {
		t.Errorf("Expected ErrIncompletePair, got %v", err)
	}
}

func TestManagerMissingFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	manager := tlspkg.NewManager(filepath.Join(dir, "tls.crt"), filepath.Join(dir, "tls.key"))

	if err := manager.Load(setupTestLogging(t)); err == nil {
		t.Error("Expected an error for missing files")
	}
}

func TestManagerServesTLS(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	certPath := filepath.Join(dir, "tls.crt")
	keyPath := filepath.Join(dir, "tls.key")
	writePair(t, certPath, keyPath)

	manager := tlspkg.NewManager(certPath, keyPath)
	if err := manager.Load(setupTestLogging(t)); err != nil {
		t.Fatalf("Failed to load certificate: %v", err)
	}

	server := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	server.TLS = manager.Config()
	server.StartTLS()
	t.Cleanup(server.Close)

	conn, err := tls.Dial("tcp", server.Listener.Addr().String(), &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec // Self-signed test certificate
		MinVersion:         tls.VersionTLS12,
	})
	if err != nil {
		t.Fatalf("TLS handshake failed: %v", err)
	}

	defer conn.Close()

	served := conn.ConnectionState().PeerCertificates[0].Raw
	if !bytes.Equal(served, leaf(t, manager)) {
		t.Error("Server did not present the loaded certificate")
	}
}

func TestManagerReloadsOnChange(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	certPath := filepath.Join(dir, "tls.crt")
	keyPath := filepath.Join(dir, "tls.key")
	writePair(t, certPath, keyPath)

	ctx, cancel := context.WithCancel(setupTestLogging(t))

	manager := tlspkg.NewManager(certPath, keyPath)
	if err := manager.Load(ctx); err != nil {
		t.Fatalf("Failed to load certificate: %v", err)
	}

	initial := leaf(t, manager)

	done := make(chan error, 1)

	go func() { done <- manager.Watch(ctx) }()

	t.Cleanup(func() {
		cancel()

		if err := <-done; err != nil {
			t.Errorf("Watch returned %v", err)
		}
	})

	// Rewrite until the watcher is registered and picks the change up.
	deadline := time.Now().Add(5 * time.Second)

	for bytes.Equal(initial, leaf(t, manager)) {
		if time.Now().After(deadline) {
			t.Fatal("Certificate was not reloaded")
		}

		writePair(t, certPath, keyPath)
		time.Sleep(50 * time.Millisecond)
	}
}

func TestGenerateSelfSigned(t *testing.T) {
	t.Parallel()

	certPEM, keyPEM, err := tlspkg.GenerateSelfSigned(time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate certificate: %v", err)
	}

	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("Generated pair does not parse: %v", err)
	}

	if err := pair.Leaf.VerifyHostname("localhost"); err != nil {
		t.Errorf("Certificate is not valid for localhost: %v", err)
	}

	if err := pair.Leaf.VerifyHostname(net.IPv4(127, 0, 0, 1).String()); err != nil {
		t.Errorf("Certificate is not valid for 127.0.0.1: %v", err)
	}
}
