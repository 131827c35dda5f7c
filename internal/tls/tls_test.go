package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	standardtls "crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func leafOf(t *testing.T, cert *standardtls.Certificate) *x509.Certificate {
	t.Helper()
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}
	return leaf
}

func TestGenerateSelfSignedCert(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert("Mail.Tutorbook.org", "10.0.0.5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	leaf := leafOf(t, cert)

	if leaf.Subject.CommonName != "mail.tutorbook.org" {
		t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, "mail.tutorbook.org")
	}
	for _, want := range []string{"mail.tutorbook.org", "localhost"} {
		if !slices.Contains(leaf.DNSNames, want) {
			t.Errorf("DNS SANs: %v does not contain %s", leaf.DNSNames, want)
		}
	}

	var ips []string
	for _, ip := range leaf.IPAddresses {
		ips = append(ips, ip.String())
	}
	for _, want := range []string{"127.0.0.1", "10.0.0.5"} {
		if !slices.Contains(ips, want) {
			t.Errorf("IP SANs: %v does not contain %s", ips, want)
		}
	}

	validDuration := leaf.NotAfter.Sub(leaf.NotBefore)
	if validDuration < certValidity-time.Hour || validDuration > certValidity+time.Hour {
		t.Errorf("validity duration: got %v, want approximately %v", validDuration, certValidity)
	}

	ecKey, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		t.Fatal("public key is not ECDSA")
	}
	if ecKey.Curve != elliptic.P256() {
		t.Errorf("curve: got %v, want P-256", ecKey.Curve.Params().Name)
	}

	if leaf.Issuer.CommonName != leaf.Subject.CommonName {
		t.Errorf("issuer CN %q does not match subject CN %q", leaf.Issuer.CommonName, leaf.Subject.CommonName)
	}
}

func TestGenerateSelfSignedCert_NoHosts(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	leaf := leafOf(t, cert)
	if leaf.Subject.CommonName != "localhost" {
		t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, "localhost")
	}
	if len(leaf.DNSNames) != 1 {
		t.Errorf("DNS SANs: got %v, want [localhost]", leaf.DNSNames)
	}
}

func TestLoadOrGenerateTLS_SelfSigned(t *testing.T) {
	t.Parallel()

	tlsConfig, err := LoadOrGenerateTLS("", "", "mail.tutorbook.org")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tlsConfig.Certificates) != 1 {
		t.Fatalf("Certificates: got %d, want 1", len(tlsConfig.Certificates))
	}
	if tlsConfig.MinVersion != standardtls.VersionTLS12 {
		t.Errorf("MinVersion: got %d, want TLS 1.2 (%d)", tlsConfig.MinVersion, standardtls.VersionTLS12)
	}
	if cn := leafOf(t, &tlsConfig.Certificates[0]).Subject.CommonName; cn != "mail.tutorbook.org" {
		t.Errorf("CN: got %q, want %q", cn, "mail.tutorbook.org")
	}
}

func TestLoadOrGenerateTLS_FromFiles(t *testing.T) {
	t.Parallel()

	certPEM, keyPEM, err := SelfSignedPEM("relay.example.org")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, certPEM, 0600); err != nil {
		t.Fatalf("failed to write cert: %v", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}

	tlsConfig, err := LoadOrGenerateTLS(certFile, keyFile, "ignored.example.org")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cn := leafOf(t, &tlsConfig.Certificates[0]).Subject.CommonName; cn != "relay.example.org" {
		t.Errorf("CN: got %q, want %q", cn, "relay.example.org")
	}
}

func TestLoadOrGenerateTLS_FileNotFound(t *testing.T) {
	t.Parallel()

	_, err := LoadOrGenerateTLS("/nonexistent/cert.pem", "/nonexistent/key.pem")
	if err == nil {
		t.Error("expected error for nonexistent files, got nil")
	}
}

func TestLoadOrGenerateTLS_KeyMissing(t *testing.T) {
	t.Parallel()

	_, err := LoadOrGenerateTLS("/nonexistent/cert.pem", "")
	if err == nil {
		t.Error("expected error for missing key file, got nil")
	}
}

func TestMode(t *testing.T) {
	t.Parallel()

	if got := Mode("", ""); got != "self-signed" {
		t.Errorf("Mode: got %q, want %q", got, "self-signed")
	}
	if got := Mode("c.pem", "k.pem"); got != "file" {
		t.Errorf("Mode: got %q, want %q", got, "file")
	}
}
