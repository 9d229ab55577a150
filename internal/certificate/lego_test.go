package certificate

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	legocert "github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"
)

type fakeACMEClient struct {
	registered int
	obtained   []legocert.ObtainRequest
	obtainFn   func(req legocert.ObtainRequest) (*legocert.Resource, error)
}

func (f *fakeACMEClient) Register(registration.RegisterOptions) (*registration.Resource, error) {
	f.registered++
	return &registration.Resource{URI: "https://acme.test/acct/1"}, nil
}

func (f *fakeACMEClient) SetHTTP01Provider(challenge.Provider) error { return nil }

func (f *fakeACMEClient) Obtain(req legocert.ObtainRequest) (*legocert.Resource, error) {
	f.obtained = append(f.obtained, req)
	if f.obtainFn != nil {
		return f.obtainFn(req)
	}
	return nil, errors.New("obtain not configured")
}

func TestLegoAuthorityIssueAndExpiry(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	notAfter := now.Add(90 * 24 * time.Hour)
	client := &fakeACMEClient{
		obtainFn: func(req legocert.ObtainRequest) (*legocert.Resource, error) {
			return selfSignedResource(t, req.Domains, notAfter), nil
		},
	}
	a, certDir := newTestLego(t, client, now)

	outcome, err := a.Issue(context.Background(), []string{"example.com", "www.example.com"})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if outcome != OutcomeIssued {
		t.Fatalf("Issue() = %q, want %q", outcome, OutcomeIssued)
	}

	for _, file := range []string{accountKeyFile, filepath.Join("example.com", certificateFile), filepath.Join("example.com", privateKeyFile)} {
		if _, err := os.Stat(filepath.Join(certDir, file)); err != nil {
			t.Fatalf("expected %s to exist: %v", file, err)
		}
	}

	expiry, err := a.Expiry(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("Expiry() error = %v", err)
	}
	if !expiry.Equal(notAfter) {
		t.Fatalf("Expiry() = %v, want %v", expiry, notAfter)
	}

	// A valid stored certificate covering the names is reused.
	outcome, err = a.Issue(context.Background(), []string{"example.com", "www.example.com"})
	if err != nil {
		t.Fatalf("second Issue() error = %v", err)
	}
	if outcome != OutcomeAlreadyValid {
		t.Fatalf("second Issue() = %q, want %q", outcome, OutcomeAlreadyValid)
	}
	if len(client.obtained) != 1 || client.registered != 1 {
		t.Fatalf("obtained=%d registered=%d, want 1/1", len(client.obtained), client.registered)
	}

	files, ok := a.Locate("example.com")
	if !ok || files.CertFile != filepath.Join(certDir, "example.com", certificateFile) {
		t.Fatalf("Locate() = %+v, %v", files, ok)
	}
}

func TestLegoAuthorityIssueFailure(t *testing.T) {
	t.Parallel()

	client := &fakeACMEClient{
		obtainFn: func(legocert.ObtainRequest) (*legocert.Resource, error) {
			return nil, errors.New("urn:ietf:params:acme:error:unauthorized")
		},
	}
	a, _ := newTestLego(t, client, time.Now())

	if _, err := a.Issue(context.Background(), []string{"example.com"}); !errors.Is(err, ErrIssueFailed) {
		t.Fatalf("Issue() error = %v, want ErrIssueFailed", err)
	}
	if _, ok := a.Locate("example.com"); ok {
		t.Fatal("no files should be located after a failed issuance")
	}
}

func TestLegoAuthorityRenew(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	notAfter := now.Add(60 * 24 * time.Hour)
	client := &fakeACMEClient{
		obtainFn: func(req legocert.ObtainRequest) (*legocert.Resource, error) {
			return selfSignedResource(t, req.Domains, notAfter), nil
		},
	}
	a, _ := newTestLego(t, client, now)

	if _, err := a.Renew(context.Background(), "example.com"); !errors.Is(err, ErrRenewFailed) {
		t.Fatalf("Renew() without certificate error = %v, want ErrRenewFailed", err)
	}

	if _, err := a.Issue(context.Background(), []string{"example.com", "www.example.com"}); err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	outcome, err := a.Renew(context.Background(), "example.com")
	if err != nil || outcome != OutcomeSkipped {
		t.Fatalf("Renew() = %q, %v, want skipped", outcome, err)
	}

	a.now = func() time.Time { return notAfter.Add(-10 * 24 * time.Hour) }
	notAfter = notAfter.Add(90 * 24 * time.Hour)

	outcome, err = a.Renew(context.Background(), "example.com")
	if err != nil || outcome != OutcomeRenewed {
		t.Fatalf("Renew() = %q, %v, want renewed", outcome, err)
	}

	last := client.obtained[len(client.obtained)-1]
	if len(last.Domains) != 2 || last.Domains[0] != "example.com" {
		t.Fatalf("renewal names = %v, want example.com first", last.Domains)
	}

	expiry, err := a.Expiry(context.Background(), "example.com")
	if err != nil || !expiry.Equal(notAfter) {
		t.Fatalf("Expiry() after renew = %v, %v, want %v", expiry, err, notAfter)
	}
}

func TestLegoAuthorityDelete(t *testing.T) {
	t.Parallel()

	client := &fakeACMEClient{
		obtainFn: func(req legocert.ObtainRequest) (*legocert.Resource, error) {
			return selfSignedResource(t, req.Domains, time.Now().Add(90*24*time.Hour)), nil
		},
	}
	a, _ := newTestLego(t, client, time.Now())

	if _, err := a.Issue(context.Background(), []string{"example.com"}); err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if err := a.Delete(context.Background(), "example.com"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := a.Expiry(context.Background(), "example.com"); !errors.Is(err, ErrCertificateNotFound) {
		t.Fatalf("Expiry() after delete error = %v, want ErrCertificateNotFound", err)
	}
}

func newTestLego(t *testing.T, client *fakeACMEClient, now time.Time) (*LegoAuthority, string) {
	t.Helper()

	certDir := filepath.Join(t.TempDir(), "certs")
	a, err := NewLegoAuthority(LegoConfig{
		Email:        "ops@example.net",
		DirectoryURL: "https://acme.test/directory",
		CertDir:      certDir,
		Webroot:      t.TempDir(),
	}, nil)
	if err != nil {
		t.Fatalf("NewLegoAuthority() error = %v", err)
	}
	a.newClient = func(*lego.Config) (acmeClient, error) { return client, nil }
	a.now = func() time.Time { return now }

	return a, certDir
}

func selfSignedResource(t *testing.T, names []string, notAfter time.Time) *legocert.Resource {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: names[0]},
		DNSNames:     names,
		NotBefore:    notAfter.Add(-90 * 24 * time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate() error = %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalECPrivateKey() error = %v", err)
	}

	return &legocert.Resource{
		Domain:      names[0],
		Certificate: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		PrivateKey:  pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	}
}
