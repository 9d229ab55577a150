package certificate

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	legocert "github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/providers/http/webroot"
	"github.com/go-acme/lego/v4/registration"
	"github.com/kursadbilgin/domain-engine/internal/domain"
	"github.com/kursadbilgin/domain-engine/internal/proxy"
	"go.uber.org/zap"
)

const (
	accountKeyFile   = "account.key"
	certificateFile  = "fullchain.pem"
	privateKeyFile   = "privkey.pem"
	defaultRenewDays = 30
)

type LegoConfig struct {
	Email        string
	DirectoryURL string
	CertDir      string
	Webroot      string
	KeyType      certcrypto.KeyType
	RenewBefore  time.Duration
}

var (
	_ Authority        = (*LegoAuthority)(nil)
	_ ProxyRefresher   = (*LegoAuthority)(nil)
	_ proxy.TLSLocator = (*LegoAuthority)(nil)
)

// LegoAuthority issues certificates in-process over HTTP-01, with challenge
// files written to a webroot the proxy serves.
type LegoAuthority struct {
	cfg       LegoConfig
	newClient func(*lego.Config) (acmeClient, error)
	now       func() time.Time
	logger    *zap.Logger

	mu     sync.Mutex
	client acmeClient
}

func NewLegoAuthority(cfg LegoConfig, logger *zap.Logger) (*LegoAuthority, error) {
	cfg.Email = strings.TrimSpace(cfg.Email)
	if cfg.Email == "" {
		return nil, fmt.Errorf("acme contact email is required")
	}
	if strings.TrimSpace(cfg.CertDir) == "" {
		return nil, fmt.Errorf("certificate directory is required")
	}
	if strings.TrimSpace(cfg.Webroot) == "" {
		return nil, fmt.Errorf("acme webroot is required")
	}
	if cfg.DirectoryURL == "" {
		cfg.DirectoryURL = lego.LEDirectoryProduction
	}
	if cfg.KeyType == "" {
		cfg.KeyType = certcrypto.EC256
	}
	if cfg.RenewBefore <= 0 {
		cfg.RenewBefore = defaultRenewDays * 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &LegoAuthority{
		cfg:       cfg,
		newClient: defaultClientFactory,
		now:       time.Now,
		logger:    logger,
	}, nil
}

func (a *LegoAuthority) NeedsProxyRefresh() bool { return true }

// Locate returns the stored certificate files for the proxy's TLS block.
func (a *LegoAuthority) Locate(name string) (*proxy.TLSFiles, bool) {
	files := &proxy.TLSFiles{
		CertFile: a.path(name, certificateFile),
		KeyFile:  a.path(name, privateKeyFile),
	}
	for _, p := range []string{files.CertFile, files.KeyFile} {
		if _, err := os.Stat(p); err != nil {
			return nil, false
		}
	}
	return files, true
}

func (a *LegoAuthority) Issue(ctx context.Context, names []string) (IssueOutcome, error) {
	if len(names) == 0 {
		return "", fmt.Errorf("%w: no names given", ErrIssueFailed)
	}

	if leaf, err := a.readLeaf(names[0]); err == nil && a.covers(leaf, names) && !a.dueForRenewal(leaf) {
		return OutcomeAlreadyValid, nil
	}

	if err := a.obtain(ctx, names); err != nil {
		return "", fmt.Errorf("%w: %w", ErrIssueFailed, err)
	}
	return OutcomeIssued, nil
}

func (a *LegoAuthority) Expiry(_ context.Context, name string) (*time.Time, error) {
	leaf, err := a.readLeaf(name)
	if err != nil {
		return nil, err
	}

	expiry := leaf.NotAfter.UTC()
	return &expiry, nil
}

func (a *LegoAuthority) Renew(ctx context.Context, name string) (RenewOutcome, error) {
	leaf, err := a.readLeaf(name)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRenewFailed, err)
	}
	if !a.dueForRenewal(leaf) {
		return OutcomeSkipped, nil
	}

	names := leaf.DNSNames
	if len(names) == 0 {
		names = domain.ServerNames(name)
	}
	// The certificate is stored under the domain, which must stay the first name.
	names = withFirst(names, domain.BareDomain(name))

	if err := a.obtain(ctx, names); err != nil {
		return "", fmt.Errorf("%w: %w", ErrRenewFailed, err)
	}
	return OutcomeRenewed, nil
}

func (a *LegoAuthority) Delete(_ context.Context, name string) error {
	dir := a.dir(name)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove certificate directory: %w", err)
	}
	return nil
}

func (a *LegoAuthority) obtain(ctx context.Context, names []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	client, err := a.acmeClient()
	if err != nil {
		return err
	}

	type obtainResult struct {
		res *legocert.Resource
		err error
	}
	done := make(chan obtainResult, 1)
	go func() {
		res, err := client.Obtain(legocert.ObtainRequest{
			Domains: names,
			Bundle:  true,
		})
		done <- obtainResult{res: res, err: err}
	}()

	var res *legocert.Resource
	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-done:
		if r.err != nil {
			return fmt.Errorf("obtain certificate: %w", r.err)
		}
		res = r.res
	}

	if err := a.writeCertificate(names[0], res); err != nil {
		return err
	}

	a.logger.Info("certificate obtained",
		zap.String("domain", names[0]),
		zap.Strings("names", names),
	)
	return nil
}

func (a *LegoAuthority) acmeClient() (acmeClient, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client != nil {
		return a.client, nil
	}

	key, err := a.loadAccountKey()
	if err != nil {
		return nil, err
	}

	user := &accountUser{email: a.cfg.Email, key: key}
	legoCfg := lego.NewConfig(user)
	legoCfg.CADirURL = a.cfg.DirectoryURL
	legoCfg.Certificate.KeyType = a.cfg.KeyType

	client, err := a.newClient(legoCfg)
	if err != nil {
		return nil, fmt.Errorf("create acme client: %w", err)
	}

	provider, err := webroot.NewHTTPProvider(a.cfg.Webroot)
	if err != nil {
		return nil, fmt.Errorf("create webroot provider: %w", err)
	}
	if err := client.SetHTTP01Provider(provider); err != nil {
		return nil, fmt.Errorf("configure http-01 provider: %w", err)
	}

	reg, err := client.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil {
		return nil, fmt.Errorf("register account: %w", err)
	}
	user.registration = reg

	a.client = client
	return client, nil
}

func (a *LegoAuthority) loadAccountKey() (crypto.PrivateKey, error) {
	keyPath := filepath.Join(a.cfg.CertDir, accountKeyFile)

	data, err := os.ReadFile(keyPath)
	if err == nil {
		key, err := certcrypto.ParsePEMPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse account key: %w", err)
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read account key: %w", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate account key: %w", err)
	}
	if err := os.MkdirAll(a.cfg.CertDir, 0o700); err != nil {
		return nil, fmt.Errorf("ensure certificate directory: %w", err)
	}
	if err := os.WriteFile(keyPath, certcrypto.PEMEncode(key), 0o600); err != nil {
		return nil, fmt.Errorf("write account key: %w", err)
	}

	return key, nil
}

func (a *LegoAuthority) writeCertificate(name string, res *legocert.Resource) error {
	if res == nil {
		return errors.New("certificate resource is nil")
	}
	if len(res.PrivateKey) == 0 {
		return errors.New("empty private key received from ACME server")
	}
	if len(res.Certificate) == 0 {
		return errors.New("empty certificate payload received from ACME server")
	}

	if err := os.MkdirAll(a.dir(name), 0o700); err != nil {
		return fmt.Errorf("ensure certificate directory: %w", err)
	}
	if err := os.WriteFile(a.path(name, privateKeyFile), res.PrivateKey, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(a.path(name, certificateFile), res.Certificate, 0o644); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}

	return nil
}

func (a *LegoAuthority) readLeaf(name string) (*x509.Certificate, error) {
	data, err := os.ReadFile(a.path(name, certificateFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrCertificateNotFound
		}
		return nil, fmt.Errorf("read certificate: %w", err)
	}

	leaf, err := certcrypto.ParsePEMCertificate(data)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return leaf, nil
}

func (a *LegoAuthority) dueForRenewal(leaf *x509.Certificate) bool {
	return leaf.NotAfter.Sub(a.now()) <= a.cfg.RenewBefore
}

func (a *LegoAuthority) covers(leaf *x509.Certificate, names []string) bool {
	for _, name := range names {
		if err := leaf.VerifyHostname(name); err != nil {
			return false
		}
	}
	return true
}

func (a *LegoAuthority) dir(name string) string {
	return filepath.Join(a.cfg.CertDir, domain.BareDomain(name))
}

func (a *LegoAuthority) path(name, file string) string {
	return filepath.Join(a.dir(name), file)
}

func withFirst(names []string, first string) []string {
	out := make([]string, 0, len(names)+1)
	out = append(out, first)
	for _, n := range names {
		if n != first {
			out = append(out, n)
		}
	}
	return out
}

type acmeClient interface {
	Register(options registration.RegisterOptions) (*registration.Resource, error)
	SetHTTP01Provider(provider challenge.Provider) error
	Obtain(request legocert.ObtainRequest) (*legocert.Resource, error)
}

func defaultClientFactory(cfg *lego.Config) (acmeClient, error) {
	client, err := lego.NewClient(cfg)
	if err != nil {
		return nil, err
	}

	return &legoClientAdapter{client: client}, nil
}

type legoClientAdapter struct {
	client *lego.Client
}

func (l *legoClientAdapter) Register(options registration.RegisterOptions) (*registration.Resource, error) {
	return l.client.Registration.Register(options)
}

func (l *legoClientAdapter) SetHTTP01Provider(provider challenge.Provider) error {
	return l.client.Challenge.SetHTTP01Provider(provider)
}

func (l *legoClientAdapter) Obtain(request legocert.ObtainRequest) (*legocert.Resource, error) {
	return l.client.Certificate.Obtain(request)
}

type accountUser struct {
	email        string
	registration *registration.Resource
	key          crypto.PrivateKey
}

func (u *accountUser) GetEmail() string {
	return u.email
}

func (u *accountUser) GetRegistration() *registration.Resource {
	return u.registration
}

func (u *accountUser) GetPrivateKey() crypto.PrivateKey {
	return u.key
}
