package certificate

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/kursadbilgin/domain-engine/internal/command"
	"go.uber.org/zap"
)

const certbotExpiryLayout = "2006-01-02 15:04:05-07:00"

var certbotExpiryPattern = regexp.MustCompile(`Expiry Date:\s*(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}[+-]\d{2}:\d{2})`)

var (
	certbotIssuedMarkers       = []string{"Successfully deployed certificate", "Congratulations"}
	certbotAlreadyValidMarkers = []string{"Certificate not yet due for renewal", "Keeping the existing certificate"}
	certbotRenewedMarkers      = []string{"Congratulations, all renewals succeeded"}
	certbotSkippedMarkers      = []string{"not due for renewal", "No renewals were attempted"}
)

type CertbotConfig struct {
	Binary string
	Email  string
}

var _ Authority = (*CertbotAuthority)(nil)

// CertbotAuthority drives the certbot CLI with its nginx installer. Certbot
// edits the site file and reloads nginx itself.
type CertbotAuthority struct {
	binary     string
	email      string
	runner     command.Runner
	reloadLock sync.Locker
	logger     *zap.Logger
}

func NewCertbotAuthority(cfg CertbotConfig, runner command.Runner, logger *zap.Logger) (*CertbotAuthority, error) {
	if runner == nil {
		return nil, fmt.Errorf("command runner is required")
	}
	email := strings.TrimSpace(cfg.Email)
	if email == "" {
		return nil, fmt.Errorf("acme contact email is required")
	}
	binary := strings.TrimSpace(cfg.Binary)
	if binary == "" {
		binary = "certbot"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &CertbotAuthority{
		binary:     binary,
		email:      email,
		runner:     runner,
		reloadLock: &sync.Mutex{},
		logger:     logger,
	}, nil
}

// SetReloadLock shares the proxy's validate/reload lock so certbot's own
// nginx reloads never race the configurator.
func (a *CertbotAuthority) SetReloadLock(l sync.Locker) {
	if l != nil {
		a.reloadLock = l
	}
}

func (a *CertbotAuthority) Issue(ctx context.Context, names []string) (IssueOutcome, error) {
	if len(names) == 0 {
		return "", fmt.Errorf("%w: no names given", ErrIssueFailed)
	}

	args := []string{
		"--nginx",
		"--non-interactive",
		"--agree-tos",
		"--redirect",
		"--email", a.email,
		"--cert-name", names[0],
	}
	for _, name := range names {
		args = append(args, "-d", name)
	}

	out, err := a.runLocked(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrIssueFailed, err)
	}

	switch {
	case containsAny(out, certbotAlreadyValidMarkers):
		return OutcomeAlreadyValid, nil
	case containsAny(out, certbotIssuedMarkers):
		return OutcomeIssued, nil
	default:
		return "", fmt.Errorf("%w: unrecognized certbot output: %s", ErrIssueFailed, lastLine(out))
	}
}

func (a *CertbotAuthority) Expiry(ctx context.Context, name string) (*time.Time, error) {
	result, err := a.runner.Run(ctx, a.binary, "certificates", "--cert-name", name)
	if err != nil {
		return nil, err
	}

	return parseCertbotExpiry(result.Output)
}

func (a *CertbotAuthority) Renew(ctx context.Context, name string) (RenewOutcome, error) {
	out, err := a.runLocked(ctx, "renew", "--cert-name", name, "--non-interactive")
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRenewFailed, err)
	}

	switch {
	case containsAny(out, certbotRenewedMarkers):
		return OutcomeRenewed, nil
	case containsAny(out, certbotSkippedMarkers):
		return OutcomeSkipped, nil
	default:
		return "", fmt.Errorf("%w: unrecognized certbot output: %s", ErrRenewFailed, lastLine(out))
	}
}

func (a *CertbotAuthority) Delete(ctx context.Context, name string) error {
	_, err := a.runner.Run(ctx, a.binary, "delete", "--cert-name", name, "--non-interactive")
	return err
}

func (a *CertbotAuthority) runLocked(ctx context.Context, args ...string) (string, error) {
	a.reloadLock.Lock()
	defer a.reloadLock.Unlock()

	result, err := a.runner.Run(ctx, a.binary, args...)
	return result.Output, err
}

func parseCertbotExpiry(output string) (*time.Time, error) {
	match := certbotExpiryPattern.FindStringSubmatch(output)
	if len(match) != 2 {
		return nil, ErrCertificateNotFound
	}

	expiry, err := time.Parse(certbotExpiryLayout, match[1])
	if err != nil {
		return nil, fmt.Errorf("parse expiry %q: %w", match[1], err)
	}

	expiry = expiry.UTC()
	return &expiry, nil
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
