package certificate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/domain-engine/internal/domain"
	"github.com/kursadbilgin/domain-engine/internal/ratelimit"
	"go.uber.org/zap"
)

const (
	defaultOperationTimeout = 3 * time.Minute
	issueRateLimitKey       = "acme:issue"
)

// BatchResult partitions the domains of a renewal batch.
type BatchResult struct {
	Renewed []string
	Skipped []string
	Failed  []string
}

func (r BatchResult) Total() int {
	return len(r.Renewed) + len(r.Skipped) + len(r.Failed)
}

type Manager struct {
	authority        Authority
	limiter          ratelimit.RateLimiter
	operationTimeout time.Duration
	logger           *zap.Logger
}

type ManagerOption func(*Manager)

// WithRateLimiter throttles issuance across all domains.
func WithRateLimiter(limiter ratelimit.RateLimiter) ManagerOption {
	return func(m *Manager) {
		m.limiter = limiter
	}
}

// WithOperationTimeout bounds each per-domain renewal in a batch.
func WithOperationTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) {
		if timeout > 0 {
			m.operationTimeout = timeout
		}
	}
}

func NewManager(authority Authority, logger *zap.Logger, opts ...ManagerOption) (*Manager, error) {
	if authority == nil {
		return nil, fmt.Errorf("certificate authority is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		authority:        authority,
		operationTimeout: defaultOperationTimeout,
		logger:           logger,
	}
	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// Issue requests a certificate for the domain (and its www. form when apex).
// A newly deployed certificate and one not yet due for renewal both succeed.
func (m *Manager) Issue(ctx context.Context, name string) (bool, error) {
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx, issueRateLimitKey); err != nil {
			return false, fmt.Errorf("wait for issuance slot: %w", err)
		}
	}

	names := domain.ServerNames(name)
	outcome, err := m.authority.Issue(ctx, names)
	if err != nil {
		m.logger.Warn("certificate issuance failed",
			zap.String("domain", name),
			zap.Error(err),
		)
		return false, err
	}

	switch outcome {
	case OutcomeIssued, OutcomeAlreadyValid:
		m.logger.Info("certificate ready",
			zap.String("domain", name),
			zap.String("outcome", string(outcome)),
		)
		return true, nil
	default:
		return false, fmt.Errorf("%w: unexpected outcome %q", ErrIssueFailed, outcome)
	}
}

// GetExpiry returns nil when the certificate cannot be found or queried.
func (m *Manager) GetExpiry(ctx context.Context, name string) *time.Time {
	expiry, err := m.authority.Expiry(ctx, name)
	if err != nil {
		m.logger.Debug("certificate expiry unavailable",
			zap.String("domain", name),
			zap.Error(err),
		)
		return nil
	}
	return expiry
}

func (m *Manager) Renew(ctx context.Context, name string) (RenewOutcome, error) {
	outcome, err := m.authority.Renew(ctx, name)
	if err != nil {
		return "", err
	}

	switch outcome {
	case OutcomeRenewed, OutcomeSkipped:
		return outcome, nil
	default:
		return "", fmt.Errorf("%w: unexpected outcome %q", ErrRenewFailed, outcome)
	}
}

// RenewBatch renews each domain independently. Every distinct input domain
// lands in exactly one bucket of the result.
func (m *Manager) RenewBatch(ctx context.Context, names []string) BatchResult {
	var result BatchResult

	seen := make(map[string]struct{}, len(names))
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}

		outcome, err := m.renewOne(ctx, name)
		switch {
		case err != nil:
			m.logger.Warn("certificate renewal failed",
				zap.String("domain", name),
				zap.Error(err),
			)
			result.Failed = append(result.Failed, name)
		case outcome == OutcomeRenewed:
			result.Renewed = append(result.Renewed, name)
		default:
			result.Skipped = append(result.Skipped, name)
		}
	}

	m.logger.Info("certificate renewal batch finished",
		zap.Int("renewed", len(result.Renewed)),
		zap.Int("skipped", len(result.Skipped)),
		zap.Int("failed", len(result.Failed)),
	)
	return result
}

func (m *Manager) renewOne(ctx context.Context, name string) (RenewOutcome, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	opCtx, cancel := context.WithTimeout(ctx, m.operationTimeout)
	defer cancel()

	return m.Renew(opCtx, name)
}

// Remove deletes the certificate. Failures are logged only.
func (m *Manager) Remove(ctx context.Context, name string) {
	if err := m.authority.Delete(ctx, name); err != nil {
		m.logger.Warn("certificate removal failed",
			zap.String("domain", name),
			zap.Error(err),
		)
	}
}

// NeedsProxyRefresh reports whether the proxy must be reconfigured after
// issuance before TLS is served.
func (m *Manager) NeedsProxyRefresh() bool {
	refresher, ok := m.authority.(ProxyRefresher)
	return ok && refresher.NeedsProxyRefresh()
}
