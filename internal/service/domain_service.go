package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/domain-engine/internal/certificate"
	"github.com/kursadbilgin/domain-engine/internal/dnscheck"
	"github.com/kursadbilgin/domain-engine/internal/domain"
	"github.com/kursadbilgin/domain-engine/internal/lock"
	"github.com/kursadbilgin/domain-engine/internal/notify"
	"github.com/kursadbilgin/domain-engine/internal/observability"
	"github.com/kursadbilgin/domain-engine/internal/proxy"
	"github.com/kursadbilgin/domain-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultRecordTimeout = 5 * time.Minute
	defaultConcurrency   = 4
	defaultLockWait      = 10 * time.Second
	lockPollInterval     = 100 * time.Millisecond
	lockKeyPrefix        = "domain:"
)

const (
	stepDNS          = "dns"
	stepProxy        = "proxy"
	stepCertificate  = "certificate"
	stepProxyRefresh = "proxy_refresh"
)

var errDomainBusy = errors.New("domain is being processed by another operation")

// CertificateManager is the certificate capability the orchestrator drives.
type CertificateManager interface {
	Issue(ctx context.Context, name string) (bool, error)
	GetExpiry(ctx context.Context, name string) *time.Time
	Renew(ctx context.Context, name string) (certificate.RenewOutcome, error)
	RenewBatch(ctx context.Context, names []string) certificate.BatchResult
	Remove(ctx context.Context, name string)
	NeedsProxyRefresh() bool
}

var _ CertificateManager = (*certificate.Manager)(nil)

// OperationResult is the outcome of a request-driven domain operation.
// Partial progress is reported through Record and Error, not as a Go error.
type OperationResult struct {
	Success bool
	Record  *domain.DomainRecord
	Message string
	Error   string
}

type Summary struct {
	Total           int64
	Connected       int64
	Pending         int64
	Failed          int64
	WithCertificate int64
	ExpiringSoon    int64
}

type DomainServiceConfig struct {
	ServerIP      string
	ReservedNames []string
	Concurrency   int
	RecordTimeout time.Duration
	LockTTL       time.Duration
	// LockWait bounds how long removal waits for a running chain to finish.
	LockWait time.Duration
}

// stepError is a failed connection step. It is recorded on the record and retried.
type stepError struct {
	step string
	err  error
}

func (e *stepError) Error() string {
	return fmt.Sprintf("%s: %v", e.step, e.err)
}

func (e *stepError) Unwrap() error {
	return e.err
}

type DomainService struct {
	records  repository.DomainRepository
	dns      dnscheck.Checker
	proxy    proxy.Manager
	certs    CertificateManager
	locker   lock.Locker
	notifier notify.Notifier
	metrics  *observability.Metrics
	logger   *zap.Logger
	cfg      DomainServiceConfig
	now      func() time.Time
}

func NewDomainService(
	records repository.DomainRepository,
	dns dnscheck.Checker,
	proxyManager proxy.Manager,
	certs CertificateManager,
	cfg DomainServiceConfig,
	logger *zap.Logger,
) (*DomainService, error) {
	if records == nil {
		return nil, fmt.Errorf("domain repository is required")
	}
	if dns == nil {
		return nil, fmt.Errorf("dns checker is required")
	}
	if proxyManager == nil {
		return nil, fmt.Errorf("proxy manager is required")
	}
	if certs == nil {
		return nil, fmt.Errorf("certificate manager is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = defaultRecordTimeout
	}
	if cfg.LockTTL <= cfg.RecordTimeout {
		cfg.LockTTL = cfg.RecordTimeout + time.Minute
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = defaultLockWait
	}
	cfg.ReservedNames = normalizeReserved(cfg.ReservedNames)
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DomainService{
		records:  records,
		dns:      dns,
		proxy:    proxyManager,
		certs:    certs,
		locker:   lock.NewMemoryLocker(),
		notifier: notify.NopNotifier{},
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}, nil
}

func (s *DomainService) SetLocker(locker lock.Locker) {
	if locker != nil {
		s.locker = locker
	}
}

func (s *DomainService) SetNotifier(notifier notify.Notifier) {
	if notifier != nil {
		s.notifier = notifier
	}
}

func (s *DomainService) SetMetrics(metrics *observability.Metrics) {
	s.metrics = metrics
}

// AddDomain creates a record for the domain and drives it as far as it gets
// in this call. Duplicates are rejected without creating a record.
func (s *DomainService) AddDomain(ctx context.Context, rawDomain, targetID string) (*OperationResult, error) {
	name := domain.NormalizeDomain(rawDomain)
	if err := domain.ValidateDomain(name, s.cfg.ReservedNames); err != nil {
		return nil, err
	}
	targetID = strings.TrimSpace(targetID)
	if err := domain.ValidateTargetID(targetID); err != nil {
		return nil, err
	}

	_, err := s.records.GetByDomain(ctx, name)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: %s", domain.ErrDuplicate, name)
	case !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("failed to look up domain: %w", err)
	}

	now := s.now().UTC()
	record := &domain.DomainRecord{
		ID:        uuid.NewString(),
		Domain:    name,
		TargetID:  targetID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.records.Create(ctx, record); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %s", domain.ErrDuplicate, name)
		}
		return nil, fmt.Errorf("failed to create domain: %w", err)
	}

	s.logWith(ctx).Info("domain added",
		zap.String("domain", name),
		zap.String("targetId", targetID),
	)

	result, err := s.connect(ctx, record)
	if err != nil {
		return nil, err
	}
	// The record exists; connection progress is reported in the result.
	result.Success = true
	return result, nil
}

func (s *DomainService) ListDomains(ctx context.Context) ([]domain.DomainRecord, error) {
	records, err := s.records.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}
	return records, nil
}

func (s *DomainService) GetDomain(ctx context.Context, rawDomain string) (*OperationResult, error) {
	record, err := s.records.GetByDomain(ctx, domain.NormalizeDomain(rawDomain))
	if err != nil {
		return nil, err
	}

	return &OperationResult{
		Success: true,
		Record:  record,
		Message: statusMessage(record, s.cfg.ServerIP),
		Error:   deref(record.LastError),
	}, nil
}

// VerifyDomain re-checks DNS and continues the connection chain when it passes.
func (s *DomainService) VerifyDomain(ctx context.Context, rawDomain string) (*OperationResult, error) {
	record, err := s.records.GetByDomain(ctx, domain.NormalizeDomain(rawDomain))
	if err != nil {
		return nil, err
	}

	if record.Connected() {
		return &OperationResult{
			Success: true,
			Record:  record,
			Message: statusMessage(record, s.cfg.ServerIP),
		}, nil
	}

	result, err := s.connect(ctx, record)
	if err != nil {
		return nil, err
	}
	result.Success = result.Record.DNSVerified
	return result, nil
}

// RemoveDomain tears down proxy and certificate best-effort, then deletes the record.
func (s *DomainService) RemoveDomain(ctx context.Context, rawDomain string) (*OperationResult, error) {
	name := domain.NormalizeDomain(rawDomain)
	record, err := s.records.GetByDomain(ctx, name)
	if err != nil {
		return nil, err
	}

	release, acquired := s.waitForDomainLock(ctx, name)
	if acquired {
		defer release()
	} else {
		// A chain that outlives the wait undoes its own proxy setup once its
		// update finds the record gone.
		s.logWith(ctx).Warn("removing domain while another operation holds it",
			zap.String("domain", name),
			zap.Duration("waited", s.cfg.LockWait),
		)
	}

	s.teardown(ctx, record)

	if err := s.records.Delete(ctx, name); err != nil {
		return nil, fmt.Errorf("failed to delete domain: %w", err)
	}

	s.logWith(ctx).Info("domain removed", zap.String("domain", name))
	s.emit(ctx, notify.EventDomainRemoved, record, "domain removed")

	return &OperationResult{
		Success: true,
		Record:  record,
		Message: "domain removed",
	}, nil
}

// RenewCertificate renews one certificate and refreshes its expiry on success.
func (s *DomainService) RenewCertificate(ctx context.Context, rawDomain string) (*OperationResult, error) {
	name := domain.NormalizeDomain(rawDomain)
	record, err := s.records.GetByDomain(ctx, name)
	if err != nil {
		return nil, err
	}
	if !record.CertificateIssued {
		return nil, fmt.Errorf("%w: %s has no certificate", domain.ErrValidation, name)
	}

	release, acquired := s.lockDomain(ctx, name)
	if !acquired {
		return &OperationResult{Record: record, Message: errDomainBusy.Error()}, nil
	}
	defer release()

	outcome, err := s.certs.Renew(ctx, name)
	if err != nil {
		s.metrics.IncDomainStep("renew", "failure")
		record.SetError(fmt.Sprintf("certificate renewal failed: %v", err))
		if persistErr := s.records.Update(ctx, record); persistErr != nil {
			return nil, fmt.Errorf("failed to persist domain: %w", persistErr)
		}
		return &OperationResult{
			Record:  record,
			Message: "certificate renewal failed",
			Error:   deref(record.LastError),
		}, nil
	}

	record.SetCertificate(s.certs.GetExpiry(ctx, name))
	if outcome == certificate.OutcomeRenewed {
		record.ClearError()
	}
	if err := s.records.Update(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to persist domain: %w", err)
	}

	s.metrics.IncDomainStep("renew", string(outcome))
	message := "certificate not yet due for renewal"
	if outcome == certificate.OutcomeRenewed {
		message = "certificate renewed"
		s.emit(ctx, notify.EventCertificateRenewed, record, message)
	}

	return &OperationResult{
		Success: true,
		Record:  record,
		Message: message,
	}, nil
}

func (s *DomainService) StatusSummary(ctx context.Context) (*Summary, error) {
	stats, err := s.records.Stats(ctx, domain.MaxRetryCount, s.now().Add(domain.ExpiryWarningWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to load domain stats: %w", err)
	}

	s.metrics.SetDomainCount("total", stats.Total)
	s.metrics.SetDomainCount("connected", stats.Connected)
	s.metrics.SetDomainCount("pending", stats.Pending)
	s.metrics.SetDomainCount("failed", stats.Failed)
	s.metrics.SetDomainCount("expiring_soon", stats.ExpiringSoon)

	return &Summary{
		Total:           stats.Total,
		Connected:       stats.Connected,
		Pending:         stats.Pending,
		Failed:          stats.Failed,
		WithCertificate: stats.WithCertificate,
		ExpiringSoon:    stats.ExpiringSoon,
	}, nil
}

// connect runs the chain for a request-driven operation. Step failures are
// stored as the last error without counting as a retry.
func (s *DomainService) connect(ctx context.Context, record *domain.DomainRecord) (*OperationResult, error) {
	release, acquired := s.lockDomain(ctx, record.Domain)
	if !acquired {
		return &OperationResult{Record: record, Message: errDomainBusy.Error()}, nil
	}
	defer release()

	err := s.advance(ctx, record)

	var stepErr *stepError
	switch {
	case err == nil:
		record.ClearError()
	case errors.As(err, &stepErr):
		record.SetError(stepErr.Error())
	default:
		return nil, err
	}

	if err := s.persistProgress(ctx, record); err != nil {
		return nil, err
	}
	if record.Connected() {
		s.emit(ctx, notify.EventDomainConnected, record, "domain connected")
	}

	return &OperationResult{
		Record:  record,
		Message: statusMessage(record, s.cfg.ServerIP),
		Error:   deref(record.LastError),
	}, nil
}

// advance runs the remaining steps DNS, proxy, certificate in order and
// persists after each one. It returns a *stepError for the first failed step.
func (s *DomainService) advance(ctx context.Context, record *domain.DomainRecord) error {
	if record.Connected() {
		return nil
	}

	verified := s.dns.Verify(ctx, record.Domain)
	if verified != record.DNSVerified {
		record.DNSVerified = verified
		if err := s.persistProgress(ctx, record); err != nil {
			return err
		}
	}
	if !verified {
		s.metrics.IncDomainStep(stepDNS, "failure")
		return &stepError{step: stepDNS, err: s.dnsMismatch(ctx, record.Domain)}
	}
	s.metrics.IncDomainStep(stepDNS, "success")

	if !record.ProxyConfigured {
		if err := s.proxy.Configure(ctx, record.Domain, record.TargetID); err != nil {
			s.metrics.IncDomainStep(stepProxy, "failure")
			return &stepError{step: stepProxy, err: err}
		}
		s.metrics.IncDomainStep(stepProxy, "success")

		record.ProxyConfigured = true
		if err := s.persistProgress(ctx, record); err != nil {
			return err
		}
	}

	if !record.CertificateIssued {
		ok, err := s.certs.Issue(ctx, record.Domain)
		if err == nil && !ok {
			err = certificate.ErrIssueFailed
		}
		if err != nil {
			s.metrics.IncDomainStep(stepCertificate, "failure")
			return &stepError{step: stepCertificate, err: err}
		}
		s.metrics.IncDomainStep(stepCertificate, "success")

		record.SetCertificate(s.certs.GetExpiry(ctx, record.Domain))

		if s.certs.NeedsProxyRefresh() {
			if err := s.proxy.Configure(ctx, record.Domain, record.TargetID); err != nil {
				s.metrics.IncDomainStep(stepProxyRefresh, "failure")
				record.ProxyConfigured = false
				if persistErr := s.persistProgress(ctx, record); persistErr != nil {
					return persistErr
				}
				return &stepError{step: stepProxyRefresh, err: err}
			}
			s.metrics.IncDomainStep(stepProxyRefresh, "success")
		}

		if err := s.persistProgress(ctx, record); err != nil {
			return err
		}
	}

	s.logWith(ctx).Info("domain connected",
		zap.String("domain", record.Domain),
		zap.String("targetId", record.TargetID),
	)
	return nil
}

func (s *DomainService) dnsMismatch(ctx context.Context, name string) error {
	addrs, err := s.dns.Lookup(ctx, name)
	if err != nil {
		return fmt.Errorf("%s does not resolve to %s: %w", name, s.cfg.ServerIP, err)
	}
	return fmt.Errorf("%s points to [%s], expected %s", name, strings.Join(addrs, ", "), s.cfg.ServerIP)
}

// teardown removes proxy and certificate configuration for steps that may have run.
// persistProgress stores a chain step. When the record was deleted meanwhile,
// whatever the step installed is torn down again.
func (s *DomainService) persistProgress(ctx context.Context, record *domain.DomainRecord) error {
	err := s.records.Update(ctx, record)
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		s.logWith(ctx).Warn("domain removed during connection, undoing setup",
			zap.String("domain", record.Domain),
		)
		s.teardown(ctx, record)
	}
	return fmt.Errorf("failed to persist domain: %w", err)
}

func (s *DomainService) teardown(ctx context.Context, record *domain.DomainRecord) {
	if record.DNSVerified || record.ProxyConfigured {
		if err := s.proxy.Remove(ctx, record.Domain); err != nil {
			s.logWith(ctx).Warn("proxy teardown failed",
				zap.String("domain", record.Domain),
				zap.Error(err),
			)
		}
	}
	if record.ProxyConfigured || record.CertificateIssued {
		s.certs.Remove(ctx, record.Domain)
	}
}

// lockDomain returns acquired=false only when another holder owns the lock.
// A failing lock backend is logged and treated as acquired.
func (s *DomainService) lockDomain(ctx context.Context, name string) (func(), bool) {
	release, acquired := s.tryDomainLock(ctx, name)
	if !acquired {
		s.logWith(ctx).Info("domain is locked by another operation", zap.String("domain", name))
	}
	return release, acquired
}

// waitForDomainLock polls for the lock until LockWait elapses.
func (s *DomainService) waitForDomainLock(ctx context.Context, name string) (func(), bool) {
	deadline := time.NewTimer(s.cfg.LockWait)
	defer deadline.Stop()
	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		if release, acquired := s.tryDomainLock(ctx, name); acquired {
			return release, true
		}

		select {
		case <-ctx.Done():
			return nil, false
		case <-deadline.C:
			return nil, false
		case <-ticker.C:
		}
	}
}

func (s *DomainService) tryDomainLock(ctx context.Context, name string) (func(), bool) {
	release, acquired, err := s.locker.TryLock(ctx, lockKeyPrefix+name, s.cfg.LockTTL)
	if err != nil {
		s.logWith(ctx).Warn("domain lock unavailable, continuing without it",
			zap.String("domain", name),
			zap.Error(err),
		)
		return func() {}, true
	}
	if !acquired {
		return nil, false
	}
	return release, true
}

func (s *DomainService) emit(ctx context.Context, eventType notify.EventType, record *domain.DomainRecord, message string) {
	s.send(ctx, s.newEvent(eventType, record, message))
}

func (s *DomainService) newEvent(eventType notify.EventType, record *domain.DomainRecord, message string) notify.Event {
	return notify.Event{
		Type:       eventType,
		Domain:     record.Domain,
		TargetID:   record.TargetID,
		Status:     record.Status().String(),
		Message:    message,
		Expiry:     record.CertificateExpiry,
		OccurredAt: s.now().UTC(),
	}
}

func (s *DomainService) send(ctx context.Context, event notify.Event) {
	if err := s.notifier.Notify(ctx, event); err != nil {
		s.logWith(ctx).Warn("failed to deliver event",
			zap.String("event", string(event.Type)),
			zap.String("domain", event.Domain),
			zap.Bool("transient", notify.IsTransient(err)),
			zap.Error(err),
		)
	}
}

func (s *DomainService) logWith(ctx context.Context) *zap.Logger {
	return observability.WithContextLogger(s.logger, ctx)
}

func statusMessage(record *domain.DomainRecord, serverIP string) string {
	switch record.Status() {
	case domain.StatusActive:
		return "domain connected"
	case domain.StatusFailed:
		return "domain failed after repeated attempts"
	case domain.StatusConnectedNoSSL:
		return "proxy configured, waiting for certificate"
	case domain.StatusDNSVerified:
		return "dns verified, waiting for proxy configuration"
	default:
		if serverIP == "" {
			return "waiting for dns"
		}
		return fmt.Sprintf("waiting for dns: add an A record for %s pointing to %s", record.Domain, serverIP)
	}
}

func normalizeReserved(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
