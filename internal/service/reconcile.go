package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kursadbilgin/domain-engine/internal/certificate"
	"github.com/kursadbilgin/domain-engine/internal/command"
	"github.com/kursadbilgin/domain-engine/internal/domain"
	"github.com/kursadbilgin/domain-engine/internal/notify"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ReconcileReport summarizes one pending-reconciliation pass.
type ReconcileReport struct {
	Checked   int
	Connected int
	Failed    int
	Skipped   int
}

func (r *ReconcileReport) add(other ReconcileReport) {
	r.Checked += other.Checked
	r.Connected += other.Connected
	r.Failed += other.Failed
	r.Skipped += other.Skipped
}

// CheckPendingDomains retries the connection chain for every record that is
// neither connected nor past the retry cap. A failed step counts as a retry.
func (s *DomainService) CheckPendingDomains(ctx context.Context) (*ReconcileReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	records, err := s.records.FindRetryable(ctx, domain.MaxRetryCount)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending domains: %w", err)
	}

	var (
		mu     sync.Mutex
		report ReconcileReport
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i := range records {
		name := records[i].Domain
		g.Go(func() error {
			outcome := s.reconcileOne(gctx, name)

			mu.Lock()
			report.add(outcome)
			mu.Unlock()
			// One domain never aborts the pass.
			return nil
		})
	}
	_ = g.Wait()

	s.logWith(ctx).Info("pending reconciliation finished",
		zap.Int("checked", report.Checked),
		zap.Int("connected", report.Connected),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
	)
	return &report, nil
}

func (s *DomainService) reconcileOne(ctx context.Context, name string) ReconcileReport {
	s.metrics.IncReconcileInFlight()
	defer s.metrics.DecReconcileInFlight()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RecordTimeout)
	defer cancel()

	release, acquired := s.lockDomain(ctx, name)
	if !acquired {
		return ReconcileReport{Skipped: 1}
	}
	defer release()

	// Re-read under the lock so a concurrent manual operation is not overwritten.
	record, err := s.records.GetByDomain(ctx, name)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logWith(ctx).Error("failed to load domain for reconciliation",
				zap.String("domain", name),
				zap.Error(err),
			)
		}
		return ReconcileReport{Skipped: 1}
	}
	if record.Connected() || record.Failed() {
		return ReconcileReport{Skipped: 1}
	}

	report := ReconcileReport{Checked: 1}

	err = s.advance(ctx, record)
	var (
		stepErr   *stepError
		transient bool
	)
	switch {
	case err == nil:
		record.ClearError()
		report.Connected = 1
	case errors.As(err, &stepErr):
		transient = command.IsTransient(stepErr.err)
		record.RecordFailure(stepErr.Error())
		report.Failed = 1
		s.logWith(ctx).Info("domain reconciliation step failed",
			zap.String("domain", record.Domain),
			zap.String("step", stepErr.step),
			zap.Int("retryCount", record.RetryCount),
			zap.Bool("transient", transient),
			zap.Error(stepErr.err),
		)
	default:
		s.logWith(ctx).Error("domain reconciliation aborted",
			zap.String("domain", record.Domain),
			zap.Error(err),
		)
		return ReconcileReport{Skipped: 1}
	}

	record.MarkChecked(s.now())
	if err := s.persistProgress(ctx, record); err != nil {
		s.logWith(ctx).Error("failed to persist reconciled domain",
			zap.String("domain", record.Domain),
			zap.Error(err),
		)
		return report
	}

	switch {
	case record.Connected():
		s.emit(ctx, notify.EventDomainConnected, record, "domain connected")
	case record.Failed():
		event := s.newEvent(notify.EventDomainFailed, record, deref(record.LastError))
		event.Transient = transient
		s.send(ctx, event)
	}

	return report
}

// AuditCertificateExpiry refreshes the stored expiry of certificates expiring
// within the warning window. It returns how many records changed.
func (s *DomainService) AuditCertificateExpiry(ctx context.Context) (int, error) {
	records, err := s.records.FindExpiringBefore(ctx, s.now().Add(domain.ExpiryWarningWindow))
	if err != nil {
		return 0, fmt.Errorf("failed to fetch expiring certificates: %w", err)
	}

	updated := 0
	for i := range records {
		if ctx.Err() != nil {
			return updated, ctx.Err()
		}

		record := &records[i]
		expiry := s.lookupExpiry(ctx, record.Domain)
		if expiry == nil {
			s.logWith(ctx).Warn("certificate expiry unavailable",
				zap.String("domain", record.Domain),
			)
			continue
		}
		if record.CertificateExpiry != nil && record.CertificateExpiry.Equal(*expiry) {
			continue
		}

		record.SetCertificate(expiry)
		if err := s.records.Update(ctx, record); err != nil {
			s.logWith(ctx).Error("failed to persist certificate expiry",
				zap.String("domain", record.Domain),
				zap.Error(err),
			)
			continue
		}
		updated++
	}

	s.logWith(ctx).Info("certificate expiry audit finished",
		zap.Int("checked", len(records)),
		zap.Int("updated", updated),
	)
	return updated, nil
}

// RenewCertificates renews every issued certificate in one batch and stores
// the new expiry of each renewed one.
func (s *DomainService) RenewCertificates(ctx context.Context) (*certificate.BatchResult, error) {
	records, err := s.records.FindWithCertificate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch certificates: %w", err)
	}

	byName := make(map[string]*domain.DomainRecord, len(records))
	names := make([]string, 0, len(records))
	for i := range records {
		byName[records[i].Domain] = &records[i]
		names = append(names, records[i].Domain)
	}

	result := s.certs.RenewBatch(ctx, names)
	s.metrics.AddCertificateRenewals(len(result.Renewed), len(result.Skipped), len(result.Failed))

	for _, name := range result.Renewed {
		record := byName[name]
		record.SetCertificate(s.lookupExpiry(ctx, name))
		if err := s.records.Update(ctx, record); err != nil {
			s.logWith(ctx).Error("failed to persist renewed certificate",
				zap.String("domain", name),
				zap.Error(err),
			)
			continue
		}
		s.emit(ctx, notify.EventCertificateRenewed, record, "certificate renewed")
	}

	return &result, nil
}

// CleanupStaleRecords deletes records that exhausted their retries and are
// older than the stale age, tearing down their configuration first.
func (s *DomainService) CleanupStaleRecords(ctx context.Context) (int, error) {
	now := s.now()
	records, err := s.records.FindStale(ctx, domain.MaxRetryCount, now.Add(-domain.StaleRecordAge))
	if err != nil {
		return 0, fmt.Errorf("failed to fetch stale domains: %w", err)
	}

	removed := 0
	for i := range records {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		if s.cleanupOne(ctx, records[i].Domain, now) {
			removed++
		}
	}

	return removed, nil
}

func (s *DomainService) cleanupOne(ctx context.Context, name string, now time.Time) bool {
	release, acquired := s.lockDomain(ctx, name)
	if !acquired {
		return false
	}
	defer release()

	// A manual verify may have revived the record since the query.
	record, err := s.records.GetByDomain(ctx, name)
	if err != nil || !record.Stale(now) {
		return false
	}

	s.teardown(ctx, record)
	if err := s.records.Delete(ctx, name); err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logWith(ctx).Error("failed to delete stale domain",
				zap.String("domain", name),
				zap.Error(err),
			)
		}
		return false
	}

	s.logWith(ctx).Info("stale domain removed",
		zap.String("domain", name),
		zap.Int("retryCount", record.RetryCount),
	)
	s.emit(ctx, notify.EventDomainRemoved, record, "removed after repeated failures")
	return true
}

func (s *DomainService) lookupExpiry(ctx context.Context, name string) *time.Time {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RecordTimeout)
	defer cancel()

	return s.certs.GetExpiry(ctx, name)
}
