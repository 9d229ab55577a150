package service

import (
	"context"
	"time"
)

const (
	TaskCheckPending      = "check-pending"
	TaskAuditExpiry       = "audit-certificate-expiry"
	TaskRenewCertificates = "renew-certificates"
	TaskCleanupStale      = "cleanup-stale"
)

type TaskIntervals struct {
	Pending     time.Duration
	ExpiryAudit time.Duration
	Renewal     time.Duration
	Cleanup     time.Duration
}

func DefaultTaskIntervals() TaskIntervals {
	return TaskIntervals{
		Pending:     30 * time.Minute,
		ExpiryAudit: 24 * time.Hour,
		Renewal:     7 * 24 * time.Hour,
		Cleanup:     7 * 24 * time.Hour,
	}
}

// Tasks returns the four reconciliation jobs. Pending reconciliation and the
// expiry audit also run once shortly after startup.
func (s *DomainService) Tasks(intervals TaskIntervals) []Task {
	defaults := DefaultTaskIntervals()
	if intervals.Pending <= 0 {
		intervals.Pending = defaults.Pending
	}
	if intervals.ExpiryAudit <= 0 {
		intervals.ExpiryAudit = defaults.ExpiryAudit
	}
	if intervals.Renewal <= 0 {
		intervals.Renewal = defaults.Renewal
	}
	if intervals.Cleanup <= 0 {
		intervals.Cleanup = defaults.Cleanup
	}

	return []Task{
		{
			Name:       TaskCheckPending,
			Interval:   intervals.Pending,
			RunOnStart: true,
			Run: func(ctx context.Context) error {
				_, err := s.CheckPendingDomains(ctx)
				return err
			},
		},
		{
			Name:       TaskAuditExpiry,
			Interval:   intervals.ExpiryAudit,
			RunOnStart: true,
			Run: func(ctx context.Context) error {
				_, err := s.AuditCertificateExpiry(ctx)
				return err
			},
		},
		{
			Name:     TaskRenewCertificates,
			Interval: intervals.Renewal,
			Run: func(ctx context.Context) error {
				_, err := s.RenewCertificates(ctx)
				return err
			},
		},
		{
			Name:     TaskCleanupStale,
			Interval: intervals.Cleanup,
			Run: func(ctx context.Context) error {
				_, err := s.CleanupStaleRecords(ctx)
				return err
			},
		},
	}
}
