package domain

import (
	"fmt"
	"strings"
	"time"
)

const (
	// MaxRetryCount is the retry cap; records at or above it are no longer reconciled.
	MaxRetryCount = 10

	// StaleRecordAge is the minimum age of a failed record before cleanup removes it.
	StaleRecordAge = 7 * 24 * time.Hour

	// ExpiryWarningWindow marks certificates that are close to expiring.
	ExpiryWarningWindow = 30 * 24 * time.Hour
)

// Status is the derived lifecycle state of a domain record. It is never persisted.
type Status string

const (
	StatusPending        Status = "pending"
	StatusDNSVerified    Status = "dns-verified"
	StatusConnectedNoSSL Status = "connected-no-ssl"
	StatusActive         Status = "active"
	StatusFailed         Status = "failed"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusDNSVerified, StatusConnectedNoSSL, StatusActive, StatusFailed:
		return true
	}
	return false
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// DomainRecord is a custom domain pointed at hosted content.
type DomainRecord struct {
	ID                string
	Domain            string
	TargetID          string
	DNSVerified       bool
	ProxyConfigured   bool
	CertificateIssued bool
	CertificateExpiry *time.Time
	RetryCount        int
	LastError         *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	LastCheckedAt     *time.Time
}

// Connected reports whether every connection step has completed.
func (r *DomainRecord) Connected() bool {
	return r.DNSVerified && r.ProxyConfigured && r.CertificateIssued
}

// Failed reports whether the record reached the retry cap.
func (r *DomainRecord) Failed() bool {
	return r.RetryCount >= MaxRetryCount
}

// Status derives the lifecycle state from the step flags and the retry counter.
// A connected record is active even if it accumulated retries on the way.
func (r *DomainRecord) Status() Status {
	switch {
	case r.Connected():
		return StatusActive
	case r.Failed():
		return StatusFailed
	case r.DNSVerified && r.ProxyConfigured:
		return StatusConnectedNoSSL
	case r.DNSVerified:
		return StatusDNSVerified
	default:
		return StatusPending
	}
}

// SetCertificate marks the certificate as issued. A nil expiry keeps the previous one.
func (r *DomainRecord) SetCertificate(expiry *time.Time) {
	r.CertificateIssued = true
	if expiry != nil {
		value := expiry.UTC()
		r.CertificateExpiry = &value
	}
}

func (r *DomainRecord) ClearCertificate() {
	r.CertificateIssued = false
	r.CertificateExpiry = nil
}

// SetError stores msg as the last error without touching the retry counter.
func (r *DomainRecord) SetError(msg string) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		r.LastError = nil
		return
	}
	r.LastError = &msg
}

func (r *DomainRecord) ClearError() {
	r.LastError = nil
}

// RecordFailure stores msg and counts a failed reconciliation attempt.
// The counter saturates at MaxRetryCount and never decreases.
func (r *DomainRecord) RecordFailure(msg string) {
	r.SetError(msg)
	if r.RetryCount < MaxRetryCount {
		r.RetryCount++
	}
}

func (r *DomainRecord) MarkChecked(now time.Time) {
	checked := now.UTC()
	r.LastCheckedAt = &checked
}

// Stale reports whether cleanup may delete the record.
func (r *DomainRecord) Stale(now time.Time) bool {
	if r.Connected() || !r.Failed() {
		return false
	}
	return now.Sub(r.CreatedAt) > StaleRecordAge
}

// ExpiresBefore reports whether the certificate expires at or before t.
func (r *DomainRecord) ExpiresBefore(t time.Time) bool {
	if !r.CertificateIssued || r.CertificateExpiry == nil {
		return false
	}
	return !r.CertificateExpiry.After(t)
}
