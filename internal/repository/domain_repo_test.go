package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/domain-engine/internal/domain"
	"github.com/kursadbilgin/domain-engine/internal/infra/sqlite"
)

func TestGormDomainRepoCreateAndGet(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t)
	ctx := context.Background()

	record := newTestRecord("example.com", time.Now().UTC())
	if err := repo.Create(ctx, record); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := repo.GetByDomain(ctx, "example.com")
	if err != nil {
		t.Fatalf("GetByDomain() error = %v", err)
	}
	if got.ID != record.ID {
		t.Fatalf("ID = %s, want %s", got.ID, record.ID)
	}
	if got.TargetID != "site-1" {
		t.Fatalf("TargetID = %s, want site-1", got.TargetID)
	}

	_, err = repo.GetByDomain(ctx, "missing.test")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetByDomain(missing) error = %v, want ErrNotFound", err)
	}
}

func TestGormDomainRepoCreateDuplicate(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t)
	ctx := context.Background()

	if err := repo.Create(ctx, newTestRecord("example.com", time.Now().UTC())); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	err := repo.Create(ctx, newTestRecord("example.com", time.Now().UTC()))
	if !errors.Is(err, domain.ErrDuplicate) {
		t.Fatalf("Create(duplicate) error = %v, want ErrDuplicate", err)
	}

	records, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
}

func TestGormDomainRepoUpdatePersistsConnected(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t)
	ctx := context.Background()

	record := newTestRecord("example.com", time.Now().UTC())
	if err := repo.Create(ctx, record); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	expiry := time.Now().UTC().Add(90 * 24 * time.Hour)
	record.DNSVerified = true
	record.ProxyConfigured = true
	record.SetCertificate(&expiry)
	if err := repo.Update(ctx, record); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	connected, err := repo.FindByConnected(ctx, true)
	if err != nil {
		t.Fatalf("FindByConnected() error = %v", err)
	}
	if len(connected) != 1 || connected[0].Domain != "example.com" {
		t.Fatalf("FindByConnected(true) = %+v, want example.com", connected)
	}
	if connected[0].CertificateExpiry == nil {
		t.Fatal("certificate expiry should be persisted")
	}

	// Flags going back to false must be written too.
	record.ClearCertificate()
	if err := repo.Update(ctx, record); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	connected, err = repo.FindByConnected(ctx, true)
	if err != nil {
		t.Fatalf("FindByConnected() error = %v", err)
	}
	if len(connected) != 0 {
		t.Fatalf("FindByConnected(true) = %d records, want 0", len(connected))
	}
}

func TestGormDomainRepoUpdateDeletedRecord(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t)
	ctx := context.Background()

	record := newTestRecord("gone.test", time.Now().UTC())
	if err := repo.Create(ctx, record); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := repo.Delete(ctx, "gone.test"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	record.DNSVerified = true
	if err := repo.Update(ctx, record); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Update() error = %v, want ErrNotFound", err)
	}
	if _, err := repo.GetByDomain(ctx, "gone.test"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("record should not be re-created, GetByDomain() error = %v", err)
	}
	if err := repo.Delete(ctx, "gone.test"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func TestGormDomainRepoThresholdQueries(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	fresh := newTestRecord("fresh.test", now)
	failedOld := newTestRecord("failed-old.test", now.Add(-8*24*time.Hour))
	failedOld.RetryCount = domain.MaxRetryCount
	failedNew := newTestRecord("failed-new.test", now.Add(-2*24*time.Hour))
	failedNew.RetryCount = domain.MaxRetryCount
	almost := newTestRecord("almost.test", now.Add(-30*24*time.Hour))
	almost.RetryCount = domain.MaxRetryCount - 1

	soon := now.Add(5 * 24 * time.Hour)
	later := now.Add(80 * 24 * time.Hour)
	expiring := newTestRecord("expiring.test", now)
	expiring.DNSVerified, expiring.ProxyConfigured = true, true
	expiring.SetCertificate(&soon)
	healthy := newTestRecord("healthy.test", now)
	healthy.DNSVerified, healthy.ProxyConfigured = true, true
	healthy.SetCertificate(&later)

	for _, r := range []*domain.DomainRecord{fresh, failedOld, failedNew, almost, expiring, healthy} {
		if err := repo.Create(ctx, r); err != nil {
			t.Fatalf("Create(%s) error = %v", r.Domain, err)
		}
	}

	retryable, err := repo.FindRetryable(ctx, domain.MaxRetryCount)
	if err != nil {
		t.Fatalf("FindRetryable() error = %v", err)
	}
	assertDomains(t, "FindRetryable", retryable, "almost.test", "fresh.test")

	stale, err := repo.FindStale(ctx, domain.MaxRetryCount, now.Add(-domain.StaleRecordAge))
	if err != nil {
		t.Fatalf("FindStale() error = %v", err)
	}
	assertDomains(t, "FindStale", stale, "failed-old.test")

	withCert, err := repo.FindWithCertificate(ctx)
	if err != nil {
		t.Fatalf("FindWithCertificate() error = %v", err)
	}
	assertDomains(t, "FindWithCertificate", withCert, "expiring.test", "healthy.test")

	expiringSoon, err := repo.FindExpiringBefore(ctx, now.Add(domain.ExpiryWarningWindow))
	if err != nil {
		t.Fatalf("FindExpiringBefore() error = %v", err)
	}
	assertDomains(t, "FindExpiringBefore", expiringSoon, "expiring.test")

	stats, err := repo.Stats(ctx, domain.MaxRetryCount, now.Add(domain.ExpiryWarningWindow))
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	want := Stats{Total: 6, Connected: 2, Pending: 4, Failed: 2, WithCertificate: 2, ExpiringSoon: 1}
	if *stats != want {
		t.Fatalf("Stats() = %+v, want %+v", *stats, want)
	}
}

func newTestRepo(t *testing.T) *GormDomainRepo {
	t.Helper()

	db, err := sqlite.NewSQLite(filepath.Join(t.TempDir(), "records.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	if err := db.AutoMigrate(&DomainRecordModel{}); err != nil {
		t.Fatalf("AutoMigrate() error = %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB() error = %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	return NewGormDomainRepo(db)
}

func newTestRecord(name string, createdAt time.Time) *domain.DomainRecord {
	return &domain.DomainRecord{
		ID:        uuid.NewString(),
		Domain:    name,
		TargetID:  "site-1",
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func assertDomains(t *testing.T, label string, records []domain.DomainRecord, want ...string) {
	t.Helper()

	got := make(map[string]bool, len(records))
	for _, r := range records {
		got[r.Domain] = true
	}
	if len(got) != len(want) || len(records) != len(want) {
		t.Fatalf("%s returned %d records %v, want %v", label, len(records), got, want)
	}
	for _, name := range want {
		if !got[name] {
			t.Fatalf("%s missing %s, got %v", label, name, got)
		}
	}
}
