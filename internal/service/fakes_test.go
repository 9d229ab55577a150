package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kursadbilgin/domain-engine/internal/certificate"
	"github.com/kursadbilgin/domain-engine/internal/domain"
	"github.com/kursadbilgin/domain-engine/internal/notify"
	"github.com/kursadbilgin/domain-engine/internal/repository"
)

// memoryRepo is an in-memory repository.DomainRepository.
type memoryRepo struct {
	mu      sync.Mutex
	records map[string]domain.DomainRecord
	updates int
}

func newMemoryRepo(records ...domain.DomainRecord) *memoryRepo {
	r := &memoryRepo{records: make(map[string]domain.DomainRecord)}
	for _, rec := range records {
		r.records[rec.Domain] = rec
	}
	return r
}

func (r *memoryRepo) Create(_ context.Context, rec *domain.DomainRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.Domain]; ok {
		return domain.ErrDuplicate
	}
	r.records[rec.Domain] = *rec
	return nil
}

func (r *memoryRepo) GetByDomain(_ context.Context, name string) (*domain.DomainRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[name]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &rec, nil
}

func (r *memoryRepo) List(context.Context) ([]domain.DomainRecord, error) {
	return r.filter(func(domain.DomainRecord) bool { return true }), nil
}

func (r *memoryRepo) FindByConnected(_ context.Context, connected bool) ([]domain.DomainRecord, error) {
	return r.filter(func(rec domain.DomainRecord) bool { return rec.Connected() == connected }), nil
}

func (r *memoryRepo) FindRetryable(_ context.Context, maxRetryCount int) ([]domain.DomainRecord, error) {
	return r.filter(func(rec domain.DomainRecord) bool {
		return !rec.Connected() && rec.RetryCount < maxRetryCount
	}), nil
}

func (r *memoryRepo) FindStale(_ context.Context, minRetryCount int, createdBefore time.Time) ([]domain.DomainRecord, error) {
	return r.filter(func(rec domain.DomainRecord) bool {
		return !rec.Connected() && rec.RetryCount >= minRetryCount && rec.CreatedAt.Before(createdBefore)
	}), nil
}

func (r *memoryRepo) FindWithCertificate(context.Context) ([]domain.DomainRecord, error) {
	return r.filter(func(rec domain.DomainRecord) bool { return rec.CertificateIssued }), nil
}

func (r *memoryRepo) FindExpiringBefore(_ context.Context, before time.Time) ([]domain.DomainRecord, error) {
	return r.filter(func(rec domain.DomainRecord) bool { return rec.ExpiresBefore(before) }), nil
}

func (r *memoryRepo) Update(_ context.Context, rec *domain.DomainRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.Domain]; !ok {
		return domain.ErrNotFound
	}
	r.records[rec.Domain] = *rec
	r.updates++
	return nil
}

func (r *memoryRepo) Delete(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[name]; !ok {
		return domain.ErrNotFound
	}
	delete(r.records, name)
	return nil
}

func (r *memoryRepo) Stats(_ context.Context, maxRetryCount int, expiringBefore time.Time) (*repository.Stats, error) {
	var stats repository.Stats
	for _, rec := range r.filter(func(domain.DomainRecord) bool { return true }) {
		stats.Total++
		if rec.Connected() {
			stats.Connected++
		} else {
			stats.Pending++
			if rec.RetryCount >= maxRetryCount {
				stats.Failed++
			}
		}
		if rec.CertificateIssued {
			stats.WithCertificate++
		}
		if rec.ExpiresBefore(expiringBefore) {
			stats.ExpiringSoon++
		}
	}
	return &stats, nil
}

func (r *memoryRepo) filter(keep func(domain.DomainRecord) bool) []domain.DomainRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.DomainRecord, 0, len(r.records))
	for _, rec := range r.records {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

func (r *memoryRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

type fakeDNS struct {
	mu       sync.Mutex
	calls    int
	verifyFn func(name string) bool
}

func (f *fakeDNS) Verify(_ context.Context, name string) bool {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.verifyFn != nil {
		return f.verifyFn(name)
	}
	return false
}

func (f *fakeDNS) Lookup(context.Context, string) ([]string, error) {
	return []string{"198.51.100.7"}, nil
}

func (f *fakeDNS) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeProxy struct {
	mu          sync.Mutex
	configured  []string
	removed     []string
	configureFn func(name, targetID string) error
	removeFn    func(name string) error
}

func (f *fakeProxy) Configure(_ context.Context, name, targetID string) error {
	f.mu.Lock()
	f.configured = append(f.configured, name)
	f.mu.Unlock()
	if f.configureFn != nil {
		return f.configureFn(name, targetID)
	}
	return nil
}

func (f *fakeProxy) Remove(_ context.Context, name string) error {
	f.mu.Lock()
	f.removed = append(f.removed, name)
	f.mu.Unlock()
	if f.removeFn != nil {
		return f.removeFn(name)
	}
	return nil
}

func (f *fakeProxy) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.configured) + len(f.removed)
}

type fakeCerts struct {
	mu           sync.Mutex
	issued       []string
	removed      []string
	refresh      bool
	issueFn      func(name string) (bool, error)
	expiryFn     func(name string) *time.Time
	renewFn      func(name string) (certificate.RenewOutcome, error)
	renewBatchFn func(names []string) certificate.BatchResult
}

func (f *fakeCerts) Issue(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	f.issued = append(f.issued, name)
	f.mu.Unlock()
	if f.issueFn != nil {
		return f.issueFn(name)
	}
	return true, nil
}

func (f *fakeCerts) GetExpiry(_ context.Context, name string) *time.Time {
	if f.expiryFn != nil {
		return f.expiryFn(name)
	}
	return nil
}

func (f *fakeCerts) Renew(_ context.Context, name string) (certificate.RenewOutcome, error) {
	if f.renewFn != nil {
		return f.renewFn(name)
	}
	return certificate.OutcomeSkipped, nil
}

func (f *fakeCerts) RenewBatch(_ context.Context, names []string) certificate.BatchResult {
	if f.renewBatchFn != nil {
		return f.renewBatchFn(names)
	}
	return certificate.BatchResult{Skipped: names}
}

func (f *fakeCerts) Remove(_ context.Context, name string) {
	f.mu.Lock()
	f.removed = append(f.removed, name)
	f.mu.Unlock()
}

func (f *fakeCerts) NeedsProxyRefresh() bool { return f.refresh }

func (f *fakeCerts) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.issued) + len(f.removed)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(_ context.Context, event notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) types() []notify.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.EventType, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Type)
	}
	return out
}

type busyLocker struct{}

func (busyLocker) TryLock(context.Context, string, time.Duration) (func(), bool, error) {
	return nil, false, nil
}

// eventuallyFreeLocker reports the key as held for the first busyAttempts calls.
type eventuallyFreeLocker struct {
	mu           sync.Mutex
	busyAttempts int
	attempts     int
	released     int
}

func (l *eventuallyFreeLocker) TryLock(context.Context, string, time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts++
	if l.attempts <= l.busyAttempts {
		return nil, false, nil
	}
	return func() {
		l.mu.Lock()
		l.released++
		l.mu.Unlock()
	}, true, nil
}

func (l *eventuallyFreeLocker) stats() (attempts, released int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts, l.released
}
