package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/kursadbilgin/domain-engine/internal/domain"
	"gorm.io/gorm"
)

// Stats aggregates record counts for the status summary.
type Stats struct {
	Total           int64
	Connected       int64
	Pending         int64
	Failed          int64
	WithCertificate int64
	ExpiringSoon    int64
}

type DomainRepository interface {
	Create(ctx context.Context, r *domain.DomainRecord) error
	GetByDomain(ctx context.Context, name string) (*domain.DomainRecord, error)
	List(ctx context.Context) ([]domain.DomainRecord, error)
	FindByConnected(ctx context.Context, connected bool) ([]domain.DomainRecord, error)
	FindRetryable(ctx context.Context, maxRetryCount int) ([]domain.DomainRecord, error)
	FindStale(ctx context.Context, minRetryCount int, createdBefore time.Time) ([]domain.DomainRecord, error)
	FindWithCertificate(ctx context.Context) ([]domain.DomainRecord, error)
	FindExpiringBefore(ctx context.Context, before time.Time) ([]domain.DomainRecord, error)
	Update(ctx context.Context, r *domain.DomainRecord) error
	Delete(ctx context.Context, name string) error
	Stats(ctx context.Context, maxRetryCount int, expiringBefore time.Time) (*Stats, error)
}

type GormDomainRepo struct {
	db *gorm.DB
}

func NewGormDomainRepo(db *gorm.DB) *GormDomainRepo {
	return &GormDomainRepo{db: db}
}

func (r *GormDomainRepo) Create(ctx context.Context, record *domain.DomainRecord) error {
	model := domainRecordModelFromDomain(record)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if isUniqueViolationError(err) {
			return domain.ErrDuplicate
		}
		return err
	}
	if record != nil {
		*record = *domainRecordModelToDomain(model)
	}
	return nil
}

func (r *GormDomainRepo) GetByDomain(ctx context.Context, name string) (*domain.DomainRecord, error) {
	var model DomainRecordModel
	err := r.db.WithContext(ctx).First(&model, "domain = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return domainRecordModelToDomain(&model), nil
}

func (r *GormDomainRepo) List(ctx context.Context) ([]domain.DomainRecord, error) {
	return r.find(r.db.WithContext(ctx).Order("created_at DESC"))
}

func (r *GormDomainRepo) FindByConnected(ctx context.Context, connected bool) ([]domain.DomainRecord, error) {
	return r.find(r.db.WithContext(ctx).
		Where("connected = ?", connected).
		Order("created_at ASC"))
}

func (r *GormDomainRepo) FindRetryable(ctx context.Context, maxRetryCount int) ([]domain.DomainRecord, error) {
	return r.find(r.db.WithContext(ctx).
		Where("connected = ? AND retry_count < ?", false, maxRetryCount).
		Order("created_at ASC"))
}

func (r *GormDomainRepo) FindStale(ctx context.Context, minRetryCount int, createdBefore time.Time) ([]domain.DomainRecord, error) {
	return r.find(r.db.WithContext(ctx).
		Where("connected = ? AND retry_count >= ? AND created_at < ?", false, minRetryCount, createdBefore.UTC()).
		Order("created_at ASC"))
}

func (r *GormDomainRepo) FindWithCertificate(ctx context.Context) ([]domain.DomainRecord, error) {
	return r.find(r.db.WithContext(ctx).
		Where("certificate_issued = ?", true).
		Order("certificate_expiry ASC"))
}

func (r *GormDomainRepo) FindExpiringBefore(ctx context.Context, before time.Time) ([]domain.DomainRecord, error) {
	return r.find(r.db.WithContext(ctx).
		Where("certificate_issued = ? AND certificate_expiry IS NOT NULL AND certificate_expiry <= ?", true, before.UTC()).
		Order("certificate_expiry ASC"))
}

// Update overwrites every column of an existing record. A record deleted in the
// meantime yields domain.ErrNotFound instead of being re-created.
func (r *GormDomainRepo) Update(ctx context.Context, record *domain.DomainRecord) error {
	if record == nil {
		return domain.ErrNotFound
	}

	record.UpdatedAt = time.Now().UTC()
	model := domainRecordModelFromDomain(record)
	result := r.db.WithContext(ctx).
		Model(&DomainRecordModel{}).
		Where("id = ?", model.ID).
		Select("*").
		Omit("id", "created_at").
		Updates(model)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormDomainRepo) Delete(ctx context.Context, name string) error {
	result := r.db.WithContext(ctx).
		Where("domain = ?", name).
		Delete(&DomainRecordModel{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormDomainRepo) Stats(ctx context.Context, maxRetryCount int, expiringBefore time.Time) (*Stats, error) {
	var stats Stats

	counts := []struct {
		target *int64
		query  string
		args   []any
	}{
		{target: &stats.Total},
		{target: &stats.Connected, query: "connected = ?", args: []any{true}},
		{target: &stats.Pending, query: "connected = ?", args: []any{false}},
		{target: &stats.Failed, query: "connected = ? AND retry_count >= ?", args: []any{false, maxRetryCount}},
		{target: &stats.WithCertificate, query: "certificate_issued = ?", args: []any{true}},
		{
			target: &stats.ExpiringSoon,
			query:  "certificate_issued = ? AND certificate_expiry IS NOT NULL AND certificate_expiry <= ?",
			args:   []any{true, expiringBefore.UTC()},
		},
	}

	for _, c := range counts {
		query := r.db.WithContext(ctx).Model(&DomainRecordModel{})
		if c.query != "" {
			query = query.Where(c.query, c.args...)
		}
		if err := query.Count(c.target).Error; err != nil {
			return nil, err
		}
	}

	return &stats, nil
}

func (r *GormDomainRepo) find(query *gorm.DB) ([]domain.DomainRecord, error) {
	var models []DomainRecordModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	return domainRecordModelsToDomain(models), nil
}

func isUniqueViolationError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}
