package repository

import (
	"time"

	"github.com/kursadbilgin/domain-engine/internal/domain"
)

// DomainRecordModel is the persistence model for the domain_records table.
// Connected is stored for indexing only and is recomputed from the step flags on every write.
type DomainRecordModel struct {
	ID                string     `gorm:"type:varchar(36);primaryKey"`
	Domain            string     `gorm:"type:varchar(253);not null;uniqueIndex:idx_domain_records_domain"`
	TargetID          string     `gorm:"type:varchar(128);not null"`
	DNSVerified       bool       `gorm:"column:dns_verified;not null;default:false"`
	ProxyConfigured   bool       `gorm:"not null;default:false"`
	CertificateIssued bool       `gorm:"not null;default:false"`
	Connected         bool       `gorm:"not null;default:false"`
	CertificateExpiry *time.Time `gorm:"column:certificate_expiry"`
	RetryCount        int        `gorm:"not null;default:0"`
	LastError         *string    `gorm:"type:text"`
	LastCheckedAt     *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (DomainRecordModel) TableName() string {
	return "domain_records"
}

func domainRecordModelFromDomain(r *domain.DomainRecord) *DomainRecordModel {
	if r == nil {
		return nil
	}

	return &DomainRecordModel{
		ID:                r.ID,
		Domain:            r.Domain,
		TargetID:          r.TargetID,
		DNSVerified:       r.DNSVerified,
		ProxyConfigured:   r.ProxyConfigured,
		CertificateIssued: r.CertificateIssued,
		Connected:         r.Connected(),
		CertificateExpiry: r.CertificateExpiry,
		RetryCount:        r.RetryCount,
		LastError:         r.LastError,
		LastCheckedAt:     r.LastCheckedAt,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

func domainRecordModelToDomain(m *DomainRecordModel) *domain.DomainRecord {
	if m == nil {
		return nil
	}

	return &domain.DomainRecord{
		ID:                m.ID,
		Domain:            m.Domain,
		TargetID:          m.TargetID,
		DNSVerified:       m.DNSVerified,
		ProxyConfigured:   m.ProxyConfigured,
		CertificateIssued: m.CertificateIssued,
		CertificateExpiry: m.CertificateExpiry,
		RetryCount:        m.RetryCount,
		LastError:         m.LastError,
		LastCheckedAt:     m.LastCheckedAt,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

func domainRecordModelsToDomain(models []DomainRecordModel) []domain.DomainRecord {
	records := make([]domain.DomainRecord, 0, len(models))
	for i := range models {
		records = append(records, *domainRecordModelToDomain(&models[i]))
	}
	return records
}
