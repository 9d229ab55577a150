package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func addDomainRecordsReconcileIndexes() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_add_domain_records_reconcile_indexes",
		Migrate: func(tx *gorm.DB) error {
			statements := []string{
				`CREATE INDEX IF NOT EXISTS idx_domain_records_pending ON domain_records (retry_count, created_at) WHERE connected = false`,
				`CREATE INDEX IF NOT EXISTS idx_domain_records_cert_expiry ON domain_records (certificate_expiry) WHERE certificate_issued = true`,
			}
			for _, sql := range statements {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			statements := []string{
				`DROP INDEX IF EXISTS idx_domain_records_cert_expiry`,
				`DROP INDEX IF EXISTS idx_domain_records_pending`,
			}
			for _, sql := range statements {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
	}
}
