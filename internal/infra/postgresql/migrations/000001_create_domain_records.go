package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/domain-engine/internal/repository"
	"gorm.io/gorm"
)

func createDomainRecordsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_domain_records",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&repository.DomainRecordModel{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.DomainRecordModel{})
		},
	}
}
