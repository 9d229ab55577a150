package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// Migrate applies every pending schema migration. The statements are portable
// between postgres and sqlite.
func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		createDomainRecordsTable(),
		addDomainRecordsReconcileIndexes(),
	})

	return m.Migrate()
}
