package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/settlement-engine/internal/repository"
	"gorm.io/gorm"
)

func createBusinessesTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_businesses",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&repository.BusinessModel{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.BusinessModel{})
		},
	}
}
