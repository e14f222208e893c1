package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/settlement-engine/internal/repository"
	"gorm.io/gorm"
)

func createBillingBatchesTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_billing_batches",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.BillingBatchModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_billing_batches_review_due ON billing_batches (review_deadline) WHERE status = 'review_period'`,
				`CREATE INDEX IF NOT EXISTS idx_billing_batches_status_month ON billing_batches (status, billing_month)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.BillingBatchModel{})
		},
	}
}
