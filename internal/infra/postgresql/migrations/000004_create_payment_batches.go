package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/settlement-engine/internal/repository"
	"gorm.io/gorm"
)

func createPaymentBatchesTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000004_create_payment_batches",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.PaymentBatchModel{}, &repository.PaymentItemModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_payment_batches_active_month ON payment_batches (batch_month) WHERE status IN ('processing', 'completed')`,
				`CREATE INDEX IF NOT EXISTS idx_payment_items_batch ON payment_items (payment_batch_id)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.PaymentItemModel{}, &repository.PaymentBatchModel{})
		},
	}
}
