package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/settlement-engine/internal/repository"
	"gorm.io/gorm"
)

// Unparseable phones are stored as "unparseable:<raw>", which outgrew the
// original varchar(32) reference column.
func widenPaymentItemReference() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000005_payment_item_retryable",
		Migrate: func(tx *gorm.DB) error {
			if !tx.Migrator().HasColumn(&repository.PaymentItemModel{}, "Retryable") {
				if err := tx.Migrator().AddColumn(&repository.PaymentItemModel{}, "Retryable"); err != nil {
					return err
				}
			}
			if tx.Dialector.Name() != "postgres" {
				return nil
			}
			return execAll(tx, []string{
				`ALTER TABLE payment_items ALTER COLUMN customer_reference TYPE varchar(64)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropColumn(&repository.PaymentItemModel{}, "Retryable")
		},
	}
}
