package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/settlement-engine/internal/repository"
	"gorm.io/gorm"
)

func createVerificationsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_verifications",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.VerificationModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_verifications_batch_status ON verifications (billing_batch_id, review_status)`,
				`CREATE INDEX IF NOT EXISTS idx_verifications_unassigned ON verifications (business_id, submitted_at) WHERE billing_batch_id IS NULL`,
				`CREATE INDEX IF NOT EXISTS idx_verifications_submitted_at ON verifications (submitted_at)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.VerificationModel{})
		},
	}
}
