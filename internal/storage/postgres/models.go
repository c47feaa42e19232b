package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ApprovalModel is the GORM model for the approvals table.
// Status holds approval.Status codes (0 pending, 1 approved, 2 rejected).
type ApprovalModel struct {
	ID          int64      `gorm:"primaryKey;autoIncrement"`
	Subject     string     `gorm:"not null;index"`
	Status      int16      `gorm:"not null;default:0;index"`
	SubmittedBy string     `gorm:"not null;default:''"`
	AssignedTo  string     `gorm:"not null;default:'';index"`
	Note        string     `gorm:"type:text;not null;default:''"`
	Approver    string     `gorm:"not null;default:''"`
	Comment     string     `gorm:"type:text;not null;default:''"`
	CreatedAt   time.Time  `gorm:"not null"`
	DecidedAt   *time.Time `gorm:"index"`
}

func (ApprovalModel) TableName() string { return "approvals" }

// pendingIndex serves the pending listings and the conditional decision update.
// Both PostgreSQL and SQLite support partial indexes.
const pendingIndex = `CREATE INDEX IF NOT EXISTS idx_approvals_pending ON approvals (id) WHERE status = 0`

// Migrate creates or updates the approvals schema on db.
func Migrate(ctx context.Context, db *gorm.DB) error {
	tx := db.WithContext(ctx)
	if err := tx.AutoMigrate(&ApprovalModel{}); err != nil {
		return fmt.Errorf("migrating approvals: %w", err)
	}
	if err := tx.Exec(pendingIndex).Error; err != nil {
		return fmt.Errorf("creating pending index: %w", err)
	}
	return nil
}
