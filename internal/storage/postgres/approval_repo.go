package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/signoff/internal/approval"
)

// ApprovalRepository implements storage.ApprovalStore on top of GORM.
// It is shared by the PostgreSQL and SQLite backends.
type ApprovalRepository struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewApprovalRepository creates an ApprovalRepository. A nil logger discards.
func NewApprovalRepository(db *gorm.DB, logger *slog.Logger) *ApprovalRepository {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ApprovalRepository{db: db, logger: logger}
}

// CreateApproval inserts a pending approval and returns the id minted by the database.
func (r *ApprovalRepository) CreateApproval(ctx context.Context, req *approval.Request) (int64, error) {
	model := toApprovalModel(req)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return 0, fmt.Errorf("creating approval: %w", err)
	}
	return model.ID, nil
}

// SetApproval records a decision. The update is conditional on the row still
// being pending, so a decision that lost a race in another process is reported
// as approval.ErrAlreadyDecided rather than overwriting the winner.
func (r *ApprovalRepository) SetApproval(ctx context.Context, id int64, d approval.Decision) error {
	if !d.Status.Terminal() {
		return fmt.Errorf("%w: %s", approval.ErrInvalidTransition, d.Status)
	}
	decidedAt := d.DecidedAt.UTC()

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ApprovalModel{}).
			Where("id = ? AND status = ?", id, approval.StatusPending.Code()).
			Updates(map[string]any{
				"status":     d.Status.Code(),
				"approver":   d.Approver,
				"comment":    d.Comment,
				"decided_at": decidedAt,
			})
		if res.Error != nil {
			return fmt.Errorf("updating approval: %w", res.Error)
		}
		if res.RowsAffected > 0 {
			return nil
		}

		var count int64
		if err := tx.Model(&ApprovalModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return fmt.Errorf("checking approval: %w", err)
		}
		if count == 0 {
			return approval.ErrNotFound
		}
		return approval.ErrAlreadyDecided
	})
}

// LoadApprovals returns every stored approval ordered by id.
// Rows with an unknown status code are skipped.
func (r *ApprovalRepository) LoadApprovals(ctx context.Context) ([]approval.Request, error) {
	var models []ApprovalModel
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("loading approvals: %w", err)
	}

	out := make([]approval.Request, 0, len(models))
	for i := range models {
		req, err := toApprovalDomain(&models[i])
		if err != nil {
			r.logger.WarnContext(ctx, "skipping unreadable approval row",
				slog.Int64("approval_id", models[i].ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

// GetApproval reads one approval.
func (r *ApprovalRepository) GetApproval(ctx context.Context, id int64) (approval.Request, error) {
	var model ApprovalModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return approval.Request{}, approval.ErrNotFound
		}
		return approval.Request{}, fmt.Errorf("getting approval: %w", err)
	}
	return toApprovalDomain(&model)
}

// DeleteDecided removes approved and rejected rows decided more than olderThan ago.
// Pending rows are never touched.
func (r *ApprovalRepository) DeleteDecided(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res := r.db.WithContext(ctx).
		Where("status <> ? AND decided_at IS NOT NULL AND decided_at < ?", approval.StatusPending.Code(), cutoff).
		Delete(&ApprovalModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("deleting decided approvals: %w", res.Error)
	}
	return res.RowsAffected, nil
}
