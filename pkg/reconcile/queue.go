package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"library_reservation/pkg/models"
	"library_reservation/pkg/retry"
)

var ErrEntryNotFound = errors.New("reconciliation entry not found")

// Queue is the durable operator queue of inventory holds that could not be
// settled inline. Entries are unique per (kind, idempotency key).
type Queue struct {
	db         *gorm.DB
	maxRetries int
	baseDelay  time.Duration
	now        func() time.Time
}

func NewQueue(db *gorm.DB, maxRetries int, baseDelay time.Duration) *Queue {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Queue{
		db:         db,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

type Request struct {
	Kind           string
	BookID         string
	IdempotencyKey string
	ReservationID  string
	Reason         string
	LastError      error
	// Delay postpones the first attempt.
	Delay time.Duration
}

// Enqueue records req as pending, due after req.Delay. Enqueueing the same
// kind and key twice keeps the first entry.
func (q *Queue) Enqueue(ctx context.Context, req Request) (*models.ReconciliationEntry, error) {
	entry := &models.ReconciliationEntry{
		Kind:           req.Kind,
		BookID:         req.BookID,
		IdempotencyKey: req.IdempotencyKey,
		ReservationID:  req.ReservationID,
		Reason:         req.Reason,
		Status:         models.ReconcilePending,
		MaxRetries:     q.maxRetries,
		RetryAt:        q.now().Add(req.Delay),
	}
	if req.LastError != nil {
		entry.LastError = truncate(req.LastError.Error(), 1024)
	}

	err := q.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "kind"}, {Name: "idempotency_key"}}, DoNothing: true}).
		Create(entry).Error
	if err != nil {
		return nil, fmt.Errorf("enqueue reconciliation entry: %w", err)
	}
	return entry, nil
}

// Due returns up to limit pending entries whose retry time has passed,
// oldest first.
func (q *Queue) Due(ctx context.Context, limit int) ([]models.ReconciliationEntry, error) {
	var out []models.ReconciliationEntry
	err := q.db.WithContext(ctx).
		Where("status = ? AND retry_at <= ?", models.ReconcilePending, q.now()).
		Order("retry_at ASC, id ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("load due reconciliation entries: %w", err)
	}
	return out, nil
}

func (q *Queue) Resolve(ctx context.Context, id uint) error {
	return q.transition(ctx, id, map[string]interface{}{"status": models.ReconcileResolved})
}

func (q *Queue) Escalate(ctx context.Context, id uint, cause error) error {
	updates := map[string]interface{}{"status": models.ReconcileEscalated}
	if cause != nil {
		updates["last_error"] = truncate(cause.Error(), 1024)
	}
	return q.transition(ctx, id, updates)
}

// Reschedule records a failed attempt. Once the retry budget is spent the
// entry is escalated instead. It reports the resulting status.
func (q *Queue) Reschedule(ctx context.Context, entry models.ReconciliationEntry, cause error) (string, error) {
	attempts := entry.RetryCount + 1
	if attempts >= entry.MaxRetries {
		if err := q.Escalate(ctx, entry.ID, cause); err != nil {
			return "", err
		}
		return models.ReconcileEscalated, nil
	}

	updates := map[string]interface{}{
		"retry_count": attempts,
		"retry_at":    q.now().Add(retry.Backoff(q.baseDelay, attempts, 0.3)),
	}
	if cause != nil {
		updates["last_error"] = truncate(cause.Error(), 1024)
	}
	if err := q.transition(ctx, entry.ID, updates); err != nil {
		return "", err
	}
	return models.ReconcilePending, nil
}

func (q *Queue) transition(ctx context.Context, id uint, updates map[string]interface{}) error {
	res := q.db.WithContext(ctx).Model(&models.ReconciliationEntry{}).
		Where("id = ? AND status = ?", id, models.ReconcilePending).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update reconciliation entry %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// List returns entries with the given status, or all entries when status is
// empty, newest first.
func (q *Queue) List(ctx context.Context, status string, limit int) ([]models.ReconciliationEntry, error) {
	db := q.db.WithContext(ctx).Order("id DESC").Limit(limit)
	if status != "" {
		db = db.Where("status = ?", status)
	}
	var out []models.ReconciliationEntry
	if err := db.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list reconciliation entries: %w", err)
	}
	return out, nil
}

func (q *Queue) Size(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.WithContext(ctx).Model(&models.ReconciliationEntry{}).
		Where("status = ?", models.ReconcilePending).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count reconciliation entries: %w", err)
	}
	return n, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
