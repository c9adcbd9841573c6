package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"library_reservation/pkg/models"
)

var (
	ErrNotFound            = errors.New("reservation not found")
	ErrAlreadyReturned     = errors.New("reservation already returned")
	ErrQuotaExceeded       = errors.New("active reservation limit reached")
	ErrDuplicateKey        = errors.New("reservation for this idempotency key already exists")
	ErrExceedsMaxDuration  = errors.New("due date exceeds maximum reservation period")
	ErrNotLaterThanCurrent = errors.New("new due date must be after current due date")
	ErrConflict            = errors.New("reservation was modified concurrently")
)

var holdingStatuses = []string{models.StatusActive, models.StatusOverdue}

// Store persists reservations. Every state transition is a conditional update
// guarded by the status it expects, so concurrent writers never overwrite
// each other.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) CountActiveForUser(ctx context.Context, userID string) (int64, error) {
	return countActive(s.db.WithContext(ctx), userID)
}

func countActive(db *gorm.DB, userID string) (int64, error) {
	var n int64
	err := db.Model(&models.Reservation{}).
		Where("user_id = ? AND status IN ?", userID, holdingStatuses).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count active reservations: %w", err)
	}
	return n, nil
}

// Create inserts r after re-checking the user's quota inside the write
// transaction. On Postgres concurrent creates for one user are serialised
// with a transaction-scoped advisory lock.
func (s *Store) Create(ctx context.Context, r *models.Reservation, maxActive int) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if tx.Dialector.Name() == "postgres" {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", r.UserID).Error; err != nil {
				return fmt.Errorf("lock user quota: %w", err)
			}
		}

		n, err := countActive(tx, r.UserID)
		if err != nil {
			return err
		}
		if n >= int64(maxActive) {
			return ErrQuotaExceeded
		}

		if err := tx.Create(r).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateKey
			}
			return fmt.Errorf("insert reservation: %w", err)
		}
		return nil
	})
}

func (s *Store) Get(ctx context.Context, id string) (*models.Reservation, error) {
	return get(s.db.WithContext(ctx), id)
}

func get(db *gorm.DB, id string) (*models.Reservation, error) {
	var r models.Reservation
	if err := db.Where("id = ?", id).First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load reservation %s: %w", id, err)
	}
	return &r, nil
}

func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (*models.Reservation, error) {
	var r models.Reservation
	if err := s.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load reservation by key: %w", err)
	}
	return &r, nil
}

// MarkReturned moves an active or overdue reservation to returned.
func (s *Store) MarkReturned(ctx context.Context, id string, at time.Time) (*models.Reservation, error) {
	var out *models.Reservation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := get(tx, id)
		if err != nil {
			return err
		}
		if r.Status == models.StatusReturned {
			return ErrAlreadyReturned
		}
		if at.Before(r.ReservedAt) {
			at = r.ReservedAt
		}

		res := tx.Model(&models.Reservation{}).
			Where("id = ? AND status IN ?", id, holdingStatuses).
			Updates(map[string]interface{}{"status": models.StatusReturned, "returned_at": at})
		if res.Error != nil {
			return fmt.Errorf("mark reservation returned: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyReturned
		}

		r.Status = models.StatusReturned
		r.ReturnedAt = &at
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Extend moves the due date later. The window is measured from reservedAt.
// It returns the updated reservation and the previous due date.
func (s *Store) Extend(ctx context.Context, id string, newDue time.Time, maxDays int) (*models.Reservation, time.Time, error) {
	var (
		out    *models.Reservation
		oldDue time.Time
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := get(tx, id)
		if err != nil {
			return err
		}
		if r.Status == models.StatusReturned {
			return ErrAlreadyReturned
		}
		if !newDue.After(r.DueDate) {
			return ErrNotLaterThanCurrent
		}
		if newDue.After(r.ReservedAt.AddDate(0, 0, maxDays)) {
			return ErrExceedsMaxDuration
		}

		res := tx.Model(&models.Reservation{}).
			Where("id = ? AND status IN ? AND due_date < ?", id, holdingStatuses, newDue).
			Update("due_date", newDue)
		if res.Error != nil {
			return fmt.Errorf("extend reservation: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}

		oldDue = r.DueDate
		r.DueDate = newDue
		out = r
		return nil
	})
	if err != nil {
		return nil, time.Time{}, err
	}
	return out, oldDue, nil
}

// Delete removes a reservation. Only used to compensate a failed creation.
func (s *Store) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Reservation{})
	if res.Error != nil {
		return fmt.Errorf("delete reservation %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.Reservation{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count reservations: %w", err)
	}
	return n, nil
}
