package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"library_reservation/pkg/models"
)

const (
	DefaultPageLimit = 10
	MaxPageLimit     = 100
)

type Page struct {
	Page  int
	Limit int
}

// Normalize clamps the page to >= 1 and the limit to 1..MaxPageLimit.
func (p Page) Normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}

func (p Page) offset() int { return (p.Page - 1) * p.Limit }

type Filter struct {
	UserID string
	BookID string
	Status string
}

// List returns one page of reservations matching f, newest first, together
// with the total number of matches.
func (s *Store) List(ctx context.Context, f Filter, p Page) ([]models.Reservation, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.Reservation{})
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.BookID != "" {
		q = q.Where("book_id = ?", f.BookID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	return paginate(q, p, "reserved_at DESC, id ASC")
}

func (s *Store) ListByUser(ctx context.Context, userID string, p Page) ([]models.Reservation, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.Reservation{}).Where("user_id = ?", userID)
	return paginate(q, p, "reserved_at DESC, id ASC")
}

func (s *Store) ListOverdue(ctx context.Context, p Page) ([]models.Reservation, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.Reservation{}).Where("status = ?", models.StatusOverdue)
	return paginate(q, p, "due_date ASC, id ASC")
}

func paginate(q *gorm.DB, p Page, order string) ([]models.Reservation, int64, error) {
	p = p.Normalize()

	var total int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count reservations: %w", err)
	}

	var out []models.Reservation
	err := q.Session(&gorm.Session{}).Order(order).Offset(p.offset()).Limit(p.Limit).Find(&out).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list reservations: %w", err)
	}
	return out, total, nil
}

// OverdueCursor pages lazily through active reservations due before asOf,
// ordered by (due_date, id). Rows transitioned between pages do not shift
// later pages.
type OverdueCursor struct {
	db       *gorm.DB
	asOf     time.Time
	pageSize int

	lastDue time.Time
	lastID  string
	started bool
	done    bool
}

func (s *Store) ListOverdueCandidates(asOf time.Time, pageSize int) *OverdueCursor {
	if pageSize < 1 {
		pageSize = DefaultPageLimit
	}
	return &OverdueCursor{db: s.db, asOf: asOf, pageSize: pageSize}
}

// Next returns the next page, or an empty slice once exhausted.
func (c *OverdueCursor) Next(ctx context.Context) ([]models.Reservation, error) {
	if c.done {
		return nil, nil
	}

	q := c.db.WithContext(ctx).
		Where("status = ? AND due_date < ?", models.StatusActive, c.asOf)
	if c.started {
		q = q.Where("(due_date > ? OR (due_date = ? AND id > ?))", c.lastDue, c.lastDue, c.lastID)
	}

	var page []models.Reservation
	if err := q.Order("due_date ASC, id ASC").Limit(c.pageSize).Find(&page).Error; err != nil {
		return nil, fmt.Errorf("list overdue candidates: %w", err)
	}

	if len(page) < c.pageSize {
		c.done = true
	}
	if len(page) > 0 {
		last := page[len(page)-1]
		c.lastDue, c.lastID, c.started = last.DueDate, last.ID, true
	}
	return page, nil
}

// Reset restarts the cursor from the first candidate.
func (c *OverdueCursor) Reset() {
	c.lastDue, c.lastID = time.Time{}, ""
	c.started, c.done = false, false
}

// SweepMarkOverdue transitions the given reservations from active to overdue
// when they are still active and due before asOf. It returns exactly the rows
// this call transitioned; rows already overdue or returned are skipped.
func (s *Store) SweepMarkOverdue(ctx context.Context, ids []string, asOf time.Time) ([]models.Reservation, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var moved []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, id := range ids {
			res := tx.Model(&models.Reservation{}).
				Where("id = ? AND status = ? AND due_date < ?", id, models.StatusActive, asOf).
				Update("status", models.StatusOverdue)
			if res.Error != nil {
				return fmt.Errorf("mark reservation %s overdue: %w", id, res.Error)
			}
			if res.RowsAffected == 1 {
				moved = append(moved, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(moved) == 0 {
		return nil, nil
	}

	var out []models.Reservation
	if err := s.db.WithContext(ctx).Where("id IN ?", moved).Order("due_date ASC, id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("load overdue reservations: %w", err)
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
