package models

import (
	"time"
)

const (
	StatusActive   = "active"
	StatusReturned = "returned"
	StatusOverdue  = "overdue"
)

type Reservation struct {
	ID             string     `gorm:"primaryKey;size:36" json:"id"`
	UserID         string     `gorm:"size:64;not null;index:idx_reservations_user_status" json:"userId"`
	BookID         string     `gorm:"size:64;not null;index" json:"bookId"`
	IdempotencyKey string     `gorm:"size:64;not null;uniqueIndex" json:"-"`
	ReservedAt     time.Time  `gorm:"not null" json:"reservedAt"`
	DueDate        time.Time  `gorm:"not null;index:idx_reservations_status_due" json:"dueDate"`
	ReturnedAt     *time.Time `json:"returnedAt,omitempty"`
	Status         string     `gorm:"size:20;not null;index:idx_reservations_user_status;index:idx_reservations_status_due" json:"status"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Holding reports whether the reservation still holds an inventory unit.
func (r *Reservation) Holding() bool {
	return r.Status == StatusActive || r.Status == StatusOverdue
}

// calendarDays counts UTC date boundaries crossed between from and to.
func calendarDays(from, to time.Time) int {
	y1, m1, d1 := from.UTC().Date()
	y2, m2, d2 := to.UTC().Date()
	a := time.Date(y1, m1, d1, 0, 0, 0, 0, time.UTC)
	b := time.Date(y2, m2, d2, 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}

// DaysUntilDue is zero once returned or past due.
func (r *Reservation) DaysUntilDue(now time.Time) int {
	if r.Status == StatusReturned || !r.DueDate.After(now) {
		return 0
	}
	return calendarDays(now, r.DueDate)
}

func (r *Reservation) DaysOverdue(now time.Time) int {
	if r.Status == StatusReturned || !now.After(r.DueDate) {
		return 0
	}
	return calendarDays(r.DueDate, now)
}

func (r *Reservation) IsOverdue(now time.Time) bool {
	return r.Status == StatusOverdue || (r.Status == StatusActive && now.After(r.DueDate))
}

const (
	ReconcileReleaseHold    = "release_hold"
	ReconcileUnknownReserve = "unknown_reserve"

	ReconcilePending   = "pending"
	ReconcileResolved  = "resolved"
	ReconcileEscalated = "escalated"
)

// ReconciliationEntry records an inventory hold whose state could not be
// settled synchronously.
type ReconciliationEntry struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	Kind           string    `gorm:"size:32;not null;uniqueIndex:idx_reconcile_kind_key" json:"kind"`
	IdempotencyKey string    `gorm:"size:64;not null;uniqueIndex:idx_reconcile_kind_key" json:"idempotencyKey"`
	BookID         string    `gorm:"size:64;not null" json:"bookId"`
	ReservationID  string    `gorm:"size:36" json:"reservationId,omitempty"`
	Reason         string    `gorm:"size:255" json:"reason"`
	LastError      string    `gorm:"size:1024" json:"lastError,omitempty"`
	Status         string    `gorm:"size:20;not null;index:idx_reconcile_status_retry" json:"status"`
	RetryCount     int       `gorm:"not null;default:0" json:"retryCount"`
	MaxRetries     int       `gorm:"not null" json:"maxRetries"`
	RetryAt        time.Time `gorm:"not null;index:idx_reconcile_status_retry" json:"retryAt"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type Book struct {
	ID                string `gorm:"primaryKey;size:64" json:"id"`
	Title             string `gorm:"not null" json:"title"`
	Author            string `json:"author"`
	Quantity          int    `gorm:"not null;check:quantity >= 0" json:"quantity"`
	AvailableQuantity int    `gorm:"not null;check:available_quantity >= 0" json:"availableQuantity"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

const (
	HoldHeld     = "held"
	HoldReleased = "released"
)

// InventoryHold is the book service's record of one reserve request, keyed by
// the caller's idempotency key.
type InventoryHold struct {
	ID             uint   `gorm:"primaryKey"`
	IdempotencyKey string `gorm:"size:64;not null;uniqueIndex"`
	BookID         string `gorm:"size:64;not null;index"`
	Quantity       int    `gorm:"not null"`
	Status         string `gorm:"size:20;not null"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
