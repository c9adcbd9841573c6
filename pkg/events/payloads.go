package events

import (
	"time"

	"library_reservation/pkg/models"
)

type ReservationPayload struct {
	ReservationID string `json:"reservationId"`
	UserID        string `json:"userId"`
	BookID        string `json:"bookId"`
	DueDate       string `json:"dueDate,omitempty"`
	ReturnDate    string `json:"returnDate,omitempty"`
	DaysOverdue   *int   `json:"daysOverdue,omitempty"`
	OldDueDate    string `json:"oldDueDate,omitempty"`
	NewDueDate    string `json:"newDueDate,omitempty"`
	Status        string `json:"status"`
}

func base(r *models.Reservation) ReservationPayload {
	return ReservationPayload{
		ReservationID: r.ID,
		UserID:        r.UserID,
		BookID:        r.BookID,
		Status:        r.Status,
	}
}

func Created(r *models.Reservation) ReservationPayload {
	p := base(r)
	p.DueDate = iso(r.DueDate)
	return p
}

func Returned(r *models.Reservation) ReservationPayload {
	p := base(r)
	if r.ReturnedAt != nil {
		p.ReturnDate = iso(*r.ReturnedAt)
	}
	return p
}

func Overdue(r *models.Reservation, now time.Time) ReservationPayload {
	p := base(r)
	p.DueDate = iso(r.DueDate)
	days := r.DaysOverdue(now)
	p.DaysOverdue = &days
	return p
}

func Extended(r *models.Reservation, oldDue time.Time) ReservationPayload {
	p := base(r)
	p.OldDueDate = iso(oldDue)
	p.NewDueDate = iso(r.DueDate)
	return p
}

func iso(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
