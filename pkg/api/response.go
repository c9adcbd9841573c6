package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"library_reservation/pkg/models"
	"library_reservation/pkg/saga"
	"library_reservation/pkg/store"
)

func respond(c *gin.Context, status int, message string, data interface{}) {
	body := gin.H{"success": true, "message": message}
	if data != nil {
		body["data"] = data
	}
	c.JSON(status, body)
}

func fail(c *gin.Context, status int, message string, errs ...string) {
	body := gin.H{"success": false, "message": message}
	if len(errs) > 0 {
		body["errors"] = errs
	}
	c.AbortWithStatusJSON(status, body)
}

// failWith maps a domain error to its HTTP status. Unexpected errors are
// logged and reported with the generic fallback message.
func failWith(c *gin.Context, err error, fallback string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Msg(fallback)
		fail(c, status, fallback)
		return
	}
	fail(c, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, saga.ErrValidation),
		errors.Is(err, saga.ErrQuotaExceeded),
		errors.Is(err, saga.ErrBookUnavailable),
		errors.Is(err, saga.ErrAlreadyReturned),
		errors.Is(err, saga.ErrNotLaterThanCurrent),
		errors.Is(err, saga.ErrExceedsMaxDuration):
		return http.StatusBadRequest
	case errors.Is(err, saga.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, saga.ErrAttemptInFlight), errors.Is(err, saga.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, saga.ErrInventoryTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, saga.ErrInventoryUnreachable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type reservationView struct {
	ID           string  `json:"id"`
	UserID       string  `json:"userId"`
	BookID       string  `json:"bookId"`
	ReservedAt   string  `json:"reservedAt"`
	DueDate      string  `json:"dueDate"`
	ReturnedAt   *string `json:"returnedAt"`
	Status       string  `json:"status"`
	DaysUntilDue int     `json:"daysUntilDue"`
	DaysOverdue  int     `json:"daysOverdue"`
	IsOverdue    bool    `json:"isOverdue"`
	CreatedAt    string  `json:"createdAt"`
	UpdatedAt    string  `json:"updatedAt"`
}

func iso(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func viewOf(r *models.Reservation, now time.Time) reservationView {
	v := reservationView{
		ID:           r.ID,
		UserID:       r.UserID,
		BookID:       r.BookID,
		ReservedAt:   iso(r.ReservedAt),
		DueDate:      iso(r.DueDate),
		Status:       r.Status,
		DaysUntilDue: r.DaysUntilDue(now),
		DaysOverdue:  r.DaysOverdue(now),
		IsOverdue:    r.IsOverdue(now),
		CreatedAt:    iso(r.CreatedAt),
		UpdatedAt:    iso(r.UpdatedAt),
	}
	if r.ReturnedAt != nil {
		s := iso(*r.ReturnedAt)
		v.ReturnedAt = &s
	}
	return v
}

func viewsOf(rs []models.Reservation, now time.Time) []reservationView {
	out := make([]reservationView, len(rs))
	for i := range rs {
		out[i] = viewOf(&rs[i], now)
	}
	return out
}

type pagination struct {
	CurrentPage int   `json:"currentPage"`
	TotalPages  int   `json:"totalPages"`
	TotalCount  int64 `json:"totalCount"`
	PerPage     int   `json:"perPage"`
	HasNext     bool  `json:"hasNext"`
	HasPrev     bool  `json:"hasPrev"`
}

func paginationOf(p store.Page, total int64) pagination {
	pages := int((total + int64(p.Limit) - 1) / int64(p.Limit))
	return pagination{
		CurrentPage: p.Page,
		TotalPages:  pages,
		TotalCount:  total,
		PerPage:     p.Limit,
		HasNext:     p.Page < pages,
		HasPrev:     p.Page > 1,
	}
}
