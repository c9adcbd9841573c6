package api

import (
	"context"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"library_reservation/pkg/auth"
	"library_reservation/pkg/inventory"
	"library_reservation/pkg/models"
	"library_reservation/pkg/saga"
	"library_reservation/pkg/store"
)

const (
	serviceName    = "reservation-service"
	serviceVersion = "1.0.0"
)

type Saga interface {
	CreateReservation(ctx context.Context, req saga.CreateRequest) (*saga.CreateResult, error)
	ReturnBook(ctx context.Context, id string) (*models.Reservation, error)
	ExtendDueDate(ctx context.Context, id string, newDue time.Time) (*models.Reservation, error)
}

type Reservations interface {
	Get(ctx context.Context, id string) (*models.Reservation, error)
	List(ctx context.Context, f store.Filter, p store.Page) ([]models.Reservation, int64, error)
	ListByUser(ctx context.Context, userID string, p store.Page) ([]models.Reservation, int64, error)
	ListOverdue(ctx context.Context, p store.Page) ([]models.Reservation, int64, error)
	Count(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

type Reconciliations interface {
	List(ctx context.Context, status string, limit int) ([]models.ReconciliationEntry, error)
	Size(ctx context.Context) (int64, error)
}

type Handler struct {
	saga            Saga
	reservations    Reservations
	reconciliations Reconciliations
	startedAt       time.Time
	now             func() time.Time
}

func NewHandler(s Saga, rs Reservations, rc Reconciliations) *Handler {
	return &Handler{
		saga:            s,
		reservations:    rs,
		reconciliations: rc,
		startedAt:       time.Now(),
		now:             time.Now,
	}
}

type createRequest struct {
	UserID  string `json:"userId"`
	BookID  string `json:"bookId"`
	DueDate string `json:"dueDate"`
}

type extendRequest struct {
	NewDueDate string `json:"newDueDate"`
}

// parseTime accepts RFC 3339 timestamps and plain dates.
func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}

func pageOf(c *gin.Context) store.Page {
	page, _ := strconv.Atoi(c.Query("page"))
	limit, _ := strconv.Atoi(c.Query("limit"))
	return store.Page{Page: page, Limit: limit}.Normalize()
}

func (h *Handler) createReservation(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid request", err.Error())
		return
	}
	// Only service calls may act for another user.
	if tokenUser := auth.UserID(c); tokenUser != "" {
		if req.UserID != "" && req.UserID != tokenUser {
			fail(c, http.StatusForbidden, "Cannot create reservations for another user")
			return
		}
		req.UserID = tokenUser
	}
	if req.UserID == "" || req.BookID == "" {
		fail(c, http.StatusBadRequest, "User ID and Book ID are required")
		return
	}

	in := saga.CreateRequest{
		UserID: req.UserID,
		BookID: req.BookID,
		Nonce:  c.GetHeader(inventory.HeaderIdempotencyKey),
	}
	if req.DueDate != "" {
		due, ok := parseTime(req.DueDate)
		if !ok {
			fail(c, http.StatusBadRequest, "Validation failed", "dueDate must be an ISO 8601 date")
			return
		}
		in.DueDate = &due
	}

	res, err := h.saga.CreateReservation(c.Request.Context(), in)
	if err != nil {
		failWith(c, err, "Failed to create reservation")
		return
	}

	status, message := http.StatusCreated, "Reservation created successfully"
	if res.Replayed {
		status, message = http.StatusOK, "Reservation already exists"
	}
	respond(c, status, message, gin.H{"reservation": viewOf(res.Reservation, h.now())})
}

func (h *Handler) getReservation(c *gin.Context) {
	r, err := h.reservations.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if statusFor(err) == http.StatusNotFound {
			fail(c, http.StatusNotFound, "Reservation not found")
			return
		}
		failWith(c, err, "Failed to retrieve reservation")
		return
	}
	respond(c, http.StatusOK, "Reservation retrieved successfully", gin.H{"reservation": viewOf(r, h.now())})
}

func (h *Handler) listReservations(c *gin.Context) {
	f := store.Filter{
		UserID: c.Query("userId"),
		BookID: c.Query("bookId"),
		Status: c.Query("status"),
	}
	switch f.Status {
	case "", models.StatusActive, models.StatusOverdue, models.StatusReturned:
	default:
		fail(c, http.StatusBadRequest, "Validation failed", "unknown status "+f.Status)
		return
	}

	p := pageOf(c)
	items, total, err := h.reservations.List(c.Request.Context(), f, p)
	if err != nil {
		failWith(c, err, "Failed to retrieve reservations")
		return
	}
	h.page(c, "Reservations retrieved successfully", items, total, p)
}

func (h *Handler) userReservations(c *gin.Context) {
	userID := c.Param("userId")
	if userID == "" {
		fail(c, http.StatusBadRequest, "User ID is required")
		return
	}
	p := pageOf(c)
	items, total, err := h.reservations.ListByUser(c.Request.Context(), userID, p)
	if err != nil {
		failWith(c, err, "Failed to retrieve user reservations")
		return
	}
	h.page(c, "User reservations retrieved successfully", items, total, p)
}

func (h *Handler) overdueReservations(c *gin.Context) {
	p := pageOf(c)
	items, total, err := h.reservations.ListOverdue(c.Request.Context(), p)
	if err != nil {
		failWith(c, err, "Failed to retrieve overdue reservations")
		return
	}
	h.page(c, "Overdue reservations retrieved successfully", items, total, p)
}

func (h *Handler) page(c *gin.Context, message string, items []models.Reservation, total int64, p store.Page) {
	respond(c, http.StatusOK, message, gin.H{
		"reservations": viewsOf(items, h.now()),
		"pagination":   paginationOf(p, total),
	})
}

func (h *Handler) returnBook(c *gin.Context) {
	r, err := h.saga.ReturnBook(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch statusFor(err) {
		case http.StatusNotFound:
			fail(c, http.StatusNotFound, "Reservation not found")
		case http.StatusBadRequest:
			fail(c, http.StatusBadRequest, "Book has already been returned")
		default:
			failWith(c, err, "Failed to return book")
		}
		return
	}
	respond(c, http.StatusOK, "Book returned successfully", gin.H{"reservation": viewOf(r, h.now())})
}

func (h *Handler) extendDueDate(c *gin.Context) {
	var req extendRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.NewDueDate == "" {
		fail(c, http.StatusBadRequest, "New due date is required")
		return
	}
	newDue, ok := parseTime(req.NewDueDate)
	if !ok {
		fail(c, http.StatusBadRequest, "Validation failed", "newDueDate must be an ISO 8601 date")
		return
	}

	r, err := h.saga.ExtendDueDate(c.Request.Context(), c.Param("id"), newDue)
	if err != nil {
		if statusFor(err) == http.StatusNotFound {
			fail(c, http.StatusNotFound, "Reservation not found")
			return
		}
		failWith(c, err, "Failed to extend due date")
		return
	}
	respond(c, http.StatusOK, "Due date extended successfully", gin.H{"reservation": viewOf(r, h.now())})
}

func (h *Handler) listReconciliations(c *gin.Context) {
	status := c.Query("status")
	switch status {
	case "", models.ReconcilePending, models.ReconcileResolved, models.ReconcileEscalated:
	default:
		fail(c, http.StatusBadRequest, "Validation failed", "unknown status "+status)
		return
	}
	limit := pageOf(c).Limit

	entries, err := h.reconciliations.List(c.Request.Context(), status, limit)
	if err != nil {
		failWith(c, err, "Failed to retrieve reconciliation entries")
		return
	}
	respond(c, http.StatusOK, "Reconciliation entries retrieved successfully", gin.H{"entries": entries})
}

func (h *Handler) status(c *gin.Context) {
	respond(c, http.StatusOK, "Reservation service is running", gin.H{
		"timestamp": iso(h.now()),
		"service":   serviceName,
		"version":   serviceVersion,
		"database":  "postgresql",
		"status":    "running",
	})
}

func (h *Handler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	connected := h.reservations.Ping(ctx) == nil
	var total, pending int64
	if connected {
		total, _ = h.reservations.Count(ctx)
		pending, _ = h.reconciliations.Size(ctx)
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	now := h.now()
	respond(c, http.StatusOK, "Reservation service is healthy", gin.H{
		"timestamp":              iso(now),
		"uptime":                 now.Sub(h.startedAt).Round(10 * time.Millisecond).Seconds(),
		"service":                serviceName,
		"version":                serviceVersion,
		"database":               "postgresql",
		"status":                 "running",
		"databaseConnected":      connected,
		"totalReservations":      total,
		"pendingReconciliations": pending,
		"memoryUsage":            gin.H{"sys": mem.Sys, "heapAlloc": mem.HeapAlloc},
	})
}
