package bookstore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"library_reservation/pkg/auth"
	"library_reservation/pkg/inventory"
	"library_reservation/pkg/logging"
	"library_reservation/pkg/metrics"
	"library_reservation/pkg/models"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// NewRouter exposes the public catalogue and the service-only stock routes
// the reservation service calls.
func NewRouter(h *Handler, authn *auth.Authenticator, m *metrics.Metrics, logger zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), logging.Middleware(logger), m.Middleware())

	r.GET("/health", h.healthCheck)
	r.GET("/metrics", m.Handler())

	api := r.Group("/api/v1")
	api.GET("/books", h.listBooks)
	api.GET("/books/:id", h.getBook)
	api.GET("/books/:id/availability", h.availability)

	internal := api.Group("/internal", authn.ServiceOnly())
	internal.POST("/books/:id/reserve", h.reserve)
	internal.POST("/books/:id/return", h.release)

	r.NoRoute(func(c *gin.Context) {
		fail(c, http.StatusNotFound, "Route not found")
	})
	return r
}

func respond(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, gin.H{"success": true, "message": message, "data": data})
}

func fail(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "message": message})
}

func failWith(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, ErrBookNotFound):
		fail(c, http.StatusNotFound, "Book not found")
	case errors.Is(err, ErrOutOfStock):
		fail(c, http.StatusConflict, "Book not available")
	case errors.Is(err, ErrKeyReleased), errors.Is(err, ErrKeyConflict):
		fail(c, http.StatusUnprocessableEntity, err.Error())
	default:
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Msg(fallback)
		fail(c, http.StatusInternalServerError, fallback)
	}
}

type bookView struct {
	ID                string `json:"id"`
	Title             string `json:"title"`
	Author            string `json:"author"`
	Quantity          int    `json:"quantity"`
	AvailableQuantity int    `json:"available_quantity"`
}

func viewOf(b *models.Book) bookView {
	return bookView{
		ID:                b.ID,
		Title:             b.Title,
		Author:            b.Author,
		Quantity:          b.Quantity,
		AvailableQuantity: b.AvailableQuantity,
	}
}

func (h *Handler) listBooks(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}
	size, err := strconv.Atoi(c.DefaultQuery("size", "10"))
	if err != nil || size < 1 || size > 100 {
		size = 10
	}
	showAll := c.DefaultQuery("showall", "false") == "true"

	books, total, err := h.svc.List(c.Request.Context(), page, size, showAll)
	if err != nil {
		failWith(c, err, "Failed to list books")
		return
	}
	items := make([]bookView, len(books))
	for i := range books {
		items[i] = viewOf(&books[i])
	}
	respond(c, http.StatusOK, "Books retrieved successfully", gin.H{
		"page":          page,
		"pageSize":      size,
		"totalElements": total,
		"items":         items,
	})
}

func (h *Handler) getBook(c *gin.Context) {
	b, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		failWith(c, err, "Failed to retrieve book")
		return
	}
	respond(c, http.StatusOK, "Book retrieved successfully", viewOf(b))
}

func (h *Handler) availability(c *gin.Context) {
	a, err := h.svc.Availability(c.Request.Context(), c.Param("id"))
	if err != nil {
		failWith(c, err, "Failed to check availability")
		return
	}
	respond(c, http.StatusOK, "Availability retrieved successfully", a)
}

type stockRequest struct {
	Quantity *int `json:"quantity"`
}

// checkQuantity accepts an empty body or a quantity of exactly one.
func checkQuantity(c *gin.Context) bool {
	var req stockRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		fail(c, http.StatusBadRequest, "Invalid request body")
		return false
	}
	if req.Quantity != nil && *req.Quantity != 1 {
		fail(c, http.StatusBadRequest, "Only a quantity of 1 is supported")
		return false
	}
	return true
}

func (h *Handler) reserve(c *gin.Context) {
	if !checkQuantity(c) {
		return
	}
	key := c.GetHeader(inventory.HeaderIdempotencyKey)
	if key == "" {
		key = uuid.NewString()
	}

	res, err := h.svc.Reserve(c.Request.Context(), c.Param("id"), key)
	if err != nil {
		failWith(c, err, "Failed to reserve book")
		return
	}
	zerolog.Ctx(c.Request.Context()).Info().
		Str("book_id", res.BookID).
		Bool("replayed", res.Replayed).
		Int("available_quantity", res.AvailableQuantity).
		Msg("book reserved")
	respond(c, http.StatusOK, "Book reserved successfully", res)
}

func (h *Handler) release(c *gin.Context) {
	if !checkQuantity(c) {
		return
	}
	key := c.GetHeader(inventory.HeaderIdempotencyKey)
	if key == "" {
		fail(c, http.StatusBadRequest, "Idempotency-Key header is required")
		return
	}

	res, err := h.svc.Release(c.Request.Context(), c.Param("id"), key)
	if err != nil {
		failWith(c, err, "Failed to return book")
		return
	}
	zerolog.Ctx(c.Request.Context()).Info().
		Str("book_id", res.BookID).
		Bool("replayed", res.Replayed).
		Int("available_quantity", res.AvailableQuantity).
		Msg("book returned")
	respond(c, http.StatusOK, "Book returned successfully", res)
}

func (h *Handler) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.svc.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "DOWN", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "UP"})
}
