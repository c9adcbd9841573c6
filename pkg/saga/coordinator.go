package saga

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"library_reservation/pkg/events"
	"library_reservation/pkg/inventory"
	"library_reservation/pkg/metrics"
	"library_reservation/pkg/models"
	"library_reservation/pkg/reconcile"
	"library_reservation/pkg/store"
)

var (
	ErrValidation      = errors.New("validation failed")
	ErrBookUnavailable = errors.New("book is not available")
	// ErrInventoryUnreachable covers every failure to get a definite answer
	// from the book service. ErrInventoryTimeout wraps it.
	ErrInventoryUnreachable = errors.New("inventory service unreachable")
	ErrInventoryTimeout     = fmt.Errorf("%w: timed out", ErrInventoryUnreachable)
	ErrAttemptInFlight      = errors.New("an earlier attempt with this key is still unresolved")

	ErrQuotaExceeded       = store.ErrQuotaExceeded
	ErrNotFound            = store.ErrNotFound
	ErrAlreadyReturned     = store.ErrAlreadyReturned
	ErrNotLaterThanCurrent = store.ErrNotLaterThanCurrent
	ErrExceedsMaxDuration  = store.ErrExceedsMaxDuration
	ErrConflict            = store.ErrConflict
)

type State string

const (
	StateRequested         State = "requested"
	StateInventoryReserved State = "inventory_reserved"
	StatePersisted         State = "persisted"
	StateCommitted         State = "committed"
	StateReleased          State = "released"
	StateRolledBack        State = "rolled_back"
	// StateStuck means a hold could not be released inline and was handed to
	// the reconciliation queue.
	StateStuck State = "stuck"
)

type Inventory interface {
	ReserveUnit(ctx context.Context, bookID, key string) (inventory.Ack, error)
	ReleaseUnit(ctx context.Context, bookID, key string) (inventory.Ack, error)
}

// AvailabilityChecker is implemented by inventories that can answer a cheap
// availability query before a unit is reserved.
type AvailabilityChecker interface {
	CheckAvailable(ctx context.Context, bookID string) bool
}

type Reservations interface {
	CountActiveForUser(ctx context.Context, userID string) (int64, error)
	Create(ctx context.Context, r *models.Reservation, maxActive int) error
	FindByIdempotencyKey(ctx context.Context, key string) (*models.Reservation, error)
	MarkReturned(ctx context.Context, id string, at time.Time) (*models.Reservation, error)
	Extend(ctx context.Context, id string, newDue time.Time, maxDays int) (*models.Reservation, time.Time, error)
	Delete(ctx context.Context, id string) error
}

type Publisher interface {
	Publish(ctx context.Context, eventType string, data interface{})
}

type Reconciler interface {
	Enqueue(ctx context.Context, req reconcile.Request) (*models.ReconciliationEntry, error)
}

type Config struct {
	MaxActivePerUser   int
	MaxReservationDays int
	// UnknownReserveDelay postpones reconciliation of a reserve whose outcome
	// is unknown, leaving room for the client to retry with the same key.
	UnknownReserveDelay time.Duration
	CompensationTimeout time.Duration
	// CheckAvailability asks the book service for availability before
	// reserving, when the inventory supports it.
	CheckAvailability bool
}

// Coordinator drives the create, return and extend workflows across the
// reservation store and the book service.
type Coordinator struct {
	cfg        Config
	inv        Inventory
	store      Reservations
	publisher  Publisher
	reconciler Reconciler
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

type Option func(*Coordinator)

func WithMetrics(m *metrics.Metrics) Option { return func(c *Coordinator) { c.metrics = m } }
func WithLogger(l zerolog.Logger) Option { return func(c *Coordinator) { c.logger = l } }
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

func New(cfg Config, inv Inventory, st Reservations, pub Publisher, rec Reconciler, opts ...Option) *Coordinator {
	if cfg.MaxActivePerUser <= 0 {
		cfg.MaxActivePerUser = 5
	}
	if cfg.MaxReservationDays <= 0 {
		cfg.MaxReservationDays = 14
	}
	if cfg.CompensationTimeout <= 0 {
		cfg.CompensationTimeout = 10 * time.Second
	}
	c := &Coordinator{
		cfg:        cfg,
		inv:        inv,
		store:      st,
		publisher:  pub,
		reconciler: rec,
		logger:     zerolog.Nop(),
		tracer:     otel.Tracer("reservation-saga"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "saga").Logger()
	return c
}

// IdempotencyKey derives the inventory key for one creation attempt.
func IdempotencyKey(userID, bookID, nonce string) string {
	sum := sha256.Sum256([]byte(userID + "|" + bookID + "|" + nonce))
	return hex.EncodeToString(sum[:])
}

type CreateRequest struct {
	UserID  string
	BookID  string
	DueDate *time.Time
	// Nonce distinguishes attempts. Clients that retry send the same nonce.
	Nonce string
}

type CreateResult struct {
	Reservation *models.Reservation
	// Replayed is set when an earlier attempt with the same nonce had already
	// committed.
	Replayed bool
	State    State
}

func (c *Coordinator) clock() time.Time {
	return c.now().UTC().Truncate(time.Microsecond)
}

func (c *Coordinator) log(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		scoped := l.With().Str("component", "saga").Logger()
		return &scoped
	}
	return &c.logger
}

// detached returns a context that survives the caller's cancellation, for
// compensation and reconciliation writes.
func (c *Coordinator) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CompensationTimeout)
}

func (c *Coordinator) CreateReservation(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	ctx, span := c.tracer.Start(ctx, "saga.CreateReservation",
		trace.WithAttributes(attribute.String("user.id", req.UserID), attribute.String("book.id", req.BookID)))
	defer span.End()

	res, err := c.create(ctx, req)
	state := StateRequested
	if res != nil {
		state = res.State
	}
	span.SetAttributes(attribute.String("saga.state", string(state)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.Saga("create", failureLabel(state, err))
		return res, err
	}
	c.metrics.Saga("create", string(state))
	return res, nil
}

func (c *Coordinator) create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	userID := strings.TrimSpace(req.UserID)
	bookID := strings.TrimSpace(req.BookID)
	if userID == "" || bookID == "" {
		return nil, fmt.Errorf("%w: userId and bookId are required", ErrValidation)
	}
	nonce := req.Nonce
	if nonce == "" {
		nonce = uuid.NewString()
	}
	key := IdempotencyKey(userID, bookID, nonce)
	log := c.log(ctx).With().Str("user_id", userID).Str("book_id", bookID).Str("key", key).Logger()

	if existing, err := c.store.FindByIdempotencyKey(ctx, key); err == nil {
		log.Info().Str("reservation_id", existing.ID).Msg("replaying committed reservation")
		return &CreateResult{Reservation: existing, Replayed: true, State: StateCommitted}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	active, err := c.store.CountActiveForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if active >= int64(c.cfg.MaxActivePerUser) {
		return nil, fmt.Errorf("%w: maximum %d active reservations", ErrQuotaExceeded, c.cfg.MaxActivePerUser)
	}

	reservedAt := c.clock()
	dueDate, err := c.dueDate(reservedAt, req.DueDate)
	if err != nil {
		return nil, err
	}

	if checker, ok := c.inv.(AvailabilityChecker); ok && c.cfg.CheckAvailability {
		if !checker.CheckAvailable(ctx, bookID) {
			return nil, fmt.Errorf("%w: book %s", ErrBookUnavailable, bookID)
		}
	}

	if _, err := c.inv.ReserveUnit(ctx, bookID, key); err != nil {
		return &CreateResult{State: StateRequested}, c.reserveFailed(ctx, log, bookID, key, err)
	}
	log.Debug().Msg("inventory reserved")

	r := &models.Reservation{
		ID:             uuid.NewString(),
		UserID:         userID,
		BookID:         bookID,
		IdempotencyKey: key,
		ReservedAt:     reservedAt,
		DueDate:        dueDate,
		Status:         models.StatusActive,
	}

	if err := c.store.Create(ctx, r, c.cfg.MaxActivePerUser); err != nil {
		return c.persistFailed(ctx, log, r, err)
	}

	if ctx.Err() != nil {
		// the caller gave up after the row was written; undo it so the
		// caller's view (failure) matches the stored state
		return c.rollBack(ctx, log, r, ctx.Err())
	}

	log.Info().Str("reservation_id", r.ID).Time("due_date", r.DueDate).Msg("reservation created")
	c.publisher.Publish(ctx, events.ReservationCreated, events.Created(r))
	return &CreateResult{Reservation: r, State: StateCommitted}, nil
}

func (c *Coordinator) dueDate(reservedAt time.Time, requested *time.Time) (time.Time, error) {
	limit := reservedAt.AddDate(0, 0, c.cfg.MaxReservationDays)
	if requested == nil || requested.IsZero() {
		return limit, nil
	}
	due := requested.UTC().Truncate(time.Microsecond)
	if !due.After(reservedAt) {
		return time.Time{}, fmt.Errorf("%w: dueDate must be in the future", ErrValidation)
	}
	if due.After(limit) {
		return limit, nil
	}
	return due, nil
}

func (c *Coordinator) reserveFailed(ctx context.Context, log zerolog.Logger, bookID, key string, err error) error {
	switch {
	case errors.Is(err, inventory.ErrUnavailable), errors.Is(err, inventory.ErrRemoteRejected):
		log.Info().Err(err).Msg("book unavailable")
		return fmt.Errorf("%w: %v", ErrBookUnavailable, err)
	case errors.Is(err, inventory.ErrOutcomeUnknown):
		log.Warn().Err(err).Msg("reserve attempt still unresolved")
		return fmt.Errorf("%w: %v", ErrAttemptInFlight, err)
	case errors.Is(err, inventory.ErrTimeout):
		log.Warn().Err(err).Msg("reserve timed out, recording possible hold")
		c.enqueue(ctx, log, reconcile.Request{
			Kind:           models.ReconcileUnknownReserve,
			BookID:         bookID,
			IdempotencyKey: key,
			Reason:         "reserve outcome unknown after timeout",
			LastError:      err,
			Delay:          c.cfg.UnknownReserveDelay,
		})
		return fmt.Errorf("%w: %v", ErrInventoryTimeout, err)
	default:
		log.Warn().Err(err).Msg("inventory unreachable")
		return fmt.Errorf("%w: %v", ErrInventoryUnreachable, err)
	}
}

func (c *Coordinator) persistFailed(ctx context.Context, log zerolog.Logger, r *models.Reservation, cause error) (*CreateResult, error) {
	if errors.Is(cause, store.ErrDuplicateKey) {
		// a concurrent attempt with the same key won; the hold is its hold
		if existing, err := c.store.FindByIdempotencyKey(ctx, r.IdempotencyKey); err == nil {
			return &CreateResult{Reservation: existing, Replayed: true, State: StateCommitted}, nil
		}
		return &CreateResult{State: StateInventoryReserved}, fmt.Errorf("%w: %v", ErrAttemptInFlight, cause)
	}

	dctx, cancel := c.detached(ctx)
	defer cancel()

	// the insert may have committed even though the caller saw an error
	if existing, err := c.store.FindByIdempotencyKey(dctx, r.IdempotencyKey); err == nil && existing.ID == r.ID {
		return c.rollBack(ctx, log, r, cause)
	}

	log.Warn().Err(cause).Msg("persisting reservation failed, releasing inventory")
	state := c.release(dctx, log, r, "reservation write failed", cause)

	if errors.Is(cause, store.ErrQuotaExceeded) {
		return &CreateResult{State: state}, fmt.Errorf("%w: maximum %d active reservations", ErrQuotaExceeded, c.cfg.MaxActivePerUser)
	}
	return &CreateResult{State: state}, fmt.Errorf("create reservation: %w", cause)
}

// rollBack deletes a persisted reservation and releases its hold.
func (c *Coordinator) rollBack(ctx context.Context, log zerolog.Logger, r *models.Reservation, cause error) (*CreateResult, error) {
	dctx, cancel := c.detached(ctx)
	defer cancel()

	if err := c.store.Delete(dctx, r.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		// row and hold both still exist, which is consistent
		log.Error().Err(err).Str("reservation_id", r.ID).Msg("rollback failed, keeping reservation")
		c.publisher.Publish(dctx, events.ReservationCreated, events.Created(r))
		return &CreateResult{Reservation: r, State: StateCommitted}, nil
	}
	log.Warn().Err(cause).Str("reservation_id", r.ID).Msg("reservation rolled back")

	state := c.release(dctx, log, r, "rolled back after caller cancellation", cause)
	if state == StateReleased {
		state = StateRolledBack
	}
	return &CreateResult{State: state}, fmt.Errorf("create reservation: %w", cause)
}

// release gives back the unit held under r's key. When that fails the hold is
// recorded for reconciliation and StateStuck is returned.
func (c *Coordinator) release(ctx context.Context, log zerolog.Logger, r *models.Reservation, reason string, cause error) State {
	_, err := c.inv.ReleaseUnit(ctx, r.BookID, r.IdempotencyKey)
	if err == nil {
		log.Info().Msg("inventory released")
		return StateReleased
	}

	log.Error().Err(err).Msg("inventory release failed, recording stuck hold")
	c.enqueue(ctx, log, reconcile.Request{
		Kind:           models.ReconcileReleaseHold,
		BookID:         r.BookID,
		IdempotencyKey: r.IdempotencyKey,
		ReservationID:  r.ID,
		Reason:         reason,
		LastError:      errors.Join(cause, err),
	})
	return StateStuck
}

func (c *Coordinator) enqueue(ctx context.Context, log zerolog.Logger, req reconcile.Request) {
	dctx, cancel := c.detached(ctx)
	defer cancel()

	if _, err := c.reconciler.Enqueue(dctx, req); err != nil {
		log.Error().Err(err).
			Str("kind", req.Kind).
			Str("book_id", req.BookID).
			Str("key", req.IdempotencyKey).
			Str("reservation_id", req.ReservationID).
			Msg("could not record reconciliation entry")
		return
	}
	c.metrics.Reconciliation(req.Kind, models.ReconcilePending)
}

// ReturnBook marks the reservation returned and then releases its hold. A
// failed release never fails the return.
func (c *Coordinator) ReturnBook(ctx context.Context, id string) (*models.Reservation, error) {
	ctx, span := c.tracer.Start(ctx, "saga.ReturnBook", trace.WithAttributes(attribute.String("reservation.id", id)))
	defer span.End()

	r, err := c.store.MarkReturned(ctx, id, c.clock())
	if err != nil {
		span.RecordError(err)
		c.metrics.Saga("return", "rejected")
		return nil, err
	}
	log := c.log(ctx).With().Str("reservation_id", r.ID).Str("book_id", r.BookID).Str("key", r.IdempotencyKey).Logger()
	log.Info().Msg("reservation returned")

	dctx, cancel := c.detached(ctx)
	defer cancel()
	state := c.release(dctx, log, r, "release after return failed", nil)
	if state == StateStuck {
		span.SetStatus(codes.Error, "inventory release deferred")
	}
	c.metrics.Saga("return", string(state))

	c.publisher.Publish(ctx, events.ReservationReturned, events.Returned(r))
	return r, nil
}

func (c *Coordinator) ExtendDueDate(ctx context.Context, id string, newDue time.Time) (*models.Reservation, error) {
	ctx, span := c.tracer.Start(ctx, "saga.ExtendDueDate", trace.WithAttributes(attribute.String("reservation.id", id)))
	defer span.End()

	if newDue.IsZero() {
		return nil, fmt.Errorf("%w: newDueDate is required", ErrValidation)
	}
	r, oldDue, err := c.store.Extend(ctx, id, newDue.UTC().Truncate(time.Microsecond), c.cfg.MaxReservationDays)
	if err != nil {
		span.RecordError(err)
		c.metrics.Saga("extend", "rejected")
		return nil, err
	}
	c.log(ctx).Info().Str("reservation_id", r.ID).Time("old_due_date", oldDue).Time("new_due_date", r.DueDate).Msg("due date extended")
	c.metrics.Saga("extend", string(StateCommitted))

	c.publisher.Publish(ctx, events.ReservationExtended, events.Extended(r, oldDue))
	return r, nil
}

func failureLabel(state State, err error) string {
	switch {
	case state == StateStuck, state == StateReleased, state == StateRolledBack:
		return string(state)
	case errors.Is(err, ErrValidation), errors.Is(err, ErrQuotaExceeded), errors.Is(err, ErrBookUnavailable):
		return "rejected"
	default:
		return "failed"
	}
}
