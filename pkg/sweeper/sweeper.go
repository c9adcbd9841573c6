package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"library_reservation/pkg/events"
	"library_reservation/pkg/metrics"
	"library_reservation/pkg/models"
	"library_reservation/pkg/store"
)

type Store interface {
	ListOverdueCandidates(asOf time.Time, pageSize int) *store.OverdueCursor
	SweepMarkOverdue(ctx context.Context, ids []string, asOf time.Time) ([]models.Reservation, error)
}

type Publisher interface {
	Publish(ctx context.Context, eventType string, data interface{})
}

// Sweeper periodically moves active reservations past their due date to
// overdue and announces each transition.
type Sweeper struct {
	store     Store
	publisher Publisher
	interval  time.Duration
	pageSize  int
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time

	running sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Sweeper)

func WithMetrics(m *metrics.Metrics) Option { return func(s *Sweeper) { s.metrics = m } }
func WithLogger(l zerolog.Logger) Option { return func(s *Sweeper) { s.logger = l } }
func WithClock(now func() time.Time) Option { return func(s *Sweeper) { s.now = now } }

func New(st Store, pub Publisher, interval time.Duration, pageSize int, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:     st,
		publisher: pub,
		interval:  interval,
		pageSize:  pageSize,
		logger:    zerolog.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "overdue-sweeper").Logger()
	return s
}

// RunOnce performs a single sweep and returns how many reservations it moved
// to overdue. A run that overlaps one already in progress returns 0.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	if !s.running.TryLock() {
		s.logger.Debug().Msg("previous sweep still running, skipping")
		return 0, nil
	}
	defer s.running.Unlock()

	ctx, span := otel.Tracer("overdue-sweeper").Start(ctx, "sweeper.RunOnce")
	defer span.End()

	asOf := s.now().UTC()
	cursor := s.store.ListOverdueCandidates(asOf, s.pageSize)
	total := 0
	for {
		page, err := cursor.Next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return total, err
		}
		if len(page) == 0 {
			break
		}

		ids := make([]string, len(page))
		for i := range page {
			ids[i] = page[i].ID
		}
		moved, err := s.store.SweepMarkOverdue(ctx, ids, asOf)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return total, err
		}
		for i := range moved {
			r := &moved[i]
			s.logger.Info().
				Str("reservation_id", r.ID).
				Str("user_id", r.UserID).
				Time("due_date", r.DueDate).
				Msg("reservation overdue")
			s.publisher.Publish(ctx, events.ReservationOverdue, events.Overdue(r, asOf))
		}
		total += len(moved)
		s.metrics.Overdue(len(moved))
	}

	span.SetAttributes(attribute.Int("sweeper.transitioned", total))
	return total, nil
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("overdue sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("overdue sweeper stopped")
			return nil
		case <-ticker.C:
			n, err := s.RunOnce(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Error().Err(err).Msg("overdue sweep failed")
				}
				continue
			}
			if n > 0 {
				s.logger.Info().Int("count", n).Msg("overdue sweep finished")
			}
		}
	}
}

// Start runs the sweeper in the background. Stop ends it.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		_ = s.Run(ctx)
	}(s.done)
}

// Stop cancels a running sweeper and waits for the current sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
