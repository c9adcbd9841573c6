package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"library_reservation/pkg/inventory"
	"library_reservation/pkg/metrics"
	"library_reservation/pkg/models"
)

type Releaser interface {
	ReleaseUnit(ctx context.Context, bookID, key string) (inventory.Ack, error)
	RemoteIdempotent() bool
}

// HoldOwners finds the reservation that owns an idempotency key, if any.
type HoldOwners interface {
	FindByIdempotencyKey(ctx context.Context, key string) (*models.Reservation, error)
}

// Worker drains due reconciliation entries by releasing their holds.
type Worker struct {
	queue    *Queue
	inv      Releaser
	owners   HoldOwners
	interval time.Duration
	batch    int
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

func NewWorker(queue *Queue, inv Releaser, owners HoldOwners, interval time.Duration, m *metrics.Metrics, logger zerolog.Logger) *Worker {
	return &Worker{
		queue:    queue,
		inv:      inv,
		owners:   owners,
		interval: interval,
		batch:    50,
		metrics:  m,
		logger:   logger.With().Str("component", "reconciler").Logger(),
	}
}

type Result struct {
	Resolved  int
	Retrying  int
	Escalated int
}

func (w *Worker) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	entries, err := w.queue.Due(ctx, w.batch)
	if err != nil {
		return res, err
	}

	for _, entry := range entries {
		status, err := w.process(ctx, entry)
		if err != nil {
			if errors.Is(err, ErrEntryNotFound) {
				continue
			}
			return res, err
		}
		switch status {
		case models.ReconcileResolved:
			res.Resolved++
		case models.ReconcileEscalated:
			res.Escalated++
		default:
			res.Retrying++
		}
		w.metrics.Reconciliation(entry.Kind, status)
	}
	return res, nil
}

func (w *Worker) process(ctx context.Context, entry models.ReconciliationEntry) (string, error) {
	log := w.logger.With().
		Uint("entry_id", entry.ID).
		Str("kind", entry.Kind).
		Str("book_id", entry.BookID).
		Str("key", entry.IdempotencyKey).
		Logger()

	if entry.Kind == models.ReconcileUnknownReserve {
		// a client retry with the same key may have completed the reservation
		if r, err := w.owners.FindByIdempotencyKey(ctx, entry.IdempotencyKey); err == nil && r != nil {
			log.Info().Str("reservation_id", r.ID).Msg("hold is owned by a reservation, nothing to release")
			return models.ReconcileResolved, w.queue.Resolve(ctx, entry.ID)
		}
	}

	if entry.Kind == models.ReconcileUnknownReserve && !w.inv.RemoteIdempotent() {
		cause := errors.New("book service cannot deduplicate keys; operator must verify the hold")
		log.Error().Msg("escalating unknown reserve outcome")
		return models.ReconcileEscalated, w.queue.Escalate(ctx, entry.ID, cause)
	}

	_, err := w.inv.ReleaseUnit(ctx, entry.BookID, entry.IdempotencyKey)
	switch {
	case err == nil:
		log.Info().Msg("inventory hold reconciled")
		return models.ReconcileResolved, w.queue.Resolve(ctx, entry.ID)
	case errors.Is(err, inventory.ErrOutcomeUnknown), errors.Is(err, inventory.ErrRemoteRejected):
		log.Error().Err(err).Msg("escalating reconciliation entry")
		return models.ReconcileEscalated, w.queue.Escalate(ctx, entry.ID, err)
	default:
		status, rerr := w.queue.Reschedule(ctx, entry, err)
		if rerr != nil {
			return "", rerr
		}
		ev := log.Warn()
		if status == models.ReconcileEscalated {
			ev = log.Error()
		}
		ev.Err(err).Int("retry_count", entry.RetryCount+1).Str("status", status).Msg("release attempt failed")
		return status, nil
	}
}

// Run processes due entries every interval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info().Dur("interval", w.interval).Msg("reconciler started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("reconciler stopped")
			return nil
		case <-ticker.C:
			res, err := w.RunOnce(ctx)
			if err != nil && ctx.Err() == nil {
				w.logger.Error().Err(err).Msg("reconciliation run failed")
				continue
			}
			if res.Resolved+res.Retrying+res.Escalated > 0 {
				w.logger.Info().
					Int("resolved", res.Resolved).
					Int("retrying", res.Retrying).
					Int("escalated", res.Escalated).
					Msg("reconciliation run finished")
			}
		}
	}
}
