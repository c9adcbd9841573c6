package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"library_reservation/pkg/inventory"
	"library_reservation/pkg/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.ReconciliationEntry{}))
	return db
}

type fakeReleaser struct {
	errs       []error
	calls      []string
	idempotent bool
}

func (f *fakeReleaser) ReleaseUnit(_ context.Context, bookID, key string) (inventory.Ack, error) {
	f.calls = append(f.calls, bookID+"/"+key)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return inventory.Ack{}, err
		}
	}
	return inventory.Ack{BookID: bookID, Key: key}, nil
}

func (f *fakeReleaser) RemoteIdempotent() bool { return f.idempotent }

type owners map[string]*models.Reservation

func (o owners) FindByIdempotencyKey(_ context.Context, key string) (*models.Reservation, error) {
	if r, ok := o[key]; ok {
		return r, nil
	}
	return nil, errors.New("not found")
}

func newQueue(t *testing.T, maxRetries int) *Queue {
	q := NewQueue(setupTestDB(t), maxRetries, 0)
	return q
}

func TestEnqueueIsUniquePerKindAndKey(t *testing.T) {
	q := newQueue(t, 3)
	ctx := context.Background()

	req := Request{Kind: models.ReconcileReleaseHold, BookID: "book-1", IdempotencyKey: "key-1", Reason: "store failed"}
	_, err := q.Enqueue(ctx, req)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, req)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, Request{Kind: models.ReconcileUnknownReserve, BookID: "book-1", IdempotencyKey: "key-1"})
	require.NoError(t, err)

	n, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestWorkerResolvesReleasedHold(t *testing.T) {
	q := newQueue(t, 3)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, Request{Kind: models.ReconcileReleaseHold, BookID: "book-1", IdempotencyKey: "key-1"})
	require.NoError(t, err)

	inv := &fakeReleaser{idempotent: true}
	w := NewWorker(q, inv, owners{}, time.Minute, nil, zerolog.Nop())

	res, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resolved)
	assert.Equal(t, []string{"book-1/key-1"}, inv.calls)

	entries, err := q.List(ctx, models.ReconcileResolved, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWorkerReschedulesThenEscalates(t *testing.T) {
	q := newQueue(t, 2)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, Request{Kind: models.ReconcileReleaseHold, BookID: "book-1", IdempotencyKey: "key-1"})
	require.NoError(t, err)

	down := fmt.Errorf("%w: connection refused", inventory.ErrUnreachable)
	inv := &fakeReleaser{idempotent: true, errs: []error{down, down}}
	w := NewWorker(q, inv, owners{}, time.Minute, nil, zerolog.Nop())

	res, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retrying)

	due, err := q.Due(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].RetryCount)
	assert.Contains(t, due[0].LastError, "connection refused")

	res, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Escalated)

	escalated, err := q.List(ctx, models.ReconcileEscalated, 10)
	require.NoError(t, err)
	assert.Len(t, escalated, 1)
}

func TestWorkerEscalatesUnknownReserveWithoutRemoteDedup(t *testing.T) {
	q := newQueue(t, 5)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, Request{Kind: models.ReconcileUnknownReserve, BookID: "book-1", IdempotencyKey: "key-1"})
	require.NoError(t, err)

	inv := &fakeReleaser{idempotent: false}
	w := NewWorker(q, inv, owners{}, time.Minute, nil, zerolog.Nop())

	res, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Escalated)
	assert.Empty(t, inv.calls)
}

func TestWorkerReleasesUnknownReserveWithRemoteDedup(t *testing.T) {
	q := newQueue(t, 5)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, Request{Kind: models.ReconcileUnknownReserve, BookID: "book-1", IdempotencyKey: "key-1"})
	require.NoError(t, err)

	inv := &fakeReleaser{idempotent: true}
	w := NewWorker(q, inv, owners{}, time.Minute, nil, zerolog.Nop())

	res, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resolved)
	assert.Len(t, inv.calls, 1)
}

func TestWorkerEscalatesOutcomeUnknown(t *testing.T) {
	q := newQueue(t, 5)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, Request{Kind: models.ReconcileReleaseHold, BookID: "book-1", IdempotencyKey: "key-1"})
	require.NoError(t, err)

	inv := &fakeReleaser{errs: []error{fmt.Errorf("%w: pending", inventory.ErrOutcomeUnknown)}}
	w := NewWorker(q, inv, owners{}, time.Minute, nil, zerolog.Nop())

	res, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Escalated)
}

func TestResolveTwiceReportsMissing(t *testing.T) {
	q := newQueue(t, 3)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, Request{Kind: models.ReconcileReleaseHold, BookID: "b", IdempotencyKey: "k"})
	require.NoError(t, err)
	due, err := q.Due(ctx, 1)
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, q.Resolve(ctx, due[0].ID))
	assert.True(t, errors.Is(q.Resolve(ctx, due[0].ID), ErrEntryNotFound))
}

func TestWorkerResolvesUnknownReserveOwnedByReservation(t *testing.T) {
	q := newQueue(t, 5)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, Request{Kind: models.ReconcileUnknownReserve, BookID: "book-1", IdempotencyKey: "key-1"})
	require.NoError(t, err)

	inv := &fakeReleaser{idempotent: true}
	w := NewWorker(q, inv, owners{"key-1": {ID: "r-1"}}, time.Minute, nil, zerolog.Nop())

	res, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resolved)
	assert.Empty(t, inv.calls)
}

func TestDelayedEntryIsNotDue(t *testing.T) {
	q := newQueue(t, 5)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, Request{Kind: models.ReconcileUnknownReserve, BookID: "b", IdempotencyKey: "k", Delay: time.Hour})
	require.NoError(t, err)

	due, err := q.Due(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	n, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
