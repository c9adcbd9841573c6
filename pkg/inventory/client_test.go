package inventory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"library_reservation/pkg/circuitbreaker"
)

type fakeBookService struct {
	reserveCalls atomic.Int32
	releaseCalls atomic.Int32
	status       int
	delay        time.Duration
	lastKey      atomic.Value
	lastToken    atomic.Value
}

func (f *fakeBookService) handler() http.Handler {
	mux := http.NewServeMux()
	respond := func(w http.ResponseWriter, r *http.Request) {
		f.lastKey.Store(r.Header.Get(HeaderIdempotencyKey))
		f.lastToken.Store(r.Header.Get(HeaderServiceToken))
		if f.delay > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(f.delay):
			}
		}
		status := f.status
		if status == 0 {
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": status < 300,
			"message": http.StatusText(status),
			"data":    map[string]interface{}{"book_id": "book-1", "available_quantity": 2},
		})
	}
	mux.HandleFunc("/api/v1/internal/books/book-1/reserve", func(w http.ResponseWriter, r *http.Request) {
		f.reserveCalls.Add(1)
		respond(w, r)
	})
	mux.HandleFunc("/api/v1/internal/books/book-1/return", func(w http.ResponseWriter, r *http.Request) {
		f.releaseCalls.Add(1)
		respond(w, r)
	})
	mux.HandleFunc("/api/v1/books/book-1/availability", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"data":    map[string]interface{}{"available": true, "quantity": 3, "available_quantity": 2, "reserved": 1},
		})
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeBookService, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	base := []Option{WithTimeout(200 * time.Millisecond), WithRetry(3, time.Millisecond)}
	return New(srv.URL, "secret-token", append(base, opts...)...)
}

func TestReserveUnitSendsKeyAndToken(t *testing.T) {
	f := &fakeBookService{}
	client := newTestClient(t, f)

	ack, err := client.ReserveUnit(context.Background(), "book-1", "key-1")

	require.NoError(t, err)
	assert.Equal(t, "book-1", ack.BookID)
	assert.Equal(t, 2, ack.AvailableQuantity)
	assert.False(t, ack.Replayed)
	assert.Equal(t, "key-1", f.lastKey.Load())
	assert.Equal(t, "secret-token", f.lastToken.Load())
}

func TestReserveUnitReplaysAckedKey(t *testing.T) {
	f := &fakeBookService{}
	client := newTestClient(t, f)
	ctx := context.Background()

	_, err := client.ReserveUnit(ctx, "book-1", "key-1")
	require.NoError(t, err)
	ack, err := client.ReserveUnit(ctx, "book-1", "key-1")

	require.NoError(t, err)
	assert.True(t, ack.Replayed)
	assert.Equal(t, int32(1), f.reserveCalls.Load())
}

func TestReserveUnitStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusConflict, ErrUnavailable},
		{http.StatusBadRequest, ErrRemoteRejected},
		{http.StatusUnauthorized, ErrRemoteRejected},
		{http.StatusInternalServerError, ErrTimeout},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			f := &fakeBookService{status: tc.status}
			client := newTestClient(t, f)

			_, err := client.ReserveUnit(context.Background(), "book-1", "key-1")

			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, int32(1), f.reserveCalls.Load())
		})
	}
}

func TestReserveUnitTimeoutLeavesKeyPending(t *testing.T) {
	f := &fakeBookService{delay: time.Second}
	ledger := NewMemoryLedger()
	client := newTestClient(t, f, WithLedger(ledger, time.Minute), WithRemoteIdempotency(false))
	ctx := context.Background()

	_, err := client.ReserveUnit(ctx, "book-1", "key-1")
	assert.ErrorIs(t, err, ErrTimeout)

	_, err = client.ReserveUnit(ctx, "book-1", "key-1")
	assert.ErrorIs(t, err, ErrOutcomeUnknown)
	assert.Equal(t, int32(1), f.reserveCalls.Load())
}

func TestReserveUnitPendingKeyRetriedWhenRemoteIdempotent(t *testing.T) {
	f := &fakeBookService{}
	ledger := NewMemoryLedger()
	_, _, err := ledger.Acquire(context.Background(), "reserve:key-1", time.Minute)
	require.NoError(t, err)
	client := newTestClient(t, f, WithLedger(ledger, time.Minute), WithRemoteIdempotency(true))

	_, err = client.ReserveUnit(context.Background(), "book-1", "key-1")

	assert.NoError(t, err)
	assert.Equal(t, int32(1), f.reserveCalls.Load())
}

func TestDefiniteFailureClearsKey(t *testing.T) {
	f := &fakeBookService{status: http.StatusConflict}
	client := newTestClient(t, f, WithRemoteIdempotency(false))
	ctx := context.Background()

	_, err := client.ReserveUnit(ctx, "book-1", "key-1")
	assert.ErrorIs(t, err, ErrUnavailable)

	f.status = http.StatusOK
	_, err = client.ReserveUnit(ctx, "book-1", "key-1")
	assert.NoError(t, err)
	assert.Equal(t, int32(2), f.reserveCalls.Load())
}

func TestUnreachableIsRetried(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := New(url, "token", WithTimeout(100*time.Millisecond), WithRetry(3, time.Millisecond))
	_, err := client.ReserveUnit(context.Background(), "book-1", "key-1")

	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestOpenBreakerIsUnreachable(t *testing.T) {
	f := &fakeBookService{status: http.StatusInternalServerError}
	cb := circuitbreaker.NewCircuitBreaker(0, time.Minute)
	client := newTestClient(t, f, WithBreaker(cb))
	ctx := context.Background()

	_, err := client.ReserveUnit(ctx, "book-1", "key-1")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, circuitbreaker.StateOpen, cb.GetState())

	_, err = client.ReserveUnit(ctx, "book-1", "key-2")
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, int32(1), f.reserveCalls.Load())
}

func TestReleasedKeyCannotBeReservedAgain(t *testing.T) {
	f := &fakeBookService{}
	client := newTestClient(t, f)
	ctx := context.Background()

	_, err := client.ReserveUnit(ctx, "book-1", "key-1")
	require.NoError(t, err)
	_, err = client.ReleaseUnit(ctx, "book-1", "key-1")
	require.NoError(t, err)

	_, err = client.ReserveUnit(ctx, "book-1", "key-1")
	assert.ErrorIs(t, err, ErrRemoteRejected)
	assert.Equal(t, int32(1), f.reserveCalls.Load())
	assert.Equal(t, int32(1), f.releaseCalls.Load())
}

func TestReleaseUnitIsIdempotent(t *testing.T) {
	f := &fakeBookService{}
	client := newTestClient(t, f)
	ctx := context.Background()

	_, err := client.ReleaseUnit(ctx, "book-1", "key-1")
	require.NoError(t, err)
	ack, err := client.ReleaseUnit(ctx, "book-1", "key-1")

	require.NoError(t, err)
	assert.True(t, ack.Replayed)
	assert.Equal(t, int32(1), f.releaseCalls.Load())
}

func TestCheckAvailable(t *testing.T) {
	f := &fakeBookService{}
	client := newTestClient(t, f)

	assert.True(t, client.CheckAvailable(context.Background(), "book-1"))
	assert.False(t, client.CheckAvailable(context.Background(), "missing-book"))
}

func TestMemoryLedgerExpiry(t *testing.T) {
	ledger := NewMemoryLedger()
	now := time.Now()
	ledger.now = func() time.Time { return now }
	ctx := context.Background()

	_, acquired, _ := ledger.Acquire(ctx, "k", time.Minute)
	assert.True(t, acquired)
	entry, acquired, _ := ledger.Acquire(ctx, "k", time.Minute)
	assert.False(t, acquired)
	assert.Equal(t, StatePending, entry.State)

	now = now.Add(2 * time.Minute)
	_, acquired, _ = ledger.Acquire(ctx, "k", time.Minute)
	assert.True(t, acquired)
}
