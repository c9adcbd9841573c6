package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"library_reservation/pkg/models"
)

type recordingWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	block  chan struct{}
	closed bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.block != nil {
		<-w.block
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *recordingWriter) messages() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestPublishWritesEnvelope(t *testing.T) {
	w := &recordingWriter{}
	p := newPublisher(w, "library_events", "reservation-service", 8, WithClock(func() time.Time { return fixedNow }))

	r := &models.Reservation{ID: "r-1", UserID: "u-1", BookID: "b-1", Status: models.StatusActive, DueDate: fixedNow.AddDate(0, 0, 14)}
	p.Publish(context.Background(), ReservationCreated, Created(r))
	require.NoError(t, p.Close(context.Background()))

	msgs := w.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "reservation_created", string(msgs[0].Key))
	assert.Equal(t, HeaderRoutingKey, msgs[0].Headers[0].Key)
	assert.Equal(t, "reservation_created", string(msgs[0].Headers[0].Value))

	var env struct {
		EventType string                 `json:"eventType"`
		Timestamp string                 `json:"timestamp"`
		Source    string                 `json:"source"`
		Data      map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msgs[0].Value, &env))
	assert.Equal(t, ReservationCreated, env.EventType)
	assert.Equal(t, "2024-03-01T12:00:00Z", env.Timestamp)
	assert.Equal(t, "reservation-service", env.Source)
	assert.Equal(t, "r-1", env.Data["reservationId"])
	assert.Equal(t, "2024-03-15T12:00:00Z", env.Data["dueDate"])
	assert.True(t, w.closed)
}

func TestPublishNeverBlocksWhenBufferFull(t *testing.T) {
	w := &recordingWriter{block: make(chan struct{})}
	p := newPublisher(w, "library_events", "reservation-service", 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			p.Publish(context.Background(), ReservationOverdue, map[string]string{"i": "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full buffer")
	}
	close(w.block)
	require.NoError(t, p.Close(context.Background()))
	assert.LessOrEqual(t, len(w.messages()), 2)
}

func TestBrokerFailureIsSwallowed(t *testing.T) {
	w := &recordingWriter{err: errors.New("broker down")}
	p := newPublisher(w, "library_events", "reservation-service", 4)

	assert.NotPanics(t, func() {
		p.Publish(context.Background(), ReservationReturned, map[string]string{})
	})
	require.NoError(t, p.Close(context.Background()))
	assert.Empty(t, w.messages())
}

func TestPublishAfterCloseIsDropped(t *testing.T) {
	w := &recordingWriter{}
	p := newPublisher(w, "library_events", "reservation-service", 4)
	require.NoError(t, p.Close(context.Background()))
	require.NoError(t, p.Close(context.Background()))

	assert.NotPanics(t, func() {
		p.Publish(context.Background(), ReservationCreated, map[string]string{})
	})
	assert.Empty(t, w.messages())
}

func TestLogOnlyPublisherWithoutBrokers(t *testing.T) {
	p := NewKafkaPublisher(nil, "library_events", "reservation-service", 4)
	p.Publish(context.Background(), ReservationExtended, map[string]string{"a": "b"})
	assert.NoError(t, p.Close(context.Background()))
}

func TestPayloads(t *testing.T) {
	returnedAt := fixedNow.Add(time.Hour)
	r := &models.Reservation{ID: "r-1", UserID: "u", BookID: "b", Status: models.StatusReturned, ReturnedAt: &returnedAt, DueDate: fixedNow}
	assert.Equal(t, "2024-03-01T13:00:00Z", Returned(r).ReturnDate)

	r = &models.Reservation{ID: "r-1", Status: models.StatusOverdue, DueDate: fixedNow}
	p := Overdue(r, fixedNow.AddDate(0, 0, 3))
	require.NotNil(t, p.DaysOverdue)
	assert.Equal(t, 3, *p.DaysOverdue)

	r.DueDate = fixedNow.AddDate(0, 0, 10)
	ext := Extended(r, fixedNow)
	assert.Equal(t, "2024-03-01T12:00:00Z", ext.OldDueDate)
	assert.Equal(t, "2024-03-11T12:00:00Z", ext.NewDueDate)
	assert.Equal(t, "reservation_extended", RoutingKey(ReservationExtended))
}
