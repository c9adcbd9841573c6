package inventory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"library_reservation/pkg/circuitbreaker"
	"library_reservation/pkg/metrics"
	"library_reservation/pkg/retry"
)

var (
	ErrUnavailable    = errors.New("book unavailable")
	ErrTimeout        = errors.New("inventory call timed out")
	ErrRemoteRejected = errors.New("inventory rejected request")
	ErrUnreachable    = errors.New("inventory unreachable")
	// ErrOutcomeUnknown means an earlier call with the same key is still
	// outstanding and the remote side cannot deduplicate it.
	ErrOutcomeUnknown = errors.New("inventory outcome unknown")
)

const (
	HeaderServiceToken   = "X-Service-Token"
	HeaderIdempotencyKey = "Idempotency-Key"

	opReserve = "reserve"
	opRelease = "release"
)

type Ack struct {
	BookID            string `json:"bookId"`
	Key               string `json:"key"`
	AvailableQuantity int    `json:"availableQuantity"`
	Replayed          bool   `json:"replayed"`
}

type Availability struct {
	Available         bool `json:"available"`
	Quantity          int  `json:"quantity"`
	AvailableQuantity int  `json:"available_quantity"`
	Reserved          int  `json:"reserved"`
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type holdData struct {
	BookID            string `json:"book_id"`
	AvailableQuantity int    `json:"available_quantity"`
	Replayed          bool   `json:"replayed"`
}

// Client calls the book service. Reserve and release carry an idempotency
// key both over the wire and in the local key ledger.
type Client struct {
	baseURL          string
	serviceToken     string
	httpClient       *http.Client
	timeout          time.Duration
	ledger           KeyLedger
	ledgerTTL        time.Duration
	remoteIdempotent bool
	retryAttempts    int
	retryBaseDelay   time.Duration
	breaker          *circuitbreaker.CircuitBreaker
	metrics          *metrics.Metrics
	tracer           trace.Tracer
	logger           zerolog.Logger
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option { return func(c *Client) { c.timeout = d } }

func WithLedger(l KeyLedger, ttl time.Duration) Option {
	return func(c *Client) {
		c.ledger = l
		c.ledgerTTL = ttl
	}
}

// WithRemoteIdempotency declares whether the book service deduplicates by
// Idempotency-Key. Without it, a pending key yields ErrOutcomeUnknown.
func WithRemoteIdempotency(enabled bool) Option {
	return func(c *Client) { c.remoteIdempotent = enabled }
}

func WithRetry(attempts int, baseDelay time.Duration) Option {
	return func(c *Client) {
		c.retryAttempts = attempts
		c.retryBaseDelay = baseDelay
	}
}

func WithBreaker(cb *circuitbreaker.CircuitBreaker) Option { return func(c *Client) { c.breaker = cb } }
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.httpClient = hc } }
func WithMetrics(m *metrics.Metrics) Option { return func(c *Client) { c.metrics = m } }
func WithLogger(l zerolog.Logger) Option { return func(c *Client) { c.logger = l } }

func New(baseURL, serviceToken string, opts ...Option) *Client {
	c := &Client{
		baseURL:      baseURL,
		serviceToken: serviceToken,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
			},
		},
		timeout:          5 * time.Second,
		ledger:           NewMemoryLedger(),
		ledgerTTL:        10 * time.Minute,
		remoteIdempotent: true,
		retryAttempts:    3,
		retryBaseDelay:   100 * time.Millisecond,
		tracer:           otel.Tracer("inventory-gateway"),
		logger:           zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) RemoteIdempotent() bool { return c.remoteIdempotent }

// CheckAvailable fails closed: any error is reported as not available.
func (c *Client) CheckAvailable(ctx context.Context, bookID string) bool {
	ctx, span := c.tracer.Start(ctx, "inventory.CheckAvailable", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("book.id", bookID))

	var availability Availability
	path := fmt.Sprintf("/api/v1/books/%s/availability", url.PathEscape(bookID))
	err := c.do(ctx, "availability", http.MethodGet, path, "", &availability)
	if err != nil {
		span.RecordError(err)
		c.logger.Warn().Err(err).Str("book_id", bookID).Msg("availability check failed, treating book as unavailable")
		return false
	}
	return availability.Available && availability.AvailableQuantity > 0
}

// ReserveUnit asks the book service to hold one unit under key.
func (c *Client) ReserveUnit(ctx context.Context, bookID, key string) (Ack, error) {
	ctx, span := c.tracer.Start(ctx, "inventory.ReserveUnit", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("book.id", bookID), attribute.String("idempotency.key", key))

	ack, err := c.keyed(ctx, opReserve, bookID, key, fmt.Sprintf("/api/v1/internal/books/%s/reserve", url.PathEscape(bookID)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reserve failed")
	}
	return ack, err
}

// ReleaseUnit returns the unit held under key. Releasing a key the book
// service never saw succeeds.
func (c *Client) ReleaseUnit(ctx context.Context, bookID, key string) (Ack, error) {
	ctx, span := c.tracer.Start(ctx, "inventory.ReleaseUnit", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("book.id", bookID), attribute.String("idempotency.key", key))

	ack, err := c.keyed(ctx, opRelease, bookID, key, fmt.Sprintf("/api/v1/internal/books/%s/return", url.PathEscape(bookID)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "release failed")
		return ack, err
	}

	// a released key must never be reserved again
	if err := c.ledger.Put(ctx, opReserve+":"+key, Entry{State: StateReleased, Ack: ack}, c.ledgerTTL); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("failed to mark reserve key released in ledger")
	}
	return ack, nil
}

func (c *Client) keyed(ctx context.Context, op, bookID, key, path string) (Ack, error) {
	ledgerKey := op + ":" + key

	existing, acquired, err := c.ledger.Acquire(ctx, ledgerKey, c.ledgerTTL)
	if err != nil {
		return Ack{}, fmt.Errorf("%w: key ledger: %v", ErrUnreachable, err)
	}
	if !acquired {
		switch existing.State {
		case StateAcked:
			ack := existing.Ack
			ack.Replayed = true
			c.metrics.Inventory(op, "replayed", 0)
			return ack, nil
		case StateReleased:
			if op == opReserve {
				return Ack{}, fmt.Errorf("%w: key %s was already released", ErrRemoteRejected, key)
			}
		default:
			if !c.remoteIdempotent {
				return Ack{}, fmt.Errorf("%w: %s key %s is still outstanding", ErrOutcomeUnknown, op, key)
			}
		}
	}

	var data holdData
	err = retry.Do(ctx, func(ctx context.Context) error {
		return c.do(ctx, op, http.MethodPost, path, key, &data)
	}, retryable, retry.WithMaxAttempts(max(c.retryAttempts, 1)), retry.WithBaseDelay(c.retryBaseDelay),
		retry.WithOnRetry(func(attempt int, err error) {
			c.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("retrying inventory call")
		}))

	// the ledger must reflect the outcome even if the caller has gone away
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()

	if err != nil {
		if !errors.Is(err, ErrTimeout) {
			if ferr := c.ledger.Forget(lctx, ledgerKey); ferr != nil {
				c.logger.Warn().Err(ferr).Str("key", ledgerKey).Msg("failed to clear ledger entry")
			}
		}
		return Ack{}, err
	}

	ack := Ack{BookID: bookID, Key: key, AvailableQuantity: data.AvailableQuantity, Replayed: data.Replayed}
	if perr := c.ledger.Put(lctx, ledgerKey, Entry{State: StateAcked, Ack: ack}, c.ledgerTTL); perr != nil {
		c.logger.Warn().Err(perr).Str("key", ledgerKey).Msg("failed to record ack in ledger")
	}
	return ack, nil
}

// retryable is true only when the request provably never reached the book
// service.
func retryable(err error) bool {
	return errors.Is(err, ErrUnreachable) && !errors.Is(err, circuitbreaker.ErrOpen)
}

func breakerCounts(err error) bool {
	return errors.Is(err, ErrUnreachable) || errors.Is(err, ErrTimeout)
}

func (c *Client) do(ctx context.Context, op, method, path, key string, out interface{}) error {
	start := time.Now()
	call := func(ctx context.Context) error {
		return c.roundTrip(ctx, method, path, key, out)
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(ctx, call, breakerCounts)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			err = fmt.Errorf("%w: %w", ErrUnreachable, err)
		}
	} else {
		err = call(ctx)
	}

	c.metrics.Inventory(op, resultLabel(err), time.Since(start).Seconds())
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path, key string, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if method == http.MethodPost {
		body = bytes.NewReader([]byte(`{"quantity":1}`))
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrRemoteRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderServiceToken, c.serviceToken)
	if key != "" {
		req.Header.Set(HeaderIdempotencyKey, key)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrTimeout, err)
	}

	var env envelope
	_ = json.Unmarshal(raw, &env)

	switch {
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrUnavailable, env.Message)
	case resp.StatusCode >= 500:
		// the remote may have applied the change before failing
		return fmt.Errorf("%w: book service returned %d: %s", ErrTimeout, resp.StatusCode, env.Message)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: book service returned %d: %s", ErrRemoteRejected, resp.StatusCode, env.Message)
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%w: decode response: %v", ErrRemoteRejected, err)
		}
	}
	return nil
}

func classifyTransport(err error) error {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return fmt.Errorf("%w: %v", ErrTimeout, err)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrRemoteRejected):
		return "rejected"
	case errors.Is(err, ErrUnreachable):
		return "unreachable"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "error"
	}
}
