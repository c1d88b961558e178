// Package external provides the anti-corruption layer between seatsync domain
// logic and the billing provider. Outbound calls go through BaseClient, which
// guards them with a circuit breaker and maps transport failures to AppErrors.
//
// Calls are made exactly once. A seat change that timed out may still have
// been applied upstream, so whether to try again is the caller's decision.
package external

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"seatsync/internal/types"
)

// BreakerSettings tunes the circuit breaker of a BaseClient.
type BreakerSettings struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before letting a single
	// probe request through.
	OpenTimeout time.Duration
}

// DefaultBreakerSettings opens after 5 consecutive failures for 30 seconds.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{FailureThreshold: 5, OpenTimeout: 30 * time.Second}
}

// BaseClient wraps an *http.Client and a circuit breaker. Provider clients
// embed BaseClient to inherit this behavior.
type BaseClient struct {
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker[*http.Response]
	userAgent string
	logger    *slog.Logger
}

// BaseClientOption is a functional option for configuring a BaseClient.
type BaseClientOption func(*BaseClient)

// WithLogger sets the logger that records breaker state transitions.
func WithLogger(logger *slog.Logger) BaseClientOption {
	return func(c *BaseClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewBaseClient creates a BaseClient with its own circuit breaker named
// breakerName.
func NewBaseClient(
	httpClient *http.Client,
	breakerName string,
	settings BreakerSettings,
	userAgent string,
	opts ...BaseClientOption,
) *BaseClient {
	bc := newBaseClient(httpClient, userAgent, opts)

	threshold := settings.FailureThreshold
	if threshold == 0 {
		threshold = DefaultBreakerSettings().FailureThreshold
	}
	bc.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			level := slog.LevelInfo
			if to == gobreaker.StateOpen {
				level = slog.LevelWarn
			}
			bc.logger.Log(context.Background(), level, "circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return bc
}

// NewBaseClientWithBreaker creates a BaseClient with a caller-provided circuit
// breaker, e.g. to share one breaker across clients or to tune it in tests.
func NewBaseClientWithBreaker(
	httpClient *http.Client,
	breaker *gobreaker.CircuitBreaker[*http.Response],
	userAgent string,
	opts ...BaseClientOption,
) *BaseClient {
	bc := newBaseClient(httpClient, userAgent, opts)
	bc.breaker = breaker
	return bc
}

func newBaseClient(httpClient *http.Client, userAgent string, opts []BaseClientOption) *BaseClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	bc := &BaseClient{
		client:    httpClient,
		userAgent: userAgent,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(bc)
	}
	return bc
}

// BreakerState reports the current breaker state ("closed", "half-open" or
// "open").
func (c *BaseClient) BreakerState() string {
	return c.breaker.State().String()
}

// Do executes the request once through the circuit breaker. It sets
// X-B3-TraceId from the request ID in context and the User-Agent.
//
// 2xx-4xx responses other than 429 are returned as-is and the caller closes
// the body. Transport failures, timeouts, 429, 5xx and an open breaker all
// map to ErrCodeUpstreamUnavailable; 429 and 5xx count as breaker failures.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	if traceID := types.GetRequestID(req.Context()); traceID != "" {
		req.Header.Set("X-B3-TraceId", traceID)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		r, doErr := c.client.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
			return r, fmt.Errorf("upstream returned %d", r.StatusCode)
		}
		return r, nil
	})
	if err == nil {
		return resp, nil
	}

	if resp != nil {
		resp.Body.Close()
	}
	return nil, mapTransportError(req.Context(), resp, err)
}

// mapTransportError translates a failed attempt into ErrCodeUpstreamUnavailable
// with a message naming the cause.
func mapTransportError(ctx context.Context, resp *http.Response, err error) *types.AppError {
	var msg string
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		msg = "circuit breaker is open; billing provider unavailable"
	case resp != nil && resp.StatusCode == http.StatusTooManyRequests:
		msg = "billing provider rate limit exceeded"
	case resp != nil:
		msg = fmt.Sprintf("billing provider returned %d", resp.StatusCode)
	case errors.Is(ctx.Err(), context.DeadlineExceeded), isTimeout(err):
		msg = "billing provider request timed out"
	default:
		msg = "billing provider request failed"
	}
	return types.NewAppError(types.ErrCodeUpstreamUnavailable, msg, err)
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
