package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/ensemblehq/ensemble/internal/backend"
)

var tracer = otel.Tracer("ensemble/internal/backend/rest")

const (
	defaultTimeout     = 60 * time.Second
	defaultRetries     = 2
	defaultBackoff     = 300 * time.Millisecond
	defaultRatePerSec  = 10
	defaultBurst       = 5
	defaultMaxFailures = 5
	defaultOpenTimeout = 30 * time.Second
	defaultCBInterval  = 60 * time.Second
)

// Config holds the connection settings for the remote agents service.
type Config struct {
	BaseURL string
	APIKey  string

	// Timeout bounds a JSON exchange including retries. Streamed
	// invocations are bounded by the caller's context instead, so a
	// long-running reply is never cut off mid-stream.
	Timeout time.Duration
	Retries int
	Backoff time.Duration

	// RatePerSec and Burst feed the client-side limiter. Zero values pick
	// defaults; a negative RatePerSec disables limiting.
	RatePerSec float64
	Burst      int

	BreakerMaxFailures uint32
	BreakerOpenFor     time.Duration
	BreakerInterval    time.Duration
}

// Client talks to the agents service over REST. Agent replies stream back
// as server-sent events. All calls pass through a shared rate limiter and a
// circuit breaker so a misbehaving backend fails fast instead of piling up
// blocked sessions.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[json.RawMessage]
	logger  *log.Logger
}

// New builds a Client from cfg, filling in defaults for zero values.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("backend base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid backend base URL: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	} else if cfg.Retries == 0 {
		cfg.Retries = defaultRetries
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = defaultBackoff
	}

	logger := log.New(log.Writer(), "[BACKEND] ", log.LstdFlags)

	var limiter *rate.Limiter
	switch {
	case cfg.RatePerSec < 0:
		limiter = rate.NewLimiter(rate.Inf, 1)
	case cfg.RatePerSec == 0:
		limiter = rate.NewLimiter(rate.Limit(defaultRatePerSec), defaultBurst)
	default:
		burst := cfg.Burst
		if burst <= 0 {
			burst = defaultBurst
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}

	maxFailures := cfg.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = defaultMaxFailures
	}
	openFor := cfg.BreakerOpenFor
	if openFor == 0 {
		openFor = defaultOpenTimeout
	}
	interval := cfg.BreakerInterval
	if interval == 0 {
		interval = defaultCBInterval
	}
	breaker := gobreaker.NewCircuitBreaker[json.RawMessage](gobreaker.Settings{
		Name:        "agents-backend",
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Printf("circuit breaker %s: %s -> %s", name, from, to)
		},
	})

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: 0}, // per-call deadlines via context
		limiter: limiter,
		breaker: breaker,
		logger:  logger,
	}, nil
}

type createAgentResponse struct {
	ID string `json:"id"`
}

// CreateAgent provisions a remote agent and returns its backend-assigned ID.
func (c *Client) CreateAgent(ctx context.Context, spec backend.AgentSpec) (string, error) {
	ctx, span := tracer.Start(ctx, "backend.create_agent")
	defer span.End()
	span.SetAttributes(attribute.String("agent.role", spec.Role))

	raw, err := c.doJSON(ctx, http.MethodPost, c.endpoint("/agents"), spec)
	if err != nil {
		return "", fmt.Errorf("create agent %q: %w", spec.Role, err)
	}
	var out createAgentResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("create agent %q: decode response: %w", spec.Role, err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("create agent %q: backend returned no id", spec.Role)
	}
	return out.ID, nil
}

// DeleteAgent removes a previously created remote agent. A 404 counts as
// success so a delete retried after a timed-out first attempt stays clean.
func (c *Client) DeleteAgent(ctx context.Context, remoteID string) error {
	ctx, span := tracer.Start(ctx, "backend.delete_agent")
	defer span.End()

	_, err := c.doJSON(ctx, http.MethodDelete, c.endpoint("/agents/"+url.PathEscape(remoteID)), nil)
	var se *statusError
	if errors.As(err, &se) && se.code == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete agent %s: %w", remoteID, err)
	}
	return nil
}

type invokeDelta struct {
	Text string `json:"text"`
}

// InvokeAgent starts a streamed invocation and returns the reply deltas.
// Only connection establishment goes through the breaker; mid-stream errors
// surface as a terminal Delta with Err set.
func (c *Client) InvokeAgent(ctx context.Context, remoteID string, inv backend.Invocation) (<-chan backend.Delta, error) {
	ctx, span := tracer.Start(ctx, "backend.invoke_agent")
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(inv)
	if err != nil {
		return nil, fmt.Errorf("invoke agent %s: marshal: %w", remoteID, err)
	}

	var resp *http.Response
	_, err = c.breaker.Execute(func() (json.RawMessage, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost,
			c.endpoint("/agents/"+url.PathEscape(remoteID)+"/invocations"), bytes.NewReader(body))
		if reqErr != nil {
			return nil, reqErr
		}
		c.setHeaders(req, true)

		r, doErr := c.http.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		if r.StatusCode < 200 || r.StatusCode >= 300 {
			defer r.Body.Close()
			return nil, newStatusError(r)
		}
		resp = r
		return nil, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("agents backend circuit open: %w", err)
		}
		return nil, fmt.Errorf("invoke agent %s: %w", remoteID, err)
	}

	return parseEventStream(ctx, resp.Body), nil
}

// doJSON performs one JSON exchange with retry, backoff and the breaker.
// Responses outside 2xx become statusError; 4xx responses are not retried.
func (c *Client) doJSON(ctx context.Context, method, endpoint string, body any) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		payload = b
	}

	return c.breaker.Execute(func() (json.RawMessage, error) {
		var lastErr error
		tries := c.cfg.Retries + 1
		for attempt := 0; attempt < tries; attempt++ {
			var reader io.Reader
			if payload != nil {
				reader = bytes.NewReader(payload)
			}
			req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
			if err != nil {
				return nil, err
			}
			c.setHeaders(req, false)

			resp, err := c.http.Do(req)
			if err != nil {
				lastErr = err
			} else {
				raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
				resp.Body.Close()
				if resp.StatusCode >= 200 && resp.StatusCode < 300 {
					if readErr != nil {
						return nil, readErr
					}
					return raw, nil
				}
				lastErr = &statusError{code: resp.StatusCode, status: resp.Status, body: string(raw)}
				if resp.StatusCode >= 400 && resp.StatusCode < 500 {
					return nil, lastErr
				}
			}

			if attempt < tries-1 {
				select {
				case <-time.After(c.cfg.Backoff * time.Duration(1<<attempt)):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
		}
		return nil, lastErr
	})
}

func (c *Client) setHeaders(req *http.Request, stream bool) {
	if req.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
}

func (c *Client) endpoint(path string) string {
	base := c.cfg.BaseURL
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return base + path
}

// BreakerState exposes the breaker state for health reporting.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

type statusError struct {
	code   int
	status string
	body   string
}

func newStatusError(resp *http.Response) *statusError {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &statusError{code: resp.StatusCode, status: resp.Status, body: string(b)}
}

func (e *statusError) Error() string {
	if e.body == "" {
		return e.status
	}
	return e.status + ": " + e.body
}

var _ backend.AgentBackend = (*Client)(nil)
