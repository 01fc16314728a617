// Package pdp is the client for the external policy decision point.
//
// Every check is a single POST {base}/check bounded by a timeout. The client
// fails closed: transport errors, timeouts, non-200 statuses and unparsable
// bodies all produce a denying verdict. Verdicts are never cached.
package pdp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/mcpgate/internal/model"
	"github.com/ashita-ai/mcpgate/internal/telemetry"
)

var (
	// ErrUnexpectedStatus wraps any non-200 response from the PDP.
	ErrUnexpectedStatus = errors.New("pdp: unexpected status")
	// ErrMalformedVerdict wraps a 200 response whose body is not a verdict.
	ErrMalformedVerdict = errors.New("pdp: malformed verdict")
)

// maxResponseBytes caps how much of a PDP response is read.
const maxResponseBytes = 64 << 10

// Checker decides whether a principal may perform an action on a resource.
// Implementations never return an error: failures are deny verdicts.
type Checker interface {
	Check(ctx context.Context, p model.Principal, action model.Action, res model.Resource) model.Verdict
}

// Client is an HTTP Checker. It is safe for concurrent use and shares one
// http.Client across all checks.
type Client struct {
	endpoint string
	timeout  time.Duration
	http     *http.Client
	logger   *slog.Logger

	tracer   trace.Tracer
	checks   metric.Int64Counter
	duration metric.Float64Histogram
}

// New creates a client for the PDP at baseURL. A nil httpClient gets a
// dedicated client with default transport settings.
func New(baseURL string, timeout time.Duration, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("pdp: invalid base URL %q", baseURL)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("pdp: timeout must be positive, got %s", timeout)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	meter := telemetry.Meter("mcpgate/pdp")
	checks, _ := meter.Int64Counter("mcpgate.pdp.checks",
		metric.WithDescription("Policy checks by outcome"),
	)
	duration, _ := meter.Float64Histogram("mcpgate.pdp.duration",
		metric.WithDescription("Policy check round-trip time (ms)"),
		metric.WithUnit("ms"),
	)

	return &Client{
		endpoint: u.JoinPath("check").String(),
		timeout:  timeout,
		http:     httpClient,
		logger:   logger,
		tracer:   telemetry.Tracer("mcpgate/pdp"),
		checks:   checks,
		duration: duration,
	}, nil
}

// Endpoint returns the full check URL.
func (c *Client) Endpoint() string { return c.endpoint }

// Check implements Checker.
func (c *Client) Check(ctx context.Context, p model.Principal, action model.Action, res model.Resource) model.Verdict {
	ctx, span := c.tracer.Start(ctx, "pdp.check",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("mcpgate.action", string(action)),
			attribute.String("mcpgate.role", string(p.Role)),
			attribute.String("mcpgate.resource", res.Describe()),
		),
	)
	defer span.End()

	start := time.Now()
	v := c.check(ctx, model.NewAuthorizationQuery(p, action, res))
	elapsed := time.Since(start)

	outcome := "denied"
	switch v.Kind {
	case model.VerdictAllow:
		outcome = "allowed"
	case model.VerdictUnreachable:
		outcome = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("result", outcome),
		attribute.String("action", string(action)),
	)
	c.checks.Add(ctx, 1, attrs)
	c.duration.Record(ctx, float64(elapsed.Milliseconds()), attrs)

	span.SetAttributes(
		attribute.Bool("mcpgate.allowed", v.Allowed()),
		attribute.String("mcpgate.reason", v.Reason),
	)

	if v.Kind == model.VerdictUnreachable {
		span.RecordError(v.Err)
		span.SetStatus(codes.Error, "policy check failed")
		if ctx.Err() != nil && errors.Is(v.Err, context.Canceled) {
			c.logger.Debug("pdp: check abandoned, caller cancelled",
				"action", action, "resource", res.Describe())
			return v
		}
		c.logger.Error("pdp: check failed, denying",
			"action", action,
			"resource", res.Describe(),
			"user_id", p.UserID,
			"role", p.Role,
			"endpoint", c.endpoint,
			"duration_ms", elapsed.Milliseconds(),
			"error", v.Err,
		)
		return v
	}

	c.logger.Debug("pdp: verdict",
		"action", action,
		"resource", res.Describe(),
		"role", p.Role,
		"allowed", v.Allowed(),
		"reason", v.Reason,
		"duration_ms", elapsed.Milliseconds(),
	)
	return v
}

func (c *Client) check(ctx context.Context, q model.AuthorizationQuery) model.Verdict {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(q)
	if err != nil {
		return model.Unreachable(fmt.Errorf("pdp: encode query: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return model.Unreachable(fmt.Errorf("pdp: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	telemetry.Propagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return model.Unreachable(fmt.Errorf("pdp: request: %w", err))
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return model.Unreachable(fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return model.Unreachable(fmt.Errorf("pdp: read response: %w", err))
	}
	if len(data) > maxResponseBytes {
		return model.Unreachable(fmt.Errorf("%w: body exceeds %d bytes", ErrMalformedVerdict, maxResponseBytes))
	}

	var verdict model.AuthorizationVerdict
	if err := json.Unmarshal(data, &verdict); err != nil {
		return model.Unreachable(fmt.Errorf("%w: %w", ErrMalformedVerdict, err))
	}
	if verdict.Allowed {
		return model.Allow(verdict.Reason)
	}
	return model.Deny(verdict.Reason)
}
