// internal/gateway/client.go

// Package gateway holds the HTTP clients for the external text and voice AI
// services. Every failure surfaces as a *TransportError or a *ServiceError.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"discord-ai-bot/internal/observability"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const (
	RequestIDHeader = "X-Request-ID"
	maxErrorBody    = 512
)

// client is the resty wrapper shared by both gateways.
type client struct {
	name    string
	http    *resty.Client
	limiter *rate.Limiter
	metrics *observability.Metrics
	logger  *slog.Logger
}

func newClient(
	name, baseURL string,
	timeout time.Duration,
	maxRequestsPerSecond float64,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *client {
	c := &client{
		name: name,
		http: resty.New().
			SetBaseURL(baseURL).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json").
			SetTimeout(timeout),
		metrics: metrics,
		logger:  logger,
	}
	c.http.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
		if r.Header.Get(RequestIDHeader) == "" {
			r.SetHeader(RequestIDHeader, uuid.NewString())
		}
		return nil
	})
	if maxRequestsPerSecond > 0 {
		burst := int(maxRequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(maxRequestsPerSecond), burst)
	}
	return c
}

// do executes one request. configure may set the body, result and path
// params. On a non-2xx status the response is returned alongside a
// *ServiceError.
func (c *client) do(
	ctx context.Context,
	op, method, path string,
	configure func(r *resty.Request),
) (*resty.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &TransportError{Service: c.name, Op: op, Err: err}
		}
	}

	req := c.http.R().SetContext(ctx).ExpectContentType("application/json")
	if configure != nil {
		configure(req)
	}

	start := time.Now()
	resp, err := req.Execute(method, path)
	elapsed := time.Since(start)

	if err != nil {
		c.metrics.ObserveGateway(c.name, op, "transport_error", elapsed)
		c.logger.WarnContext(
			ctx, "service request failed",
			"service", c.name,
			"op", op,
			"duration", elapsed,
			tint.Err(err),
		)
		return nil, &TransportError{Service: c.name, Op: op, Err: err}
	}
	if resp.IsError() {
		c.metrics.ObserveGateway(c.name, op, "service_error", elapsed)
		c.logger.WarnContext(
			ctx, "service returned an error",
			"service", c.name,
			"op", op,
			"status", resp.StatusCode(),
			"duration", elapsed,
		)
		return resp, &ServiceError{
			Service:    c.name,
			Op:         op,
			StatusCode: resp.StatusCode(),
			Body:       truncate(resp.String(), maxErrorBody),
		}
	}

	c.metrics.ObserveGateway(c.name, op, "ok", elapsed)
	c.logger.DebugContext(
		ctx, "service request",
		"service", c.name,
		"op", op,
		"status", resp.StatusCode(),
		"duration", elapsed,
	)
	return resp, nil
}

// HealthStatus is the /health payload of both services.
type HealthStatus struct {
	Status    string         `json:"status"`
	Uptime    float64        `json:"uptime"`
	LastCheck float64        `json:"lastCheck"`
	Errors    []string       `json:"errors,omitempty"`
	Metrics   map[string]any `json:"metrics,omitempty"`
}

// Healthy reports whether the service described itself as healthy.
func (h *HealthStatus) Healthy() bool {
	return h != nil && h.Status == "healthy"
}

func (c *client) health(ctx context.Context) (*HealthStatus, error) {
	var status HealthStatus
	_, err := c.do(ctx, "health", http.MethodGet, "/health", func(r *resty.Request) {
		r.SetResult(&status)
	})
	if err != nil {
		return nil, err
	}
	return &status, nil
}
