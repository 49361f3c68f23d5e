// Package payment integrates the external BDT payment processors behind
// a single Initiate call and runs the wallet top-up flow against them.
package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/biomex/biomex/internal/config"
)

// InitiateRequest asks the gateway to open a payment session. Ref is the
// platform transaction id; the gateway echoes its own reference back in
// the confirmation callback.
type InitiateRequest struct {
	Ref    string
	UserID string
	Amount int64
}

// InitiateResult carries the gateway's session handle.
type InitiateResult struct {
	GatewayRef string
	PaymentURL string
}

// Gateway is the one integration point for bKash, Nagad, Rocket and
// SSLCommerz style processors; the concrete wire format stays behind it.
type Gateway interface {
	Name() string
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error)
}

// HTTPGateway talks to a REST processor. Requests pass a client-side rate
// cap and a circuit breaker so a melting gateway cannot stall the wallet;
// transient 5xx responses retry inside one breaker attempt.
type HTTPGateway struct {
	name    string
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// NewHTTPGateway builds a client from the static gateway configuration.
func NewHTTPGateway(cfg config.GatewayConfig) *HTTPGateway {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetAuthToken(cfg.APIKey)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
	})

	return &HTTPGateway{
		name:    cfg.Name,
		http:    client,
		breaker: breaker,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Burst),
	}
}

// Name implements Gateway.
func (g *HTTPGateway) Name() string { return g.name }

type initiatePayload struct {
	Ref    string `json:"ref"`
	UserID string `json:"user_id"`
	Amount int64  `json:"amount_bdt"`
}

type initiateReply struct {
	GatewayRef string `json:"gateway_ref"`
	PaymentURL string `json:"payment_url"`
}

// Initiate implements Gateway.
func (g *HTTPGateway) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("failed to wait for gateway slot: %w", err)
	}

	out, err := g.breaker.Execute(func() (interface{}, error) {
		var reply initiateReply
		resp, err := g.http.R().
			SetContext(ctx).
			SetBody(initiatePayload{Ref: req.Ref, UserID: req.UserID, Amount: req.Amount}).
			SetResult(&reply).
			Post("/v1/payments/initiate")
		if err != nil {
			return nil, fmt.Errorf("gateway request failed: %w", err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("gateway returned %s: %s", resp.Status(), resp.String())
		}
		if reply.GatewayRef == "" || reply.PaymentURL == "" {
			return nil, fmt.Errorf("gateway reply missing session fields")
		}
		return &InitiateResult{GatewayRef: reply.GatewayRef, PaymentURL: reply.PaymentURL}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initiate payment with %s: %w", g.name, err)
	}
	return out.(*InitiateResult), nil
}
