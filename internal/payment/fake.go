package payment

import (
	"context"
	"fmt"
	"sync"
)

// FakeGateway is the sandbox processor used by tests and database-less
// runs. Sessions succeed immediately with deterministic references; set
// Fail to force Initiate to return that error instead.
type FakeGateway struct {
	Fail error

	mu  sync.Mutex
	seq int
}

// NewFakeGateway creates a sandbox gateway.
func NewFakeGateway() *FakeGateway { return &FakeGateway{} }

// Name implements Gateway.
func (g *FakeGateway) Name() string { return "sandbox" }

// Initiate implements Gateway.
func (g *FakeGateway) Initiate(_ context.Context, _ InitiateRequest) (*InitiateResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Fail != nil {
		return nil, g.Fail
	}
	g.seq++
	ref := fmt.Sprintf("SBX-%06d", g.seq)
	return &InitiateResult{
		GatewayRef: ref,
		PaymentURL: "https://sandbox.invalid/pay/" + ref,
	}, nil
}
