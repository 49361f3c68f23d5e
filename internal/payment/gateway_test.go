package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/biomex/biomex/internal/config"
)

func testGatewayConfig(baseURL string) config.GatewayConfig {
	return config.GatewayConfig{
		Name:           "sslcommerz",
		BaseURL:        baseURL,
		APIKey:         "key-1",
		Timeout:        2 * time.Second,
		RequestsPerSec: 1000,
		Burst:          1000,
	}
}

func TestHTTPGatewayInitiate(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payments/initiate" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		var p initiatePayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(initiateReply{
			GatewayRef: "GW-" + p.Ref,
			PaymentURL: "https://pay.example/" + p.Ref,
		})
	}))
	defer srv.Close()

	gw := NewHTTPGateway(testGatewayConfig(srv.URL))
	res, err := gw.Initiate(context.Background(), InitiateRequest{Ref: "tx-1", UserID: "u1", Amount: 50_000})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if res.GatewayRef != "GW-tx-1" || res.PaymentURL != "https://pay.example/tx-1" {
		t.Errorf("result = %+v", res)
	}
	if gotAuth != "Bearer key-1" {
		t.Errorf("auth header = %q", gotAuth)
	}
}

func TestHTTPGatewayRejectsBadReply(t *testing.T) {
	t.Run("client error status", func(t *testing.T) {
		var hits int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&hits, 1)
			http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		}))
		defer srv.Close()

		gw := NewHTTPGateway(testGatewayConfig(srv.URL))
		if _, err := gw.Initiate(context.Background(), InitiateRequest{Ref: "tx-1", Amount: 50_000}); err == nil {
			t.Fatal("expected error on 400")
		}
		// 4xx is the gateway's verdict, not an outage; no retries.
		if n := atomic.LoadInt32(&hits); n != 1 {
			t.Errorf("hits = %d, want 1", n)
		}
	})

	t.Run("missing session fields", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{}`))
		}))
		defer srv.Close()

		gw := NewHTTPGateway(testGatewayConfig(srv.URL))
		if _, err := gw.Initiate(context.Background(), InitiateRequest{Ref: "tx-1", Amount: 50_000}); err == nil {
			t.Fatal("expected error on empty reply")
		}
	})
}

func TestHTTPGatewayBreakerOpens(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, `{"error":"down"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	gw := NewHTTPGateway(testGatewayConfig(srv.URL))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := gw.Initiate(ctx, InitiateRequest{Ref: "tx-1", Amount: 50_000}); err == nil {
			t.Fatalf("call %d: expected failure", i+1)
		}
	}

	before := atomic.LoadInt32(&hits)
	_, err := gw.Initiate(ctx, InitiateRequest{Ref: "tx-1", Amount: 50_000})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("got %v, want open breaker", err)
	}
	if after := atomic.LoadInt32(&hits); after != before {
		t.Errorf("open breaker still hit the gateway (%d -> %d)", before, after)
	}
}
