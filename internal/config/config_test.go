package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server:
  port: 9090
tunables:
  taker_fee_bps: 25
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("expected default host, got %q", cfg.Server.Host)
	}
	if cfg.Tunables.TakerFeeBps != 25 {
		t.Errorf("expected taker fee 25, got %d", cfg.Tunables.TakerFeeBps)
	}
	if cfg.Tunables.MakerFeeBps != 10 {
		t.Errorf("expected default maker fee 10, got %d", cfg.Tunables.MakerFeeBps)
	}
	if cfg.Tunables.RedistributionInterval != 500*time.Millisecond {
		t.Errorf("expected default redistribution interval, got %v", cfg.Tunables.RedistributionInterval)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Snapshot)
	}{
		{"negative fee", func(s *Snapshot) { s.TakerFeeBps = -1 }},
		{"fee over 100 percent", func(s *Snapshot) { s.MakerFeeBps = 10001 }},
		{"zero redistribution pool", func(s *Snapshot) { s.RedistributionPoolPercent = 0 }},
		{"interval too small", func(s *Snapshot) { s.RedistributionInterval = 10 * time.Millisecond }},
		{"liquidation above margin call", func(s *Snapshot) { s.LiquidationLevel = 150 }},
		{"max leverage below default", func(s *Snapshot) { s.MaxLeverage = 0 }},
		{"topup bounds inverted", func(s *Snapshot) { s.MaxTopup = s.MinTopup - 1 }},
		{"empty bucket", func(s *Snapshot) { s.RateLimits["orders"] = Bucket{} }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := DefaultSnapshot()
			tc.mutate(&s)
			if err := s.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestDefaultSnapshotIsValid(t *testing.T) {
	s := DefaultSnapshot()
	if err := s.Validate(); err != nil {
		t.Errorf("default snapshot should validate: %v", err)
	}
}

func TestBucketFallback(t *testing.T) {
	s := DefaultSnapshot()
	if got := s.Bucket("orders"); got.Capacity != 60 {
		t.Errorf("expected orders capacity 60, got %d", got.Capacity)
	}
	if got := s.Bucket("unknown"); got.Capacity != s.RateLimits["default"].Capacity {
		t.Errorf("expected fallback to default bucket, got %+v", got)
	}
}

func TestProviderReplaceRejectsInvalid(t *testing.T) {
	p := NewProvider(DefaultSnapshot())
	bad := DefaultSnapshot()
	bad.TakerFeeBps = -5

	if err := p.Replace(bad); err == nil {
		t.Fatal("expected Replace to reject invalid snapshot")
	}
	if p.Snapshot().TakerFeeBps != 20 {
		t.Error("failed Replace must leave current snapshot untouched")
	}
}

func TestProviderUpdateCopiesRateLimits(t *testing.T) {
	p := NewProvider(DefaultSnapshot())
	before := p.Snapshot()

	err := p.Update(func(s *Snapshot) {
		s.RateLimits["orders"] = Bucket{Capacity: 5, RefillPerSec: 1}
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if before.RateLimits["orders"].Capacity != 60 {
		t.Error("Update mutated the previous generation's bucket map")
	}
	if p.Snapshot().RateLimits["orders"].Capacity != 5 {
		t.Error("Update did not publish the new bucket")
	}
}

// Readers racing a writer must only ever observe whole generations.
func TestProviderNoTornReads(t *testing.T) {
	p := NewProvider(DefaultSnapshot())

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(1); ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			next := DefaultSnapshot()
			next.MakerFeeBps = i
			next.TakerFeeBps = i
			if err := p.Replace(next); err != nil {
				t.Errorf("Replace failed: %v", err)
				return
			}
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10000; i++ {
				s := p.Snapshot()
				if s.MakerFeeBps != s.TakerFeeBps {
					t.Errorf("torn read: maker=%d taker=%d", s.MakerFeeBps, s.TakerFeeBps)
					return
				}
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(stop)
	wg.Wait()
}
