package ristretto

import (
	"context"
	"testing"
	"time"

	"github.com/Strob0t/CrawlFleet/internal/port/cache/cachetest"
)

func TestCompliance(t *testing.T) {
	c, err := New(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	cachetest.Run(t, c, c.Wait)
}

func TestTTLExpiry(t *testing.T) {
	c, err := New(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	ctx := context.Background()

	_ = c.Set(ctx, "short", []byte("v"), 50*time.Millisecond)
	c.Wait()
	if _, found, _ := c.Get(ctx, "short"); !found {
		t.Fatal("expected hit before expiry")
	}

	time.Sleep(1500 * time.Millisecond)
	if _, found, _ := c.Get(ctx, "short"); found {
		t.Fatal("expected miss after expiry")
	}
}
