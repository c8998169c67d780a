package exchange

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucketAllowsBurst(t *testing.T) {
	tb := NewTokenBucket(5, 1)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := tb.Wait(ctx); err != nil {
			t.Fatalf("Wait %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("burst of 5 took %v, want near-instant", elapsed)
	}
}

func TestTokenBucketBlocksWhenEmpty(t *testing.T) {
	tb := NewTokenBucket(1, 10) // refills one token per 100ms
	ctx := context.Background()

	if err := tb.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := tb.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("second Wait returned in %v, want a refill delay", elapsed)
	}
}

func TestTokenBucketHonorsContext(t *testing.T) {
	tb := NewTokenBucket(1, 0.001) // effectively never refills
	ctx := context.Background()

	if err := tb.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	cancelled, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := tb.Wait(cancelled); err == nil {
		t.Error("Wait on an empty bucket ignored context cancellation")
	}
}
