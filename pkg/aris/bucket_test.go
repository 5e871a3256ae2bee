package aris

import (
	"testing"
	"time"
)

func testBucket() (*TokenBucket, *time.Time) {
	now := time.Unix(1_700_000_000, 0)
	b := NewTokenBucket(DefaultCapacity, DefaultBandwidth)
	b.SetTimeFunc(func() time.Time { return now })
	return b, &now
}

func TestBucketStartsFull(t *testing.T) {
	b, _ := testBucket()
	if got := b.Tokens(); got != DefaultCapacity {
		t.Fatalf("Tokens = %d, want %d", got, DefaultCapacity)
	}
}

func TestConsume(t *testing.T) {
	b, _ := testBucket()

	if !b.TryConsume(30) {
		t.Fatal("TryConsume(30) on full bucket failed")
	}
	if got := b.Tokens(); got != 970 {
		t.Fatalf("Tokens = %d, want 970", got)
	}
	if b.TryConsume(971) {
		t.Fatal("TryConsume(971) succeeded with 970 tokens")
	}
	if got := b.Tokens(); got != 970 {
		t.Fatalf("Tokens = %d after failed consume, want 970", got)
	}
	if !b.TryConsume(970) {
		t.Fatal("TryConsume(970) with exactly 970 tokens failed")
	}
	if got := b.Tokens(); got != 0 {
		t.Fatalf("Tokens = %d, want 0", got)
	}
}

func TestRefillRate(t *testing.T) {
	b, now := testBucket()
	b.TryConsume(1000)

	*now = now.Add(100 * time.Millisecond)
	b.Refill()
	if got := b.Tokens(); got != 0 {
		t.Fatalf("Tokens = %d after exactly 100ms, want 0", got)
	}

	*now = now.Add(50 * time.Millisecond)
	b.Refill()
	// 10 Mbps over 150ms
	if got := b.Tokens(); got != 150 {
		t.Fatalf("Tokens = %d, want 150", got)
	}

	*now = now.Add(101 * time.Millisecond)
	b.Refill()
	if got := b.Tokens(); got != 251 {
		t.Fatalf("Tokens = %d, want 251", got)
	}
}

func TestRefillIsBounded(t *testing.T) {
	b, now := testBucket()
	for i := 0; i < 500; i++ {
		*now = now.Add(time.Duration(101+i) * time.Millisecond)
		b.Refill()
		if got := b.Tokens(); got > DefaultCapacity {
			t.Fatalf("Tokens = %d after %d refills, want <= %d", got, i+1, DefaultCapacity)
		}
		if i%3 == 0 {
			b.TryConsume(int64(i))
		}
	}

	b.TryConsume(b.Tokens())
	*now = now.Add(time.Hour)
	b.Refill()
	if got := b.Tokens(); got != DefaultCapacity {
		t.Fatalf("Tokens = %d after an hour, want %d", got, DefaultCapacity)
	}
}
