package transport

import (
	"testing"
	"time"
)

func TestBackoffSequence(t *testing.T) {
	b := NewBackoff(500*time.Millisecond, 10*time.Second)
	want := []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Fatalf("attempt %d: expected %s, got %s", i, w, got)
		}
	}
	if b.Attempt() != len(want) {
		t.Fatalf("expected attempt %d, got %d", len(want), b.Attempt())
	}
}

func TestBackoffMonotonicAndCapped(t *testing.T) {
	cases := []struct {
		base, max time.Duration
	}{
		{500 * time.Millisecond, 10 * time.Second},
		{100 * time.Millisecond, 250 * time.Millisecond},
		{time.Second, time.Second},
	}
	for _, tc := range cases {
		b := NewBackoff(tc.base, tc.max)
		prev := time.Duration(0)
		for i := 0; i < 20; i++ {
			d := b.Next()
			if d < prev {
				t.Fatalf("base=%s: delay decreased at %d: %s < %s", tc.base, i, d, prev)
			}
			if d > tc.max {
				t.Fatalf("base=%s: delay %s exceeds cap %s", tc.base, d, tc.max)
			}
			prev = d
		}
	}
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff(500*time.Millisecond, 10*time.Second)
	b.Next()
	b.Next()
	b.Next()
	b.Reset()
	if got := b.Next(); got != 500*time.Millisecond {
		t.Fatalf("expected base after reset, got %s", got)
	}
	if b.Attempt() != 1 {
		t.Fatalf("expected attempt 1 after reset, got %d", b.Attempt())
	}
}
