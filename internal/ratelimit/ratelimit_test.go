package ratelimit

import (
	"testing"
	"time"
)

func TestAllow_WindowCap(t *testing.T) {
	l := New(DefaultWindow, DefaultMax)
	now := time.Unix(1756000000, 0)
	l.SetNowFunc(func() time.Time { return now })

	for i := 0; i < DefaultMax; i++ {
		if !l.Allow("!a1b2c3d4") {
			t.Fatalf("request %d rejected, want allowed", i+1)
		}
	}
	if l.Allow("!a1b2c3d4") {
		t.Error("request over the cap was allowed")
	}

	// A rejected attempt must not consume a slot once the window slides.
	now = now.Add(DefaultWindow + time.Second)
	if !l.Allow("!a1b2c3d4") {
		t.Error("request after window expiry rejected")
	}
}

func TestAllow_PerNode(t *testing.T) {
	l := New(DefaultWindow, 1)
	now := time.Unix(1756000000, 0)
	l.SetNowFunc(func() time.Time { return now })

	if !l.Allow("!a1b2c3d4") {
		t.Fatal("first node first request rejected")
	}
	if l.Allow("!a1b2c3d4") {
		t.Error("first node second request allowed")
	}
	if !l.Allow("!deadbeef") {
		t.Error("second node blocked by first node's usage")
	}
}

func TestAllow_SlidingWindow(t *testing.T) {
	l := New(60*time.Second, 2)
	now := time.Unix(1756000000, 0)
	l.SetNowFunc(func() time.Time { return now })

	l.Allow("!a1b2c3d4")
	now = now.Add(30 * time.Second)
	l.Allow("!a1b2c3d4")

	if l.Allow("!a1b2c3d4") {
		t.Error("third request inside window allowed")
	}

	// The first event leaves the window, freeing exactly one slot.
	now = now.Add(31 * time.Second)
	if !l.Allow("!a1b2c3d4") {
		t.Error("request rejected after oldest event expired")
	}
	if l.Allow("!a1b2c3d4") {
		t.Error("window refilled more than one slot")
	}
}
