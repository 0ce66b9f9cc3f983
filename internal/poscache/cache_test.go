package poscache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/lora-osmnotes/gateway/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "gateway.db"), time.UTC)
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestGrade(t *testing.T) {
	tests := []struct {
		name string
		age  time.Duration
		want Freshness
	}{
		{"zero", 0, Fresh},
		{"at good boundary", GoodAge, Fresh},
		{"just past good", GoodAge + time.Second, Approximate},
		{"at max boundary", MaxAge, Approximate},
		{"just past max", MaxAge + time.Second, Stale},
		{"hours old", 3 * time.Hour, Stale},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Grade(tt.age); got != tt.want {
				t.Errorf("Grade(%v) = %v, want %v", tt.age, got, tt.want)
			}
		})
	}
}

func TestCacheUpdateAndAge(t *testing.T) {
	st := newTestStore(t)
	c := New(st)

	now := time.Unix(1756000000, 0).UTC()
	c.SetNowFunc(func() time.Time { return now })

	if _, ok := c.Age("!a1b2c3d4"); ok {
		t.Error("Age() reported a fix before any update")
	}

	if err := c.Update(context.Background(), "!a1b2c3d4", 4.6097, -74.0817); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	fix, ok := c.Get("!a1b2c3d4")
	if !ok {
		t.Fatal("Get() missing fix after update")
	}
	if fix.Lat != 4.6097 || fix.Lon != -74.0817 {
		t.Errorf("fix = %+v, want recorded coordinates", fix)
	}
	if fix.SeenCount != 1 {
		t.Errorf("SeenCount = %d, want 1", fix.SeenCount)
	}

	now = now.Add(20 * time.Second)
	age, ok := c.Age("!a1b2c3d4")
	if !ok || age != 20*time.Second {
		t.Errorf("Age() = %v, %v, want 20s, true", age, ok)
	}
	if Grade(age) != Approximate {
		t.Errorf("Grade(%v) = %v, want Approximate", age, Grade(age))
	}
}

func TestValidCoords(t *testing.T) {
	tests := []struct {
		name     string
		lat, lon float64
		want     bool
	}{
		{"bogota", 4.6097, -74.0817, true},
		{"null island", 0, 0, false},
		{"lat out of range", 91, -74, false},
		{"lon out of range", 4.6, 181, false},
		{"equator crossing", 0, -74.0817, true},
		{"meridian crossing", 4.6097, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidCoords(tt.lat, tt.lon); got != tt.want {
				t.Errorf("ValidCoords(%v, %v) = %v, want %v", tt.lat, tt.lon, got, tt.want)
			}
		})
	}
}

func TestCacheUpdateDropsUnusableFix(t *testing.T) {
	st := newTestStore(t)
	c := New(st)

	tests := []struct {
		name     string
		lat, lon float64
	}{
		{"null island", 0, 0},
		{"lat out of range", 91, -74},
		{"lon out of range", 4.6, -181},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.Update(context.Background(), "!a1b2c3d4", tt.lat, tt.lon); err != nil {
				t.Fatalf("Update() error = %v", err)
			}
			if fix, ok := c.Get("!a1b2c3d4"); ok {
				t.Errorf("Get() = %+v, want no cached fix", fix)
			}
			pos, err := st.GetPosition(context.Background(), "!a1b2c3d4")
			if err != nil {
				t.Fatalf("GetPosition() error = %v", err)
			}
			if pos != nil {
				t.Errorf("persisted position = %+v, want none", pos)
			}
		})
	}
}

func TestCacheRehydrateSkipsUnusableRows(t *testing.T) {
	st := newTestStore(t)
	now := time.Unix(1756000000, 0).UTC()

	// A row written before coordinate checks existed.
	if err := st.UpsertPosition(context.Background(), "!a1b2c3d4", 0, 0, now); err != nil {
		t.Fatalf("UpsertPosition() error = %v", err)
	}

	c := New(st)
	if err := c.Rehydrate(context.Background()); err != nil {
		t.Fatalf("Rehydrate() error = %v", err)
	}
	if fix, ok := c.Get("!a1b2c3d4"); ok {
		t.Errorf("Get() = %+v, want null island row skipped", fix)
	}
}

func TestCacheRehydrate(t *testing.T) {
	st := newTestStore(t)
	now := time.Unix(1756000000, 0).UTC()

	first := New(st)
	first.SetNowFunc(func() time.Time { return now })
	if err := first.Update(context.Background(), "!a1b2c3d4", 4.60, -74.08); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if err := first.Update(context.Background(), "!a1b2c3d4", 4.61, -74.09); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	second := New(st)
	if err := second.Rehydrate(context.Background()); err != nil {
		t.Fatalf("Rehydrate() error = %v", err)
	}
	fix, ok := second.Get("!a1b2c3d4")
	if !ok {
		t.Fatal("rehydrated cache missing fix")
	}
	if fix.Lat != 4.61 {
		t.Errorf("Lat = %v, want latest 4.61", fix.Lat)
	}
	if fix.SeenCount != 2 {
		t.Errorf("SeenCount = %d, want 2", fix.SeenCount)
	}
}

func TestCacheEvict(t *testing.T) {
	st := newTestStore(t)
	c := New(st)

	now := time.Unix(1756000000, 0).UTC()
	c.SetNowFunc(func() time.Time { return now })
	if err := c.Update(context.Background(), "!old00000", 4.0, -74.0); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	now = now.Add(25 * time.Hour)
	if err := c.Update(context.Background(), "!fresh000", 4.1, -74.1); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if evicted := c.Evict(24 * time.Hour); evicted != 1 {
		t.Errorf("Evict() = %d, want 1", evicted)
	}
	if _, ok := c.Get("!old00000"); ok {
		t.Error("evicted fix still cached")
	}
	if _, ok := c.Get("!fresh000"); !ok {
		t.Error("fresh fix was evicted")
	}
}
