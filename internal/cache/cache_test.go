package cache

import (
	"testing"
	"time"

	"github.com/soma-tiles/tileview/internal/raster"
)

func newManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func newRaster(t *testing.T, w, h int) *raster.Raster {
	t.Helper()
	r, err := raster.New(w, h, 1, 8)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestFrameKey(t *testing.T) {
	t.Run("versioned", func(t *testing.T) {
		if FrameKey("v1", 3, false) == FrameKey("v1", 4, false) {
			t.Fatal("expected versions to differ")
		}
	})
	t.Run("grid", func(t *testing.T) {
		if FrameKey("v1", 3, true) == FrameKey("v1", 3, false) {
			t.Fatal("expected grid overlay key to differ")
		}
	})
	t.Run("tile", func(t *testing.T) {
		if got, want := TileKey("v1", 2, 1, 3), "tile:v1:2:1/3"; got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	})
}

func TestFrameCache(t *testing.T) {
	m := newManager(t, Config{FrameCacheSizeMB: 1, FrameTTL: time.Minute})

	if _, ok := m.GetFrame("missing"); ok {
		t.Fatal("expected miss")
	}
	if err := m.SetFrame("k", []byte("png")); err != nil {
		t.Fatalf("SetFrame: %v", err)
	}
	got, ok := m.GetFrame("k")
	if !ok || string(got) != "png" {
		t.Fatalf("GetFrame = %q, %v", got, ok)
	}
}

func TestSourceCacheEntryLimit(t *testing.T) {
	m := newManager(t, Config{SourceEntries: 2})

	a, b, c := newRaster(t, 4, 4), newRaster(t, 4, 4), newRaster(t, 4, 4)
	m.AddSource("a", a)
	m.AddSource("b", b)
	m.GetSource("a")
	m.AddSource("c", c)

	if _, ok := m.GetSource("b"); ok {
		t.Error("expected least recently used source to be evicted")
	}
	if got, ok := m.GetSource("a"); !ok || got != a {
		t.Error("expected recently used source to stay")
	}
	if got := m.Stats()["source_cache_bytes"].(int64); got != 32 {
		t.Errorf("expected 32 cached bytes, got %d", got)
	}
}

func TestSourceCacheByteLimit(t *testing.T) {
	m := newManager(t, Config{SourceEntries: 10, SourceSizeMB: 1})

	big := newRaster(t, 1024, 1024)  // 1MB
	huge := newRaster(t, 2048, 1024) // 2MB
	small := newRaster(t, 16, 16)

	m.AddSource("huge", huge)
	if _, ok := m.GetSource("huge"); ok {
		t.Error("expected source above the byte limit to be skipped")
	}

	m.AddSource("small", small)
	m.AddSource("big", big)
	if _, ok := m.GetSource("small"); ok {
		t.Error("expected older source evicted for byte limit")
	}
	if _, ok := m.GetSource("big"); !ok {
		t.Error("expected newest source kept")
	}

	m.RemoveSource("big")
	if got := m.Stats()["source_cache_bytes"].(int64); got != 0 {
		t.Errorf("expected 0 cached bytes, got %d", got)
	}
}

func TestSourceCacheReplace(t *testing.T) {
	m := newManager(t, Config{})
	m.AddSource("a", newRaster(t, 4, 4))
	m.AddSource("a", newRaster(t, 8, 8))
	if got := m.Stats()["source_cache_bytes"].(int64); got != 64 {
		t.Errorf("expected 64 cached bytes, got %d", got)
	}
}
