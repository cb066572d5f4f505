package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServerPort != "4000" {
		t.Fatalf("port = %s", cfg.ServerPort)
	}
	if cfg.TileRetentionSeconds != 90*24*3600 {
		t.Fatalf("retention = %d", cfg.TileRetentionSeconds)
	}
	if cfg.TileConcurrency != 6 || cfg.TileMaxAuto != 300 {
		t.Fatalf("tile defaults = %d/%d", cfg.TileConcurrency, cfg.TileMaxAuto)
	}
	if cfg.GpsStaleAfter != 12*time.Second {
		t.Fatalf("gps stale after = %v", cfg.GpsStaleAfter)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("TILE_CONCURRENCY", "3")
	t.Setenv("SNAP_MIN_INTERVAL", "250ms")
	t.Setenv("DEBUG", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServerPort != "8080" {
		t.Fatalf("port = %s", cfg.ServerPort)
	}
	if cfg.TileConcurrency != 3 {
		t.Fatalf("concurrency = %d", cfg.TileConcurrency)
	}
	if cfg.SnapMinInterval != 250*time.Millisecond {
		t.Fatalf("snap interval = %v", cfg.SnapMinInterval)
	}
	if !cfg.Debug {
		t.Fatal("debug should be true")
	}
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("TILE_MAX_AUTO", "many")
	t.Setenv("GPS_STALE_AFTER", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TileMaxAuto != 300 {
		t.Fatalf("max auto = %d, want default", cfg.TileMaxAuto)
	}
	if cfg.GpsStaleAfter != 12*time.Second {
		t.Fatalf("stale after = %v, want default", cfg.GpsStaleAfter)
	}
}
