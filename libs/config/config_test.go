package config

import (
	"testing"
	"time"
)

func TestIntFallsBackOnGarbage(t *testing.T) {
	t.Setenv("SYNC_WORKERS", "abc")
	if got := Int("SYNC_WORKERS", 4); got != 4 {
		t.Fatalf("expected fallback 4, got %d", got)
	}
	t.Setenv("SYNC_WORKERS", "12")
	if got := Int("SYNC_WORKERS", 4); got != 12 {
		t.Fatalf("expected 12, got %d", got)
	}
}

func TestDurationAndBool(t *testing.T) {
	t.Setenv("POLL_EVERY", "90s")
	if got := Duration("POLL_EVERY", time.Minute); got != 90*time.Second {
		t.Fatalf("expected 90s, got %s", got)
	}
	t.Setenv("SYNC_ENABLED", "off")
	if Bool("SYNC_ENABLED", true) {
		t.Fatalf("expected false")
	}
}

func TestList(t *testing.T) {
	t.Setenv("CORS_ORIGINS", " https://a.example , ,https://b.example")
	got := List("CORS_ORIGINS")
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Fatalf("unexpected list: %#v", got)
	}
}

func TestPortValidation(t *testing.T) {
	t.Setenv("PORT", "70000")
	if _, err := Port("PORT", "8083"); err == nil {
		t.Fatalf("expected error for out of range port")
	}
}
