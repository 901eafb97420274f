package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestSetupAppliesConfiguredMinimumLevel(t *testing.T) {
	logger := Setup("govcollectord", "test", "warn")
	if logger == nil {
		t.Fatalf("expected a non-nil logger")
	}
	handler := logger.Handler()
	if handler.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatalf("expected info-level records to be disabled under a warn minimum level")
	}
	if !handler.Enabled(context.Background(), slog.LevelWarn) {
		t.Fatalf("expected warn-level records to be enabled under a warn minimum level")
	}
}

func TestSetupDefaultsToInfoForUnrecognizedLevel(t *testing.T) {
	logger := Setup("govcollectord", "test", "bogus")
	handler := logger.Handler()
	if !handler.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatalf("expected info-level records to be enabled by default")
	}
	if handler.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatalf("expected debug-level records to be disabled by default")
	}
}

func TestParseLevelCaseInsensitive(t *testing.T) {
	cases := map[string]slog.Level{
		"DEBUG":   slog.LevelDebug,
		"Warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for input, want := range cases {
		if got := parseLevel(input); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}
