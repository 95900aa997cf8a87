package logger

import (
	"io"
	"sync/atomic"
	"testing"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureReportLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("report", "json", "stdout", 0); err != nil {
		t.Fatalf("report level should be accepted: %v", err)
	}
}

func TestErrorAndWarnFeedReportCounters(t *testing.T) {
	log := Logger()
	log.SetOutput(io.Discard)

	errBefore := atomic.LoadInt64(&errorsStream)
	log.WithComponent("stream").Error("boom")
	if got := atomic.LoadInt64(&errorsStream); got != errBefore+1 {
		t.Errorf("errorsStream = %d, want %d", got, errBefore+1)
	}

	warnBefore := atomic.LoadInt64(&warnsBackfill)
	log.WithComponent("backfill").Warn("slow page")
	if got := atomic.LoadInt64(&warnsBackfill); got != warnBefore+1 {
		t.Errorf("warnsBackfill = %d, want %d", got, warnBefore+1)
	}
}
