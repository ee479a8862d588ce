package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func levels(t *testing.T, buf *bytes.Buffer) []string {
	t.Helper()
	var out []string
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		out = append(out, entry["level"].(string))
	}
	return out
}

func TestSlogLoggerUsesGormSeverity(t *testing.T) {
	buf := captureLogs(t)
	l := newSlogLogger(logger.Warn)
	ctx := context.Background()
	sql := func() (string, int64) { return "SELECT 1", 1 }

	l.Trace(ctx, time.Now(), sql, errors.New("syntax error"))
	l.Trace(ctx, time.Now().Add(-time.Second), sql, nil)
	l.Trace(ctx, time.Now(), sql, nil)
	l.Trace(ctx, time.Now(), sql, gorm.ErrRecordNotFound)
	l.Info(ctx, "chatty %d", 1)

	got := levels(t, buf)
	if len(got) != 2 || got[0] != "ERROR" || got[1] != "WARN" {
		t.Fatalf("unexpected levels %v from %s", got, buf.String())
	}
}

func TestSlogLoggerInfoLogsQueries(t *testing.T) {
	buf := captureLogs(t)
	l := newSlogLogger(logger.Warn).LogMode(logger.Info)
	l.Trace(context.Background(), time.Now(), func() (string, int64) { return "SELECT 1", 1 }, nil)
	if got := levels(t, buf); len(got) != 1 || got[0] != "INFO" {
		t.Fatalf("unexpected levels %v", got)
	}
}
