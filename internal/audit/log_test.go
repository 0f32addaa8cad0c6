package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"lmsbridge.org/internal/obs"
	"lmsbridge.org/internal/sso"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	logger := obs.Logger()
	original := logger.Writer()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(func() { logger.SetOutput(original) })
	return &buf
}

func TestLogEvent(t *testing.T) {
	buf := captureLog(t)

	ctx := WithRequestID(context.Background(), "req-123")
	if err := LogEvent(ctx, "audit.test", map[string]any{"foo": "bar"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != "audit.test" {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["foo"] != "bar" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for empty event name")
	}
}

func TestRecorderAppendsAndEmitsAudit(t *testing.T) {
	buf := captureLog(t)
	store := sso.NewMemoryStore()
	rec := NewRecorder(store)

	ctx := WithRequestID(context.Background(), "req-9")
	entry := &sso.AccessLogEntry{
		OccurredAt: time.Unix(1000, 0),
		Flow:       sso.FlowAuthenticate,
		UniqueID:   "U123",
		SourceIP:   "10.0.0.1",
		Outcome:    sso.OutcomeExpired,
	}
	if err := rec.Append(ctx, entry); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if entry.ID == "" {
		t.Fatal("expected store to assign id")
	}
	if entry.RequestID != "req-9" {
		t.Fatalf("request id not taken from context: %q", entry.RequestID)
	}

	logs, _ := store.Recent(ctx, 10)
	if len(logs) != 1 || logs[0].Outcome != sso.OutcomeExpired {
		t.Fatalf("unexpected stored entries: %+v", logs)
	}

	line := strings.TrimSpace(buf.String())
	var out map[string]any
	if err := json.Unmarshal([]byte(line), &out); err != nil {
		t.Fatalf("audit line not JSON: %v", err)
	}
	if out["event"] != "sso.access" {
		t.Fatalf("unexpected event: %v", out["event"])
	}
	fields := out["fields"].(map[string]any)
	if fields["outcome"] != "expired" || fields["unique_id"] != "U123" {
		t.Fatalf("unexpected fields: %v", fields)
	}
}

type failingLog struct{}

func (failingLog) Append(context.Context, *sso.AccessLogEntry) error {
	return sso.ErrStorageUnavailable
}

func TestRecorderReportsStoreError(t *testing.T) {
	buf := captureLog(t)
	rec := NewRecorder(failingLog{})

	err := rec.Append(context.Background(), &sso.AccessLogEntry{Flow: sso.FlowLoginNotify, Outcome: sso.OutcomeSuccess})
	if !errors.Is(err, sso.ErrStorageUnavailable) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if !strings.Contains(buf.String(), "store_error") {
		t.Fatalf("expected store_error in audit line: %s", buf.String())
	}
}
