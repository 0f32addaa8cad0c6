package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"lmsbridge.org/internal/obs"
	"lmsbridge.org/internal/sso"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	entry["fields"] = copyFields

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}

var _ sso.AccessLog = (*Recorder)(nil)

// Recorder persists access-log entries and mirrors each one as an audit
// line and an attempt metric.
type Recorder struct {
	store sso.AccessLog
}

// NewRecorder wraps store.
func NewRecorder(store sso.AccessLog) *Recorder {
	return &Recorder{store: store}
}

// Append records entry. The audit line and metric are emitted even when the
// store rejects the write.
func (r *Recorder) Append(ctx context.Context, entry *sso.AccessLogEntry) error {
	if entry == nil {
		return errors.New("audit: nil access log entry")
	}
	if entry.RequestID == "" {
		entry.RequestID = RequestIDFromContext(ctx)
	}
	err := r.store.Append(ctx, entry)

	fields := map[string]any{
		"id":            entry.ID,
		"flow":          string(entry.Flow),
		"outcome":       string(entry.Outcome),
		"unique_id":     entry.UniqueID,
		"client_id":     entry.ClientID,
		"source_ip":     entry.SourceIP,
		"subaccount_id": entry.SubaccountID,
		"occurred_at":   entry.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	if err != nil {
		fields["store_error"] = err.Error()
	}
	_ = LogEvent(WithRequestID(ctx, entry.RequestID), "sso.access", fields)
	obs.ObserveAttempt(string(entry.Flow), string(entry.Outcome))
	return err
}
