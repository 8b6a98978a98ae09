// Package audit emits the append-only trail of budget decisions:
// leases opened, usage recorded, refreshes granted or denied, leases
// revoked. Entries carry the request id and the acting agent, never
// tokens or credentials.
package audit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"leasebank.org/internal/captoken"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

var (
	mu     sync.RWMutex
	logger = zap.NewNop()
)

// SetLogger wires the shared zap logger. Called once at startup.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	if l != nil {
		logger = l
	}
}

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit entry enriched with request and agent context.
func LogEvent(ctx context.Context, event string, fields ...zap.Field) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := []zap.Field{
		zap.String("type", "audit"),
		zap.Time("ts", time.Now().UTC()),
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		entry = append(entry, zap.String("request_id", rid))
	}
	if claims, ok := captoken.ClaimsFromContext(ctx); ok {
		entry = append(entry, zap.String("agent_id", claims.AgentID))
	}
	entry = append(entry, fields...)

	mu.RLock()
	l := logger
	mu.RUnlock()
	l.Info(event, entry...)
	return nil
}
