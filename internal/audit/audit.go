// Package audit records marketplace facts.
package audit

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/buyorders/internal/market"
)

// Logger writes audit facts as structured log records. Critical
// desynchronizations are logged at Error, failed deliveries at Warn,
// everything else at Info.
type Logger struct {
	logger *slog.Logger
}

var _ market.AuditLog = (*Logger)(nil)

// NewLogger creates an audit log on l. A nil l uses slog.Default.
func NewLogger(l *slog.Logger) *Logger {
	if l == nil {
		l = slog.Default()
	}
	return &Logger{logger: l.With("component", "audit")}
}

// Record implements market.AuditLog.
func (a *Logger) Record(ctx context.Context, ev market.AuditEvent) {
	level := slog.LevelInfo
	switch ev.Kind {
	case market.AuditCriticalDesync:
		level = slog.LevelError
	case market.AuditDeliveryFailed:
		level = slog.LevelWarn
	}

	attrs := []slog.Attr{
		slog.String("event", string(ev.Kind)),
		slog.String("flow", ev.Flow),
		slog.String("actor", ev.ActorID),
	}
	if ev.OrderID != 0 {
		attrs = append(attrs, slog.Int64("order", ev.OrderID))
	}
	if ev.Quantity != 0 {
		attrs = append(attrs, slog.Int("quantity", ev.Quantity))
	}
	if !ev.Amount.IsZero() {
		attrs = append(attrs, slog.String("amount", ev.Amount.String()))
	}
	if ev.Item.Type != "" {
		attrs = append(attrs, slog.String("item", ev.Item.String()))
	}
	if ev.Detail != "" {
		attrs = append(attrs, slog.String("detail", ev.Detail))
	}
	if ev.Err != nil {
		attrs = append(attrs, slog.String("error", ev.Err.Error()))
	}
	a.logger.LogAttrs(ctx, level, "audit", attrs...)
}

// Recorder keeps audit facts in memory.
//
// Thread-safety: safe for concurrent use via internal mutex.
type Recorder struct {
	mu     sync.Mutex
	events []market.AuditEvent
}

var _ market.AuditLog = (*Recorder)(nil)

// Record implements market.AuditLog.
func (r *Recorder) Record(ctx context.Context, ev market.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of every recorded fact in order.
func (r *Recorder) Events() []market.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]market.AuditEvent(nil), r.events...)
}

// Kinds returns the kind of every recorded fact in order.
func (r *Recorder) Kinds() []market.AuditKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]market.AuditKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

// Count returns how many facts of kind were recorded.
func (r *Recorder) Count(kind market.AuditKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// Tee fans facts out to several logs.
type Tee []market.AuditLog

// Record implements market.AuditLog.
func (t Tee) Record(ctx context.Context, ev market.AuditEvent) {
	for _, l := range t {
		if l != nil {
			l.Record(ctx, ev)
		}
	}
}
