// Package notify defines the fire-and-forget alerting collaborator. The core
// never blocks on delivery and never holds locks across a Notify call;
// implementations are best-effort by contract.
package notify

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"
)

// Severity classifies an alert.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert is one operational notification.
type Alert struct {
	Severity Severity
	Kind     string // e.g. "kill_switch.hard_stop", "change.rollback_failed"
	Message  string
	Fields   map[string]any
}

// Notifier delivers alerts. Errors are swallowed by callers; a Notifier that
// needs reliability must provide it internally.
type Notifier interface {
	Notify(ctx context.Context, a Alert)
}

// LogNotifier writes alerts to a slog.Logger. The default collaborator when
// no paging integration is wired.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &LogNotifier{log: log.With("component", "notify")}
}

func (n *LogNotifier) Notify(ctx context.Context, a Alert) {
	attrs := []any{"kind", a.Kind, "severity", string(a.Severity)}
	for k, v := range a.Fields {
		attrs = append(attrs, k, v)
	}
	switch a.Severity {
	case SeverityCritical:
		n.log.ErrorContext(ctx, a.Message, attrs...)
	case SeverityWarning:
		n.log.WarnContext(ctx, a.Message, attrs...)
	default:
		n.log.InfoContext(ctx, a.Message, attrs...)
	}
}

// Throttled rate-limits a downstream Notifier so alert storms (e.g. a gate
// blocking in a tight retry loop) cannot swamp the paging channel. Critical
// alerts bypass the limiter.
type Throttled struct {
	next    Notifier
	limiter *rate.Limiter
}

// NewThrottled allows perSecond sustained alerts with the given burst.
func NewThrottled(next Notifier, perSecond float64, burst int) *Throttled {
	return &Throttled{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (t *Throttled) Notify(ctx context.Context, a Alert) {
	if a.Severity != SeverityCritical && !t.limiter.Allow() {
		return
	}
	t.next.Notify(ctx, a)
}

// Discard drops every alert. Useful in tests.
type Discard struct{}

func (Discard) Notify(context.Context, Alert) {}
