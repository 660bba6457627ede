// Package notify delivers pipeline run summaries and failures to chat
// channels. Messages are filtered by event so operators only hear about the
// runs they care about.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Events emitted by the pipeline.
const (
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventUnresolved   = "tokens_unresolved"
)

// Level is the severity of a message.
type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
)

// Field is one labelled value in a message.
type Field struct {
	Name  string
	Value string
}

// Message is a single notification.
type Message struct {
	Event  string
	Level  Level
	Title  string
	Body   string
	Fields []Field
}

// Text renders the body and fields as plain lines.
func (m Message) Text() string {
	var b strings.Builder
	b.WriteString(m.Body)
	for _, f := range m.Fields {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s", f.Name, f.Value)
	}
	return b.String()
}

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	Name() string
}

// Notifier fans a message out to every sender. Notify only forwards events
// in the allowed set; an empty set allows everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Notify delivers msg if its event is allowed. A failing sender does not
// stop delivery to the others.
func (n *Notifier) Notify(ctx context.Context, msg Message) error {
	if !n.Enabled() {
		return nil
	}
	if len(n.events) > 0 && !n.events[msg.Event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", msg.Event))
		return nil
	}

	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, msg); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", msg.Event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("event", msg.Event),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
