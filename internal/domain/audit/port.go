package audit

import "context"

// Publisher delivers events best-effort; callers log failures and move on.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards events. Used when the audit stream is disabled.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
