// Package pacing spaces out outbound sends.
package pacing

import (
	"context"
	"time"
)

// Pacer holds the worker for a fixed delay after each attempt, so the gap
// between the end of one send and the start of the next is never shorter
// than the delay.
type Pacer struct {
	delay time.Duration
}

// New returns a Pacer. A non-positive delay disables pacing.
func New(delay time.Duration) *Pacer {
	return &Pacer{delay: delay}
}

// Delay returns the configured pause.
func (p *Pacer) Delay() time.Duration { return p.delay }

// Pause blocks for the delay or until ctx is done, whichever comes first.
func (p *Pacer) Pause(ctx context.Context) error {
	if p.delay <= 0 {
		return nil
	}
	t := time.NewTimer(p.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
