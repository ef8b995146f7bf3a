// Package notifytest provides a recording notify.Gateway for tests.
package notifytest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hackgods/hams-appointments/internal/apperr"
	"github.com/hackgods/hams-appointments/internal/notify"
)

type Sent struct {
	To      string
	Message notify.Message
}

// Recorder records every message. Addresses listed in FailFor, or every
// address when FailAll is set, fail with a delivery error instead. Delay
// makes every Send take that long, or until its context ends.
type Recorder struct {
	mu      sync.Mutex
	sent    []Sent
	calls   int
	FailAll bool
	FailFor map[string]bool
	Delay   time.Duration
}

func New() *Recorder {
	return &Recorder{FailFor: make(map[string]bool)}
}

func (r *Recorder) Send(ctx context.Context, to string, msg notify.Message) error {
	r.mu.Lock()
	r.calls++
	delay := r.Delay
	r.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return apperr.Wrap(apperr.KindDeliveryFailure, "send email", ctx.Err())
		case <-timer.C:
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailAll || r.FailFor[to] {
		return apperr.Wrap(apperr.KindDeliveryFailure, "send email", errors.New("mailbox unavailable"))
	}
	r.sent = append(r.sent, Sent{To: to, Message: msg})
	return nil
}

func (r *Recorder) SetFailAll(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.FailAll = fail
}

func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Sent, len(r.sent))
	copy(out, r.sent)
	return out
}

// Calls counts every Send, failed ones included.
func (r *Recorder) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}
