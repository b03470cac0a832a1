// Package admission throttles inbound operations per client with a
// fixed-size request window.
package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"chat-gateway/internal/observability"
)

const (
	DefaultLimit  = 100
	DefaultWindow = time.Minute
)

// ErrThrottled is returned at the boundary when Admit rejects a client.
var ErrThrottled = errors.New("rate limit exceeded")

// window is never mutated after it is published; updates install a new value.
type window struct {
	start time.Time
	count int
}

// Controller counts admissions per client id. The zero value is not usable;
// construct with NewController.
type Controller struct {
	limit   int
	span    time.Duration
	now     func() time.Time
	windows sync.Map // client id -> *atomic.Pointer[window]
}

type Option func(*Controller)

// WithLimit overrides the number of admissions allowed per window.
func WithLimit(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.limit = n
		}
	}
}

// WithWindow overrides the window length.
func WithWindow(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.span = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

func NewController(opts ...Option) *Controller {
	c := &Controller{
		limit: DefaultLimit,
		span:  DefaultWindow,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Admit reports whether clientID may perform one more operation.
func (c *Controller) Admit(clientID string) bool {
	now := c.now()
	slot := c.slot(clientID, now)

	for {
		current := slot.Load()
		if current == nil {
			// Swept: the slot is dead, move to a fresh one.
			c.windows.CompareAndDelete(clientID, slot)
			slot = c.slot(clientID, now)
			continue
		}
		next := &window{start: now, count: 1}
		if now.Sub(current.start) <= c.span {
			next = &window{start: current.start, count: current.count + 1}
		}
		if slot.CompareAndSwap(current, next) {
			allowed := next.count <= c.limit
			observability.ObserveAdmission(allowed)
			return allowed
		}
	}
}

// Remaining returns how many admissions clientID has left in its current window.
func (c *Controller) Remaining(clientID string) int {
	v, ok := c.windows.Load(clientID)
	if !ok {
		return c.limit
	}
	current := v.(*atomic.Pointer[window]).Load()
	if current == nil || c.now().Sub(current.start) > c.span {
		return c.limit
	}
	if left := c.limit - current.count; left > 0 {
		return left
	}
	return 0
}

// RetryAfter returns how long clientID must wait for its window to reset.
// It is zero when the client is not currently throttled.
func (c *Controller) RetryAfter(clientID string) time.Duration {
	v, ok := c.windows.Load(clientID)
	if !ok {
		return 0
	}
	current := v.(*atomic.Pointer[window]).Load()
	if current == nil || current.count <= c.limit {
		return 0
	}
	wait := current.start.Add(c.span).Sub(c.now())
	if wait < 0 {
		return 0
	}
	return wait
}

// RetryAfterSeconds renders RetryAfter for a Retry-After header, rounding
// up so a client never retries early.
func RetryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Limit returns the admissions allowed per window.
func (c *Controller) Limit() int {
	return c.limit
}

// Window returns the window length.
func (c *Controller) Window() time.Duration {
	return c.span
}

// Sweep drops windows that expired before now and returns how many were removed.
func (c *Controller) Sweep(now time.Time) int {
	removed := 0
	c.windows.Range(func(key, value any) bool {
		slot := value.(*atomic.Pointer[window])
		current := slot.Load()
		if current != nil && now.Sub(current.start) > c.span {
			// A racing Admit may have reset the window; only retire the exact value we saw.
			if slot.CompareAndSwap(current, nil) {
				c.windows.CompareAndDelete(key, slot)
				removed++
			}
		}
		return true
	})
	return removed
}

// Run sweeps expired windows every interval until ctx is done.
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.span
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(c.now())
		}
	}
}

// slot returns the live slot for clientID. Slots are published holding an
// empty window, so a nil value always means Sweep retired the slot.
func (c *Controller) slot(clientID string, now time.Time) *atomic.Pointer[window] {
	if v, ok := c.windows.Load(clientID); ok {
		return v.(*atomic.Pointer[window])
	}
	fresh := new(atomic.Pointer[window])
	fresh.Store(&window{start: now})
	v, _ := c.windows.LoadOrStore(clientID, fresh)
	return v.(*atomic.Pointer[window])
}
