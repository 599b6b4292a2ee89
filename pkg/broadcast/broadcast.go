// Package broadcast fans out registry changes to connected viewers. Each viewer
// holds one subscription keyed by its viewer id; a subscription wakes up on every
// change signal and at least once per tick interval.
package broadcast

import (
	"context"
	"errors"
	"iter"
	"sync"
	"time"

	"github.com/korjavin/mealtracker/pkg/logger"
	"github.com/korjavin/mealtracker/pkg/metrics"
	"github.com/korjavin/mealtracker/pkg/models"
)

// DefaultInterval is the tick at which viewers receive a fresh snapshot without changes
const DefaultInterval = time.Second

// ErrClosed is returned by Next once the subscription was removed or replaced
var ErrClosed = errors.New("subscription closed")

// Subscription is the outbound update channel of one viewer
type Subscription struct {
	id      string
	signal  chan struct{}
	done    chan struct{}
	once    sync.Once
	started bool
}

func newSubscription(id string) *Subscription {
	return &Subscription{
		id:     id,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// ID returns the viewer id of the subscription
func (s *Subscription) ID() string {
	return s.id
}

// Done is closed when the subscription is removed or replaced
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.done) })
}

// notify queues an update signal. Signals coalesce while one is pending.
func (s *Subscription) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Next blocks until the viewer should receive a snapshot: immediately on the first call,
// then on an update signal or after interval. It returns ErrClosed or the context error when the stream must end.
// Next must be called from a single goroutine.
func (s *Subscription) Next(ctx context.Context, interval time.Duration) error {
	select {
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if !s.started {
		s.started = true
		return nil
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()

	select {
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-s.signal:
		return nil
	case <-timer.C:
		return nil
	}
}

// Updates yields a snapshot rendered by render every time Next wakes up,
// until ctx is cancelled or the subscription is closed
func (s *Subscription) Updates(ctx context.Context, interval time.Duration, render func() models.Snapshot) iter.Seq[models.Snapshot] {
	return func(yield func(models.Snapshot) bool) {
		for {
			if err := s.Next(ctx, interval); err != nil {
				return
			}
			if !yield(render()) {
				return
			}
		}
	}
}

// Hub owns the subscriptions of all connected viewers
type Hub struct {
	mu      sync.Mutex
	subs    map[string]*Subscription
	metrics *metrics.Metrics
	logger  *logger.Logger
}

// NewHub creates an empty hub
func NewHub(m *metrics.Metrics) *Hub {
	if m == nil {
		m = metrics.Discard()
	}
	return &Hub{
		subs:    make(map[string]*Subscription),
		metrics: m,
		logger:  logger.New("broadcast"),
	}
}

// Subscribe creates the subscription for viewerID. Reconnecting with the same id
// replaces the previous subscription, whose stream then ends.
func (h *Hub) Subscribe(viewerID string) *Subscription {
	sub := newSubscription(viewerID)

	h.mu.Lock()
	old, replaced := h.subs[viewerID]
	h.subs[viewerID] = sub
	h.metrics.Viewers.Set(float64(len(h.subs)))
	h.mu.Unlock()

	if replaced {
		old.close()
		h.logger.Debug("Viewer %s reconnected, previous stream replaced", viewerID)
	} else {
		h.logger.Info("Viewer %s connected", viewerID)
	}
	return sub
}

// Remove drops the subscription of viewerID. It reports false if there was none.
func (h *Hub) Remove(viewerID string) bool {
	h.mu.Lock()
	sub, ok := h.subs[viewerID]
	if ok {
		delete(h.subs, viewerID)
		h.metrics.Viewers.Set(float64(len(h.subs)))
	}
	h.mu.Unlock()

	if !ok {
		return false
	}
	sub.close()
	h.logger.Info("Viewer %s removed", viewerID)
	return true
}

// Release drops sub after its transport went away. A newer subscription for the same viewer is kept.
func (h *Hub) Release(sub *Subscription) {
	h.mu.Lock()
	if cur, ok := h.subs[sub.id]; ok && cur == sub {
		delete(h.subs, sub.id)
		h.metrics.Viewers.Set(float64(len(h.subs)))
	}
	h.mu.Unlock()
	sub.close()
}

// Notify signals every subscription that the registry changed
func (h *Hub) Notify() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		sub.notify()
	}
	h.metrics.Broadcasts.Inc()
}

// Len returns the number of active subscriptions
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Has reports whether viewerID has an active subscription
func (h *Hub) Has(viewerID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.subs[viewerID]
	return ok
}

// Close ends every subscription
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*Subscription)
	h.metrics.Viewers.Set(0)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}
