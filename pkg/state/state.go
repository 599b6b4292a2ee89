// Package state holds the in-memory registry of participants awaiting service.
// Entries expire on their own after a time-to-live unless they are confirmed first.
package state

import (
	"sort"
	"sync"
	"time"

	"github.com/korjavin/mealtracker/pkg/models"
)

// DefaultTTL is how long a request waits for confirmation
const DefaultTTL = 12 * time.Minute

// AddResult is the outcome of TryAdd
type AddResult int

const (
	// Added means a new awaiting entry was created
	Added AddResult = iota
	// AlreadyAwaiting means an unexpired entry already existed and was left untouched
	AlreadyAwaiting
)

func (r AddResult) String() string {
	switch r {
	case Added:
		return "added"
	case AlreadyAwaiting:
		return "already_awaiting"
	}
	return "unknown"
}

// ChangeKind describes a registry mutation reported to the change hook
type ChangeKind string

const (
	ChangeAdded     ChangeKind = "added"
	ChangeConfirmed ChangeKind = "confirmed"
	ChangeExpired   ChangeKind = "expired"
)

// ChangeFunc is invoked after a mutation, outside the registry lock
type ChangeFunc func(kind ChangeKind, entry models.AwaitingEntry)

type key struct {
	participant models.ParticipantID
	meal        models.MealSlot
}

type slot struct {
	entry      models.AwaitingEntry
	generation uint64
	timer      *time.Timer
}

// Registry tracks awaiting entries keyed by (participant, meal)
type Registry struct {
	mu         sync.Mutex
	entries    map[key]*slot
	generation uint64
	onChange   ChangeFunc
}

// New creates a new awaiting registry
func New() *Registry {
	return &Registry{
		entries: make(map[key]*slot),
	}
}

// OnChange registers a hook called after every add, reinstatement, confirm and expiry
func (r *Registry) OnChange(fn ChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// TryAdd inserts an entry expiring at now+ttl unless an unexpired one exists.
// An existing unexpired entry keeps its original expiry.
func (r *Registry) TryAdd(p models.ParticipantID, meal models.MealSlot, now time.Time, ttl time.Duration) (AddResult, models.AwaitingEntry) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	k := key{p, meal}

	r.mu.Lock()
	if s, ok := r.entries[k]; ok {
		if !s.entry.Expired(now) {
			entry := s.entry
			r.mu.Unlock()
			return AlreadyAwaiting, entry
		}
		// Expired but its timer has not fired yet; supersede it.
		s.timer.Stop()
		delete(r.entries, k)
	}
	entry := models.AwaitingEntry{
		Participant: p,
		Meal:        meal,
		RequestedAt: now,
		ExpiresAt:   now.Add(ttl),
	}
	r.insertLocked(k, entry, ttl)
	fn := r.onChange
	r.mu.Unlock()

	if fn != nil {
		fn(ChangeAdded, entry)
	}
	return Added, entry
}

// insertLocked stores entry and arms its expiry timer. Must be called with lock held.
func (r *Registry) insertLocked(k key, entry models.AwaitingEntry, ttl time.Duration) {
	r.generation++
	gen := r.generation
	s := &slot{entry: entry, generation: gen}
	s.timer = time.AfterFunc(ttl, func() {
		r.Expire(k.participant, k.meal, gen)
	})
	r.entries[k] = s
}

// Confirm removes the unexpired entry for (p, meal) and returns it
func (r *Registry) Confirm(p models.ParticipantID, meal models.MealSlot, now time.Time) (models.AwaitingEntry, bool) {
	k := key{p, meal}

	r.mu.Lock()
	s, ok := r.entries[k]
	if !ok || s.entry.Meal != meal || s.entry.Expired(now) {
		r.mu.Unlock()
		return models.AwaitingEntry{}, false
	}
	s.timer.Stop()
	delete(r.entries, k)
	fn := r.onChange
	r.mu.Unlock()

	if fn != nil {
		fn(ChangeConfirmed, s.entry)
	}
	return s.entry, true
}

// Reinstate puts back an entry removed by Confirm, keeping its original expiry.
// Nothing happens if the entry has expired meanwhile or the pair was re-requested.
func (r *Registry) Reinstate(entry models.AwaitingEntry, now time.Time) bool {
	if entry.Expired(now) {
		return false
	}
	k := key{entry.Participant, entry.Meal}

	r.mu.Lock()
	if _, ok := r.entries[k]; ok {
		r.mu.Unlock()
		return false
	}
	r.insertLocked(k, entry, entry.ExpiresAt.Sub(now))
	fn := r.onChange
	r.mu.Unlock()

	if fn != nil {
		fn(ChangeAdded, entry)
	}
	return true
}

// Expire removes the entry for (p, meal) if it is still the one inserted with generation.
// Generation zero removes whatever entry is present.
func (r *Registry) Expire(p models.ParticipantID, meal models.MealSlot, generation uint64) bool {
	k := key{p, meal}

	r.mu.Lock()
	s, ok := r.entries[k]
	if !ok || (generation != 0 && s.generation != generation) {
		r.mu.Unlock()
		return false
	}
	s.timer.Stop()
	delete(r.entries, k)
	fn := r.onChange
	r.mu.Unlock()

	if fn != nil {
		fn(ChangeExpired, s.entry)
	}
	return true
}

// Lookup returns the unexpired entry for (p, meal)
func (r *Registry) Lookup(p models.ParticipantID, meal models.MealSlot, now time.Time) (models.AwaitingEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.entries[key{p, meal}]
	if !ok || s.entry.Expired(now) {
		return models.AwaitingEntry{}, false
	}
	return s.entry, true
}

// Snapshot returns every unexpired entry ordered by participant, then expiry, then meal
func (r *Registry) Snapshot(now time.Time) models.Snapshot {
	r.mu.Lock()
	entries := make([]models.AwaitingEntry, 0, len(r.entries))
	for _, s := range r.entries {
		if !s.entry.Expired(now) {
			entries = append(entries, s.entry)
		}
	}
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Participant != b.Participant {
			return a.Participant < b.Participant
		}
		if !a.ExpiresAt.Equal(b.ExpiresAt) {
			return a.ExpiresAt.Before(b.ExpiresAt)
		}
		return a.Meal < b.Meal
	})
	return models.Snapshot{TakenAt: now, Entries: entries}
}

// CountByMeal returns the number of unexpired entries for meal
func (r *Registry) CountByMeal(meal models.MealSlot, now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, s := range r.entries {
		if k.meal == meal && !s.entry.Expired(now) {
			n++
		}
	}
	return n
}

// Sweep removes expired entries whose timers have not fired yet and returns how many it removed
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	var expired []models.AwaitingEntry
	for k, s := range r.entries {
		if s.entry.Expired(now) {
			s.timer.Stop()
			delete(r.entries, k)
			expired = append(expired, s.entry)
		}
	}
	fn := r.onChange
	r.mu.Unlock()

	if fn != nil {
		for _, e := range expired {
			fn(ChangeExpired, e)
		}
	}
	return len(expired)
}

// Len returns the number of entries currently held, expired or not
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close stops every pending expiry timer and drops all entries
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, s := range r.entries {
		s.timer.Stop()
		delete(r.entries, k)
	}
}
