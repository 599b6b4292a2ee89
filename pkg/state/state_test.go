package state

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/korjavin/mealtracker/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const (
	alice = models.ParticipantID("msp_0007")
	bob   = models.ParticipantID("msp_0008")
	lunch = models.MealSlot("lunch")
	tea   = models.MealSlot("dinner")
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestTryAddIsIdempotentAndKeepsExpiry(t *testing.T) {
	r := New()
	defer r.Close()
	now := time.Now()

	res, first := r.TryAdd(alice, lunch, now, time.Hour)
	require.Equal(t, Added, res)
	assert.Equal(t, now.Add(time.Hour), first.ExpiresAt)

	res, second := r.TryAdd(alice, lunch, now.Add(5*time.Minute), time.Hour)
	assert.Equal(t, AlreadyAwaiting, res)
	assert.Equal(t, first.ExpiresAt, second.ExpiresAt, "expiry must not be reset")
	assert.Equal(t, 1, r.Len())
}

func TestPairsAreIndependent(t *testing.T) {
	r := New()
	defer r.Close()
	now := time.Now()

	res, _ := r.TryAdd(alice, lunch, now, time.Hour)
	assert.Equal(t, Added, res)
	res, _ = r.TryAdd(alice, tea, now, time.Hour)
	assert.Equal(t, Added, res)
	res, _ = r.TryAdd(bob, lunch, now, time.Hour)
	assert.Equal(t, Added, res)
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, 2, r.CountByMeal(lunch, now))
}

func TestConcurrentTryAddYieldsOneEntry(t *testing.T) {
	r := New()
	defer r.Close()
	now := time.Now()

	var added atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res, _ := r.TryAdd(alice, lunch, now, time.Hour); res == Added {
				added.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), added.Load())
	assert.Equal(t, 1, r.Len())
}

func TestConfirm(t *testing.T) {
	r := New()
	defer r.Close()
	now := time.Now()

	_, ok := r.Confirm(alice, lunch, now)
	assert.False(t, ok, "nothing to confirm yet")

	r.TryAdd(alice, lunch, now, time.Hour)
	_, ok = r.Confirm(alice, tea, now)
	assert.False(t, ok, "meal slot must match")

	entry, ok := r.Confirm(alice, lunch, now.Add(time.Minute))
	require.True(t, ok)
	assert.Equal(t, alice, entry.Participant)
	assert.Equal(t, 0, r.Len())

	_, ok = r.Confirm(alice, lunch, now.Add(time.Minute))
	assert.False(t, ok, "second confirm finds nothing")
}

func TestConfirmAfterExpiryFails(t *testing.T) {
	r := New()
	defer r.Close()
	now := time.Now()

	r.TryAdd(alice, lunch, now, time.Hour)
	_, ok := r.Confirm(alice, lunch, now.Add(time.Hour))
	assert.False(t, ok)
}

func TestSnapshotOmitsExpiredEntries(t *testing.T) {
	r := New()
	defer r.Close()
	now := time.Now()

	r.TryAdd(alice, lunch, now, 12*time.Minute)
	r.TryAdd(bob, lunch, now.Add(10*time.Minute), 12*time.Minute)

	snap := r.Snapshot(now.Add(12 * time.Minute))
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, bob, snap.Entries[0].Participant)

	snap = r.Snapshot(now.Add(time.Minute))
	require.Len(t, snap.Entries, 2)
	assert.Equal(t, alice, snap.Entries[0].Participant)
}

func TestTimerExpiresEntry(t *testing.T) {
	r := New()
	defer r.Close()

	var expired atomic.Int32
	r.OnChange(func(kind ChangeKind, _ models.AwaitingEntry) {
		if kind == ChangeExpired {
			expired.Add(1)
		}
	})

	r.TryAdd(alice, lunch, time.Now(), 20*time.Millisecond)
	require.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), expired.Load())
}

func TestExpiredEntryIsSuperseded(t *testing.T) {
	r := New()
	defer r.Close()
	now := time.Now()

	_, first := r.TryAdd(alice, lunch, now, time.Hour)
	later := now.Add(2 * time.Hour)
	res, second := r.TryAdd(alice, lunch, later, time.Hour)
	require.Equal(t, Added, res)
	assert.True(t, second.ExpiresAt.After(first.ExpiresAt))
	assert.Equal(t, 1, r.Len())
}

func TestStaleExpiryDoesNotRemoveNewEntry(t *testing.T) {
	r := New()
	defer r.Close()
	now := time.Now()

	r.TryAdd(alice, lunch, now, time.Hour)
	r.mu.Lock()
	staleGen := r.entries[key{alice, lunch}].generation
	r.mu.Unlock()

	r.Confirm(alice, lunch, now)
	r.TryAdd(alice, lunch, now, time.Hour)

	assert.False(t, r.Expire(alice, lunch, staleGen))
	assert.Equal(t, 1, r.Len())
	assert.True(t, r.Expire(alice, lunch, 0))
	assert.False(t, r.Expire(alice, lunch, 0), "double expiry is a no-op")
}

func TestReinstate(t *testing.T) {
	r := New()
	defer r.Close()
	now := time.Now()

	_, entry := r.TryAdd(alice, lunch, now, time.Hour)
	_, ok := r.Confirm(alice, lunch, now)
	require.True(t, ok)

	assert.True(t, r.Reinstate(entry, now.Add(time.Minute)))
	got, ok := r.Lookup(alice, lunch, now.Add(time.Minute))
	require.True(t, ok)
	assert.Equal(t, entry.ExpiresAt, got.ExpiresAt)

	assert.False(t, r.Reinstate(entry, now), "pair already present")
	r.Confirm(alice, lunch, now)
	assert.False(t, r.Reinstate(entry, now.Add(2*time.Hour)), "expired entries are not reinstated")
}

func TestReinstateFiresChangeHook(t *testing.T) {
	r := New()
	defer r.Close()
	now := time.Now()

	var kinds []ChangeKind
	r.OnChange(func(kind ChangeKind, _ models.AwaitingEntry) {
		kinds = append(kinds, kind)
	})

	_, entry := r.TryAdd(alice, lunch, now, time.Hour)
	r.Confirm(alice, lunch, now)
	require.True(t, r.Reinstate(entry, now))
	assert.Equal(t, []ChangeKind{ChangeAdded, ChangeConfirmed, ChangeAdded}, kinds)

	assert.False(t, r.Reinstate(entry, now))
	assert.Len(t, kinds, 3, "a refused reinstatement is silent")
}

func TestSweep(t *testing.T) {
	r := New()
	defer r.Close()
	now := time.Now()

	r.TryAdd(alice, lunch, now, time.Hour)
	r.TryAdd(bob, lunch, now, 3*time.Hour)

	assert.Equal(t, 1, r.Sweep(now.Add(2*time.Hour)))
	assert.Equal(t, 1, r.Len())
}
