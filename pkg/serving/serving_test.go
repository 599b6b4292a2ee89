package serving

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/korjavin/mealtracker/pkg/broadcast"
	"github.com/korjavin/mealtracker/pkg/ledger"
	"github.com/korjavin/mealtracker/pkg/models"
	"github.com/korjavin/mealtracker/pkg/roster"
	"github.com/korjavin/mealtracker/pkg/state"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDiskFull = errors.New("disk full")

// flakyLedger fails every call while broken is set and every Insert while brokenWrite is set
type flakyLedger struct {
	ledger.Ledger
	broken      atomic.Bool
	brokenWrite atomic.Bool
	// lostRace makes Insert report a unique constraint violation
	lostRace atomic.Bool
}

func (f *flakyLedger) Insert(ctx context.Context, rec models.ServedRecord) error {
	if f.broken.Load() || f.brokenWrite.Load() {
		return errDiskFull
	}
	if f.lostRace.Load() {
		return ledger.ErrDuplicate
	}
	return f.Ledger.Insert(ctx, rec)
}

func (f *flakyLedger) Served(ctx context.Context, p models.ParticipantID, meal models.MealSlot, date string) (bool, error) {
	if f.broken.Load() {
		return false, errDiskFull
	}
	return f.Ledger.Served(ctx, p, meal, date)
}

func (f *flakyLedger) Count(ctx context.Context, meal models.MealSlot, date string) (int, error) {
	if f.broken.Load() {
		return 0, errDiskFull
	}
	return f.Ledger.Count(ctx, meal, date)
}

type fixture struct {
	c      *Coordinator
	ledger *flakyLedger
	reg    *state.Registry
	hub    *broadcast.Hub
}

func newFixture(t *testing.T, r roster.Roster) *fixture {
	t.Helper()
	base, err := ledger.NewBadger("")
	require.NoError(t, err)
	fl := &flakyLedger{Ledger: base}
	reg := state.New()
	hub := broadcast.NewHub(nil)
	t.Cleanup(func() {
		reg.Close()
		hub.Close()
		base.Close()
	})
	c := New(fl, reg, hub, Options{
		Roster:   r,
		Meals:    []models.MealSlot{"breakfast", "lunch", "dinner"},
		TTL:      12 * time.Minute,
		Location: time.UTC,
	}, nil)
	return &fixture{c: c, ledger: fl, reg: reg, hub: hub}
}

func TestRequestThenConfirm(t *testing.T) {
	f := newFixture(t, roster.Default)
	ctx := context.Background()
	now := time.Now()

	res, err := f.c.RequestService(ctx, "0007", "lunch", now)
	require.NoError(t, err)
	assert.Equal(t, AwaitingConfirmation, res.Outcome)
	assert.Equal(t, models.ParticipantID("msp_0007"), res.Participant)
	assert.Equal(t, now.Add(12*time.Minute), res.ExpiresAt)
	assert.Contains(t, res.Message(), "is awaiting service for lunch")

	st, err := f.c.Status(ctx, "0007", "lunch", now)
	require.NoError(t, err)
	assert.Equal(t, AwaitingService, st.Status)

	served, err := f.c.ConfirmService(ctx, "0007", "lunch", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.Day(now.In(time.UTC)), served.Record.DateServed)
	assert.Contains(t, served.Message(), "Lunch served to msp_0007 at")

	st, err = f.c.Status(ctx, "0007", "lunch", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, Served, st.Status)

	n, err := f.c.MealCount(ctx, "lunch", now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err = f.c.RequestService(ctx, "0007", "lunch", now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, AlreadyServedToday, res.Outcome)

	_, err = f.c.ConfirmService(ctx, "0007", "lunch", now.Add(2*time.Minute))
	assert.ErrorIs(t, err, ErrNotAwaitingService)
}

func TestRequestIsIdempotent(t *testing.T) {
	f := newFixture(t, roster.Default)
	ctx := context.Background()
	now := time.Now()

	first, err := f.c.RequestService(ctx, "0010", "dinner", now)
	require.NoError(t, err)
	second, err := f.c.RequestService(ctx, "msp_0010", "Dinner", now.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, AlreadyAwaiting, second.Outcome)
	assert.Equal(t, first.ExpiresAt, second.ExpiresAt)
	assert.Len(t, f.c.Snapshot().Entries, 1)
}

func TestValidation(t *testing.T) {
	f := newFixture(t, roster.Default)
	ctx := context.Background()
	now := time.Now()

	for _, raw := range []string{"", "7", "00007", "0351", "12a4", "-001"} {
		_, err := f.c.RequestService(ctx, raw, "lunch", now)
		assert.ErrorIs(t, err, ErrInvalidParticipant, raw)
	}
	_, err := f.c.RequestService(ctx, "0007", "brunch", now)
	assert.ErrorIs(t, err, ErrInvalidMeal)
	_, err = f.c.ConfirmService(ctx, "abcd", "lunch", now)
	assert.ErrorIs(t, err, ErrInvalidParticipant)
	_, err = f.c.Status(ctx, "0007", "supper", now)
	assert.ErrorIs(t, err, ErrInvalidMeal)
	_, err = f.c.MealCount(ctx, "supper", now)
	assert.ErrorIs(t, err, ErrInvalidMeal)
	_, err = f.c.RemainingParticipants(ctx, "", now)
	assert.ErrorIs(t, err, ErrInvalidMeal)
	assert.Equal(t, 0, f.reg.Len())
}

func TestConfirmAfterExpiry(t *testing.T) {
	f := newFixture(t, roster.Default)
	ctx := context.Background()
	now := time.Now()

	_, err := f.c.RequestService(ctx, "0003", "breakfast", now)
	require.NoError(t, err)

	_, err = f.c.ConfirmService(ctx, "0003", "breakfast", now.Add(12*time.Minute))
	assert.ErrorIs(t, err, ErrNotAwaitingService)

	st, err := f.c.Status(ctx, "0003", "breakfast", now.Add(12*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, NotRegistered, st.Status)

	n, err := f.c.MealCount(ctx, "breakfast", now)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMealsAreIndependent(t *testing.T) {
	f := newFixture(t, roster.Default)
	ctx := context.Background()
	now := time.Now()

	for _, meal := range []string{"breakfast", "lunch"} {
		_, err := f.c.RequestService(ctx, "0042", meal, now)
		require.NoError(t, err)
	}
	_, err := f.c.ConfirmService(ctx, "0042", "breakfast", now)
	require.NoError(t, err)

	st, err := f.c.Status(ctx, "0042", "lunch", now)
	require.NoError(t, err)
	assert.Equal(t, AwaitingService, st.Status)
	assert.Equal(t, 1, f.c.Awaiting("lunch", now))
	assert.Equal(t, 0, f.c.Awaiting("breakfast", now))
}

func TestConcurrentRequestsOpenOneWindow(t *testing.T) {
	f := newFixture(t, roster.Default)
	ctx := context.Background()
	now := time.Now()

	var opened atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.c.RequestService(ctx, "0100", "lunch", now)
			if assert.NoError(t, err) && res.Outcome == AwaitingConfirmation {
				opened.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, opened.Load())
	assert.Equal(t, 1, f.reg.Len())
}

func TestConcurrentConfirmsServeOnce(t *testing.T) {
	f := newFixture(t, roster.Default)
	ctx := context.Background()
	now := time.Now()

	_, err := f.c.RequestService(ctx, "0200", "dinner", now)
	require.NoError(t, err)

	var served atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.c.ConfirmService(ctx, "0200", "dinner", now)
			switch {
			case err == nil:
				served.Add(1)
			case errors.Is(err, ErrNotAwaitingService), errors.Is(err, ErrAlreadyServedToday):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, served.Load())

	n, err := f.c.MealCount(ctx, "dinner", now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRemainingPartitionsRoster(t *testing.T) {
	small := roster.Roster{Prefix: "msp_", Width: 4, Min: 0, Max: 9}
	f := newFixture(t, small)
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"0002", "0005", "0009"} {
		_, err := f.c.RequestService(ctx, id, "lunch", now)
		require.NoError(t, err)
		_, err = f.c.ConfirmService(ctx, id, "lunch", now)
		require.NoError(t, err)
	}

	remaining, err := f.c.RemainingParticipants(ctx, "lunch", now)
	require.NoError(t, err)
	assert.Equal(t, []models.ParticipantID{
		"msp_0000", "msp_0001", "msp_0003", "msp_0004", "msp_0006", "msp_0007", "msp_0008",
	}, remaining)

	n, err := f.c.MealCount(ctx, "lunch", now)
	require.NoError(t, err)
	assert.Equal(t, small.Size(), n+len(remaining))

	remaining, err = f.c.RemainingParticipants(ctx, "dinner", now)
	require.NoError(t, err)
	assert.Equal(t, small.All(), remaining)
}

func TestLedgerFailureDuringRequest(t *testing.T) {
	f := newFixture(t, roster.Default)
	f.ledger.broken.Store(true)

	_, err := f.c.RequestService(context.Background(), "0007", "lunch", time.Now())
	assert.ErrorIs(t, err, ErrLedgerUnavailable)
	assert.ErrorIs(t, err, errDiskFull)
	assert.Equal(t, 0, f.reg.Len(), "no awaiting entry without a ledger check")

	_, err = f.c.MealCount(context.Background(), "lunch", time.Now())
	assert.ErrorIs(t, err, ErrLedgerUnavailable)
}

func TestLedgerFailureDuringConfirmKeepsEntry(t *testing.T) {
	f := newFixture(t, roster.Default)
	ctx := context.Background()
	now := time.Now()

	_, err := f.c.RequestService(ctx, "0007", "lunch", now)
	require.NoError(t, err)

	f.ledger.brokenWrite.Store(true)
	_, err = f.c.ConfirmService(ctx, "0007", "lunch", now.Add(time.Minute))
	var le *LedgerError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "insert served record", le.Op)

	st, err := f.c.Status(ctx, "0007", "lunch", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, AwaitingService, st.Status, "entry is restored for a retry")

	f.ledger.brokenWrite.Store(false)
	_, err = f.c.ConfirmService(ctx, "0007", "lunch", now.Add(2*time.Minute))
	require.NoError(t, err)
}

func TestChangesNotifyViewers(t *testing.T) {
	f := newFixture(t, roster.Default)
	ctx := context.Background()
	now := time.Now()

	sub := f.hub.Subscribe("viewer")
	require.NoError(t, sub.Next(ctx, time.Hour))

	wait := func() error {
		ctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return sub.Next(ctx, time.Hour)
	}

	_, err := f.c.RequestService(ctx, "0001", "lunch", now)
	require.NoError(t, err)
	require.NoError(t, wait(), "request must signal viewers")

	_, err = f.c.ConfirmService(ctx, "0001", "lunch", now)
	require.NoError(t, err)
	require.NoError(t, wait(), "confirmation must signal viewers")
}

func TestExpiryTimerRemovesEntry(t *testing.T) {
	base, err := ledger.NewBadger("")
	require.NoError(t, err)
	defer base.Close()
	reg := state.New()
	defer reg.Close()
	hub := broadcast.NewHub(nil)
	defer hub.Close()
	c := New(base, reg, hub, Options{TTL: 20 * time.Millisecond, Location: time.UTC}, nil)

	_, err = c.RequestService(context.Background(), "0001", "lunch", time.Now())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return reg.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, c.Snapshot().Entries)
}

func TestConfirmFindsRecordWrittenMeanwhile(t *testing.T) {
	f := newFixture(t, roster.Default)
	ctx := context.Background()
	now := time.Now()

	_, err := f.c.RequestService(ctx, "0007", "lunch", now)
	require.NoError(t, err)
	require.NoError(t, f.ledger.Ledger.Insert(ctx, models.NewServedRecord("msp_0007", "lunch", now.In(time.UTC))))

	res, err := f.c.ConfirmService(ctx, "0007", "lunch", now)
	assert.ErrorIs(t, err, ErrAlreadyServedToday)
	assert.Equal(t, models.ParticipantID("msp_0007"), res.Participant)
	assert.Equal(t, 0, f.reg.Len())

	_, err = f.c.ConfirmService(ctx, "0007", "lunch", now)
	assert.ErrorIs(t, err, ErrNotAwaitingService)

	n, err := f.c.MealCount(ctx, "lunch", now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestConfirmLosesUniqueConstraint(t *testing.T) {
	f := newFixture(t, roster.Default)
	ctx := context.Background()
	now := time.Now()

	_, err := f.c.RequestService(ctx, "0008", "dinner", now)
	require.NoError(t, err)

	f.ledger.lostRace.Store(true)
	_, err = f.c.ConfirmService(ctx, "0008", "dinner", now)
	assert.ErrorIs(t, err, ErrAlreadyServedToday)
	assert.NotErrorIs(t, err, ErrLedgerUnavailable)
	assert.Equal(t, 0, f.reg.Len(), "a duplicate is not retried")
}
