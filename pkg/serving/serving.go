// Package serving coordinates the request → confirm protocol of a meal serving.
//
// A participant first requests service, which opens a time-bounded awaiting
// window in the registry. Confirming service closes the window and writes the
// served record to the ledger. The ledger's uniqueness constraint decides
// whether a serving happened; the registry only avoids needless ledger writes.
package serving

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/korjavin/mealtracker/pkg/broadcast"
	"github.com/korjavin/mealtracker/pkg/ledger"
	"github.com/korjavin/mealtracker/pkg/logger"
	"github.com/korjavin/mealtracker/pkg/messages"
	"github.com/korjavin/mealtracker/pkg/metrics"
	"github.com/korjavin/mealtracker/pkg/models"
	"github.com/korjavin/mealtracker/pkg/roster"
	"github.com/korjavin/mealtracker/pkg/state"
	"github.com/pkg/errors"
)

const lockShards = 64

// RequestOutcome is the result of RequestService
type RequestOutcome int

const (
	// AwaitingConfirmation means a new awaiting window was opened
	AwaitingConfirmation RequestOutcome = iota
	// AlreadyAwaiting means an open window existed and was left untouched
	AlreadyAwaiting
	// AlreadyServedToday means the ledger already holds today's record
	AlreadyServedToday
)

func (o RequestOutcome) String() string {
	switch o {
	case AwaitingConfirmation:
		return "awaiting_confirmation"
	case AlreadyAwaiting:
		return "already_awaiting"
	case AlreadyServedToday:
		return "already_served"
	}
	return "unknown"
}

// RequestResult describes what RequestService did
type RequestResult struct {
	Outcome     RequestOutcome
	Participant models.ParticipantID
	Meal        models.MealSlot
	ExpiresAt   time.Time
}

// Message renders the result for the operator
func (r RequestResult) Message() string {
	switch r.Outcome {
	case AlreadyAwaiting:
		return messages.AlreadyAwaiting(r.Participant, r.Meal)
	case AlreadyServedToday:
		return messages.AlreadyServed(r.Participant, r.Meal)
	}
	return messages.AwaitingService(r.Participant, r.Meal)
}

// ServedResult describes a completed confirmation. Participant and Meal are
// also set when ConfirmService fails after parsing its input.
type ServedResult struct {
	Participant models.ParticipantID
	Meal        models.MealSlot
	Record      models.ServedRecord
	ServedAt    time.Time
}

// Message renders the result for the operator
func (r ServedResult) Message() string {
	return messages.Served(r.Participant, r.Meal, r.ServedAt)
}

// Status is the serving state of a participant for a meal today
type Status int

const (
	NotRegistered Status = iota
	AwaitingService
	Served
)

func (s Status) String() string {
	switch s {
	case AwaitingService:
		return "awaiting_service"
	case Served:
		return "served"
	}
	return "not_registered"
}

// StatusResult is returned by Status
type StatusResult struct {
	Status      Status
	Participant models.ParticipantID
	Meal        models.MealSlot
}

// Message renders the status for the operator
func (r StatusResult) Message() string {
	switch r.Status {
	case AwaitingService:
		return messages.StatusAwaiting(r.Participant, r.Meal)
	case Served:
		return messages.StatusServed(r.Participant, r.Meal)
	}
	return messages.StatusNotRegistered(r.Participant, r.Meal)
}

// Options configures a Coordinator
type Options struct {
	Roster   roster.Roster
	Meals    []models.MealSlot
	TTL      time.Duration
	Location *time.Location
}

// Coordinator orchestrates the registry, the ledger and the broadcaster
type Coordinator struct {
	ledger   ledger.Ledger
	registry *state.Registry
	hub      *broadcast.Hub
	roster   roster.Roster
	meals    []models.MealSlot
	mealSet  map[models.MealSlot]struct{}
	ttl      time.Duration
	loc      *time.Location
	locks    [lockShards]sync.Mutex
	metrics  *metrics.Metrics
	logger   *logger.Logger
}

// New creates a coordinator. It installs the registry change hook that keeps viewers and metrics current.
func New(l ledger.Ledger, registry *state.Registry, hub *broadcast.Hub, opts Options, m *metrics.Metrics) *Coordinator {
	if m == nil {
		m = metrics.Discard()
	}
	if opts.TTL <= 0 {
		opts.TTL = state.DefaultTTL
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Roster.Width == 0 {
		opts.Roster = roster.Default
	}
	if len(opts.Meals) == 0 {
		opts.Meals = []models.MealSlot{"breakfast", "lunch", "dinner"}
	}
	c := &Coordinator{
		ledger:   l,
		registry: registry,
		hub:      hub,
		roster:   opts.Roster,
		meals:    opts.Meals,
		mealSet:  make(map[models.MealSlot]struct{}, len(opts.Meals)),
		ttl:      opts.TTL,
		loc:      opts.Location,
		metrics:  m,
		logger:   logger.New("serving"),
	}
	for _, meal := range opts.Meals {
		c.mealSet[meal] = struct{}{}
	}
	registry.OnChange(c.registryChanged)
	return c
}

func (c *Coordinator) registryChanged(kind state.ChangeKind, entry models.AwaitingEntry) {
	c.metrics.Awaiting.Set(float64(c.registry.Len()))
	switch kind {
	case state.ChangeAdded:
		c.hub.Notify()
	case state.ChangeExpired:
		c.metrics.Expired.Inc()
		c.logger.Info("Participant %s stopped awaiting %s without confirmation", entry.Participant, entry.Meal)
		c.hub.Notify()
	}
}

// lock serialises every operation on one (participant, meal) pair
func (c *Coordinator) lock(p models.ParticipantID, meal models.MealSlot) func() {
	idx := xxhash.Sum64String(string(p)+"|"+string(meal)) % lockShards
	c.locks[idx].Lock()
	return c.locks[idx].Unlock
}

// ParseMeal normalises raw and checks it against the configured meal slots
func (c *Coordinator) ParseMeal(raw string) (models.MealSlot, error) {
	meal := models.MealSlot(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := c.mealSet[meal]; !ok {
		return "", errors.Wrapf(ErrInvalidMeal, "%q", raw)
	}
	return meal, nil
}

func (c *Coordinator) parse(rawID, rawMeal string) (models.ParticipantID, models.MealSlot, error) {
	p, err := c.roster.Parse(strings.TrimSpace(rawID))
	if err != nil {
		return "", "", err
	}
	meal, err := c.ParseMeal(rawMeal)
	if err != nil {
		return p, "", err
	}
	return p, meal, nil
}

func (c *Coordinator) today(now time.Time) string {
	return models.Day(now.In(c.loc))
}

func (c *Coordinator) observe(op string, start time.Time) {
	c.metrics.LedgerLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (c *Coordinator) servedToday(ctx context.Context, p models.ParticipantID, meal models.MealSlot, now time.Time) (bool, error) {
	defer c.observe("served", time.Now())
	ok, err := c.ledger.Served(ctx, p, meal, c.today(now))
	if err != nil {
		return false, ledgerError("look up served record", err)
	}
	return ok, nil
}

// RequestService opens an awaiting window for the participant unless one is open
// or the participant was already served the meal today
func (c *Coordinator) RequestService(ctx context.Context, rawID, rawMeal string, now time.Time) (RequestResult, error) {
	p, meal, err := c.parse(rawID, rawMeal)
	if err != nil {
		return RequestResult{Participant: p}, err
	}
	res := RequestResult{Participant: p, Meal: meal}

	unlock := c.lock(p, meal)
	defer unlock()

	served, err := c.servedToday(ctx, p, meal, now)
	if err != nil {
		c.metrics.Requests.WithLabelValues(string(meal), "error").Inc()
		c.logger.Error("Failed to check ledger for %s/%s: %v", p, meal, err)
		return res, err
	}
	if served {
		res.Outcome = AlreadyServedToday
		c.metrics.Requests.WithLabelValues(string(meal), res.Outcome.String()).Inc()
		return res, nil
	}

	added, entry := c.registry.TryAdd(p, meal, now, c.ttl)
	res.ExpiresAt = entry.ExpiresAt
	if added == state.AlreadyAwaiting {
		res.Outcome = AlreadyAwaiting
	} else {
		res.Outcome = AwaitingConfirmation
		c.logger.Info("Participant %s is awaiting %s until %s", p, meal, entry.ExpiresAt.Format(time.RFC3339))
	}
	c.metrics.Requests.WithLabelValues(string(meal), res.Outcome.String()).Inc()
	return res, nil
}

// ConfirmService closes the awaiting window and records the serving in the ledger
func (c *Coordinator) ConfirmService(ctx context.Context, rawID, rawMeal string, now time.Time) (ServedResult, error) {
	p, meal, err := c.parse(rawID, rawMeal)
	if err != nil {
		return ServedResult{Participant: p}, err
	}
	res := ServedResult{Participant: p, Meal: meal}

	unlock := c.lock(p, meal)
	defer unlock()

	entry, ok := c.registry.Confirm(p, meal, now)
	if !ok {
		c.metrics.Confirmations.WithLabelValues(string(meal), "not_awaiting").Inc()
		return res, ErrNotAwaitingService
	}

	served, err := c.servedToday(ctx, p, meal, now)
	if err != nil {
		return res, c.failConfirm(entry, meal, now, err)
	}
	if served {
		c.metrics.Confirmations.WithLabelValues(string(meal), "already_served").Inc()
		c.hub.Notify()
		return res, ErrAlreadyServedToday
	}

	local := now.In(c.loc)
	rec := models.NewServedRecord(p, meal, local)
	start := time.Now()
	err = c.ledger.Insert(ctx, rec)
	c.observe("insert", start)
	if errors.Is(err, ledger.ErrDuplicate) {
		c.metrics.Confirmations.WithLabelValues(string(meal), "already_served").Inc()
		c.hub.Notify()
		return res, ErrAlreadyServedToday
	}
	if err != nil {
		return res, c.failConfirm(entry, meal, now, ledgerError("insert served record", err))
	}

	res.Record = rec
	res.ServedAt = local
	c.metrics.Confirmations.WithLabelValues(string(meal), "served").Inc()
	c.logger.Info("%s served to %s at %s", meal, p, rec.TimeServed)
	c.hub.Notify()
	return res, nil
}

// failConfirm puts the awaiting entry back so the client can retry after an infrastructure failure
func (c *Coordinator) failConfirm(entry models.AwaitingEntry, meal models.MealSlot, now time.Time, err error) error {
	c.metrics.Confirmations.WithLabelValues(string(meal), "error").Inc()
	c.logger.Error("Failed to confirm %s for %s: %v", meal, entry.Participant, err)
	c.registry.Reinstate(entry, now)
	return err
}

// Status reports whether the participant is awaiting, served or neither. It never mutates state.
func (c *Coordinator) Status(ctx context.Context, rawID, rawMeal string, now time.Time) (StatusResult, error) {
	p, meal, err := c.parse(rawID, rawMeal)
	if err != nil {
		return StatusResult{Participant: p}, err
	}
	res := StatusResult{Participant: p, Meal: meal}

	if _, ok := c.registry.Lookup(p, meal, now); ok {
		res.Status = AwaitingService
		return res, nil
	}
	served, err := c.servedToday(ctx, p, meal, now)
	if err != nil {
		return res, err
	}
	if served {
		res.Status = Served
	}
	return res, nil
}

// RemainingParticipants returns the roster members not served meal today, sorted
func (c *Coordinator) RemainingParticipants(ctx context.Context, rawMeal string, now time.Time) ([]models.ParticipantID, error) {
	meal, err := c.ParseMeal(rawMeal)
	if err != nil {
		return nil, err
	}
	defer c.observe("list", time.Now())
	served, err := c.ledger.ListServed(ctx, meal, c.today(now))
	if err != nil {
		return nil, ledgerError("list served records", err)
	}
	servedSet := make(map[models.ParticipantID]struct{}, len(served))
	for _, p := range served {
		servedSet[p] = struct{}{}
	}
	all := c.roster.All()
	remaining := make([]models.ParticipantID, 0, len(all))
	for _, p := range all {
		if _, ok := servedSet[p]; !ok {
			remaining = append(remaining, p)
		}
	}
	return remaining, nil
}

// MealCount returns the number of participants served meal today
func (c *Coordinator) MealCount(ctx context.Context, rawMeal string, now time.Time) (int, error) {
	meal, err := c.ParseMeal(rawMeal)
	if err != nil {
		return 0, err
	}
	defer c.observe("count", time.Now())
	n, err := c.ledger.Count(ctx, meal, c.today(now))
	if err != nil {
		return 0, ledgerError("count served records", err)
	}
	return n, nil
}

// Snapshot returns the current awaiting entries for viewers
func (c *Coordinator) Snapshot() models.Snapshot {
	return c.registry.Snapshot(time.Now())
}

// Awaiting returns the number of open awaiting windows for meal
func (c *Coordinator) Awaiting(meal models.MealSlot, now time.Time) int {
	return c.registry.CountByMeal(meal, now)
}

// Sweep drops awaiting entries past their expiry
func (c *Coordinator) Sweep(now time.Time) int {
	return c.registry.Sweep(now)
}

// Meals returns the configured meal slots in configuration order
func (c *Coordinator) Meals() []models.MealSlot {
	out := make([]models.MealSlot, len(c.meals))
	copy(out, c.meals)
	return out
}

// Roster returns the participant roster
func (c *Coordinator) Roster() roster.Roster {
	return c.roster
}

// Today returns the ledger date for now in the configured time zone
func (c *Coordinator) Today(now time.Time) string {
	return c.today(now)
}
