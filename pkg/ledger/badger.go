package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/korjavin/mealtracker/pkg/models"
	"github.com/korjavin/mealtracker/pkg/storage"
	"github.com/pkg/errors"
)

// BadgerLedger stores served records in the embedded key/value store.
// Keys are served:<date>:<meal>:<participant>, so a key is the uniqueness constraint.
type BadgerLedger struct {
	store *storage.Store
}

// NewBadger opens a Badger-backed ledger in dataDir, or in memory when dataDir is empty
func NewBadger(dataDir string) (*BadgerLedger, error) {
	store, err := storage.New(dataDir)
	if err != nil {
		return nil, err
	}
	return &BadgerLedger{store: store}, nil
}

func servedPrefix(meal models.MealSlot, date string) string {
	return fmt.Sprintf("served:%s:%s:", date, meal)
}

func servedKey(p models.ParticipantID, meal models.MealSlot, date string) string {
	return servedPrefix(meal, date) + string(p)
}

// Insert stores rec unless one already exists for the same key
func (l *BadgerLedger) Insert(ctx context.Context, rec models.ServedRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := l.store.InsertIfAbsent(servedKey(rec.Participant, rec.Meal, rec.DateServed), rec)
	if errors.Is(err, storage.ErrExists) {
		return ErrDuplicate
	}
	return errors.Wrap(err, "insert served record")
}

// Served reports whether a record exists for p, meal and date
func (l *BadgerLedger) Served(ctx context.Context, p models.ParticipantID, meal models.MealSlot, date string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ok, err := l.store.Has(servedKey(p, meal, date))
	return ok, errors.Wrap(err, "look up served record")
}

// Count returns the number of records for meal on date
func (l *BadgerLedger) Count(ctx context.Context, meal models.MealSlot, date string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := l.store.Count(servedPrefix(meal, date))
	return n, errors.Wrap(err, "count served records")
}

// ListServed returns the participants served meal on date
func (l *BadgerLedger) ListServed(ctx context.Context, meal models.MealSlot, date string) ([]models.ParticipantID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := servedPrefix(meal, date)
	keys, err := l.store.List(prefix)
	if err != nil {
		return nil, errors.Wrap(err, "list served records")
	}
	ids := make([]models.ParticipantID, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, models.ParticipantID(strings.TrimPrefix(k, prefix)))
	}
	return ids, nil
}

// RunGC runs value log garbage collection on the underlying store
func (l *BadgerLedger) RunGC() error {
	return l.store.RunGC()
}

// Close closes the underlying store
func (l *BadgerLedger) Close() error {
	return l.store.Close()
}
