// Package ledger is the durable record of completed servings. A record is
// unique per (participant, meal, date); the store enforces that constraint and
// reports violations as ErrDuplicate.
package ledger

import (
	"context"
	"net/url"
	"strings"

	"github.com/korjavin/mealtracker/pkg/models"
	"github.com/pkg/errors"
)

// ErrDuplicate is returned when a served record already exists for the same participant, meal and date
var ErrDuplicate = errors.New("served record already exists")

// Ledger is the narrow interface the serving coordinator needs from the store
type Ledger interface {
	// Insert stores rec, failing with ErrDuplicate if the uniqueness constraint is violated
	Insert(ctx context.Context, rec models.ServedRecord) error
	// Served reports whether p was served meal on date
	Served(ctx context.Context, p models.ParticipantID, meal models.MealSlot, date string) (bool, error)
	// Count returns the number of records for meal on date
	Count(ctx context.Context, meal models.MealSlot, date string) (int, error)
	// ListServed returns the participants served meal on date
	ListServed(ctx context.Context, meal models.MealSlot, date string) ([]models.ParticipantID, error)
	Close() error
}

// GarbageCollector is implemented by ledgers that need periodic maintenance
type GarbageCollector interface {
	RunGC() error
}

// Open creates a ledger from a URL.
//
//	badger://<dir>            embedded BadgerDB (badger:// alone is in-memory)
//	sqlite://<file>           SQLite through gorm (sqlite:// alone is in-memory)
//	postgres://user:pw@host/db PostgreSQL through gorm
func Open(rawURL string) (Ledger, error) {
	scheme, rest, ok := strings.Cut(rawURL, "://")
	if !ok {
		return nil, errors.Errorf("ledger url %q has no scheme", rawURL)
	}
	switch strings.ToLower(scheme) {
	case "badger":
		return NewBadger(rest)
	case "sqlite", "sqlite3":
		return NewSQLite(rest)
	case "postgres", "postgresql":
		if _, err := url.Parse(rawURL); err != nil {
			return nil, errors.Wrap(err, "invalid postgres url")
		}
		return NewPostgres(rawURL)
	}
	return nil, errors.Errorf("unsupported ledger scheme %q", scheme)
}
