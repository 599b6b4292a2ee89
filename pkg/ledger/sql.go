package ledger

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/korjavin/mealtracker/pkg/logger"
	"github.com/korjavin/mealtracker/pkg/models"
	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"
)

// Meal is the row layout of the meals table
type Meal struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	ParticipantID string `gorm:"uniqueIndex:uq_meal_serving,priority:1;size:32;not null"`
	MealTime      string `gorm:"uniqueIndex:uq_meal_serving,priority:2;index:idx_meal_date,priority:1;size:32;not null"`
	DateServed    string `gorm:"uniqueIndex:uq_meal_serving,priority:3;index:idx_meal_date,priority:2;size:10;not null"`
	TimeServed    string `gorm:"size:8"`
}

// TableName keeps the table name used by earlier deployments
func (Meal) TableName() string {
	return "meals"
}

// SQLLedger stores served records in a relational database through gorm
type SQLLedger struct {
	db     *gorm.DB
	logger *logger.Logger
}

// NewSQLite opens a SQLite ledger at path, or an in-memory one when path is empty
func NewSQLite(path string) (*SQLLedger, error) {
	// A private in-memory database lives as long as the single pooled connection
	dsn := ":memory:"
	if path != "" {
		dir := filepath.Dir(path)
		if _, err := os.Stat(dir); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, errors.Wrap(err, "failed to read ledger dir")
			}
			if err := os.MkdirAll(dir, fs.ModePerm); err != nil {
				return nil, errors.Wrap(err, "failed to create ledger dir")
			}
		}
		// WAL journal mode and a busy timeout so concurrent writers wait instead of failing
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := gorm.Open(sqlite.Open(dsn), gormConfig())
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sqlite ledger")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get sqlite handle")
	}
	// SQLite allows a single writer; serialise at the pool
	sqlDB.SetMaxOpenConns(1)
	return newSQLLedger(db)
}

// NewPostgres opens a PostgreSQL ledger from a connection URL
func NewPostgres(dsn string) (*SQLLedger, error) {
	db, err := gorm.Open(postgres.Open(dsn), gormConfig())
	if err != nil {
		return nil, errors.Wrap(err, "failed to open postgres ledger")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get postgres handle")
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	return newSQLLedger(db)
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
	}
}

func newSQLLedger(db *gorm.DB) (*SQLLedger, error) {
	l := &SQLLedger{db: db, logger: logger.New("ledger")}
	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return nil, errors.Wrap(err, "failed to configure tracing")
	}
	if err := l.Migrate(); err != nil {
		return nil, err
	}
	return l, nil
}

// Migrate creates the meals table and its unique constraint if they do not exist
func (l *SQLLedger) Migrate() error {
	l.logger.Debug("creating table: %s", Meal{}.TableName())
	if err := l.db.AutoMigrate(&Meal{}); err != nil {
		return errors.Wrap(err, "failed to migrate meals table")
	}
	return nil
}

// Insert stores rec. The unique index turns a second insert into a no-op, which is reported as ErrDuplicate.
func (l *SQLLedger) Insert(ctx context.Context, rec models.ServedRecord) error {
	row := Meal{
		ParticipantID: string(rec.Participant),
		MealTime:      string(rec.Meal),
		DateServed:    rec.DateServed,
		TimeServed:    rec.TimeServed,
	}
	result := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row)
	if result.Error != nil {
		return errors.Wrap(result.Error, "insert served record")
	}
	if result.RowsAffected == 0 {
		return ErrDuplicate
	}
	return nil
}

// Served reports whether a record exists for p, meal and date
func (l *SQLLedger) Served(ctx context.Context, p models.ParticipantID, meal models.MealSlot, date string) (bool, error) {
	var n int64
	result := l.db.WithContext(ctx).
		Model(&Meal{}).
		Where("participant_id = ? AND meal_time = ? AND date_served = ?", string(p), string(meal), date).
		Limit(1).
		Count(&n)
	if result.Error != nil {
		return false, errors.Wrap(result.Error, "look up served record")
	}
	return n > 0, nil
}

// Count returns the number of records for meal on date
func (l *SQLLedger) Count(ctx context.Context, meal models.MealSlot, date string) (int, error) {
	var n int64
	result := l.db.WithContext(ctx).
		Model(&Meal{}).
		Where("meal_time = ? AND date_served = ?", string(meal), date).
		Count(&n)
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "count served records")
	}
	return int(n), nil
}

// ListServed returns the participants served meal on date
func (l *SQLLedger) ListServed(ctx context.Context, meal models.MealSlot, date string) ([]models.ParticipantID, error) {
	var ids []string
	result := l.db.WithContext(ctx).
		Model(&Meal{}).
		Where("meal_time = ? AND date_served = ?", string(meal), date).
		Order("participant_id").
		Pluck("participant_id", &ids)
	if result.Error != nil {
		return nil, errors.Wrap(result.Error, "list served records")
	}
	out := make([]models.ParticipantID, len(ids))
	for i, id := range ids {
		out[i] = models.ParticipantID(id)
	}
	return out, nil
}

// Close releases the connection pool
func (l *SQLLedger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
