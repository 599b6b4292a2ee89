package stats

import (
	"context"
	"time"

	"github.com/korjavin/mealtracker/pkg/logger"
	"github.com/korjavin/mealtracker/pkg/models"
	"github.com/korjavin/mealtracker/pkg/roster"
	"github.com/pkg/errors"
)

// Source is the part of the serving coordinator the statistics are computed from
type Source interface {
	Meals() []models.MealSlot
	Roster() roster.Roster
	Today(now time.Time) string
	MealCount(ctx context.Context, meal string, now time.Time) (int, error)
	Awaiting(meal models.MealSlot, now time.Time) int
}

// Service provides statistics functionality
type Service struct {
	source Source
	logger *logger.Logger
}

// New creates a new statistics service
func New(source Source) *Service {
	return &Service{
		source: source,
		logger: logger.New("stats"),
	}
}

// Daily returns the served, remaining and awaiting counts of every configured meal for the day of now
func (s *Service) Daily(ctx context.Context, now time.Time) (*models.DailySummary, error) {
	size := s.source.Roster().Size()
	summary := &models.DailySummary{
		Date:  s.source.Today(now),
		Meals: make([]models.MealSummary, 0, len(s.source.Meals())),
	}

	for _, meal := range s.source.Meals() {
		served, err := s.source.MealCount(ctx, string(meal), now)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to count %s", meal)
		}
		remaining := size - served
		if remaining < 0 {
			remaining = 0
		}
		summary.Meals = append(summary.Meals, models.MealSummary{
			Meal:      meal,
			Served:    served,
			Remaining: remaining,
			Awaiting:  s.source.Awaiting(meal, now),
		})
	}

	return summary, nil
}

// Report logs the daily summary
func (s *Service) Report(ctx context.Context, now time.Time) error {
	summary, err := s.Daily(ctx, now)
	if err != nil {
		return err
	}
	for _, m := range summary.Meals {
		s.logger.Info("%s %s: %d served, %d remaining, %d awaiting", summary.Date, m.Meal, m.Served, m.Remaining, m.Awaiting)
	}
	return nil
}
