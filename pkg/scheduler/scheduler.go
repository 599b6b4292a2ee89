package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/korjavin/mealtracker/pkg/logger"
)

// Job is a task run every Interval
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context, now time.Time) error
}

// Service runs the registered jobs until stopped
type Service struct {
	jobs     []Job
	logger   *logger.Logger
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new scheduler service
func New(jobs ...Job) *Service {
	return &Service{
		jobs:     jobs,
		logger:   logger.New("scheduler"),
		stopChan: make(chan struct{}),
	}
}

// Start starts one goroutine per job
func (s *Service) Start(ctx context.Context) {
	s.logger.Info("Starting scheduler with %d jobs", len(s.jobs))
	for _, job := range s.jobs {
		if job.Interval <= 0 || job.Run == nil {
			s.logger.Warn("Skipping job %s: no interval", job.Name)
			continue
		}
		s.wg.Add(1)
		go s.run(ctx, job)
	}
}

// Stop stops the scheduler and waits for running jobs to return
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping scheduler")
		close(s.stopChan)
	})
	s.wg.Wait()
}

func (s *Service) run(ctx context.Context, job Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			if err := job.Run(ctx, now); err != nil {
				s.logger.Error("Job %s failed: %v", job.Name, err)
			}
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		}
	}
}
