package consolidation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ka1naas/Research-Engram/logging"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/errgroup"
)

// BatchReport summarizes RunAll.
type BatchReport struct {
	Started  time.Time         `json:"started"`
	Finished time.Time         `json:"finished"`
	Results  []*Result         `json:"results"`
	Errors   map[string]string `json:"errors,omitempty"`

	errs map[string]error
}

// Err returns the error of userID's pass, if any.
func (r *BatchReport) Err(userID string) error {
	return r.errs[userID]
}

// Count returns the number of passes that ended in state.
func (r *BatchReport) Count(state State) int {
	n := 0
	for _, res := range r.Results {
		if res.State == state {
			n++
		}
	}
	return n
}

// RunAll runs a pass for every user in the profile repository, at most
// Config.Concurrency at a time. A failing user is logged and recorded in
// the report; it never stops the others. Only failing to list users is an
// error.
func (c *Consolidator) RunAll(ctx context.Context) (*BatchReport, error) {
	logger := logging.Component(ctx, "consolidation")

	users, err := c.profiles.Users(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list users for consolidation")
	}

	report := &BatchReport{
		Started: c.now(),
		Errors:  make(map[string]string),
		errs:    make(map[string]error),
	}
	var mu sync.Mutex

	limit := c.config.Concurrency
	if limit < 1 {
		limit = 1
	}
	var eg errgroup.Group
	eg.SetLimit(limit)

	for _, userID := range users {
		eg.Go(func() error {
			res, err := c.Run(ctx, userID)
			if res == nil {
				res = &Result{UserID: userID, State: StateAborted}
			}

			mu.Lock()
			defer mu.Unlock()
			report.Results = append(report.Results, res)
			if err != nil {
				report.errs[userID] = err
				report.Errors[userID] = err.Error()
				logger.Error("consolidation failed", "user_id", userID, "error", err)
			}
			return nil
		})
	}
	_ = eg.Wait()

	sort.Slice(report.Results, func(i, j int) bool {
		return report.Results[i].UserID < report.Results[j].UserID
	})
	report.Finished = c.now()

	logger.Info("consolidation batch finished",
		"users", len(users),
		"committed", report.Count(StateCommitted),
		"idle", report.Count(StateIdle),
		"failed", len(report.errs),
	)
	return report, nil
}

// Scheduler triggers RunAll periodically.
type Scheduler struct {
	c        *Consolidator
	interval time.Duration
}

// NewScheduler creates a scheduler. A non-positive interval uses
// Config.Interval.
func NewScheduler(c *Consolidator, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = c.config.Interval
	}
	if interval <= 0 {
		interval = DefaultConfig.Interval
	}
	return &Scheduler{c: c, interval: interval}
}

// Run blocks, running a batch every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := logging.Component(ctx, "consolidation")
	logger.Info("consolidation scheduler started", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("consolidation scheduler stopped")
			return nil
		case <-ticker.C:
			if _, err := s.c.RunAll(ctx); err != nil {
				logger.Error("consolidation batch failed", "error", err)
			}
		}
	}
}
