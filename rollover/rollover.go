// Package rollover closes each day: today's progress becomes a DailyLog and a
// missed goal becomes a donation to the user's charity.
package rollover

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fineme/server/models"
	"github.com/fineme/server/schedule"
	"github.com/fineme/server/store"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSchedule fires at midnight, with a seconds field.
const DefaultSchedule = "0 0 0 * * *"

type Store interface {
	Commitments(ctx context.Context) ([]models.Commitment, error)
	Progress(ctx context.Context, userID, day string) (int, error)
	// CloseDay writes the log and the optional donation atomically.
	CloseDay(ctx context.Context, l models.DailyLog, d *models.Donation) (string, error)
}

// DayResetter clears the in-memory progress of a live session.
type DayResetter interface {
	ResetDay(userID string)
}

type Options struct {
	Schedule string
	Clock    schedule.Clock
	Log      *zap.Logger
}

// Summary counts the outcome of closing one day.
type Summary struct {
	Secured int
	Failed  int
	Skipped int
}

type Job struct {
	store    Store
	sessions DayResetter
	clock    schedule.Clock
	log      *zap.Logger
	cronSpec string
	cron     *cron.Cron
}

func New(st Store, sessions DayResetter, opts Options) *Job {
	if opts.Schedule == "" {
		opts.Schedule = DefaultSchedule
	}
	if opts.Clock == nil {
		opts.Clock = schedule.Real()
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Job{
		store:    st,
		sessions: sessions,
		clock:    opts.Clock,
		log:      opts.Log,
		cronSpec: opts.Schedule,
		cron:     cron.New(cron.WithSeconds()),
	}
}

// Start registers the rollover and starts the cron scheduler. Each firing
// closes the day that just ended.
func (j *Job) Start(ctx context.Context) error {
	if _, err := j.cron.AddFunc(j.cronSpec, func() {
		day := j.clock.Now().AddDate(0, 0, -1)
		if _, err := j.Run(ctx, day); err != nil {
			j.log.Error("rollover failed", zap.String("day", store.DayKey(day)), zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("register rollover: %w", err)
	}
	j.cron.Start()
	j.log.Info("rollover scheduled", zap.String("schedule", j.cronSpec))
	return nil
}

// Stop halts the scheduler and waits for a running rollover to return.
func (j *Job) Stop() {
	<-j.cron.Stop().Done()
	j.log.Info("rollover stopped")
}

// Run closes day for every commitment. A day that already has a log is
// skipped, so running twice is harmless. Per-user failures do not stop the
// others; they are returned joined.
func (j *Job) Run(ctx context.Context, day time.Time) (Summary, error) {
	commitments, err := j.store.Commitments(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list commitments: %w", err)
	}

	key := store.DayKey(day)
	end := time.Date(day.Year(), day.Month(), day.Day()+1, 0, 0, 0, 0, day.Location())

	var (
		sum  Summary
		errs []error
	)
	for _, c := range commitments {
		if !c.CreatedAt.IsZero() && !c.CreatedAt.Before(end) {
			sum.Skipped++
			continue
		}

		status, err := j.close(ctx, c, day)
		switch {
		case errors.Is(err, store.ErrDayClosed):
			sum.Skipped++
		case err != nil:
			errs = append(errs, fmt.Errorf("user %s: %w", c.UserID, err))
			continue
		case status == models.Secured:
			sum.Secured++
		default:
			sum.Failed++
		}

		if j.sessions != nil {
			j.sessions.ResetDay(c.UserID)
		}
	}

	j.log.Info("day closed",
		zap.String("day", key),
		zap.Int("secured", sum.Secured),
		zap.Int("failed", sum.Failed),
		zap.Int("skipped", sum.Skipped),
		zap.Int("errors", len(errs)))
	return sum, errors.Join(errs...)
}

func (j *Job) close(ctx context.Context, c models.Commitment, day time.Time) (models.DayStatus, error) {
	key := store.DayKey(day)
	reps, err := j.store.Progress(ctx, c.UserID, key)
	if err != nil {
		return "", fmt.Errorf("read progress: %w", err)
	}

	l := models.DailyLog{
		UserID:        c.UserID,
		Day:           key,
		Date:          store.DateLabel(day),
		RepsCompleted: reps,
		TargetReps:    c.Reps,
		Status:        models.Secured,
	}
	if reps < c.Reps {
		amount := c.StakeAmount
		l.Status = models.Failed
		l.Amount = &amount
	}

	var donation *models.Donation
	if l.Status == models.Failed && c.StakeAmount > 0 {
		donation = &models.Donation{
			UserID:  c.UserID,
			Amount:  c.StakeAmount,
			Charity: c.Charity,
		}
	}

	if _, err := j.store.CloseDay(ctx, l, donation); err != nil {
		return "", fmt.Errorf("close day: %w", err)
	}

	if donation != nil {
		j.log.Info("stake forfeited",
			zap.String("user_id", c.UserID),
			zap.String("day", key),
			zap.Int("amount", c.StakeAmount),
			zap.String("charity", string(c.Charity)))
	}
	return l.Status, nil
}
