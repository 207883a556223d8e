package quota

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// ResetScheduler applies due resets shortly after each local midnight, so
// read-only views show zeroed counters without waiting for the next lookup.
type ResetScheduler struct {
	tracker  *Tracker
	location *time.Location
	logger   zerolog.Logger
	stopChan chan struct{}
}

// NewResetScheduler creates a new reset scheduler
func NewResetScheduler(tracker *Tracker, logger zerolog.Logger) *ResetScheduler {
	return &ResetScheduler{
		tracker:  tracker,
		location: tracker.location,
		logger:   logger.With().Str("component", "reset-scheduler").Logger(),
		stopChan: make(chan struct{}),
	}
}

// Start begins the reset scheduler
func (rs *ResetScheduler) Start() {
	go rs.run()
	rs.logger.Info().
		Str("timezone", rs.location.String()).
		Msg("Quota reset scheduler started")
}

// Stop stops the reset scheduler
func (rs *ResetScheduler) Stop() {
	close(rs.stopChan)
	rs.logger.Info().Msg("Quota reset scheduler stopped")
}

// run is the main scheduler loop
func (rs *ResetScheduler) run() {
	rs.performReset()

	for {
		nextReset := nextMidnight(time.Now().In(rs.location))
		waitDuration := time.Until(nextReset)

		rs.logger.Debug().
			Time("next_reset", nextReset).
			Dur("wait_duration", waitDuration).
			Msg("Scheduled next quota reset check")

		select {
		case <-time.After(waitDuration):
			rs.performReset()
		case <-rs.stopChan:
			return
		}
	}
}

// nextMidnight returns the start of the calendar day after now, plus a
// second of slack so the date has certainly rolled over
func nextMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 1, 0, now.Location())
}

func (rs *ResetScheduler) performReset() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := rs.tracker.ResetIfDue(ctx); err != nil {
		rs.logger.Error().Err(err).Msg("Failed to apply quota resets")
	}
}
