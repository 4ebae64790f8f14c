package core

import (
	"time"

	"github.com/google/uuid"
)

const (
	// MinIntervalMinutes and MaxIntervalMinutes bound the merge schedule.
	MinIntervalMinutes = 5
	MaxIntervalMinutes = 1440

	defaultIntervalMinutes = 60
)

// ScheduleConfig is the persisted configuration of the periodic
// merge-and-reload job. It is mutated only through the settings surface and
// read by the scheduler on every tick.
type ScheduleConfig struct {
	Enabled         bool       `json:"enabled"`
	IntervalMinutes int        `json:"interval_minutes"`
	NextRun         *time.Time `json:"next_run,omitempty"`
	LastRun         *time.Time `json:"last_run,omitempty"`
	LastStatus      string     `json:"last_status"`
}

// DefaultScheduleConfig returns a disabled schedule with the default interval.
func DefaultScheduleConfig() ScheduleConfig {
	return ScheduleConfig{
		Enabled:         false,
		IntervalMinutes: defaultIntervalMinutes,
	}
}

// Sanitize clamps the interval into its allowed range, substituting the
// default when the value is unset.
func (c ScheduleConfig) Sanitize() ScheduleConfig {
	if c.IntervalMinutes == 0 {
		c.IntervalMinutes = defaultIntervalMinutes
	}
	if c.IntervalMinutes < MinIntervalMinutes {
		c.IntervalMinutes = MinIntervalMinutes
	}
	if c.IntervalMinutes > MaxIntervalMinutes {
		c.IntervalMinutes = MaxIntervalMinutes
	}
	return c
}

// Interval returns the configured interval as a duration.
func (c ScheduleConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// ScheduleStatus is the terminal outcome of one scheduled or manual run.
type ScheduleStatus string

const (
	ScheduleStatusSuccess ScheduleStatus = "success"
	ScheduleStatusFailed  ScheduleStatus = "failed"
	// ScheduleStatusSkippedBusy records a run that was never attempted
	// because the previous one had not finished.
	ScheduleStatusSkippedBusy ScheduleStatus = "skipped_busy"
)

// ScheduleHistoryEntry is one row of the append-only, bounded run history.
type ScheduleHistoryEntry struct {
	ID        string         `json:"id"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at"`
	Trigger   Trigger        `json:"trigger"`
	Action    string         `json:"action"`
	Status    ScheduleStatus `json:"status"`
	Message   string         `json:"message"`
}

// NewScheduleHistoryEntry creates a history entry with a generated ID.
func NewScheduleHistoryEntry(trigger Trigger, action string, status ScheduleStatus, message string, startedAt, endedAt time.Time) ScheduleHistoryEntry {
	return ScheduleHistoryEntry{
		ID:        uuid.New().String(),
		StartedAt: startedAt,
		EndedAt:   endedAt,
		Trigger:   trigger,
		Action:    action,
		Status:    status,
		Message:   message,
	}
}
