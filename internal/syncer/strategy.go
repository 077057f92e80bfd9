// Package syncer selects sync strategies and orchestrates the
// fetch-transform-publish pipeline for health data.
package syncer

import (
	"time"
)

// Trigger names what started a sync.
type Trigger string

const (
	TriggerInitial     Trigger = "initial"
	TriggerIncremental Trigger = "incremental"
	TriggerWebhook     Trigger = "webhook"
	TriggerManual      Trigger = "manual"
)

// Priority orders queued work. Lower runs first.
type Priority int

const (
	PriorityHigh       Priority = 1
	PriorityMedium     Priority = 2
	PriorityLow        Priority = 3
	PriorityBackground Priority = 4
)

// Range is an explicit sync window.
type Range struct {
	Start time.Time
	End   time.Time
}

// Params are the strategy-derived settings for one sync run.
type Params struct {
	Start           time.Time
	End             time.Time
	BatchSize       int
	Priority        Priority
	SkipDuplicates  bool
	RealTimeMode    bool
	BypassLimits    bool
	DetailedLogging bool
}

// Strategy window constants.
const (
	initialLookback     = 30 * 24 * time.Hour
	incrementalOverlap  = 5 * time.Minute
	incrementalFallback = 24 * time.Hour
	webhookLookback     = 15 * time.Minute
	manualLookback      = 7 * 24 * time.Hour
)

// ParamsFor derives the sync window and batch settings for a trigger.
// lastSync is only consulted for incremental runs; window overrides the
// default range for webhook and manual runs.
func ParamsFor(trigger Trigger, now time.Time, lastSync time.Time, window *Range) Params {
	switch trigger {
	case TriggerInitial:
		return Params{
			Start:          now.Add(-initialLookback),
			End:            now,
			BatchSize:      1000,
			Priority:       PriorityBackground,
			SkipDuplicates: true,
		}
	case TriggerIncremental:
		start := now.Add(-incrementalFallback)
		if !lastSync.IsZero() {
			start = lastSync.Add(-incrementalOverlap)
		}
		return Params{
			Start:     start,
			End:       now,
			BatchSize: 500,
			Priority:  PriorityLow,
		}
	case TriggerWebhook:
		p := Params{
			Start:        now.Add(-webhookLookback),
			End:          now,
			BatchSize:    100,
			Priority:     PriorityHigh,
			RealTimeMode: true,
		}
		if window != nil {
			p.Start, p.End = window.Start, window.End
		}
		return p
	case TriggerManual:
		p := Params{
			Start:           now.Add(-manualLookback),
			End:             now,
			BatchSize:       500,
			Priority:        PriorityMedium,
			BypassLimits:    true,
			DetailedLogging: true,
		}
		if window != nil {
			p.Start, p.End = window.Start, window.End
		}
		return p
	default:
		// Unknown triggers behave like a manual run with defaults.
		return ParamsFor(TriggerManual, now, lastSync, window)
	}
}
