// Package sla implements the pure breach-detection function described in
// spec.md §4.2: no I/O, no side effects, deterministic for a fixed
// timeline and policy.
package sla

import (
	"sort"
	"time"

	"github.com/octup/fulfillment-core/domain"
)

// Engine evaluates order event timelines against tenant SLA policy.
// It carries no state beyond an injected Clock so breach detection of
// still-open rules (terminal event missing) is testable.
type Engine struct {
	clock clock
}

type clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// NewEngine builds an Engine. A nil clock defaults to the system clock.
func NewEngine(c clock) *Engine {
	if c == nil {
		c = systemClock{}
	}
	return &Engine{clock: c}
}

// Evaluate builds an event_type -> earliest occurred_at map from events,
// then checks every rule in policy. It returns breaches sorted by the
// fixed reason-code priority table in domain.ReasonCodePriority.
func (e *Engine) Evaluate(events []domain.OrderEvent, policy domain.SLAPolicy) []domain.Breach {
	earliest := earliestByType(events)
	multiplier := e.overrideMultiplier(events, policy)

	var breaches []domain.Breach
	for _, rule := range policy.Rules {
		anchor, anchorOK := earliest[rule.AnchorEvent]
		if !anchorOK {
			continue
		}
		threshold := time.Duration(float64(rule.ThresholdMinutes)*multiplier) * time.Minute

		if terminal, terminalOK := earliest[rule.TerminalEvent]; terminalOK {
			delta := terminal.Sub(anchor)
			if delta > threshold {
				breaches = append(breaches, domain.Breach{
					ReasonCode:    rule.ReasonCode,
					ActualMinutes: int(delta.Minutes()),
					SLAMinutes:    int(threshold.Minutes()),
					DelayMinutes:  int(delta.Minutes()) - int(threshold.Minutes()),
					AnchorEvent:   rule.AnchorEvent,
					TerminalEvent: rule.TerminalEvent,
				})
			}
			continue
		}

		// Terminal event missing: open-ended breach, measured against now.
		elapsed := e.clock.Now().Sub(anchor)
		if elapsed > threshold {
			breaches = append(breaches, domain.Breach{
				ReasonCode:    rule.ReasonCode,
				ActualMinutes: int(elapsed.Minutes()),
				SLAMinutes:    int(threshold.Minutes()),
				DelayMinutes:  int(elapsed.Minutes()) - int(threshold.Minutes()),
				AnchorEvent:   rule.AnchorEvent,
				TerminalEvent: "",
			})
		}
	}

	sort.SliceStable(breaches, func(i, j int) bool {
		return priority(breaches[i].ReasonCode) < priority(breaches[j].ReasonCode)
	})
	return breaches
}

func priority(code domain.ReasonCode) int {
	if p, ok := domain.ReasonCodePriority[code]; ok {
		return p
	}
	return len(domain.ReasonCodePriority) + 1
}

func earliestByType(events []domain.OrderEvent) map[string]time.Time {
	earliest := make(map[string]time.Time, len(events))
	for _, ev := range events {
		cur, ok := earliest[ev.EventType]
		if !ok || ev.OccurredAt.Before(cur) {
			earliest[ev.EventType] = ev.OccurredAt
		}
	}
	return earliest
}

// overrideMultiplier composes the weekend/holiday/high-volume multipliers
// multiplicatively, as spec.md §4.2 requires. The reference instant is
// the earliest event's occurrence — the multiplier describes when the
// SLA clock started, not when it is evaluated.
func (e *Engine) overrideMultiplier(events []domain.OrderEvent, policy domain.SLAPolicy) float64 {
	if len(events) == 0 {
		return 1.0
	}
	ref := events[0].OccurredAt
	for _, ev := range events[1:] {
		if ev.OccurredAt.Before(ref) {
			ref = ev.OccurredAt
		}
	}

	multiplier := 1.0
	weekday := ref.UTC().Weekday()
	if weekday == time.Saturday || weekday == time.Sunday {
		if policy.WeekendMultiplier > 0 {
			multiplier *= policy.WeekendMultiplier
		} else {
			multiplier *= 1.5
		}
	}
	if policy.HolidayDates[ref.UTC().Format("2006-01-02")] {
		if policy.HolidayMultiplier > 0 {
			multiplier *= policy.HolidayMultiplier
		} else {
			multiplier *= 2.0
		}
	}
	if policy.HighVolumeThreshold > 0 {
		count := rollingHourlyCount(events, ref)
		if count > policy.HighVolumeThreshold {
			if policy.HighVolumeMultiplier > 0 {
				multiplier *= policy.HighVolumeMultiplier
			} else {
				multiplier *= 1.3
			}
		}
	}
	return multiplier
}

// rollingHourlyCount counts the events of every type that occur within
// one hour either side of ref. The orchestrator, which sees the full tenant event
// stream, is expected to populate policy.HighVolumeThreshold only when
// it can supply a representative window; the engine itself only counts
// what's in the supplied timeline.
func rollingHourlyCount(events []domain.OrderEvent, ref time.Time) int {
	count := 0
	window := time.Hour
	for _, ev := range events {
		if ev.OccurredAt.After(ref.Add(-window)) && ev.OccurredAt.Before(ref.Add(window)) {
			count++
		}
	}
	return count
}
