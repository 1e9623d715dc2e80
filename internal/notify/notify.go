/*

This file contains the notifier events and the sinks that are always available.
Notification is best effort: no sink can fail a cycle, and running without one
changes nothing about what the strategist decides or executes.

*/

package notify

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/elys-network/supervault/internal/logger"
	"github.com/elys-network/supervault/internal/types"
)

// EventKind names what happened.
type EventKind string

const (
	EventDecisionMade       EventKind = "decision-made"
	EventExecutionResolved  EventKind = "execution-resolved"
	EventEmergencyTriggered EventKind = "emergency-triggered"
	EventDecisionDeferred   EventKind = "decision-deferred"
	EventCycleDegraded      EventKind = "cycle-degraded"
)

// Event is the payload every sink receives.
type Event struct {
	Kind       EventKind           `json:"kind"`
	At         time.Time           `json:"at"`
	Cycle      int                 `json:"cycle"`
	DecisionID string              `json:"decision_id,omitempty"`
	Strategy   string              `json:"strategy,omitempty"`
	Venue      types.VenueID       `json:"venue,omitempty"`
	Action     types.Action        `json:"action,omitempty"`
	Amount     string              `json:"amount,omitempty"`
	Status     types.ReceiptStatus `json:"status,omitempty"`
	Detail     string              `json:"detail,omitempty"`
}

// DecisionEvent describes a decision. Detail carries its rationale.
func DecisionEvent(kind EventKind, cycle int, d types.StrategyDecision) Event {
	e := Event{
		Kind:       kind,
		At:         time.Now().UTC(),
		Cycle:      cycle,
		DecisionID: d.ID,
		Strategy:   d.StrategyID.String(),
		Venue:      d.VenueID,
		Action:     d.Action,
		Detail:     d.Rationale,
	}
	if !d.Amount.IsNil() {
		e.Amount = d.Amount.String()
	}
	return e
}

// ResultEvent describes how the execution of a decision resolved.
func ResultEvent(cycle int, d types.StrategyDecision, result types.ExecutionResult, err error) Event {
	e := DecisionEvent(EventExecutionResolved, cycle, d)
	e.Status = result.Status
	e.Detail = ""
	if err != nil {
		e.Detail = err.Error()
	}
	return e
}

// Notifier delivers events to one sink.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// LogNotifier writes events to the structured log.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: logger.GetForComponent("notifier")}
}

func (l *LogNotifier) Notify(_ context.Context, e Event) error {
	ev := l.logger.Info()
	if e.Kind == EventEmergencyTriggered || e.Kind == EventCycleDegraded ||
		(e.Kind == EventExecutionResolved && e.Status != types.ReceiptConfirmed) {
		ev = l.logger.Warn()
	}
	ev.Str("event", string(e.Kind)).
		Int("cycle", e.Cycle).
		Str("decision_id", e.DecisionID).
		Str("strategy", e.Strategy).
		Str("action", string(e.Action)).
		Str("amount", e.Amount).
		Str("status", string(e.Status)).
		Str("detail", e.Detail).
		Msg("Strategist event")
	return nil
}

// Multi fans an event out to every sink. Sink failures are logged and never returned.
type Multi struct {
	sinks  []Notifier
	logger zerolog.Logger
}

func NewMulti(sinks ...Notifier) *Multi {
	var kept []Notifier
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &Multi{sinks: kept, logger: logger.GetForComponent("notifier")}
}

func (m *Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		m.logger.Warn().Err(err).Str("event", string(e.Kind)).Msg("Notifier delivery failed")
	}
	return nil
}

// Len returns the number of sinks.
func (m *Multi) Len() int { return len(m.sinks) }
