// Package events defines the sync event stream and the sinks that consume it.
//
// Publishing is fire-and-forget: a Bus never blocks the sync that emits an
// event and never reports delivery failures back to it.
package events

import (
	"context"
	"time"
)

// Type identifies an event kind.
type Type string

const (
	TypeStarted   Type = "started"
	TypeProgress  Type = "progress"
	TypeCompleted Type = "completed"
	TypeFailed    Type = "failed"
	TypeCancelled Type = "cancelled"
)

// IsTerminal reports whether the event closes out a job.
func (t Type) IsTerminal() bool {
	switch t {
	case TypeCompleted, TypeFailed, TypeCancelled:
		return true
	default:
		return false
	}
}

// Counts mirrors a job's running statistics.
type Counts struct {
	Added   int
	Updated int
	Deleted int
	Failed  int
}

// Event is one SyncEvent tagged by job id.
type Event struct {
	Type      Type
	JobID     string
	ProfileID string
	Provider  string
	SyncType  string
	Phase     string
	Processed int
	Total     int
	Percent   float64
	Counts    Counts
	Duration  time.Duration
	Message   string
	Time      time.Time
}

// Bus receives sync events.
type Bus interface {
	Publish(ctx context.Context, event Event)
}

// BusFunc adapts a function to Bus.
type BusFunc func(ctx context.Context, event Event)

// Publish calls f.
func (f BusFunc) Publish(ctx context.Context, event Event) {
	f(ctx, event)
}

// Discard drops every event.
var Discard Bus = BusFunc(func(context.Context, Event) {})

// Multi fans every event out to each non-nil bus in order.
func Multi(buses ...Bus) Bus {
	filtered := make([]Bus, 0, len(buses))
	for _, b := range buses {
		if b != nil {
			filtered = append(filtered, b)
		}
	}
	return multiBus(filtered)
}

type multiBus []Bus

func (m multiBus) Publish(ctx context.Context, event Event) {
	for _, b := range m {
		b.Publish(ctx, event)
	}
}
