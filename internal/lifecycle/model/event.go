package model

import (
	"fmt"
	"time"

	appErr "riddleflow/pkg/errors"
)

// EventStatus is the lifecycle state shared by hackathons and contests.
type EventStatus string

const (
	StatusPlanned   EventStatus = "PLANNED"
	StatusActive    EventStatus = "ACTIVE"
	StatusCompleted EventStatus = "COMPLETED"
	StatusCanceled  EventStatus = "CANCELED"
)

// IsTerminal reports whether the scheduler no longer touches the status.
func (s EventStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCanceled
}

func (s EventStatus) rank() int {
	switch s {
	case StatusPlanned:
		return 1
	case StatusActive:
		return 2
	case StatusCompleted:
		return 3
	}
	return 0
}

// EntityKind names the table an event lives in.
type EntityKind string

const (
	KindHackathon EntityKind = "hackathon"
	KindContest   EntityKind = "contest"
)

// Event is a time-windowed hackathon or contest.
type Event struct {
	ID        int64
	Kind      EntityKind
	Status    EventStatus
	StartTime *time.Time
	EndTime   *time.Time
}

// Transition is a status change decided for one event during a tick.
// From is the status the update is conditional on.
type Transition struct {
	Kind EntityKind
	ID   int64
	From EventStatus
	To   EventStatus
}

func (t Transition) String() string {
	return fmt.Sprintf("%s %d: %s -> %s", t.Kind, t.ID, t.From, t.To)
}

// Decide returns the status an event should move to at now, if any.
// Windows are half-open: an event is active on [start, end).
func Decide(e Event, now time.Time) (Transition, bool, error) {
	if e.Status != StatusPlanned && e.Status != StatusActive {
		return Transition{}, false, nil
	}
	if e.StartTime == nil || e.EndTime == nil {
		return Transition{}, false, appErr.New(appErr.InvalidEventWindow).WithMessage("start or end time is missing")
	}
	start := e.StartTime.UTC()
	end := e.EndTime.UTC()
	if !end.After(start) {
		return Transition{}, false, appErr.Newf(appErr.InvalidEventWindow, "end %s is not after start %s",
			end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	now = now.UTC()

	var to EventStatus
	switch {
	case !now.Before(end):
		to = StatusCompleted
	case e.Status == StatusPlanned && !now.Before(start):
		to = StatusActive
	default:
		return Transition{}, false, nil
	}
	if to.rank() <= e.Status.rank() {
		return Transition{}, false, nil
	}
	return Transition{Kind: e.Kind, ID: e.ID, From: e.Status, To: to}, true, nil
}
