package model

import (
	"testing"
	"time"

	appErr "riddleflow/pkg/errors"
)

func at(t time.Time) *time.Time { return &t }

func TestDecide(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		event  Event
		wantTo EventStatus
		wantOK bool
	}{
		{
			name:   "planned inside window",
			event:  Event{Status: StatusPlanned, StartTime: at(now.Add(-time.Minute)), EndTime: at(now.Add(time.Hour))},
			wantTo: StatusActive, wantOK: true,
		},
		{
			name:   "planned at start",
			event:  Event{Status: StatusPlanned, StartTime: at(now), EndTime: at(now.Add(time.Hour))},
			wantTo: StatusActive, wantOK: true,
		},
		{
			name:  "planned before start",
			event: Event{Status: StatusPlanned, StartTime: at(now.Add(time.Minute)), EndTime: at(now.Add(time.Hour))},
		},
		{
			name:   "planned after end skips active",
			event:  Event{Status: StatusPlanned, StartTime: at(now.Add(-2 * time.Hour)), EndTime: at(now.Add(-time.Hour))},
			wantTo: StatusCompleted, wantOK: true,
		},
		{
			name:   "active at end",
			event:  Event{Status: StatusActive, StartTime: at(now.Add(-time.Hour)), EndTime: at(now)},
			wantTo: StatusCompleted, wantOK: true,
		},
		{
			name:  "active inside window",
			event: Event{Status: StatusActive, StartTime: at(now.Add(-time.Hour)), EndTime: at(now.Add(time.Hour))},
		},
		{
			name:  "completed stays",
			event: Event{Status: StatusCompleted, StartTime: at(now.Add(-2 * time.Hour)), EndTime: at(now.Add(-time.Hour))},
		},
		{
			name:  "canceled stays",
			event: Event{Status: StatusCanceled, StartTime: at(now.Add(-time.Minute)), EndTime: at(now.Add(time.Hour))},
		},
		{
			name:   "other zone normalized",
			event:  Event{Status: StatusPlanned, StartTime: at(now.Add(-time.Minute).In(time.FixedZone("MSK", 3*3600))), EndTime: at(now.Add(time.Hour))},
			wantTo: StatusActive, wantOK: true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr, ok, err := Decide(tt.event, now)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ok != tt.wantOK {
				t.Fatalf("expected ok=%v, got %v", tt.wantOK, ok)
			}
			if ok && (tr.To != tt.wantTo || tr.From != tt.event.Status) {
				t.Fatalf("expected %s -> %s, got %s -> %s", tt.event.Status, tt.wantTo, tr.From, tr.To)
			}
		})
	}
}

func TestDecideInvalidWindow(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tests := []struct {
		name  string
		event Event
	}{
		{name: "missing start", event: Event{Status: StatusPlanned, EndTime: at(now)}},
		{name: "missing end", event: Event{Status: StatusActive, StartTime: at(now)}},
		{name: "end before start", event: Event{Status: StatusPlanned, StartTime: at(now), EndTime: at(now.Add(-time.Second))}},
		{name: "empty window", event: Event{Status: StatusPlanned, StartTime: at(now), EndTime: at(now)}},
	}
	for _, tt := range tests {
		_, ok, err := Decide(tt.event, now)
		if ok || !appErr.Is(err, appErr.InvalidEventWindow) {
			t.Fatalf("%s: expected invalid window, got ok=%v err=%v", tt.name, ok, err)
		}
	}
}

func TestDecideIsMonotonic(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	e := Event{Kind: KindContest, ID: 1, Status: StatusPlanned, StartTime: &start, EndTime: &end}
	for now := start.Add(-10 * time.Minute); now.Before(end.Add(10 * time.Minute)); now = now.Add(time.Minute) {
		tr, ok, err := Decide(e, now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			continue
		}
		if tr.To.rank() <= e.Status.rank() {
			t.Fatalf("status went backwards: %s", tr)
		}
		e.Status = tr.To
	}
	if e.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", e.Status)
	}
	// Time going backwards never reopens an event.
	if _, ok, _ := Decide(e, start.Add(time.Minute)); ok {
		t.Fatalf("expected no transition for a completed event")
	}
}
