// Package calendar answers availability questions and books appointments
// for the clinic tools.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrSlotTaken is returned when a booking overlaps an existing one.
var ErrSlotTaken = errors.New("calendar: slot is no longer available")

// Slot is a half-open interval [Start, End).
type Slot struct {
	Start time.Time
	End   time.Time
}

func (s Slot) overlaps(o Slot) bool {
	return s.Start.Before(o.End) && o.Start.Before(s.End)
}

// Booking is an appointment to create.
type Booking struct {
	ID          string
	Start       time.Time
	End         time.Time
	Summary     string
	Description string
}

// Calendar is the scheduling backend.
type Calendar interface {
	Name() string
	FreeSlots(ctx context.Context, day time.Time, duration time.Duration) ([]Slot, error)
	Book(ctx context.Context, b Booking) (Booking, error)
	Location() *time.Location
}

// WorkingHours bounds the bookable part of each day.
type WorkingHours struct {
	Open     string `mapstructure:"open"`
	Close    string `mapstructure:"close"`
	Timezone string `mapstructure:"timezone"`
}

func (w WorkingHours) withDefaults() WorkingHours {
	if w.Open == "" {
		w.Open = "09:00"
	}
	if w.Close == "" {
		w.Close = "17:00"
	}
	if w.Timezone == "" {
		w.Timezone = "UTC"
	}
	return w
}

// window resolves the working hours of day's date in the configured zone.
func (w WorkingHours) window(day time.Time) (Slot, *time.Location, error) {
	w = w.withDefaults()
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		return Slot{}, nil, fmt.Errorf("calendar: timezone %q: %w", w.Timezone, err)
	}
	open, err := time.Parse("15:04", w.Open)
	if err != nil {
		return Slot{}, nil, fmt.Errorf("calendar: open time %q: %w", w.Open, err)
	}
	closeAt, err := time.Parse("15:04", w.Close)
	if err != nil {
		return Slot{}, nil, fmt.Errorf("calendar: close time %q: %w", w.Close, err)
	}
	y, m, d := day.In(loc).Date()
	return Slot{
		Start: time.Date(y, m, d, open.Hour(), open.Minute(), 0, 0, loc),
		End:   time.Date(y, m, d, closeAt.Hour(), closeAt.Minute(), 0, 0, loc),
	}, loc, nil
}

// freeSlots walks the window in duration steps and keeps the slots that
// overlap nothing in busy.
func freeSlots(window Slot, busy []Slot, duration time.Duration) []Slot {
	if duration <= 0 {
		return nil
	}
	sort.Slice(busy, func(i, j int) bool { return busy[i].Start.Before(busy[j].Start) })
	var out []Slot
	for start := window.Start; !start.Add(duration).After(window.End); start = start.Add(duration) {
		candidate := Slot{Start: start, End: start.Add(duration)}
		free := true
		for _, b := range busy {
			if candidate.overlaps(b) {
				free = false
				break
			}
		}
		if free {
			out = append(out, candidate)
		}
	}
	return out
}
