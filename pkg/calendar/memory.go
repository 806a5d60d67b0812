package calendar

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is a process-local calendar for development and tests.
type Memory struct {
	hours WorkingHours
	loc   *time.Location

	mu       sync.Mutex
	bookings []Booking
}

// NewMemory returns an empty calendar with the given working hours.
func NewMemory(hours WorkingHours) (*Memory, error) {
	_, loc, err := hours.window(time.Now())
	if err != nil {
		return nil, err
	}
	return &Memory{hours: hours, loc: loc}, nil
}

func (m *Memory) Name() string             { return "memory" }
func (m *Memory) Location() *time.Location { return m.loc }

func (m *Memory) FreeSlots(_ context.Context, day time.Time, duration time.Duration) ([]Slot, error) {
	window, _, err := m.hours.window(day)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	busy := make([]Slot, 0, len(m.bookings))
	for _, b := range m.bookings {
		busy = append(busy, Slot{Start: b.Start, End: b.End})
	}
	m.mu.Unlock()
	return freeSlots(window, busy, duration), nil
}

func (m *Memory) Book(_ context.Context, b Booking) (Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := Slot{Start: b.Start, End: b.End}
	for _, existing := range m.bookings {
		if want.overlaps(Slot{Start: existing.Start, End: existing.End}) {
			return Booking{}, ErrSlotTaken
		}
	}
	b.ID = uuid.NewString()
	m.bookings = append(m.bookings, b)
	return b, nil
}

// Bookings returns a copy of the booked appointments.
func (m *Memory) Bookings() []Booking {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Booking(nil), m.bookings...)
}
