package tools

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/harunnryd/callbridge/pkg/calendar"
	"github.com/harunnryd/callbridge/pkg/llm"
	"github.com/harunnryd/callbridge/pkg/notify"
	"github.com/harunnryd/callbridge/pkg/store"
)

// Tool names.
const (
	ScheduleMeeting   = "schedule_human_meeting"
	Think             = "think"
	CheckAvailability = "check_availability"
	BookAppointment   = "book_appointment"
	LogPatientRecord  = "log_patient_record"
)

// Profiles.
const (
	ProfileMeeting = "meeting"
	ProfileClinic  = "clinic"
)

// PatientLog persists intake records.
type PatientLog interface {
	LogPatient(ctx context.Context, rec store.PatientRecord) (int64, error)
}

// Deps are the backends the tools act on.
type Deps struct {
	Notifier notify.Notifier
	Calendar calendar.Calendar
	Records  PatientLog
}

// Build returns the registry of the named profile.
func Build(profile string, deps Deps) (*Registry, error) {
	if deps.Notifier == nil {
		return nil, errors.New("tools: a notifier is required")
	}
	r := NewRegistry()
	switch strings.ToLower(strings.TrimSpace(profile)) {
	case "", ProfileMeeting:
		if err := r.Register(meetingSpec(deps.Notifier)); err != nil {
			return nil, err
		}
	case ProfileClinic:
		if deps.Calendar == nil || deps.Records == nil {
			return nil, errors.New("tools: clinic profile needs a calendar and a record store")
		}
		for _, spec := range []Spec{
			thinkSpec(),
			availabilitySpec(deps.Calendar),
			bookingSpec(deps.Calendar),
			patientRecordSpec(deps.Records),
			meetingSpec(deps.Notifier),
		} {
			if err := r.Register(spec); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("tools: unknown profile %q", profile)
	}
	return r, nil
}

func meetingSpec(n notify.Notifier) Spec {
	return Spec{
		Tool: llm.Tool{
			Name:        ScheduleMeeting,
			Description: "Ask a human team member to call the caller back. Use when the caller wants to speak to a person.",
			Schema: llm.ObjectSchema(map[string]any{
				"reason":         map[string]any{"type": "string", "description": "Why the caller wants to talk to a person."},
				"caller_name":    map[string]any{"type": "string"},
				"preferred_time": map[string]any{"type": "string", "description": "When the caller prefers to be contacted."},
			}),
		},
		Required: []string{"reason"},
		Handler: func(ctx context.Context, inv Invocation) (Result, error) {
			caller := inv.String("caller_name")
			if caller == "" {
				caller = "A caller"
			}
			var body strings.Builder
			fmt.Fprintf(&body, "%s asked to speak with a team member.\n\n", caller)
			fmt.Fprintf(&body, "Reason: %s\n", inv.String("reason"))
			if t := inv.String("preferred_time"); t != "" {
				fmt.Fprintf(&body, "Preferred time: %s\n", t)
			}
			if inv.CallSID != "" {
				fmt.Fprintf(&body, "Call SID: %s\n", inv.CallSID)
			}
			if err := n.Notify(ctx, notify.Message{Subject: "Meeting request from " + caller, Body: body.String()}); err != nil {
				return Result{}, err
			}
			return OK("The team has been notified and someone will contact the caller.", nil), nil
		},
	}
}

func thinkSpec() Spec {
	return Spec{
		Tool: llm.Tool{
			Name:        Think,
			Description: "Think through the next step before acting. Has no side effects.",
			Schema: llm.ObjectSchema(map[string]any{
				"thought": map[string]any{"type": "string"},
			}),
		},
		Handler: func(context.Context, Invocation) (Result, error) {
			return OK("noted", nil), nil
		},
	}
}

func availabilitySpec(cal calendar.Calendar) Spec {
	return Spec{
		Tool: llm.Tool{
			Name:        CheckAvailability,
			Description: "List open appointment times on a date. Must be called before booking.",
			Schema: llm.ObjectSchema(map[string]any{
				"date":             map[string]any{"type": "string", "description": "Date as YYYY-MM-DD."},
				"duration_minutes": map[string]any{"type": "integer", "description": "Appointment length, default 30."},
			}),
		},
		Required: []string{"date"},
		Handler: func(ctx context.Context, inv Invocation) (Result, error) {
			day, err := time.ParseInLocation("2006-01-02", inv.String("date"), cal.Location())
			if err != nil {
				return Failure("date must be formatted as YYYY-MM-DD"), nil
			}
			duration := time.Duration(intArg(inv.Args, "duration_minutes", 30)) * time.Minute
			slots, err := cal.FreeSlots(ctx, day, duration)
			if err != nil {
				return Result{}, err
			}
			starts := make([]string, 0, len(slots))
			for _, s := range slots {
				starts = append(starts, s.Start.Format(time.RFC3339))
			}
			msg := fmt.Sprintf("%d open times on %s", len(slots), day.Format("Monday, January 2"))
			if len(slots) == 0 {
				msg = "no open times on " + day.Format("Monday, January 2")
			}
			return OK(msg, map[string]any{"date": inv.String("date"), "slots": starts}), nil
		},
	}
}

func bookingSpec(cal calendar.Calendar) Spec {
	return Spec{
		Tool: llm.Tool{
			Name:        BookAppointment,
			Description: "Book one appointment at a time returned by check_availability. Can be used once per call.",
			Schema: llm.ObjectSchema(map[string]any{
				"start":            map[string]any{"type": "string", "description": "Start time in RFC 3339 format."},
				"duration_minutes": map[string]any{"type": "integer"},
				"patient_name":     map[string]any{"type": "string"},
				"reason":           map[string]any{"type": "string"},
			}),
		},
		Required:  []string{"start", "patient_name"},
		SingleUse: true,
		After:     CheckAvailability,
		Handler: func(ctx context.Context, inv Invocation) (Result, error) {
			start, err := parseStart(inv.String("start"), cal.Location())
			if err != nil {
				return Failure("start must be a time returned by check_availability"), nil
			}
			end := start.Add(time.Duration(intArg(inv.Args, "duration_minutes", 30)) * time.Minute)
			booked, err := cal.Book(ctx, calendar.Booking{
				Start:       start,
				End:         end,
				Summary:     "Appointment: " + inv.String("patient_name"),
				Description: inv.String("reason"),
			})
			if errors.Is(err, calendar.ErrSlotTaken) {
				return Failure("that time is no longer available"), nil
			}
			if err != nil {
				return Result{}, err
			}
			return OK("The appointment is booked.", map[string]any{
				"appointment_id": booked.ID,
				"start":          booked.Start.Format(time.RFC3339),
				"end":            booked.End.Format(time.RFC3339),
			}), nil
		},
	}
}

func patientRecordSpec(records PatientLog) Spec {
	return Spec{
		Tool: llm.Tool{
			Name:        LogPatientRecord,
			Description: "Save the caller's intake details after the appointment is booked. Can be used once per call.",
			Schema: llm.ObjectSchema(map[string]any{
				"patient_name":  map[string]any{"type": "string"},
				"date_of_birth": map[string]any{"type": "string"},
				"reason":        map[string]any{"type": "string"},
				"notes":         map[string]any{"type": "string"},
			}),
		},
		Required:  []string{"patient_name"},
		SingleUse: true,
		After:     BookAppointment,
		Handler: func(ctx context.Context, inv Invocation) (Result, error) {
			id, err := records.LogPatient(ctx, store.PatientRecord{
				CallSID:     inv.CallSID,
				PatientName: inv.String("patient_name"),
				DateOfBirth: inv.String("date_of_birth"),
				Reason:      inv.String("reason"),
				Notes:       inv.String("notes"),
			})
			if err != nil {
				return Result{}, err
			}
			return OK("The patient record was saved.", map[string]any{"record_id": id}), nil
		},
	}
}

func parseStart(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02T15:04", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", s)
}

func intArg(args map[string]any, name string, def int) int {
	switch v := args[name].(type) {
	case float64:
		if v > 0 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			return n
		}
	}
	return def
}
