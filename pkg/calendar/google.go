package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/logging"
)

// GoogleConfig configures the Google Calendar backend.
type GoogleConfig struct {
	CredentialsFile string       `mapstructure:"credentials_file"`
	CalendarID      string       `mapstructure:"calendar_id"`
	Hours           WorkingHours `mapstructure:"hours"`
}

// Google reads free/busy information from and inserts events into one
// Google calendar.
type Google struct {
	cfg     GoogleConfig
	loc     *time.Location
	service *gcal.Service
	logger  *slog.Logger
}

// NewGoogle authorises with the service account key in CredentialsFile.
func NewGoogle(ctx context.Context, cfg GoogleConfig, logger *slog.Logger) (*Google, error) {
	b, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("google calendar: read credentials: %w", err), errorsx.ReasonConfigMissing)
	}
	creds, err := google.CredentialsFromJSON(ctx, b, gcal.CalendarScope)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("google calendar: parse credentials: %w", err), errorsx.ReasonConfigInvalid)
	}
	return NewGoogleWithOptions(ctx, cfg, logger, option.WithTokenSource(creds.TokenSource))
}

// NewGoogleWithOptions builds the calendar service from explicit client
// options.
func NewGoogleWithOptions(ctx context.Context, cfg GoogleConfig, logger *slog.Logger, opts ...option.ClientOption) (*Google, error) {
	if cfg.CalendarID == "" {
		cfg.CalendarID = "primary"
	}
	_, loc, err := cfg.Hours.window(time.Now())
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonConfigInvalid)
	}
	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("google calendar: create service: %w", err)
	}
	return &Google{cfg: cfg, loc: loc, service: svc, logger: logging.NewComponentLogger(logger, "calendar_google")}, nil
}

func (g *Google) Name() string             { return "google" }
func (g *Google) Location() *time.Location { return g.loc }

func (g *Google) FreeSlots(ctx context.Context, day time.Time, duration time.Duration) ([]Slot, error) {
	window, _, err := g.cfg.Hours.window(day)
	if err != nil {
		return nil, err
	}
	resp, err := g.service.Freebusy.Query(&gcal.FreeBusyRequest{
		TimeMin: window.Start.Format(time.RFC3339),
		TimeMax: window.End.Format(time.RFC3339),
		Items:   []*gcal.FreeBusyRequestItem{{Id: g.cfg.CalendarID}},
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("google calendar: free/busy: %w", err)
	}
	var busy []Slot
	if cal, ok := resp.Calendars[g.cfg.CalendarID]; ok {
		for _, p := range cal.Busy {
			start, err1 := time.Parse(time.RFC3339, p.Start)
			end, err2 := time.Parse(time.RFC3339, p.End)
			if err1 != nil || err2 != nil {
				g.logger.Warn("calendar_busy_period_unparsed", "start", p.Start, "end", p.End)
				continue
			}
			busy = append(busy, Slot{Start: start, End: end})
		}
	}
	return freeSlots(window, busy, duration), nil
}

func (g *Google) Book(ctx context.Context, b Booking) (Booking, error) {
	slots, err := g.FreeSlots(ctx, b.Start, b.End.Sub(b.Start))
	if err != nil {
		return Booking{}, err
	}
	available := false
	for _, s := range slots {
		if s.Start.Equal(b.Start) {
			available = true
			break
		}
	}
	if !available {
		return Booking{}, ErrSlotTaken
	}
	ev, err := g.service.Events.Insert(g.cfg.CalendarID, &gcal.Event{
		Summary:     b.Summary,
		Description: b.Description,
		Start:       &gcal.EventDateTime{DateTime: b.Start.Format(time.RFC3339), TimeZone: g.loc.String()},
		End:         &gcal.EventDateTime{DateTime: b.End.Format(time.RFC3339), TimeZone: g.loc.String()},
	}).Context(ctx).Do()
	if err != nil {
		return Booking{}, fmt.Errorf("google calendar: insert event: %w", err)
	}
	b.ID = ev.Id
	g.logger.Info("calendar_event_created", "event_id", ev.Id)
	return b, nil
}
