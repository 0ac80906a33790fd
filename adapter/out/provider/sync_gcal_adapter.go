package provider

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	gcalendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"sync_server/core/domain"
	"sync_server/core/port/out"
	"sync_server/pkg/backoff"
	"sync_server/pkg/httputil"
	"sync_server/pkg/logger"
)

// =============================================================================
// Google Calendar Adapter
// =============================================================================

const (
	gcalPrimaryCalendar  = "primary"
	gcalDefaultMaxEvents = 50
)

// GoogleCalendarAdapter implements out.CalendarProvider against the
// user's primary calendar.
type GoogleCalendarAdapter struct {
	tokens *userTokens
	cb     *gobreaker.CircuitBreaker
	retry  *backoff.Policy
	log    *logger.Logger
}

// NewGoogleCalendarAdapter creates an adapter bound to the user behind
// tokens.
func NewGoogleCalendarAdapter(tokens *userTokens) *GoogleCalendarAdapter {
	return &GoogleCalendarAdapter{
		tokens: tokens,
		cb:     newBreaker("google-calendar"),
		retry:  backoff.Default(out.IsRetryableProviderError),
		log:    logger.WithField("component", "gcal_adapter").WithUser(tokens.userID),
	}
}

// ProviderType returns the provider type.
func (a *GoogleCalendarAdapter) ProviderType() domain.Provider {
	return domain.ProviderGoogleCalendar
}

// Authenticate reports whether stored credentials can authorize calls.
func (a *GoogleCalendarAdapter) Authenticate(ctx context.Context) (bool, error) {
	return a.tokens.authenticate(ctx)
}

func (a *GoogleCalendarAdapter) service(ctx context.Context) (*gcalendar.Service, error) {
	hc, err := a.tokens.apiClient(ctx, httputil.GoogleClient())
	if err != nil {
		return nil, err
	}
	svc, err := gcalendar.NewService(ctx, option.WithHTTPClient(hc))
	if err != nil {
		return nil, a.wrapError(err, "failed to create calendar client")
	}
	return svc, nil
}

// ListEvents lists upcoming events ordered by start time. Recurring
// events expand to single instances.
func (a *GoogleCalendarAdapter) ListEvents(ctx context.Context, opts *out.ListEventsOptions) ([]*domain.CalendarEvent, error) {
	if opts == nil {
		opts = &out.ListEventsOptions{}
	}
	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = gcalDefaultMaxEvents
	}
	minDate := opts.MinDate
	if minDate.IsZero() {
		minDate = time.Now()
	}

	svc, err := a.service(ctx)
	if err != nil {
		return nil, err
	}

	result, err := backoff.ExecuteResult(ctx, a.retry, func(ctx context.Context) (*gcalendar.Events, error) {
		return breakerDo(a.cb, func() (*gcalendar.Events, error) {
			result, err := svc.Events.List(gcalPrimaryCalendar).
				TimeMin(minDate.UTC().Format(time.RFC3339)).
				SingleEvents(true).
				OrderBy("startTime").
				MaxResults(int64(maxResults)).
				Context(ctx).Do()
			if err != nil {
				return nil, a.wrapError(err, "failed to list events")
			}
			return result, nil
		})
	})
	if err != nil {
		return nil, err
	}

	events := make([]*domain.CalendarEvent, 0, len(result.Items))
	for _, item := range result.Items {
		events = append(events, a.convertEvent(item))
	}
	a.log.Debug("listed %d events", len(events))
	return events, nil
}

// CreateEvent inserts a new event into the primary calendar.
func (a *GoogleCalendarAdapter) CreateEvent(ctx context.Context, ev *domain.NewCalendarEvent) (*domain.CalendarEvent, error) {
	if ev == nil || ev.Title == "" || ev.Start.IsZero() {
		return nil, out.NewProviderError(a.ProviderType(), out.ProviderErrInvalidArgument, "event needs a title and a start time", nil)
	}
	end := ev.End
	if end.IsZero() {
		end = ev.Start.Add(time.Hour)
	}

	svc, err := a.service(ctx)
	if err != nil {
		return nil, err
	}

	payload := &gcalendar.Event{
		Summary:     ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
		Start:       &gcalendar.EventDateTime{DateTime: ev.Start.UTC().Format(time.RFC3339), TimeZone: "UTC"},
		End:         &gcalendar.EventDateTime{DateTime: end.UTC().Format(time.RFC3339), TimeZone: "UTC"},
	}
	for _, addr := range ev.Attendees {
		payload.Attendees = append(payload.Attendees, &gcalendar.EventAttendee{Email: addr})
	}

	created, err := backoff.ExecuteResult(ctx, a.retry, func(ctx context.Context) (*gcalendar.Event, error) {
		return breakerDo(a.cb, func() (*gcalendar.Event, error) {
			created, err := svc.Events.Insert(gcalPrimaryCalendar, payload).Context(ctx).Do()
			if err != nil {
				return nil, a.wrapError(err, "failed to create event")
			}
			return created, nil
		})
	})
	if err != nil {
		return nil, err
	}

	a.log.Info("created event %s", created.Id)
	return a.convertEvent(created), nil
}

func (a *GoogleCalendarAdapter) convertEvent(item *gcalendar.Event) *domain.CalendarEvent {
	ev := &domain.CalendarEvent{
		UserID:      a.tokens.userID,
		Provider:    domain.ProviderGoogleCalendar,
		EventID:     item.Id,
		CalendarID:  gcalPrimaryCalendar,
		Title:       item.Summary,
		Description: item.Description,
		Location:    item.Location,
		WebLink:     item.HtmlLink,
	}
	if item.Organizer != nil {
		ev.Organizer = item.Organizer.Email
	}
	for _, at := range item.Attendees {
		if at.Email != "" {
			ev.Attendees = append(ev.Attendees, at.Email)
		}
	}
	ev.Start, ev.AllDay = parseEventTime(item.Start)
	ev.End, _ = parseEventTime(item.End)
	return ev
}

// parseEventTime resolves a calendar timestamp: timed events carry an
// RFC3339 DateTime, all-day events a plain date.
func parseEventTime(edt *gcalendar.EventDateTime) (time.Time, bool) {
	if edt == nil {
		return time.Time{}, false
	}
	if edt.DateTime != "" {
		if t, err := time.Parse(time.RFC3339, edt.DateTime); err == nil {
			return t.UTC(), false
		}
		return time.Time{}, false
	}
	if edt.Date != "" {
		if t, err := time.Parse("2006-01-02", edt.Date); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func (a *GoogleCalendarAdapter) wrapError(err error, defaultMsg string) error {
	return wrapGoogleError(a.ProviderType(), err, defaultMsg)
}

// Interface compliance check
var _ out.CalendarProvider = (*GoogleCalendarAdapter)(nil)
