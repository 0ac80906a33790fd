package provider

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"sync_server/core/domain"
	"sync_server/core/port/out"
	"sync_server/pkg/logger"
)

// =============================================================================
// Outlook Calendar Adapter (Microsoft Graph)
// =============================================================================

// outlookTimeFormat is the naive timestamp Graph expects in event
// filters; Graph reports event times in UTC unless told otherwise.
const outlookTimeFormat = "2006-01-02T15:04:05"

// OutlookCalendarAdapter implements out.CalendarProvider against the
// user's default Graph calendar.
type OutlookCalendarAdapter struct {
	graph *graphClient
	log   *logger.Logger
}

// NewOutlookCalendarAdapter creates an adapter bound to the user behind
// tokens.
func NewOutlookCalendarAdapter(tokens *userTokens) *OutlookCalendarAdapter {
	return &OutlookCalendarAdapter{
		graph: newGraphClient(tokens, domain.ProviderMicrosoftCalendar),
		log:   logger.WithField("component", "outlookcal_adapter").WithUser(tokens.userID),
	}
}

// ProviderType returns the provider type.
func (a *OutlookCalendarAdapter) ProviderType() domain.Provider {
	return domain.ProviderMicrosoftCalendar
}

// Authenticate reports whether stored credentials can authorize calls.
func (a *OutlookCalendarAdapter) Authenticate(ctx context.Context) (bool, error) {
	return a.graph.tokens.authenticate(ctx)
}

// ListEvents lists events from the default calendar ordered by start
// time.
func (a *OutlookCalendarAdapter) ListEvents(ctx context.Context, opts *out.ListEventsOptions) ([]*domain.CalendarEvent, error) {
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

	params := url.Values{}
	params.Set("$orderby", "start/dateTime")
	params.Set("$top", fmt.Sprintf("%d", maxResults))
	params.Set("$filter", fmt.Sprintf("start/dateTime ge '%s'", minDate.UTC().Format(outlookTimeFormat)))

	next := "/me/calendar/events?" + params.Encode()
	var events []*domain.CalendarEvent
	for next != "" && len(events) < maxResults {
		var page graphListResponse[graphEvent]
		if err := a.graph.get(ctx, next, &page); err != nil {
			return nil, err
		}
		for i := range page.Value {
			events = append(events, a.convertEvent(&page.Value[i]))
		}
		next = page.NextLink
	}

	if len(events) > maxResults {
		events = events[:maxResults]
	}
	a.log.Debug("listed %d events", len(events))
	return events, nil
}

// CreateEvent creates a new event in the default calendar.
func (a *OutlookCalendarAdapter) CreateEvent(ctx context.Context, ev *domain.NewCalendarEvent) (*domain.CalendarEvent, error) {
	if ev == nil || ev.Title == "" || ev.Start.IsZero() {
		return nil, out.NewProviderError(a.ProviderType(), out.ProviderErrInvalidArgument, "event needs a title and a start time", nil)
	}
	end := ev.End
	if end.IsZero() {
		end = ev.Start.Add(time.Hour)
	}

	payload := map[string]interface{}{
		"subject": ev.Title,
		"body":    map[string]string{"contentType": "text", "content": ev.Description},
		"start":   map[string]string{"dateTime": ev.Start.UTC().Format(outlookTimeFormat), "timeZone": "UTC"},
		"end":     map[string]string{"dateTime": end.UTC().Format(outlookTimeFormat), "timeZone": "UTC"},
	}
	if ev.Location != "" {
		payload["location"] = map[string]string{"displayName": ev.Location}
	}
	if len(ev.Attendees) > 0 {
		attendees := make([]graphAttendee, 0, len(ev.Attendees))
		for _, addr := range ev.Attendees {
			attendees = append(attendees, graphAttendee{
				EmailAddress: graphEmailAddress{Address: addr},
				Type:         "required",
			})
		}
		payload["attendees"] = attendees
	}

	var created graphEvent
	if err := a.graph.post(ctx, "/me/calendar/events", payload, &created); err != nil {
		return nil, err
	}
	a.log.Info("created event %s", created.ID)
	return a.convertEvent(&created), nil
}

func (a *OutlookCalendarAdapter) convertEvent(ev *graphEvent) *domain.CalendarEvent {
	event := &domain.CalendarEvent{
		UserID:      a.graph.tokens.userID,
		Provider:    domain.ProviderMicrosoftCalendar,
		EventID:     ev.ID,
		Title:       ev.Subject,
		Description: ev.BodyPreview,
		Start:       parseGraphTime(ev.Start),
		End:         parseGraphTime(ev.End),
		AllDay:      ev.IsAllDay,
		WebLink:     ev.WebLink,
	}
	if event.Description == "" && ev.Body.Content != "" {
		event.Description = ev.Body.Content
	}
	if ev.Location != nil {
		event.Location = ev.Location.DisplayName
	}
	if ev.Organizer != nil {
		event.Organizer = ev.Organizer.EmailAddress.Address
	}
	for _, at := range ev.Attendees {
		if at.EmailAddress.Address != "" {
			event.Attendees = append(event.Attendees, at.EmailAddress.Address)
		}
	}
	return event
}

// parseGraphTime resolves a Graph event timestamp. Graph renders naive
// datetimes (optionally fractional) in the calendar's reporting zone,
// UTC by default.
func parseGraphTime(dtz graphDateTimeZone) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05.9999999", outlookTimeFormat} {
		if t, err := time.Parse(layout, dtz.DateTime); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// Interface compliance check
var _ out.CalendarProvider = (*OutlookCalendarAdapter)(nil)
