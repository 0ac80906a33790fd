package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	gcalendar "google.golang.org/api/calendar/v3"

	"sync_server/core/domain"
	"sync_server/core/port/out"
)

func TestParseEventTime(t *testing.T) {
	tests := []struct {
		name       string
		edt        *gcalendar.EventDateTime
		want       time.Time
		wantAllDay bool
	}{
		{"nil", nil, time.Time{}, false},
		{
			"timed event",
			&gcalendar.EventDateTime{DateTime: "2025-06-02T15:04:05+09:00"},
			time.Date(2025, 6, 2, 6, 4, 5, 0, time.UTC),
			false,
		},
		{
			"all day",
			&gcalendar.EventDateTime{Date: "2025-06-02"},
			time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC),
			true,
		},
		{"garbage", &gcalendar.EventDateTime{DateTime: "soonish"}, time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, allDay := parseEventTime(tt.edt)
			if !got.Equal(tt.want) || allDay != tt.wantAllDay {
				t.Errorf("parseEventTime() = (%v, %v), want (%v, %v)", got, allDay, tt.want, tt.wantAllDay)
			}
		})
	}
}

func TestGcalConvertEvent(t *testing.T) {
	a := &GoogleCalendarAdapter{tokens: &userTokens{userID: "u1"}}

	ev := a.convertEvent(&gcalendar.Event{
		Id:          "ev-1",
		Summary:     "Planning",
		Description: "Q3 planning session",
		Location:    "Room 4",
		HtmlLink:    "https://calendar.example/ev-1",
		Organizer:   &gcalendar.EventOrganizer{Email: "alice@example.com"},
		Attendees: []*gcalendar.EventAttendee{
			{Email: "bob@example.com"},
			{Email: ""},
			{Email: "carol@example.com"},
		},
		Start: &gcalendar.EventDateTime{DateTime: "2025-06-02T10:00:00Z"},
		End:   &gcalendar.EventDateTime{DateTime: "2025-06-02T11:00:00Z"},
	})

	if ev.UserID != "u1" || ev.Provider != domain.ProviderGoogleCalendar {
		t.Errorf("identity wrong: %+v", ev)
	}
	if ev.EventID != "ev-1" || ev.Title != "Planning" || ev.Location != "Room 4" {
		t.Errorf("metadata wrong: %+v", ev)
	}
	if ev.Organizer != "alice@example.com" {
		t.Errorf("organizer = %q", ev.Organizer)
	}
	if len(ev.Attendees) != 2 {
		t.Errorf("attendees = %v, want empty addresses dropped", ev.Attendees)
	}
	if ev.AllDay {
		t.Error("timed event flagged all-day")
	}
	if !ev.Start.Equal(time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("start = %v", ev.Start)
	}
}

func TestGcalConvertEvent_AllDay(t *testing.T) {
	a := &GoogleCalendarAdapter{tokens: &userTokens{userID: "u1"}}

	ev := a.convertEvent(&gcalendar.Event{
		Id:    "ev-2",
		Start: &gcalendar.EventDateTime{Date: "2025-06-02"},
		End:   &gcalendar.EventDateTime{Date: "2025-06-03"},
	})
	if !ev.AllDay {
		t.Error("date-only event should be all-day")
	}
}

func TestGcalCreateEvent_Validation(t *testing.T) {
	a := &GoogleCalendarAdapter{tokens: &userTokens{userID: "u1"}}
	ctx := context.Background()

	tests := []struct {
		name string
		ev   *domain.NewCalendarEvent
	}{
		{"nil", nil},
		{"no title", &domain.NewCalendarEvent{Start: time.Now()}},
		{"no start", &domain.NewCalendarEvent{Title: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.CreateEvent(ctx, tt.ev)
			var pe *out.ProviderError
			if !errors.As(err, &pe) || pe.Code != out.ProviderErrInvalidArgument {
				t.Errorf("err = %v, want invalid_argument", err)
			}
		})
	}
}

func TestParseGraphTime(t *testing.T) {
	tests := []struct {
		name string
		in   graphDateTimeZone
		want time.Time
	}{
		{
			"rfc3339",
			graphDateTimeZone{DateTime: "2025-06-02T10:00:00Z"},
			time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC),
		},
		{
			"naive with fraction",
			graphDateTimeZone{DateTime: "2025-06-02T10:00:00.0000000", TimeZone: "UTC"},
			time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC),
		},
		{
			"naive without fraction",
			graphDateTimeZone{DateTime: "2025-06-02T10:00:00"},
			time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC),
		},
		{"garbage", graphDateTimeZone{DateTime: "whenever"}, time.Time{}},
		{"empty", graphDateTimeZone{}, time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseGraphTime(tt.in); !got.Equal(tt.want) {
				t.Errorf("parseGraphTime(%q) = %v, want %v", tt.in.DateTime, got, tt.want)
			}
		})
	}
}

func TestOutlookConvertEvent(t *testing.T) {
	a := &OutlookCalendarAdapter{
		graph: &graphClient{
			tokens:   &userTokens{userID: "u1"},
			provider: domain.ProviderMicrosoftCalendar,
		},
	}

	ev := a.convertEvent(&graphEvent{
		ID:          "ev-9",
		Subject:     "Standup",
		BodyPreview: "Daily sync",
		Start:       graphDateTimeZone{DateTime: "2025-06-02T09:00:00.0000000", TimeZone: "UTC"},
		End:         graphDateTimeZone{DateTime: "2025-06-02T09:15:00.0000000", TimeZone: "UTC"},
		Location:    &graphLocation{DisplayName: "Teams"},
		Organizer: &graphRecipient{
			EmailAddress: graphEmailAddress{Address: "alice@example.com"},
		},
		Attendees: []graphAttendee{
			{EmailAddress: graphEmailAddress{Address: "bob@example.com"}},
		},
		WebLink: "https://outlook.example/ev-9",
	})

	if ev.UserID != "u1" || ev.Provider != domain.ProviderMicrosoftCalendar {
		t.Errorf("identity wrong: %+v", ev)
	}
	if ev.Title != "Standup" || ev.Description != "Daily sync" || ev.Location != "Teams" {
		t.Errorf("metadata wrong: %+v", ev)
	}
	if ev.Organizer != "alice@example.com" || len(ev.Attendees) != 1 {
		t.Errorf("participants wrong: %+v", ev)
	}
	if !ev.Start.Equal(time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("start = %v", ev.Start)
	}
	if !ev.End.Equal(time.Date(2025, 6, 2, 9, 15, 0, 0, time.UTC)) {
		t.Errorf("end = %v", ev.End)
	}
}

func TestOutlookConvertEvent_BodyFallback(t *testing.T) {
	a := &OutlookCalendarAdapter{
		graph: &graphClient{tokens: &userTokens{userID: "u1"}, provider: domain.ProviderMicrosoftCalendar},
	}

	ev := a.convertEvent(&graphEvent{
		ID:   "ev-10",
		Body: graphBody{ContentType: "text", Content: "full body text"},
	})
	if ev.Description != "full body text" {
		t.Errorf("description fallback = %q", ev.Description)
	}
}

func TestOutlookCreateEvent_Validation(t *testing.T) {
	a := &OutlookCalendarAdapter{
		graph: &graphClient{tokens: &userTokens{userID: "u1"}, provider: domain.ProviderMicrosoftCalendar},
	}

	_, err := a.CreateEvent(context.Background(), &domain.NewCalendarEvent{Title: "no start"})
	var pe *out.ProviderError
	if !errors.As(err, &pe) || pe.Code != out.ProviderErrInvalidArgument {
		t.Errorf("err = %v, want invalid_argument", err)
	}
}
