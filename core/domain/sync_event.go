package domain

import "time"

// =============================================================================
// Calendar events
// =============================================================================

// CalendarEvent is the normalized event shape for both calendar
// providers. Events flow through the tool surface only; they are never
// persisted or indexed.
type CalendarEvent struct {
	UserID   string   `json:"user_id"`
	Provider Provider `json:"provider"`

	EventID     string `json:"event_id"`
	CalendarID  string `json:"calendar_id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`

	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	AllDay bool      `json:"all_day,omitempty"`

	Organizer string   `json:"organizer,omitempty"`
	Attendees []string `json:"attendees,omitempty"`

	WebLink string `json:"web_link,omitempty"`
}

// NewCalendarEvent is the creation payload for CreateEvent.
type NewCalendarEvent struct {
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Attendees   []string  `json:"attendees,omitempty"`
}
