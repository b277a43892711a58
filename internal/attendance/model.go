package attendance

import (
	"time"
)

// Status is the admission lifecycle state of an event.
type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
	StatusFull   Status = "FULL"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusClosed, StatusFull:
		return true
	}
	return false
}

// AttendanceStatus is the roster outcome of a registration. It does not
// affect admission.
type AttendanceStatus string

const (
	Present AttendanceStatus = "PRESENT"
	Absent  AttendanceStatus = "ABSENT"
	Late    AttendanceStatus = "LATE"
)

// Valid reports whether s is a known attendance status.
func (s AttendanceStatus) Valid() bool {
	switch s {
	case Present, Absent, Late:
		return true
	}
	return false
}

// Event is a scheduled session participants join with its current code.
// GroupID is empty for events outside any group.
type Event struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Description         string    `json:"description"`
	EventType           string    `json:"event_type"`
	Status              Status    `json:"status"`
	StartTime           time.Time `json:"start_time"`
	EndTime             time.Time `json:"end_time"`
	MaxParticipants     *int      `json:"max_participants,omitempty"`
	CurrentParticipants int       `json:"current_participants"`
	JoinCode            string    `json:"join_code"`
	JoinCodeIssuedAt    time.Time `json:"join_code_issued_at"`
	GroupID             string    `json:"group_id,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// AtCapacity returns true when a capacity is set and has been reached.
func (e *Event) AtCapacity() bool {
	return e.MaxParticipants != nil && e.CurrentParticipants >= *e.MaxParticipants
}

// Remaining returns the number of free seats, or -1 when unbounded.
func (e *Event) Remaining() int {
	if e.MaxParticipants == nil {
		return -1
	}
	if left := *e.MaxParticipants - e.CurrentParticipants; left > 0 {
		return left
	}
	return 0
}

// Registration records one participant's admission to one event.
type Registration struct {
	ID            string           `json:"id"`
	EventID       string           `json:"event_id"`
	ParticipantID string           `json:"participant_id"`
	ConfirmedAt   time.Time        `json:"confirmed_at"`
	Status        AttendanceStatus `json:"status"`
}

// EventInput is the caller-supplied metadata for a new event.
type EventInput struct {
	Name            string
	Description     string
	EventType       string
	StartTime       time.Time
	EndTime         time.Time
	MaxParticipants *int
	// Status is the starting state; only OPEN and CLOSED are accepted.
	// Empty means CLOSED.
	Status Status
}

// Admission is the result of a successful join.
type Admission struct {
	Registration Registration `json:"registration"`
	Event        Event        `json:"event"`
}

// HistoryEntry pairs a registration with the event it belongs to.
type HistoryEntry struct {
	Registration
	EventName  string    `json:"event_name"`
	EventType  string    `json:"event_type"`
	StartTime  time.Time `json:"start_time"`
	EventState Status    `json:"event_status"`
}
