package attendance

import (
	"context"
)

// Ledger is the persistent store of events and registrations. It applies no
// business rules. Implementations return ErrEventNotFound,
// ErrRegistrationNotFound, ErrCodeNotFound and ErrAlreadyRegistered for the
// matching conditions; every other error is treated as transient.
type Ledger interface {
	InsertEvent(ctx context.Context, ev Event) error
	GetEvent(ctx context.Context, id string) (Event, error)
	ListEvents(ctx context.Context) ([]Event, error)
	// ListEventsByGroup returns a group's events by start time.
	ListEventsByGroup(ctx context.Context, groupID string) ([]Event, error)
	DeleteEvent(ctx context.Context, id string) error

	// EventIDByCode finds the event currently holding code.
	EventIDByCode(ctx context.Context, code string) (string, error)
	// CodeTaken reports whether code is held by any event right now, or was
	// ever held by eventID.
	CodeTaken(ctx context.Context, code, eventID string) (bool, error)

	GetRegistration(ctx context.Context, id string) (Registration, error)
	ListRegistrations(ctx context.Context, eventID string) ([]Registration, error)
	ListRegistrationsByParticipant(ctx context.Context, participantID string) ([]Registration, error)
	SetRegistrationStatus(ctx context.Context, id string, status AttendanceStatus) error

	// WithinEvent runs fn with exclusive access to one event row. Writes made
	// through tx become visible together when fn returns nil and are
	// discarded otherwise.
	WithinEvent(ctx context.Context, eventID string, fn func(tx EventTx) error) error
}

// EventTx is the per-event read-modify-write view handed to WithinEvent.
type EventTx interface {
	// Event returns the locked row as of the start of the transaction.
	Event() Event
	SaveEvent(ctx context.Context, ev Event) error
	HasRegistration(ctx context.Context, participantID string) (bool, error)
	CountRegistrations(ctx context.Context) (int, error)
	InsertRegistration(ctx context.Context, reg Registration) error
	DeleteRegistration(ctx context.Context, id string) error
	// RetireCode remembers a code this event held so it is never reissued to it.
	RetireCode(ctx context.Context, code string) error
	// CodeTaken is Ledger.CodeTaken for this event, answered inside the
	// transaction without a second connection.
	CodeTaken(ctx context.Context, code string) (bool, error)
}

// Participants answers whether a participant id is known. It is consulted
// before the event is locked.
type Participants interface {
	Exists(ctx context.Context, id string) (bool, error)
}
