package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"eventgate/internal/joincode"
	"eventgate/internal/metrics"
	"eventgate/internal/queue"
)

// Options tunes a Service. Zero values get defaults.
type Options struct {
	RotationInterval time.Duration
	LockTimeout      time.Duration
	Cache            RotationCache
	Notify           queue.Publisher
	Logger           *slog.Logger
	Clock            func() time.Time
	// GenerateCode overrides joincode.Generate, for tests.
	GenerateCode func() (string, error)
}

// Service is the admission controller. It owns every mutation of event
// status, join code and participant count, serialized per event.
type Service struct {
	ledger       Ledger
	participants Participants
	locker       *Locker
	rotation     *Supervisor
	clock        func() time.Time
	log          *slog.Logger
}

// NewService creates a service backed by a ledger and a participant lookup.
func NewService(ledger Ledger, participants Participants, opts Options) *Service {
	if opts.RotationInterval <= 0 {
		opts.RotationInterval = 2 * time.Minute
	}
	if opts.Cache == nil {
		opts.Cache = NewMemoryRotationCache()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.GenerateCode == nil {
		opts.GenerateCode = joincode.Generate
	}
	locker := NewLocker(opts.LockTimeout)
	log := opts.Logger.With("component", "admission")
	return &Service{
		ledger:       ledger,
		participants: participants,
		locker:       locker,
		clock:        opts.Clock,
		log:          log,
		rotation: &Supervisor{
			ledger:   ledger,
			cache:    opts.Cache,
			locker:   locker,
			notify:   opts.Notify,
			interval: opts.RotationInterval,
			generate: opts.GenerateCode,
			log:      opts.Logger.With("component", "rotation"),
		},
	}
}

// ListEvents returns every event reconciled for now.
func (s *Service) ListEvents(ctx context.Context, now time.Time) ([]Event, error) {
	events, err := s.ledger.ListEvents(ctx)
	if err != nil {
		return nil, transient("list events", err)
	}
	return s.reconcileAll(ctx, events, now)
}

// GroupEvents returns the events of one group reconciled for now, by start
// time.
func (s *Service) GroupEvents(ctx context.Context, groupID string, now time.Time) ([]Event, error) {
	events, err := s.ledger.ListEventsByGroup(ctx, groupID)
	if err != nil {
		return nil, transient("list group events", err)
	}
	return s.reconcileAll(ctx, events, now)
}

func (s *Service) reconcileAll(ctx context.Context, events []Event, now time.Time) ([]Event, error) {
	for i := range events {
		ev, err := s.rotation.Reconcile(ctx, events[i], now)
		if errors.Is(err, ErrEventNotFound) {
			// deleted while listing
			events[i] = Event{}
			continue
		}
		if err != nil {
			return nil, err
		}
		events[i] = ev
	}
	return compactDeleted(events), nil
}

func compactDeleted(events []Event) []Event {
	out := events[:0]
	for _, ev := range events {
		if ev.ID != "" {
			out = append(out, ev)
		}
	}
	return out
}

// GetEvent returns one event reconciled for now.
func (s *Service) GetEvent(ctx context.Context, id string, now time.Time) (Event, error) {
	ev, err := s.ledger.GetEvent(ctx, id)
	if err != nil {
		return Event{}, transient("get event", err)
	}
	return s.rotation.Reconcile(ctx, ev, now)
}

// CreateEvent validates metadata and stores a new event with its first code.
func (s *Service) CreateEvent(ctx context.Context, in EventInput) (Event, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return Event{}, validation("event name is required")
	}
	if in.StartTime.IsZero() || in.EndTime.IsZero() {
		return Event{}, validation("start_time and end_time are required")
	}
	if !in.EndTime.After(in.StartTime) {
		return Event{}, validation("end_time must be after start_time")
	}
	if in.MaxParticipants != nil && *in.MaxParticipants <= 0 {
		return Event{}, validation("max_participants must be a positive integer")
	}
	switch in.Status {
	case "":
		in.Status = StatusClosed
	case StatusOpen, StatusClosed:
	default:
		return Event{}, validation("status must be OPEN or CLOSED")
	}

	id := uuid.NewString()
	code, err := s.rotation.freshCode(ctx, id, func(ctx context.Context, code string) (bool, error) {
		return s.ledger.CodeTaken(ctx, code, id)
	})
	if err != nil {
		return Event{}, transient("generate join code", err)
	}
	now := s.clock().UTC()
	ev := Event{
		ID:               id,
		Name:             in.Name,
		Description:      in.Description,
		EventType:        in.EventType,
		Status:           in.Status,
		StartTime:        in.StartTime.UTC(),
		EndTime:          in.EndTime.UTC(),
		MaxParticipants:  in.MaxParticipants,
		JoinCode:         code,
		JoinCodeIssuedAt: now,
		CreatedAt:        now,
	}
	// the window starts before the event becomes readable
	s.rotation.Touch(ctx, ev.ID, now)
	if err := s.ledger.InsertEvent(ctx, ev); err != nil {
		s.rotation.Forget(ctx, ev.ID)
		return Event{}, transient("insert event", err)
	}
	s.log.Info("event created", "event_id", ev.ID, "status", ev.Status)
	return ev, nil
}

// CloseEvent closes an event explicitly. Closing a closed event is a no-op.
func (s *Service) CloseEvent(ctx context.Context, id string) (Event, error) {
	return s.mutateEvent(ctx, id, func(ctx context.Context, tx EventTx, ev *Event) error {
		ev.Status = StatusClosed
		return nil
	})
}

// OpenEvent is the operator re-open: the event becomes OPEN with a fresh
// code and its rotation window restarts. Ended events cannot be reopened.
func (s *Service) OpenEvent(ctx context.Context, id string) (Event, error) {
	unlock, err := s.locker.Lock(ctx, id)
	if err != nil {
		return Event{}, err
	}
	defer unlock()

	now := s.clock().UTC()
	ev, err := s.mutateLocked(ctx, id, func(ctx context.Context, tx EventTx, ev *Event) error {
		if Expired(*ev, now) {
			return &Error{Code: CodeEventNotOpen, Message: "event has already ended"}
		}
		if ev.AtCapacity() {
			return ErrCapacityExceeded
		}
		code, err := s.rotation.freshCode(ctx, ev.ID, tx.CodeTaken)
		if err != nil {
			return err
		}
		if err := tx.RetireCode(ctx, ev.JoinCode); err != nil {
			return err
		}
		ev.Status = StatusOpen
		ev.JoinCode = code
		ev.JoinCodeIssuedAt = now
		return nil
	})
	if err != nil {
		return Event{}, err
	}
	// still under the event lock: a reader must not see the new code with
	// the old window
	s.rotation.Touch(ctx, ev.ID, now)
	return ev, nil
}

// mutateEvent runs fn on the locked event and saves the result.
func (s *Service) mutateEvent(ctx context.Context, id string, fn func(context.Context, EventTx, *Event) error) (Event, error) {
	unlock, err := s.locker.Lock(ctx, id)
	if err != nil {
		return Event{}, err
	}
	defer unlock()
	return s.mutateLocked(ctx, id, fn)
}

// mutateLocked is mutateEvent for callers already holding the event lock.
func (s *Service) mutateLocked(ctx context.Context, id string, fn func(context.Context, EventTx, *Event) error) (Event, error) {
	var before, after Event
	err := s.ledger.WithinEvent(ctx, id, func(tx EventTx) error {
		before = tx.Event()
		after = before
		if err := fn(ctx, tx, &after); err != nil {
			return err
		}
		return tx.SaveEvent(ctx, after)
	})
	if err != nil {
		return Event{}, transient("update event", err)
	}
	if before.Status != after.Status {
		metrics.StatusTransitions.WithLabelValues(string(before.Status), string(after.Status)).Inc()
		s.log.Info("event status changed", "event_id", id, "from", before.Status, "to", after.Status)
	}
	return after, nil
}

// DeleteEvent removes an event and its registrations.
func (s *Service) DeleteEvent(ctx context.Context, id string) error {
	unlock, err := s.locker.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.ledger.DeleteEvent(ctx, id); err != nil {
		return transient("delete event", err)
	}
	s.rotation.Forget(ctx, id)
	s.publish(ctx, queue.TypeEventDeleted, id)
	s.log.Info("event deleted", "event_id", id)
	return nil
}

// AssignGroup moves an event into groupID. The caller checks that the group
// exists.
func (s *Service) AssignGroup(ctx context.Context, eventID, groupID string) (Event, error) {
	if groupID == "" {
		return Event{}, validation("group id is required")
	}
	return s.mutateEvent(ctx, eventID, func(_ context.Context, _ EventTx, ev *Event) error {
		ev.GroupID = groupID
		return nil
	})
}

// Ungroup takes an event out of groupID. An event in another group, or in
// none, yields ErrNotInGroup.
func (s *Service) Ungroup(ctx context.Context, eventID, groupID string) (Event, error) {
	ev, err := s.mutateEvent(ctx, eventID, func(_ context.Context, _ EventTx, ev *Event) error {
		if ev.GroupID != groupID {
			return ErrNotInGroup
		}
		ev.GroupID = ""
		return nil
	})
	if errors.Is(err, ErrEventNotFound) {
		return Event{}, ErrNotInGroup
	}
	return ev, err
}

// Join admits participantID to the event currently holding code. Checks run
// in order: code, open status, participant, duplicate, capacity. A rejected
// join changes nothing.
func (s *Service) Join(ctx context.Context, code, participantID string, now time.Time) (Admission, error) {
	adm, err := s.join(ctx, joincode.Normalize(code), participantID, now)
	result := "admitted"
	if err != nil {
		result = string(CodeOf(err))
		if result == "" {
			result = string(CodeTransient)
		}
	}
	metrics.Admissions.WithLabelValues(result).Inc()
	return adm, err
}

func (s *Service) join(ctx context.Context, code, participantID string, now time.Time) (Admission, error) {
	if !joincode.Valid(code) {
		return Admission{}, ErrCodeNotFound
	}
	eventID, err := s.ledger.EventIDByCode(ctx, code)
	if err != nil {
		return Admission{}, transient("find event by code", err)
	}
	// fail fast without queueing on the lock
	seen, err := s.ledger.GetEvent(ctx, eventID)
	if errors.Is(err, ErrEventNotFound) {
		return Admission{}, ErrCodeNotFound
	}
	if err != nil {
		return Admission{}, transient("get event", err)
	}
	if NextStatus(seen, now) != StatusOpen {
		return Admission{}, ErrEventNotOpen
	}
	ok, err := s.participants.Exists(ctx, participantID)
	if err != nil {
		return Admission{}, transient("participant lookup", err)
	}
	if !ok {
		return Admission{}, ErrParticipantNotFound
	}

	unlock, err := s.locker.Lock(ctx, eventID)
	if err != nil {
		return Admission{}, err
	}
	defer unlock()

	var adm Admission
	err = s.ledger.WithinEvent(ctx, eventID, func(tx EventTx) error {
		ev := tx.Event()
		// rotated between lookup and lock
		if ev.JoinCode != code {
			return ErrCodeNotFound
		}
		switch next := NextStatus(ev, now); {
		case next == StatusFull:
			// the last seat went to a caller that held the lock before us
			return ErrCapacityExceeded
		case next != StatusOpen:
			return ErrEventNotOpen
		}

		dup, err := tx.HasRegistration(ctx, participantID)
		if err != nil {
			return fmt.Errorf("duplicate check: %w", err)
		}
		if dup {
			return ErrAlreadyRegistered
		}

		reg := Registration{
			ID:            uuid.NewString(),
			EventID:       ev.ID,
			ParticipantID: participantID,
			ConfirmedAt:   now.UTC(),
			Status:        Present,
		}
		if err := tx.InsertRegistration(ctx, reg); err != nil {
			return err
		}
		ev.CurrentParticipants++
		if ev.AtCapacity() {
			ev.Status = StatusFull
		}
		if err := tx.SaveEvent(ctx, ev); err != nil {
			return fmt.Errorf("save event: %w", err)
		}
		adm = Admission{Registration: reg, Event: ev}
		return nil
	})
	if errors.Is(err, ErrEventNotFound) {
		// deleted between lookup and lock
		return Admission{}, ErrCodeNotFound
	}
	if err != nil {
		return Admission{}, transient("admit participant", err)
	}

	if adm.Event.Status == StatusFull {
		metrics.StatusTransitions.WithLabelValues(string(StatusOpen), string(StatusFull)).Inc()
		s.log.Info("event is full", "event_id", adm.Event.ID, "participants", adm.Event.CurrentParticipants)
	}
	s.publish(ctx, queue.TypeRegistrationCreated, adm.Event.ID)
	return adm, nil
}

// RemoveRegistration deletes a registration and frees its seat. A FULL event
// that has not ended goes back to OPEN.
func (s *Service) RemoveRegistration(ctx context.Context, registrationID string) (Event, error) {
	reg, err := s.ledger.GetRegistration(ctx, registrationID)
	if err != nil {
		return Event{}, transient("get registration", err)
	}
	now := s.clock()
	ev, err := s.mutateEvent(ctx, reg.EventID, func(ctx context.Context, tx EventTx, ev *Event) error {
		if err := tx.DeleteRegistration(ctx, reg.ID); err != nil {
			return err
		}
		if ev.CurrentParticipants > 0 {
			ev.CurrentParticipants--
		}
		switch {
		case ev.Status != StatusClosed && Expired(*ev, now):
			ev.Status = StatusClosed
		case ev.Status == StatusFull && !ev.AtCapacity():
			ev.Status = StatusOpen
		}
		return nil
	})
	if err != nil {
		return Event{}, err
	}
	s.publish(ctx, queue.TypeRegistrationRemoved, ev.ID)
	return ev, nil
}

// Recount recomputes the participant counter from the registrations and
// repairs it when it drifted. It reports whether a repair happened.
func (s *Service) Recount(ctx context.Context, eventID string) (Event, bool, error) {
	now := s.clock()
	repaired := false
	ev, err := s.mutateEvent(ctx, eventID, func(ctx context.Context, tx EventTx, ev *Event) error {
		n, err := tx.CountRegistrations(ctx)
		if err != nil {
			return err
		}
		if n == ev.CurrentParticipants {
			return nil
		}
		s.log.Warn("participant counter drifted", "event_id", ev.ID, "stored", ev.CurrentParticipants, "actual", n)
		ev.CurrentParticipants = n
		repaired = true
		switch {
		case ev.Status == StatusOpen && ev.AtCapacity():
			ev.Status = StatusFull
		case ev.Status == StatusFull && !ev.AtCapacity() && !Expired(*ev, now):
			ev.Status = StatusOpen
		}
		return nil
	})
	return ev, repaired, err
}

// Sweep reconciles every event, continuing past per-event failures.
func (s *Service) Sweep(ctx context.Context, now time.Time) error {
	events, err := s.ledger.ListEvents(ctx)
	if err != nil {
		return transient("list events", err)
	}
	var errs []error
	for _, ev := range events {
		if _, err := s.rotation.Reconcile(ctx, ev, now); err != nil && !errors.Is(err, ErrEventNotFound) {
			errs = append(errs, fmt.Errorf("event %s: %w", ev.ID, err))
		}
	}
	return errors.Join(errs...)
}

// ListRegistrations returns the roster of one event.
func (s *Service) ListRegistrations(ctx context.Context, eventID string) ([]Registration, error) {
	if _, err := s.ledger.GetEvent(ctx, eventID); err != nil {
		return nil, transient("get event", err)
	}
	regs, err := s.ledger.ListRegistrations(ctx, eventID)
	if err != nil {
		return nil, transient("list registrations", err)
	}
	return regs, nil
}

// ParticipantHistory lists a participant's registrations with event details.
func (s *Service) ParticipantHistory(ctx context.Context, participantID string) ([]HistoryEntry, error) {
	regs, err := s.ledger.ListRegistrationsByParticipant(ctx, participantID)
	if err != nil {
		return nil, transient("list registrations", err)
	}
	events := make(map[string]Event)
	out := make([]HistoryEntry, 0, len(regs))
	for _, reg := range regs {
		ev, ok := events[reg.EventID]
		if !ok {
			ev, err = s.ledger.GetEvent(ctx, reg.EventID)
			if errors.Is(err, ErrEventNotFound) {
				continue
			}
			if err != nil {
				return nil, transient("get event", err)
			}
			events[reg.EventID] = ev
		}
		out = append(out, HistoryEntry{
			Registration: reg,
			EventName:    ev.Name,
			EventType:    ev.EventType,
			StartTime:    ev.StartTime,
			EventState:   ev.Status,
		})
	}
	return out, nil
}

// SetAttendanceStatus records the roster outcome of a registration.
func (s *Service) SetAttendanceStatus(ctx context.Context, registrationID string, status AttendanceStatus) (Registration, error) {
	if !status.Valid() {
		return Registration{}, validation("status must be PRESENT, ABSENT or LATE")
	}
	if err := s.ledger.SetRegistrationStatus(ctx, registrationID, status); err != nil {
		return Registration{}, transient("set attendance status", err)
	}
	reg, err := s.ledger.GetRegistration(ctx, registrationID)
	if err != nil {
		return Registration{}, transient("get registration", err)
	}
	return reg, nil
}

func (s *Service) publish(ctx context.Context, typ, eventID string) {
	s.rotation.publish(ctx, typ, eventID)
}
