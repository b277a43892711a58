package attendance

import (
	"context"
	"sort"
	"sync"
)

// MemoryLedger is a process-local Ledger for dev/testing.
type MemoryLedger struct {
	mu       sync.RWMutex
	events   map[string]Event
	regs     map[string]Registration
	byPair   map[pairKey]string
	retired  map[string]map[string]struct{}
	rowLocks map[string]*sync.Mutex
}

type pairKey struct {
	eventID       string
	participantID string
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		events:   make(map[string]Event),
		regs:     make(map[string]Registration),
		byPair:   make(map[pairKey]string),
		retired:  make(map[string]map[string]struct{}),
		rowLocks: make(map[string]*sync.Mutex),
	}
}

// InsertEvent stores a new event.
func (m *MemoryLedger) InsertEvent(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[ev.ID]; ok {
		return validation("event %s already exists", ev.ID)
	}
	m.events[ev.ID] = ev
	return nil
}

// GetEvent returns one event.
func (m *MemoryLedger) GetEvent(_ context.Context, id string) (Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.events[id]
	if !ok {
		return Event{}, ErrEventNotFound
	}
	return ev, nil
}

// ListEvents returns all events, newest first.
func (m *MemoryLedger) ListEvents(_ context.Context) ([]Event, error) {
	m.mu.RLock()
	out := make([]Event, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// ListEventsByGroup returns a group's events by start time.
func (m *MemoryLedger) ListEventsByGroup(_ context.Context, groupID string) ([]Event, error) {
	m.mu.RLock()
	var out []Event
	for _, ev := range m.events {
		if ev.GroupID == groupID {
			out = append(out, ev)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out, nil
}

// DeleteEvent removes an event together with its registrations.
func (m *MemoryLedger) DeleteEvent(_ context.Context, id string) error {
	row, err := m.rowLock(id)
	if err != nil {
		return err
	}
	row.Lock()
	defer row.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[id]; !ok {
		return ErrEventNotFound
	}
	delete(m.events, id)
	delete(m.retired, id)
	// waiters still holding the old mutex find the event gone
	delete(m.rowLocks, id)
	for regID, reg := range m.regs {
		if reg.EventID == id {
			delete(m.regs, regID)
			delete(m.byPair, pairKey{reg.EventID, reg.ParticipantID})
		}
	}
	return nil
}

// EventIDByCode finds the event holding code.
func (m *MemoryLedger) EventIDByCode(_ context.Context, code string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	found := ""
	for _, ev := range m.events {
		if ev.JoinCode != code {
			continue
		}
		if ev.Status == StatusOpen {
			return ev.ID, nil
		}
		found = ev.ID
	}
	if found == "" {
		return "", ErrCodeNotFound
	}
	return found, nil
}

// CodeTaken reports whether code is in use or was used by eventID.
func (m *MemoryLedger) CodeTaken(_ context.Context, code, eventID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ev := range m.events {
		if ev.JoinCode == code {
			return true, nil
		}
	}
	_, used := m.retired[eventID][code]
	return used, nil
}

// GetRegistration returns one registration.
func (m *MemoryLedger) GetRegistration(_ context.Context, id string) (Registration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reg, ok := m.regs[id]
	if !ok {
		return Registration{}, ErrRegistrationNotFound
	}
	return reg, nil
}

// ListRegistrations returns an event's registrations in admission order.
func (m *MemoryLedger) ListRegistrations(_ context.Context, eventID string) ([]Registration, error) {
	return m.filterRegs(func(r Registration) bool { return r.EventID == eventID }, false), nil
}

// ListRegistrationsByParticipant returns a participant's registrations, newest first.
func (m *MemoryLedger) ListRegistrationsByParticipant(_ context.Context, participantID string) ([]Registration, error) {
	return m.filterRegs(func(r Registration) bool { return r.ParticipantID == participantID }, true), nil
}

func (m *MemoryLedger) filterRegs(keep func(Registration) bool, newestFirst bool) []Registration {
	m.mu.RLock()
	var out []Registration
	for _, reg := range m.regs {
		if keep(reg) {
			out = append(out, reg)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConfirmedAt.Equal(out[j].ConfirmedAt) {
			return out[i].ID < out[j].ID
		}
		if newestFirst {
			return out[i].ConfirmedAt.After(out[j].ConfirmedAt)
		}
		return out[i].ConfirmedAt.Before(out[j].ConfirmedAt)
	})
	return out
}

// SetRegistrationStatus updates the attendance outcome of a registration.
func (m *MemoryLedger) SetRegistrationStatus(_ context.Context, id string, status AttendanceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.regs[id]
	if !ok {
		return ErrRegistrationNotFound
	}
	reg.Status = status
	m.regs[id] = reg
	return nil
}

// WithinEvent serializes fn against other transactions on the same event and
// applies its staged writes atomically.
func (m *MemoryLedger) WithinEvent(ctx context.Context, eventID string, fn func(tx EventTx) error) error {
	row, err := m.rowLock(eventID)
	if err != nil {
		return err
	}
	row.Lock()
	defer row.Unlock()

	ev, err := m.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	tx := &memoryTx{ledger: m, event: ev, deleted: make(map[string]struct{})}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

// rowLock returns the mutex of an existing event. Unknown ids get none, so
// the map only ever holds live events.
func (m *MemoryLedger) rowLock(eventID string) (*sync.Mutex, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[eventID]; !ok {
		return nil, ErrEventNotFound
	}
	l, ok := m.rowLocks[eventID]
	if !ok {
		l = &sync.Mutex{}
		m.rowLocks[eventID] = l
	}
	return l, nil
}

func (m *MemoryLedger) lockCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rowLocks)
}

type memoryTx struct {
	ledger   *MemoryLedger
	event    Event
	saved    *Event
	inserted []Registration
	deleted  map[string]struct{}
	retired  []string
}

func (t *memoryTx) Event() Event { return t.event }

func (t *memoryTx) SaveEvent(_ context.Context, ev Event) error {
	ev.ID = t.event.ID
	t.saved = &ev
	return nil
}

func (t *memoryTx) HasRegistration(_ context.Context, participantID string) (bool, error) {
	for _, reg := range t.inserted {
		if reg.ParticipantID == participantID {
			return true, nil
		}
	}
	t.ledger.mu.RLock()
	defer t.ledger.mu.RUnlock()
	id, ok := t.ledger.byPair[pairKey{t.event.ID, participantID}]
	if !ok {
		return false, nil
	}
	_, gone := t.deleted[id]
	return !gone, nil
}

func (t *memoryTx) CountRegistrations(_ context.Context) (int, error) {
	t.ledger.mu.RLock()
	defer t.ledger.mu.RUnlock()
	n := len(t.inserted)
	for id, reg := range t.ledger.regs {
		if reg.EventID != t.event.ID {
			continue
		}
		if _, gone := t.deleted[id]; !gone {
			n++
		}
	}
	return n, nil
}

func (t *memoryTx) InsertRegistration(ctx context.Context, reg Registration) error {
	dup, err := t.HasRegistration(ctx, reg.ParticipantID)
	if err != nil {
		return err
	}
	if dup {
		return ErrAlreadyRegistered
	}
	reg.EventID = t.event.ID
	t.inserted = append(t.inserted, reg)
	return nil
}

func (t *memoryTx) DeleteRegistration(_ context.Context, id string) error {
	if _, gone := t.deleted[id]; gone {
		return ErrRegistrationNotFound
	}
	t.ledger.mu.RLock()
	reg, ok := t.ledger.regs[id]
	t.ledger.mu.RUnlock()
	if !ok || reg.EventID != t.event.ID {
		return ErrRegistrationNotFound
	}
	t.deleted[id] = struct{}{}
	return nil
}

func (t *memoryTx) RetireCode(_ context.Context, code string) error {
	t.retired = append(t.retired, code)
	return nil
}

func (t *memoryTx) CodeTaken(ctx context.Context, code string) (bool, error) {
	for _, c := range t.retired {
		if c == code {
			return true, nil
		}
	}
	return t.ledger.CodeTaken(ctx, code, t.event.ID)
}

func (t *memoryTx) commit() error {
	m := t.ledger
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[t.event.ID]; !ok {
		return ErrEventNotFound
	}
	if t.saved != nil {
		m.events[t.event.ID] = *t.saved
	}
	for id := range t.deleted {
		reg := m.regs[id]
		delete(m.regs, id)
		delete(m.byPair, pairKey{reg.EventID, reg.ParticipantID})
	}
	for _, reg := range t.inserted {
		m.regs[reg.ID] = reg
		m.byPair[pairKey{reg.EventID, reg.ParticipantID}] = reg.ID
	}
	if len(t.retired) > 0 {
		codes, ok := m.retired[t.event.ID]
		if !ok {
			codes = make(map[string]struct{})
			m.retired[t.event.ID] = codes
		}
		for _, code := range t.retired {
			codes[code] = struct{}{}
		}
	}
	return nil
}
