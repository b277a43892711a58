package group

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"eventgate/internal/attendance"
)

// Events is the part of the admission service groups rely on. Membership
// changes go through it so they serialize with admissions.
type Events interface {
	ListEvents(ctx context.Context, now time.Time) ([]attendance.Event, error)
	GroupEvents(ctx context.Context, groupID string, now time.Time) ([]attendance.Event, error)
	GetEvent(ctx context.Context, id string, now time.Time) (attendance.Event, error)
	AssignGroup(ctx context.Context, eventID, groupID string) (attendance.Event, error)
	Ungroup(ctx context.Context, eventID, groupID string) (attendance.Event, error)
	ExportGroupRoster(ctx context.Context, w io.Writer, groupID, groupName string, dir attendance.Directory) error
}

// Service manages event groups.
type Service struct {
	store  Store
	events Events
	clock  func() time.Time
	log    *slog.Logger
}

// NewService builds a group service. A nil clock means time.Now.
func NewService(store Store, events Events, clock func() time.Time, log *slog.Logger) *Service {
	if clock == nil {
		clock = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, events: events, clock: clock, log: log.With("component", "groups")}
}

// Create stores a new, empty group.
func (s *Service) Create(ctx context.Context, name, description string) (Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Group{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	g := Group{
		ID:          uuid.NewString(),
		Name:        name,
		Description: strings.TrimSpace(description),
		CreatedAt:   s.clock().UTC(),
		Events:      []attendance.Event{},
	}
	if err := s.store.Insert(ctx, g); err != nil {
		return Group{}, err
	}
	s.log.Info("group created", "group_id", g.ID)
	return g, nil
}

// Get returns a group with its events by start time.
func (s *Service) Get(ctx context.Context, id string) (Group, error) {
	g, err := s.store.Get(ctx, id)
	if err != nil {
		return Group{}, err
	}
	events, err := s.events.GroupEvents(ctx, id, s.clock())
	if err != nil {
		return Group{}, err
	}
	g.Events = nonNil(events)
	return g, nil
}

// List returns every group, newest first, each with its events.
func (s *Service) List(ctx context.Context) ([]Group, error) {
	groups, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	events, err := s.events.ListEvents(ctx, s.clock())
	if err != nil {
		return nil, err
	}
	members := make(map[string][]attendance.Event)
	for _, ev := range events {
		if ev.GroupID != "" {
			members[ev.GroupID] = append(members[ev.GroupID], ev)
		}
	}
	for i := range groups {
		evs := members[groups[i].ID]
		sort.Slice(evs, func(a, b int) bool { return evs[a].StartTime.Before(evs[b].StartTime) })
		groups[i].Events = nonNil(evs)
	}
	if groups == nil {
		groups = []Group{}
	}
	return groups, nil
}

// AddEvents moves eventIDs into the group. Every id is checked before any
// event moves; an event already in another group is moved over.
func (s *Service) AddEvents(ctx context.Context, id string, eventIDs []string) (Group, error) {
	if len(eventIDs) == 0 {
		return Group{}, fmt.Errorf("%w: event_ids must not be empty", ErrInvalidInput)
	}
	if _, err := s.store.Get(ctx, id); err != nil {
		return Group{}, err
	}
	now := s.clock()
	seen := make(map[string]bool, len(eventIDs))
	var unique []string
	for _, eventID := range eventIDs {
		if seen[eventID] {
			continue
		}
		seen[eventID] = true
		if _, err := s.events.GetEvent(ctx, eventID, now); err != nil {
			return Group{}, err
		}
		unique = append(unique, eventID)
	}
	for _, eventID := range unique {
		if _, err := s.events.AssignGroup(ctx, eventID, id); err != nil {
			return Group{}, err
		}
	}
	s.log.Info("events added to group", "group_id", id, "count", len(unique))
	return s.Get(ctx, id)
}

// RemoveEvent takes one event out of the group.
func (s *Service) RemoveEvent(ctx context.Context, id, eventID string) error {
	if _, err := s.store.Get(ctx, id); err != nil {
		return err
	}
	_, err := s.events.Ungroup(ctx, eventID, id)
	return err
}

// Delete removes the group. Its events stay, ungrouped.
func (s *Service) Delete(ctx context.Context, id string) error {
	events, err := s.events.GroupEvents(ctx, id, s.clock())
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	for _, ev := range events {
		if _, err := s.events.Ungroup(ctx, ev.ID, id); err != nil && !errors.Is(err, attendance.ErrNotInGroup) {
			return err
		}
	}
	s.log.Info("group deleted", "group_id", id, "events_released", len(events))
	return nil
}

// ExportRoster writes the combined roster of the group's events as CSV.
func (s *Service) ExportRoster(ctx context.Context, w io.Writer, id string, dir attendance.Directory) error {
	g, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.events.ExportGroupRoster(ctx, w, g.ID, g.Name, dir)
}

func nonNil(events []attendance.Event) []attendance.Event {
	if events == nil {
		return []attendance.Event{}
	}
	return events
}
