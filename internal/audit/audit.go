// Package audit consumes admission notifications and keeps event counters
// honest by recounting registrations after every change.
package audit

import (
	"context"
	"errors"
	"log/slog"

	"eventgate/internal/attendance"
	"eventgate/internal/queue"
)

// Recounter is the part of the admission service the auditor drives.
type Recounter interface {
	Recount(ctx context.Context, eventID string) (attendance.Event, bool, error)
}

// Auditor processes queue messages one at a time.
type Auditor struct {
	events Recounter
	log    *slog.Logger
}

func New(events Recounter, log *slog.Logger) *Auditor {
	if log == nil {
		log = slog.Default()
	}
	return &Auditor{events: events, log: log.With("component", "audit")}
}

// Run consumes q until ctx is cancelled or the queue closes.
func (a *Auditor) Run(ctx context.Context, q queue.Queue) error {
	messages, err := q.Consume(ctx)
	if err != nil {
		return err
	}
	a.log.Info("auditor started")
	for msg := range messages {
		a.Handle(ctx, msg)
	}
	a.log.Info("auditor stopped")
	return nil
}

// Handle processes a single message. Failures are logged, never returned.
func (a *Auditor) Handle(ctx context.Context, msg queue.Message) {
	eventID := string(msg.Body)
	switch msg.Type {
	case queue.TypeRegistrationCreated, queue.TypeRegistrationRemoved:
		ev, repaired, err := a.events.Recount(ctx, eventID)
		switch {
		case errors.Is(err, attendance.ErrEventNotFound):
			a.log.Debug("event gone before audit", "event_id", eventID)
		case err != nil:
			a.log.Error("recount failed", "event_id", eventID, "type", msg.Type, "error", err)
		case repaired:
			a.log.Warn("participant counter repaired", "event_id", eventID, "participants", ev.CurrentParticipants, "status", ev.Status)
		default:
			a.log.Debug("counter verified", "event_id", eventID, "participants", ev.CurrentParticipants)
		}
	case queue.TypeCodeRotated, queue.TypeEventDeleted:
		a.log.Debug("notification", "type", msg.Type, "event_id", eventID)
	default:
		a.log.Warn("unknown message type", "type", msg.Type)
	}
}
