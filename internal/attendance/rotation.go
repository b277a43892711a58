package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"eventgate/internal/metrics"
	"eventgate/internal/queue"
)

const maxCodeAttempts = 5

// Supervisor applies time-based status transitions and join code rotation
// to events as they are read. It shares the per-event Locker with admission.
type Supervisor struct {
	ledger   Ledger
	cache    RotationCache
	locker   *Locker
	notify   queue.Publisher
	interval time.Duration
	generate func() (string, error)
	log      *slog.Logger
}

// Reconcile brings ev up to date for now: closes it if it ended, rotates its
// code if the rotation window elapsed. Redundant calls are no-ops. On failure
// the previously persisted code stays valid.
func (s *Supervisor) Reconcile(ctx context.Context, ev Event, now time.Time) (Event, error) {
	if !s.needsWork(ctx, ev, now) {
		return ev, nil
	}

	unlock, err := s.locker.Lock(ctx, ev.ID)
	if err != nil {
		return ev, err
	}
	defer unlock()

	var (
		result  Event
		rotated bool
	)
	err = s.ledger.WithinEvent(ctx, ev.ID, func(tx EventTx) error {
		cur := tx.Event()
		dirty := false

		if next := NextStatus(cur, now); next != cur.Status {
			s.logTransition(cur, next)
			cur.Status = next
			dirty = true
		}

		// re-check under the lock: a concurrent reader may have rotated already
		last, known := s.lastRotation(ctx, cur)
		if RotationDue(cur, last, known, now, s.interval) {
			code, err := s.freshCode(ctx, cur.ID, tx.CodeTaken)
			if err != nil {
				return err
			}
			if err := tx.RetireCode(ctx, cur.JoinCode); err != nil {
				return err
			}
			cur.JoinCode = code
			cur.JoinCodeIssuedAt = now.UTC()
			rotated = true
			dirty = true
		}

		if dirty {
			if err := tx.SaveEvent(ctx, cur); err != nil {
				return fmt.Errorf("save event: %w", err)
			}
		}
		result = cur
		return nil
	})
	if err != nil {
		if rotated {
			metrics.Rotations.WithLabelValues("failed").Inc()
		}
		if errors.Is(err, ErrEventNotFound) {
			return ev, err
		}
		s.log.Warn("reconcile failed, keeping previous code", "event_id", ev.ID, "error", err)
		return ev, transient("reconcile event", err)
	}

	if result.Status != ev.Status {
		metrics.StatusTransitions.WithLabelValues(string(ev.Status), string(result.Status)).Inc()
	}
	if rotated {
		metrics.Rotations.WithLabelValues("ok").Inc()
		if err := s.cache.Set(ctx, result.ID, result.JoinCodeIssuedAt); err != nil {
			s.log.Warn("rotation cache write failed", "event_id", result.ID, "error", err)
		}
		s.publish(ctx, queue.TypeCodeRotated, result.ID)
		s.log.Debug("join code rotated", "event_id", result.ID)
	}
	return result, nil
}

// Touch records that ev's code was issued at, resetting its rotation window.
func (s *Supervisor) Touch(ctx context.Context, eventID string, at time.Time) {
	if err := s.cache.Set(ctx, eventID, at); err != nil {
		s.log.Warn("rotation cache write failed", "event_id", eventID, "error", err)
	}
}

// Forget drops cached state for a deleted event.
func (s *Supervisor) Forget(ctx context.Context, eventID string) {
	if err := s.cache.Delete(ctx, eventID); err != nil {
		s.log.Warn("rotation cache delete failed", "event_id", eventID, "error", err)
	}
}

func (s *Supervisor) needsWork(ctx context.Context, ev Event, now time.Time) bool {
	if NextStatus(ev, now) != ev.Status {
		return true
	}
	last, known := s.lastRotation(ctx, ev)
	return RotationDue(ev, last, known, now, s.interval)
}

// lastRotation reads the cache. A broken cache falls back to the persisted
// issue time rather than rotating on every read.
func (s *Supervisor) lastRotation(ctx context.Context, ev Event) (time.Time, bool) {
	at, ok, err := s.cache.Get(ctx, ev.ID)
	if err != nil {
		s.log.Warn("rotation cache read failed", "event_id", ev.ID, "error", err)
		return ev.JoinCodeIssuedAt, true
	}
	return at, ok
}

// codeCheck reports whether a candidate code is unavailable.
type codeCheck func(ctx context.Context, code string) (bool, error)

// freshCode generates a code no event currently holds and eventID never held.
// Inside WithinEvent, taken must be the transaction's CodeTaken.
func (s *Supervisor) freshCode(ctx context.Context, eventID string, taken codeCheck) (string, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := s.generate()
		if err != nil {
			return "", err
		}
		used, err := taken(ctx, code)
		if err != nil {
			return "", fmt.Errorf("check code: %w", err)
		}
		if !used {
			return code, nil
		}
		s.log.Debug("join code collision, retrying", "event_id", eventID, "attempt", attempt+1)
	}
	return "", fmt.Errorf("no unique join code after %d attempts", maxCodeAttempts)
}

func (s *Supervisor) logTransition(ev Event, next Status) {
	s.log.Info("event status changed", "event_id", ev.ID, "from", ev.Status, "to", next)
}

func (s *Supervisor) publish(ctx context.Context, typ, eventID string) {
	if s.notify == nil {
		return
	}
	if err := s.notify.Publish(ctx, queue.Message{Type: typ, Body: []byte(eventID)}); err != nil {
		s.log.Warn("queue publish failed", "type", typ, "event_id", eventID, "error", err)
	}
}
