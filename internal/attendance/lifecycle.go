package attendance

import "time"

// Expired reports whether the event's end time has passed.
func Expired(ev Event, now time.Time) bool {
	return now.After(ev.EndTime)
}

// NextStatus returns the status ev should have at now. Expiry is checked
// before anything else and CLOSED never changes. Calling it on an
// already-reconciled event returns its current status.
func NextStatus(ev Event, now time.Time) Status {
	if ev.Status == StatusClosed {
		return StatusClosed
	}
	if Expired(ev, now) {
		return StatusClosed
	}
	if ev.Status == StatusOpen && ev.AtCapacity() {
		return StatusFull
	}
	return ev.Status
}

// RotationDue reports whether the join code of an OPEN event must be replaced.
// lastRotation is the cached rotation instant; known is false on a cache miss,
// which counts as due.
func RotationDue(ev Event, lastRotation time.Time, known bool, now time.Time, interval time.Duration) bool {
	if ev.Status != StatusOpen {
		return false
	}
	if !known {
		return true
	}
	return now.Sub(lastRotation) >= interval
}
