// Package group bundles events into named series, such as every lab of a
// course, for listing and combined roster export.
package group

import (
	"errors"
	"time"

	"eventgate/internal/attendance"
)

var (
	ErrNotFound     = errors.New("group not found")
	ErrInvalidInput = errors.New("invalid group input")
)

// Group is a named set of events. Events is filled on reads.
type Group struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Description string             `json:"description"`
	CreatedAt   time.Time          `json:"created_at"`
	Events      []attendance.Event `json:"events"`
}
