package participant

import (
	"errors"
	"regexp"
	"time"
)

// Role controls which administrative routes a participant may use.
type Role string

const (
	RoleStudent   Role = "STUDENT"
	RoleProfessor Role = "PROFESSOR"
	RoleAdmin     Role = "ADMIN"
)

// Participant is a registered identity that can join events.
type Participant struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	Role         Role      `json:"role"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

var (
	ErrNotFound           = errors.New("participant not found")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidInput       = errors.New("name, email and password are required")
)

var (
	adminPattern     = regexp.MustCompile(`(?i)@admin\.`)
	professorPattern = regexp.MustCompile(`(?i)@prof(?:essor)?\.`)
)

// RoleForEmail derives the role from the email domain.
func RoleForEmail(email string) Role {
	switch {
	case adminPattern.MatchString(email):
		return RoleAdmin
	case professorPattern.MatchString(email):
		return RoleProfessor
	}
	return RoleStudent
}

// CanManageEvents reports whether r may create, close and edit events.
func (r Role) CanManageEvents() bool {
	return r == RoleProfessor || r == RoleAdmin
}
