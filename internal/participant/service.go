package participant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"eventgate/internal/attendance"
)

// Service manages participant accounts.
type Service struct {
	store Store
	cost  int
	clock func() time.Time
}

// NewService creates a service. cost is the bcrypt cost; zero means
// bcrypt.DefaultCost.
func NewService(store Store, cost int) *Service {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	return &Service{store: store, cost: cost, clock: time.Now}
}

// Register creates an account whose role follows the email domain.
func (s *Service) Register(ctx context.Context, name, email, password string) (Participant, error) {
	return s.register(ctx, name, email, password, RoleForEmail(email))
}

// EnsureAdmin creates the bootstrap admin account unless the email is
// already registered.
func (s *Service) EnsureAdmin(ctx context.Context, name, email, password string) error {
	p, err := s.register(ctx, name, email, password, RoleAdmin)
	if errors.Is(err, ErrEmailTaken) {
		return nil
	}
	if err != nil {
		return err
	}
	slog.Info("admin account created", "participant_id", p.ID)
	return nil
}

func (s *Service) register(ctx context.Context, name, email, password string, role Role) (Participant, error) {
	name = strings.TrimSpace(name)
	email = normalizeEmail(email)
	if name == "" || email == "" || password == "" {
		return Participant{}, ErrInvalidInput
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return Participant{}, fmt.Errorf("hash password: %w", err)
	}
	p := Participant{
		ID:           uuid.NewString(),
		Name:         name,
		Email:        email,
		Role:         role,
		PasswordHash: string(hash),
		CreatedAt:    s.clock().UTC(),
	}
	if err := s.store.Insert(ctx, p); err != nil {
		return Participant{}, err
	}
	return p, nil
}

// Authenticate checks an email/password pair. Unknown emails and wrong
// passwords both yield ErrInvalidCredentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (Participant, error) {
	p, err := s.store.GetByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, ErrNotFound) {
		return Participant{}, ErrInvalidCredentials
	}
	if err != nil {
		return Participant{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(p.PasswordHash), []byte(password)); err != nil {
		return Participant{}, ErrInvalidCredentials
	}
	return p, nil
}

func (s *Service) Get(ctx context.Context, id string) (Participant, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]Participant, error) {
	return s.store.List(ctx)
}

// Exists reports whether id names a registered participant.
func (s *Service) Exists(ctx context.Context, id string) (bool, error) {
	_, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Contact resolves the display data used in roster exports.
func (s *Service) Contact(ctx context.Context, id string) (attendance.Contact, bool, error) {
	p, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return attendance.Contact{}, false, nil
	}
	if err != nil {
		return attendance.Contact{}, false, err
	}
	return attendance.Contact{Name: p.Name, Email: p.Email}, true, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
