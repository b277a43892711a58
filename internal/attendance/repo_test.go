package attendance_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"eventgate/internal/attendance"
	"eventgate/internal/group"
	"eventgate/internal/participant"
	"eventgate/internal/store"
)

var _ attendance.Ledger = (*attendance.Repository)(nil)

// openTestDB connects to TEST_DATABASE_URL and resets the schema. Tests are
// skipped when the variable is unset.
func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := store.NewDB(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Client.ExecContext(ctx, `DROP TABLE IF EXISTS retired_join_codes, registrations, events, event_groups, participants CASCADE`)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(ctx, participant.Schema, group.Schema, attendance.Schema))
	return db
}

func TestRepository_ConcurrentJoinsRespectCapacity(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	people := participant.NewService(participant.NewRepository(db.Client), bcrypt.MinCost)
	ids := make([]string, 30)
	for i := range ids {
		p, err := people.Register(ctx, fmt.Sprintf("P%d", i), fmt.Sprintf("p%d@uni.ro", i), "pw")
		require.NoError(t, err)
		ids[i] = p.ID
	}

	repo := attendance.NewRepository(db.Client, 5*time.Second)
	// two services over one database act like two API processes
	a := attendance.NewService(repo, people, attendance.Options{LockTimeout: 5 * time.Second})
	b := attendance.NewService(repo, people, attendance.Options{LockTimeout: 5 * time.Second})

	capacity := 5
	ev, err := a.CreateEvent(ctx, attendance.EventInput{
		Name:            "db lab",
		StartTime:       time.Now().Add(-time.Minute),
		EndTime:         time.Now().Add(time.Hour),
		MaxParticipants: &capacity,
		Status:          attendance.StatusOpen,
	})
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		admitted atomic.Int32
	)
	for i, id := range ids {
		svc := a
		if i%2 == 1 {
			svc = b
		}
		wg.Add(1)
		go func(svc *attendance.Service, id string) {
			defer wg.Done()
			_, err := svc.Join(ctx, ev.JoinCode, id, time.Now())
			if err == nil {
				admitted.Add(1)
				return
			}
			if !errors.Is(err, attendance.ErrEventNotOpen) && !errors.Is(err, attendance.ErrCapacityExceeded) {
				t.Errorf("join %s: %v", id, err)
			}
		}(svc, id)
	}
	wg.Wait()

	assert.Equal(t, int32(capacity), admitted.Load())
	got, err := repo.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, capacity, got.CurrentParticipants)
	assert.Equal(t, attendance.StatusFull, got.Status)

	regs, err := repo.ListRegistrations(ctx, ev.ID)
	require.NoError(t, err)
	assert.Len(t, regs, capacity)
}

func TestRepository_RoundTripAndCascade(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	people := participant.NewService(participant.NewRepository(db.Client), bcrypt.MinCost)
	p, err := people.Register(ctx, "Ana", "ana@uni.ro", "pw")
	require.NoError(t, err)

	repo := attendance.NewRepository(db.Client, time.Second)
	svc := attendance.NewService(repo, people, attendance.Options{})
	ev, err := svc.CreateEvent(ctx, attendance.EventInput{
		Name:      "seminar",
		EventType: "lecture",
		StartTime: time.Now().Add(-time.Minute),
		EndTime:   time.Now().Add(time.Hour),
		Status:    attendance.StatusOpen,
	})
	require.NoError(t, err)

	stored, err := repo.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, ev.JoinCode, stored.JoinCode)
	assert.Nil(t, stored.MaxParticipants)
	assert.Equal(t, "lecture", stored.EventType)

	adm, err := svc.Join(ctx, ev.JoinCode, p.ID, time.Now())
	require.NoError(t, err)
	_, err = svc.Join(ctx, ev.JoinCode, p.ID, time.Now())
	assert.ErrorIs(t, err, attendance.ErrAlreadyRegistered)

	reg, err := svc.SetAttendanceStatus(ctx, adm.Registration.ID, attendance.Absent)
	require.NoError(t, err)
	assert.Equal(t, attendance.Absent, reg.Status)

	history, err := svc.ParticipantHistory(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "seminar", history[0].EventName)

	rotated, err := svc.GetEvent(ctx, ev.ID, time.Now().Add(5*time.Minute))
	require.NoError(t, err)
	assert.NotEqual(t, ev.JoinCode, rotated.JoinCode)
	taken, err := repo.CodeTaken(ctx, ev.JoinCode, ev.ID)
	require.NoError(t, err)
	assert.True(t, taken, "retired code stays reserved for the event")

	require.NoError(t, svc.DeleteEvent(ctx, ev.ID))
	_, err = repo.GetRegistration(ctx, adm.Registration.ID)
	assert.ErrorIs(t, err, attendance.ErrRegistrationNotFound)
}

func TestRepository_LockTimeout(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := attendance.NewRepository(db.Client, 50*time.Millisecond)
	svc := attendance.NewService(repo, participant.NewService(participant.NewRepository(db.Client), bcrypt.MinCost), attendance.Options{})
	ev, err := svc.CreateEvent(ctx, attendance.EventInput{Name: "x", StartTime: time.Now(), EndTime: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = repo.WithinEvent(ctx, ev.ID, func(attendance.EventTx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err = repo.WithinEvent(ctx, ev.ID, func(attendance.EventTx) error { return nil })
	close(release)
	assert.Error(t, err, "second transaction gives up on the row lock")
}

func TestRepository_SingleConnectionPool(t *testing.T) {
	db := openTestDB(t)
	db.Client.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	people := participant.NewService(participant.NewRepository(db.Client), bcrypt.MinCost)
	p, err := people.Register(ctx, "Ana", "ana@uni.ro", "pw")
	require.NoError(t, err)

	repo := attendance.NewRepository(db.Client, time.Second)
	svc := attendance.NewService(repo, people, attendance.Options{LockTimeout: time.Second})
	now := time.Now()
	ev, err := svc.CreateEvent(ctx, attendance.EventInput{
		Name:      "one conn",
		StartTime: now.Add(-time.Minute),
		EndTime:   now.Add(time.Hour),
		Status:    attendance.StatusOpen,
	})
	require.NoError(t, err)

	_, err = svc.Join(ctx, ev.JoinCode, p.ID, now)
	require.NoError(t, err)

	rotated, err := svc.GetEvent(ctx, ev.ID, now.Add(5*time.Minute))
	require.NoError(t, err, "rotation inside the row lock must not wait for a second connection")
	assert.NotEqual(t, ev.JoinCode, rotated.JoinCode)

	_, err = svc.CloseEvent(ctx, ev.ID)
	require.NoError(t, err)
	_, err = svc.OpenEvent(ctx, ev.ID)
	require.NoError(t, err)
}

func TestRepository_EventGroups(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := attendance.NewRepository(db.Client, 5*time.Second)
	people := participant.NewService(participant.NewRepository(db.Client), bcrypt.MinCost)
	events := attendance.NewService(repo, people, attendance.Options{})
	groups := group.NewService(group.NewRepository(db.Client), events, nil, nil)

	now := time.Now()
	late, err := events.CreateEvent(ctx, attendance.EventInput{Name: "Lab 2", StartTime: now.Add(time.Hour), EndTime: now.Add(2 * time.Hour)})
	require.NoError(t, err)
	early, err := events.CreateEvent(ctx, attendance.EventInput{Name: "Lab 1", StartTime: now.Add(-time.Hour), EndTime: now.Add(time.Hour)})
	require.NoError(t, err)

	g, err := groups.Create(ctx, "Networks", "")
	require.NoError(t, err)
	_, err = groups.AddEvents(ctx, g.ID, []string{late.ID, early.ID})
	require.NoError(t, err)

	members, err := repo.ListEventsByGroup(ctx, g.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, early.ID, members[0].ID)
	assert.Equal(t, g.ID, members[1].GroupID)

	// a group row removed behind the service's back still releases its events
	_, err = db.Client.ExecContext(ctx, `DELETE FROM event_groups WHERE id = $1`, g.ID)
	require.NoError(t, err)
	ev, err := repo.GetEvent(ctx, early.ID)
	require.NoError(t, err)
	assert.Empty(t, ev.GroupID)
}
