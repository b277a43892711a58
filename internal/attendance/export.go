package attendance

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"
)

// Contact is the display data of a participant used in exports.
type Contact struct {
	Name  string
	Email string
}

// Directory resolves participant ids to contacts.
type Directory interface {
	Contact(ctx context.Context, id string) (Contact, bool, error)
}

var rosterHeader = []string{
	"Event Name", "Start Time", "End Time", "Participant Name", "Participant Email", "Status", "Time Joined",
}

var groupRosterHeader = []string{
	"Group Name", "Event Name", "Event Date", "Participant Name", "Participant Email", "Status", "Time Joined",
}

// rosterWriter writes CSV rows whose free-text cells are neutralized for
// spreadsheets.
type rosterWriter struct {
	out *csv.Writer
	dir Directory
}

func newRosterWriter(w io.Writer, dir Directory) *rosterWriter {
	return &rosterWriter{out: csv.NewWriter(w), dir: dir}
}

func (rw *rosterWriter) write(row []string) error {
	if err := rw.out.Write(row); err != nil {
		return fmt.Errorf("write csv row: %w", err)
	}
	return nil
}

// participants writes one row per registration, each prefixed with lead.
// An empty roster yields a single placeholder row.
func (rw *rosterWriter) participants(ctx context.Context, lead []string, regs []Registration) error {
	if len(regs) == 0 {
		return rw.write(append(append([]string(nil), lead...), "No participants", "-", "-", "-"))
	}
	for _, reg := range regs {
		contact, ok, err := rw.dir.Contact(ctx, reg.ParticipantID)
		if err != nil {
			return transient("lookup participant", err)
		}
		if !ok {
			contact = Contact{Name: "Unknown", Email: "Unknown"}
		}
		row := append(append([]string(nil), lead...),
			safeCell(contact.Name), safeCell(contact.Email), string(reg.Status), reg.ConfirmedAt.Format(time.RFC3339))
		if err := rw.write(row); err != nil {
			return err
		}
	}
	return nil
}

func (rw *rosterWriter) flush() error {
	rw.out.Flush()
	return rw.out.Error()
}

// safeCell prefixes cells a spreadsheet would evaluate as a formula.
func safeCell(s string) string {
	if s != "" && strings.ContainsRune("=+-@\t\r", rune(s[0])) {
		return "'" + s
	}
	return s
}

// ExportRoster writes the roster of eventID as CSV. An event without
// registrations still yields one placeholder row.
func (s *Service) ExportRoster(ctx context.Context, w io.Writer, eventID string, dir Directory) error {
	ev, err := s.ledger.GetEvent(ctx, eventID)
	if err != nil {
		return transient("get event", err)
	}
	regs, err := s.ledger.ListRegistrations(ctx, eventID)
	if err != nil {
		return transient("list registrations", err)
	}

	rw := newRosterWriter(w, dir)
	if err := rw.write(rosterHeader); err != nil {
		return err
	}
	lead := []string{safeCell(ev.Name), ev.StartTime.Format(time.RFC3339), ev.EndTime.Format(time.RFC3339)}
	if err := rw.participants(ctx, lead, regs); err != nil {
		return err
	}
	return rw.flush()
}

// ExportGroupRoster writes the rosters of every event in a group as one CSV,
// events in start order. A group without events yields a message row.
func (s *Service) ExportGroupRoster(ctx context.Context, w io.Writer, groupID, groupName string, dir Directory) error {
	events, err := s.ledger.ListEventsByGroup(ctx, groupID)
	if err != nil {
		return transient("list group events", err)
	}

	rw := newRosterWriter(w, dir)
	if len(events) == 0 {
		if err := rw.write([]string{"Group Name", "Message"}); err != nil {
			return err
		}
		if err := rw.write([]string{safeCell(groupName), "No events in this group"}); err != nil {
			return err
		}
		return rw.flush()
	}

	if err := rw.write(groupRosterHeader); err != nil {
		return err
	}
	for _, ev := range events {
		regs, err := s.ledger.ListRegistrations(ctx, ev.ID)
		if err != nil {
			return transient("list registrations", err)
		}
		lead := []string{safeCell(groupName), safeCell(ev.Name), ev.StartTime.Format(time.DateOnly)}
		if err := rw.participants(ctx, lead, regs); err != nil {
			return err
		}
	}
	return rw.flush()
}
