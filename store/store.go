/*
Package store persists arbitrary JSON-serializable values as chains
of calendar events.

A value is encoded (JSON, then URL-safe base64), split into chunks no
larger than the calendar's description limit, and uploaded one event
per chunk.  Each event's summary holds the id of its predecessor; the
first event's summary holds the chain's sentinel name instead, which
terminates the walk on the way back down.  The chain is identified
externally by the id of its tail event.
*/
package store

import (
	"errors"
	"fmt"

	"github.com/golang/glog"

	"github.com/lvkv/whenfs/calendar"
)

// ErrUnsupported is returned by operations the store deliberately does
// not implement.
var ErrUnsupported = errors.New("store: operation not supported")

// Entry is the opaque handle for one stored chain: its sentinel name
// and the events carrying the value, in upload order.  The last event
// is the chain's public identity.
type Entry struct {
	Name   string           `json:"name"`
	Events []calendar.Event `json:"events"`
}

// Tail returns the chain's tail event, whose id identifies the chain.
func (e Entry) Tail() calendar.Event {
	if len(e.Events) == 0 {
		return calendar.Event{}
	}
	return e.Events[len(e.Events)-1]
}

// Key returns a comparable identity for the chain: its event id
// sequence.  Two entries are the same chain iff their Keys are equal.
func (e Entry) Key() string {
	key := ""
	for _, event := range e.Events {
		key += event.ID + "/"
	}
	return key
}

// RecoveryDetails is the externally exposed pair sufficient to reopen a
// filesystem: the calendar and the tail event id of the root chain.
type RecoveryDetails struct {
	CalendarID string
	RootID     string
}

// RecoveryEntry builds the minimal Entry describing an existing chain
// from its tail event id, as passed on the command line during
// recovery.
func RecoveryEntry(name, tailEventID string) Entry {
	return Entry{
		Name:   name,
		Events: []calendar.Event{{ID: tailEventID}},
	}
}

// Store reads and writes chains in one calendar.
type Store struct {
	client     calendar.Client
	calendarID string
}

// New returns a Store bound to the given calendar.
func New(client calendar.Client, calendarID string) *Store {
	return &Store{client: client, calendarID: calendarID}
}

// CalendarID returns the id of the calendar this store writes to.
func (s *Store) CalendarID() string {
	return s.calendarID
}

// Store encodes value and uploads it as a fresh chain named name.  The
// name doubles as the chain's sentinel.
func (s *Store) Store(value interface{}, name string) (Entry, error) {
	glog.V(2).Infof("%s: encoding item for storage", name)
	encoded, err := Encode(value)
	if err != nil {
		return Entry{}, err
	}
	chunkSize := s.client.Limits().Description
	chunks := Split(encoded, chunkSize)
	glog.V(2).Infof("%s: split %d encoded bytes into %d chunk(s) of <= %d bytes",
		name, len(encoded), len(chunks), chunkSize)
	events, err := s.upload(calendarize(chunks), name)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Name: name, Events: events}, nil
}

// Retrieve walks the chain backward from its tail, reassembles the
// payload, and decodes it into out.
func (s *Store) Retrieve(entry Entry, out interface{}) error {
	tail := entry.Tail()
	glog.V(2).Infof("%s: downloading chain from tail event %s", entry.Name, tail.ID)
	events, err := s.download(tail.ID, entry.Name)
	if err != nil {
		return err
	}
	glog.V(2).Infof("%s: downloaded %d event(s)", entry.Name, len(events))
	chunks := uncalendarize(eventDetails(events))
	if err := Decode(Join(chunks), out); err != nil {
		return err
	}
	return nil
}

// Update rewrites the value under the old chain's name, producing a
// fresh chain.  The old chain's events are left in place.
func (s *Store) Update(old Entry, value interface{}) (Entry, error) {
	return s.Store(value, old.Name)
}

// Delete is not required by the filesystem core and is unimplemented.
func (s *Store) Delete(entry Entry) error {
	return ErrUnsupported
}

// RecoveryID projects the recovery pair for a chain.
func (s *Store) RecoveryID(entry Entry) RecoveryDetails {
	return RecoveryDetails{
		CalendarID: s.calendarID,
		RootID:     entry.Tail().ID,
	}
}

// upload creates the chain's events in order, threading each assigned
// id into the next event's summary.  The first summary is the
// sentinel.  A failure partway through leaves the already-created
// events orphaned; the chain is simply never referenced.
func (s *Store) upload(details []calendar.EventDetails, sentinel string) ([]calendar.Event, error) {
	events := make([]calendar.Event, 0, len(details))
	prev := sentinel
	for _, detail := range details {
		detail.Summary = prev
		event, err := s.client.CreateEvent(s.calendarID, detail)
		if err != nil {
			return nil, fmt.Errorf("uploading chain %q: %w", sentinel, err)
		}
		prev = event.ID
		events = append(events, event)
	}
	return events, nil
}

// download fetches events tail-first, following each summary back
// until it reads the sentinel, and returns them in upload order.
func (s *Store) download(tailEventID, sentinel string) ([]calendar.Event, error) {
	var events []calendar.Event
	id := tailEventID
	for id != sentinel {
		glog.V(3).Infof("downloading event %s", id)
		event, err := s.client.GetEvent(s.calendarID, id)
		if err != nil {
			return nil, fmt.Errorf("downloading chain %q: %w", sentinel, err)
		}
		id = event.Details.Summary
		events = append(events, event)
	}
	// The walk collected tail-first; reverse into upload order.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func eventDetails(events []calendar.Event) []calendar.EventDetails {
	details := make([]calendar.EventDetails, 0, len(events))
	for _, event := range events {
		details = append(details, event.Details)
	}
	return details
}
