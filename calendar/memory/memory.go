// Package memory is an in-memory calendar backend for WhenFS.
//
// It stores calendars and events transiently in RAM and assigns event
// ids from the same lowercase base32 alphabet Google Calendar uses, so
// that ids can never collide with the human-readable sentinel names
// that terminate chain walks.
package memory

import (
	"expvar"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/lvkv/whenfs/calendar"
)

var (
	memoryCalendars = expvar.NewInt("memoryCalendars")
	memoryEvents    = expvar.NewInt("memoryEvents")
)

// Client implements calendar.Client entirely in memory.
type Client struct {
	mu        sync.Mutex
	calendars map[string]map[string]calendar.Event
	idCount   uint64
	limits    calendar.Limits

	// NextErr, when set, is returned by the next remote operation and
	// then cleared.  Tests use it to exercise transport failures.
	NextErr error
}

// New returns a Client advertising the same field limits as Google
// Calendar.
func New() *Client {
	return NewWithLimits(calendar.Limits{Summary: 512, Description: 4096, Location: 512})
}

// NewWithLimits returns a Client with custom field limits.  Tests use a
// small description limit to exercise chunk boundaries cheaply.
func NewWithLimits(limits calendar.Limits) *Client {
	return &Client{
		calendars: make(map[string]map[string]calendar.Event),
		limits:    limits,
	}
}

// nextID allocates an opaque id: zero-padded base32, digits [0-9a-v].
// Caller must hold c.mu.
func (c *Client) nextID() string {
	c.idCount++
	id := strconv.FormatUint(c.idCount, 32)
	return strings.Repeat("0", 16-len(id)) + id
}

// takeErr consumes NextErr.  Caller must hold c.mu.
func (c *Client) takeErr() error {
	err := c.NextErr
	c.NextErr = nil
	return err
}

// CreateCalendar creates a calendar and returns its id.
func (c *Client) CreateCalendar(name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.takeErr(); err != nil {
		return "", err
	}
	id := c.nextID()
	c.calendars[id] = make(map[string]calendar.Event)
	memoryCalendars.Set(int64(len(c.calendars)))
	return id, nil
}

// CreateEvent stores an event and returns it with its assigned id.
func (c *Client) CreateEvent(calendarID string, details calendar.EventDetails) (calendar.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.takeErr(); err != nil {
		return calendar.Event{}, err
	}
	cal, ok := c.calendars[calendarID]
	if !ok {
		return calendar.Event{}, fmt.Errorf("no such calendar: %q", calendarID)
	}
	event := calendar.Event{ID: c.nextID(), Details: details}
	cal[event.ID] = event
	memoryEvents.Add(1)
	return event, nil
}

// GetEvent fetches an event by id.
func (c *Client) GetEvent(calendarID, eventID string) (calendar.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.takeErr(); err != nil {
		return calendar.Event{}, err
	}
	cal, ok := c.calendars[calendarID]
	if !ok {
		return calendar.Event{}, fmt.Errorf("no such calendar: %q", calendarID)
	}
	event, ok := cal[eventID]
	if !ok {
		return calendar.Event{}, fmt.Errorf("event %q: %w", eventID, calendar.ErrEventNotFound)
	}
	return event, nil
}

// UpdateEvent replaces an event's details in place.
func (c *Client) UpdateEvent(calendarID, eventID string, details calendar.EventDetails) (calendar.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.takeErr(); err != nil {
		return calendar.Event{}, err
	}
	cal, ok := c.calendars[calendarID]
	if !ok {
		return calendar.Event{}, fmt.Errorf("no such calendar: %q", calendarID)
	}
	if _, ok := cal[eventID]; !ok {
		return calendar.Event{}, fmt.Errorf("event %q: %w", eventID, calendar.ErrEventNotFound)
	}
	event := calendar.Event{ID: eventID, Details: details}
	cal[eventID] = event
	return event, nil
}

// DeleteEvent removes an event.  Removing an unknown event is not an
// error, matching the remote service's idempotent delete.
func (c *Client) DeleteEvent(calendarID, eventID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.takeErr(); err != nil {
		return err
	}
	cal, ok := c.calendars[calendarID]
	if !ok {
		return fmt.Errorf("no such calendar: %q", calendarID)
	}
	if _, ok := cal[eventID]; ok {
		delete(cal, eventID)
		memoryEvents.Add(-1)
	}
	return nil
}

// Limits returns the configured field limits.
func (c *Client) Limits() calendar.Limits {
	return c.limits
}

// NumEvents reports how many events exist in the named calendar.
func (c *Client) NumEvents(calendarID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calendars[calendarID])
}
