/*
Package gcal provides the Google Calendar backend for WhenFS.

Events are created one at a time because each event's summary must
carry the id the service assigned to its predecessor.  Transient HTTP
failures (429 and 5xx) are retried with exponential backoff; everything
else surfaces to the store as a calendar error.

Fetched events are kept in an LRU read cache.  WhenFS never rewrites an
event in place on the data path (updates append fresh chains), so a
cached event can never go stale.
*/
package gcal

import (
	"errors"
	"expvar"
	"fmt"
	"time"

	"github.com/golang/glog"
	lru "github.com/hashicorp/golang-lru"
	"github.com/jpillora/backoff"

	gcalendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/lvkv/whenfs/calendar"

	"golang.org/x/net/context"
)

var (
	createCalendarReq = expvar.NewInt("gcalCreateCalendarReq")
	createEventReq    = expvar.NewInt("gcalCreateEventReq")
	getEventReq       = expvar.NewInt("gcalGetEventReq")
	getEventCached    = expvar.NewInt("gcalGetEventCached")
	updateEventReq    = expvar.NewInt("gcalUpdateEventReq")
	deleteEventReq    = expvar.NewInt("gcalDeleteEventReq")
	retriedReq        = expvar.NewInt("gcalRetriedReq")
)

// limits are the documented Google Calendar field sizes; the 4096-byte
// description is the chunk size of every stored chain.
var limits = calendar.Limits{Summary: 512, Description: 4096, Location: 512}

const (
	maxRetries    = 10
	eventCacheLen = 4096
)

// Client implements calendar.Client against the Google Calendar API.
type Client struct {
	service *gcalendar.Service
	events  *lru.Cache // event cache key: calendarID + "/" + eventID
}

// NewClient reads the OAuth application secret at secretPath, runs the
// installed-app flow (reusing token_cache.json when present), and
// returns a ready Client.
func NewClient(secretPath string) (*Client, error) {
	httpClient, err := getOAuthClient(secretPath)
	if err != nil {
		return nil, fmt.Errorf("oauth setup: %w", err)
	}
	service, err := gcalendar.NewService(context.Background(), option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve Google Calendar client: %w", err)
	}
	events, err := lru.New(eventCacheLen)
	if err != nil {
		return nil, fmt.Errorf("initializing event lru: %w", err)
	}
	return &Client{service: service, events: events}, nil
}

// CreateCalendar creates a secondary calendar and returns its id.
func (c *Client) CreateCalendar(name string) (string, error) {
	createCalendarReq.Add(1)
	var created *gcalendar.Calendar
	err := c.withRetry(func() error {
		var err error
		created, err = c.service.Calendars.Insert(&gcalendar.Calendar{Summary: name}).Do()
		return err
	})
	if err != nil {
		glog.Warningf("couldn't create calendar %q: %v", name, err)
		return "", fmt.Errorf("couldn't create calendar %q: %w", name, err)
	}
	glog.V(1).Infof("Created calendar %q (%s)", name, created.Id)
	return created.Id, nil
}

// CreateEvent creates one event and returns it with the assigned id.
func (c *Client) CreateEvent(calendarID string, details calendar.EventDetails) (calendar.Event, error) {
	createEventReq.Add(1)
	var created *gcalendar.Event
	err := c.withRetry(func() error {
		var err error
		created, err = c.service.Events.Insert(calendarID, toAPIEvent(details)).Do()
		return err
	})
	if err != nil {
		glog.Warningf("couldn't create event: %v", err)
		return calendar.Event{}, fmt.Errorf("couldn't create event: %w", err)
	}
	event := calendar.Event{ID: created.Id, Details: details}
	c.events.Add(cacheKey(calendarID, event.ID), event)
	return event, nil
}

// GetEvent fetches an event by id, via the read cache when possible.
func (c *Client) GetEvent(calendarID, eventID string) (calendar.Event, error) {
	if cached, ok := c.events.Get(cacheKey(calendarID, eventID)); ok {
		getEventCached.Add(1)
		return cached.(calendar.Event), nil
	}
	getEventReq.Add(1)
	start := time.Now()
	var fetched *gcalendar.Event
	err := c.withRetry(func() error {
		var err error
		fetched, err = c.service.Events.Get(calendarID, eventID).Do()
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return calendar.Event{}, fmt.Errorf("event %q: %w", eventID, calendar.ErrEventNotFound)
		}
		glog.Warningf("couldn't fetch event %q: %v", eventID, err)
		return calendar.Event{}, fmt.Errorf("couldn't fetch event %q: %w", eventID, err)
	}
	glog.V(3).Infof("Fetched event %s in %v", eventID, time.Since(start))
	event := fromAPIEvent(fetched)
	c.events.Add(cacheKey(calendarID, eventID), event)
	return event, nil
}

// UpdateEvent replaces an event's details in place.
func (c *Client) UpdateEvent(calendarID, eventID string, details calendar.EventDetails) (calendar.Event, error) {
	updateEventReq.Add(1)
	var updated *gcalendar.Event
	err := c.withRetry(func() error {
		var err error
		updated, err = c.service.Events.Update(calendarID, eventID, toAPIEvent(details)).Do()
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return calendar.Event{}, fmt.Errorf("event %q: %w", eventID, calendar.ErrEventNotFound)
		}
		glog.Warningf("couldn't update event %q: %v", eventID, err)
		return calendar.Event{}, fmt.Errorf("couldn't update event %q: %w", eventID, err)
	}
	event := calendar.Event{ID: updated.Id, Details: details}
	c.events.Add(cacheKey(calendarID, eventID), event)
	return event, nil
}

// DeleteEvent removes an event.
func (c *Client) DeleteEvent(calendarID, eventID string) error {
	deleteEventReq.Add(1)
	err := c.withRetry(func() error {
		return c.service.Events.Delete(calendarID, eventID).Do()
	})
	if err != nil && !isNotFound(err) {
		glog.Warningf("couldn't delete event %q: %v", eventID, err)
		return fmt.Errorf("couldn't delete event %q: %w", eventID, err)
	}
	c.events.Remove(cacheKey(calendarID, eventID))
	return nil
}

// Limits returns the Google Calendar field size limits.
func (c *Client) Limits() calendar.Limits {
	return limits
}

// withRetry runs f, retrying transient failures with exponential
// backoff up to maxRetries attempts.
func (c *Client) withRetry(f func() error) error {
	b := &backoff.Backoff{Factor: 4}
	var attempts int
	for {
		err := f()
		if err == nil {
			return nil
		}
		attempts++
		if !isTransient(err) || attempts >= maxRetries {
			return err
		}
		retriedReq.Add(1)
		glog.Errorf("transient calendar error, will retry: %v", err)
		time.Sleep(b.Duration())
	}
}

func cacheKey(calendarID, eventID string) string {
	return calendarID + "/" + eventID
}

// isTransient reports whether err is a rate limit or server-side
// failure worth retrying.
func isTransient(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == 429 || apiErr.Code >= 500
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == 404 || apiErr.Code == 410
}

func toAPIEvent(details calendar.EventDetails) *gcalendar.Event {
	return &gcalendar.Event{
		Summary:     details.Summary,
		Description: details.Description,
		Location:    details.Location,
		Start:       &gcalendar.EventDateTime{DateTime: details.Start.Format(time.RFC3339)},
		End:         &gcalendar.EventDateTime{DateTime: details.End.Format(time.RFC3339)},
	}
}

func fromAPIEvent(event *gcalendar.Event) calendar.Event {
	details := calendar.EventDetails{
		Summary:     event.Summary,
		Description: event.Description,
		Location:    event.Location,
	}
	if event.Start != nil {
		details.Start, _ = time.Parse(time.RFC3339, event.Start.DateTime)
	}
	if event.End != nil {
		details.End, _ = time.Parse(time.RFC3339, event.End.DateTime)
	}
	return calendar.Event{ID: event.Id, Details: details}
}
