package store

import (
	"strconv"
	"time"

	"github.com/lvkv/whenfs/calendar"
)

// calendarize turns data chunks into event payloads: the chunk goes in
// the description, its index in the location, and each event occupies
// the next 5-minute window from now.  Summaries are left empty; the
// upload walk fills each one with its predecessor's id.
func calendarize(chunks []string) []calendar.EventDetails {
	now := time.Now().UTC()
	details := make([]calendar.EventDetails, 0, len(chunks))
	for i, chunk := range chunks {
		start := now.Add(time.Duration(i) * 5 * time.Minute)
		details = append(details, calendar.EventDetails{
			Description: chunk,
			Location:    strconv.Itoa(i),
			Start:       start,
			End:         start.Add(5 * time.Minute),
		})
	}
	return details
}

// uncalendarize recovers the data chunks from event payloads.
func uncalendarize(details []calendar.EventDetails) []string {
	chunks := make([]string, 0, len(details))
	for _, d := range details {
		chunks = append(chunks, d.Description)
	}
	return chunks
}
