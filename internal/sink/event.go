package sink

import (
	"time"

	"github.com/google/uuid"

	"firestige.xyz/kpanic/internal/core"
)

const LevelFatal = "fatal"

// User identifies the affected host.
type User struct {
	ID string `json:"id"`
}

// Event is the outbound representation of a report.
type Event struct {
	EventID     string         `json:"event_id"`
	Message     string         `json:"message"`
	Fingerprint []string       `json:"fingerprint"`
	Level       string         `json:"level"`
	User        User           `json:"user"`
	Tags        [][2]string    `json:"tags"`
	Extra       map[string]any `json:"extra"`
	Timestamp   time.Time      `json:"timestamp"`
}

// NewEvent maps a report onto the outbound schema. The message is the title
// immediately followed by the body.
func NewEvent(r *core.Report) *Event {
	ev := &Event{
		EventID:     uuid.NewString(),
		Message:     r.Title + r.Message,
		Fingerprint: []string{r.Fingerprint},
		Level:       LevelFatal,
		User:        User{ID: r.User},
		Tags:        make([][2]string, 0, len(r.Tags)),
		Extra:       make(map[string]any, len(r.Extra)),
		Timestamp:   time.Now().UTC(),
	}
	for _, t := range r.Tags {
		ev.Tags = append(ev.Tags, [2]string{t.Name, t.Value})
	}
	for k, v := range r.Extra {
		ev.Extra[k] = v
	}
	return ev
}
