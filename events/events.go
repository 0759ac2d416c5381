package events

import (
	"context"
	"sync"
	"time"

	"github.com/projecteru2/sprout/utils"
)

// Type names a lifecycle transition.
type Type string

const (
	DatabaseCreated      Type = "created"
	DatabaseCreateFailed Type = "create_failed"
	DatabaseDeleted      Type = "deleted"
	DatabaseStarted      Type = "started"
	DatabaseStopped      Type = "stopped"
	DatabaseRestarted    Type = "restarted"
	SnapshotCreated      Type = "snapshot_created"
	SnapshotDeleted      Type = "snapshot_deleted"
)

// SubjectPrefix is prepended to the event type to form the subject.
const SubjectPrefix = "sprout.database."

// Event is one published lifecycle transition.
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	HostID     string    `json:"host_id"`
	DatabaseID string    `json:"database_id,omitempty"`
	Name       string    `json:"name,omitempty"`
	Status     string    `json:"status,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Error      string    `json:"error,omitempty"`
	Time       time.Time `json:"time"`
}

// Subject returns the subject e is published on.
func (e Event) Subject() string { return SubjectPrefix + string(e.Type) }

// New stamps an event with an ID and the current time.
func New(t Type, hostID, dbID, name string) Event {
	return Event{ID: utils.NewEventID(), Type: t, HostID: hostID, DatabaseID: dbID, Name: name, Time: time.Now().UTC()}
}

// Publisher delivers events. Publishing is best-effort: callers log
// failures and carry on.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

// Recorder keeps events in memory. Used by tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Types returns the recorded event types in order.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}
