// Package events publishes the outcome of every sync attempt so other
// services can follow the engine without polling the history API.
package events

import (
	"context"
	"time"
)

type Type string

const (
	Completed Type = "sync.completed"
	Failed    Type = "sync.failed"
	Conflict  Type = "sync.conflict"
	Resolved  Type = "sync.resolved"
)

type SyncEvent struct {
	Type      Type      `json:"type"`
	ConfigID  string    `json:"config_id"`
	RowNumber int       `json:"row_number"`
	EntityID  string    `json:"entity_id,omitempty"`
	EntryID   string    `json:"entry_id,omitempty"`
	Direction string    `json:"direction,omitempty"`
	Fields    []string  `json:"fields,omitempty"`
	Strategy  string    `json:"strategy,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev SyncEvent) error
	Close()
}

// Noop drops every event. Used when no broker is configured.
type Noop struct{}

func (Noop) Publish(context.Context, SyncEvent) error { return nil }
func (Noop) Close()                                   {}

// Recorder keeps events in memory.
type Recorder struct {
	ch chan SyncEvent
}

func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan SyncEvent, size)}
}

func (r *Recorder) Publish(_ context.Context, ev SyncEvent) error {
	select {
	case r.ch <- ev:
	default:
	}
	return nil
}

func (r *Recorder) Close() {}

// Drain returns everything recorded so far.
func (r *Recorder) Drain() []SyncEvent {
	var out []SyncEvent
	for {
		select {
		case ev := <-r.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}
