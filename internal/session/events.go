package session

import (
	"github.com/lexiqai/livescribe/internal/realtime"
	"github.com/lexiqai/livescribe/internal/sink"
	"github.com/lexiqai/livescribe/internal/transcript"
)

// EventKind identifies the payload of an Event
type EventKind int

const (
	EventStatus EventKind = iota
	EventTranscript
	EventLevel
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventStatus:
		return "status"
	case EventTranscript:
		return "transcript"
	case EventLevel:
		return "level"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one update for collaborators. Only the field matching Kind is set.
type Event struct {
	Kind       EventKind
	Status     realtime.Status
	Transcript transcript.Snapshot
	Level      sink.Level
	Err        error
	Component  string // set for errors
}
