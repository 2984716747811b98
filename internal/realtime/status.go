package realtime

import (
	"fmt"
	"time"
)

// State is the connection state of a transcriber
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status is one connection status change. Attempt and Delay are set while
// reconnecting; Reason is set on failure.
type Status struct {
	State   State
	Attempt int
	Delay   time.Duration
	Reason  string
}

func (s Status) String() string {
	switch s.State {
	case StateReconnecting:
		return fmt.Sprintf("reconnecting (attempt %d in %v)", s.Attempt, s.Delay)
	case StateFailed:
		return fmt.Sprintf("failed: %s", s.Reason)
	default:
		return s.State.String()
	}
}

// publishLatest sends s without blocking. When the channel is full the
// oldest pending update is discarded so the newest state always gets
// through. It reports whether an update was discarded.
func publishLatest(ch chan Status, s Status) bool {
	dropped := false
	for {
		select {
		case ch <- s:
			return dropped
		default:
		}
		select {
		case <-ch:
			dropped = true
		default:
		}
	}
}
