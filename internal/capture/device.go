package capture

import (
	"context"

	"github.com/lexiqai/livescribe/internal/audio"
)

// Selector names the input device for one source. An empty DeviceID selects
// the system default for that source kind.
type Selector struct {
	Source   audio.SourceKind
	DeviceID string
}

// FrameFunc receives interleaved PCM from the OS audio thread. The slice is
// only valid for the duration of the call.
type FrameFunc func(samples []int16)

// Device opens capture streams. It is implemented by the OS audio layer.
// ctx bounds the open only, not the lifetime of the returned stream.
type Device interface {
	Open(ctx context.Context, sel Selector, onFrames FrameFunc) (Stream, error)
}

// Stream is an opened, not yet started, capture stream
type Stream interface {
	Start() error
	Stop() error
	Format() audio.Format
	// Lost is closed when the hardware is reconfigured or unplugged
	Lost() <-chan struct{}
}
