//go:build !cgo

package device

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/lexiqai/livescribe/internal/apperr"
	"github.com/lexiqai/livescribe/internal/audio"
	"github.com/lexiqai/livescribe/internal/capture"
)

// Malgo is unavailable without cgo
type Malgo struct{}

// NewMalgo reports that OS capture needs a cgo build
func NewMalgo(format audio.Format, logger zerolog.Logger) (*Malgo, error) {
	return nil, apperr.Hardware(apperr.CodeDeviceUnavailable, "OS audio capture requires a cgo build", nil)
}

func (m *Malgo) Close() error { return nil }

func (m *Malgo) Devices(source audio.SourceKind) ([]Info, error) {
	return nil, apperr.Hardware(apperr.CodeDeviceUnavailable, "OS audio capture requires a cgo build", nil)
}

func (m *Malgo) Open(ctx context.Context, sel capture.Selector, onFrames capture.FrameFunc) (capture.Stream, error) {
	return nil, apperr.Hardware(apperr.CodeDeviceUnavailable, "OS audio capture requires a cgo build", nil)
}
