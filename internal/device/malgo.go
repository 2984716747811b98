//go:build cgo

package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"

	"github.com/lexiqai/livescribe/internal/apperr"
	"github.com/lexiqai/livescribe/internal/audio"
	"github.com/lexiqai/livescribe/internal/capture"
)

// Malgo opens OS capture devices through miniaudio. Microphones use the
// capture device type; system audio uses loopback where the backend has it.
type Malgo struct {
	ctx    *malgo.AllocatedContext
	format audio.Format
	logger zerolog.Logger
}

// NewMalgo initializes a miniaudio context requesting format from devices
func NewMalgo(format audio.Format, logger zerolog.Logger) (*Malgo, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logger.Debug().Str("backend", "miniaudio").Msg(strings.TrimSpace(message))
	})
	if err != nil {
		return nil, apperr.Hardware(apperr.CodeDeviceUnavailable, "failed to initialize audio backend", err)
	}
	return &Malgo{ctx: ctx, format: format, logger: logger}, nil
}

// Close releases the miniaudio context
func (m *Malgo) Close() error {
	if err := m.ctx.Uninit(); err != nil {
		return fmt.Errorf("failed to uninit audio context: %w", err)
	}
	m.ctx.Free()
	return nil
}

// Devices lists device names usable for the given source
func (m *Malgo) Devices(source audio.SourceKind) ([]Info, error) {
	infos, err := m.ctx.Devices(deviceListType(source))
	if err != nil {
		return nil, apperr.Hardware(apperr.CodeDeviceUnavailable, "failed to enumerate devices", err)
	}

	out := make([]Info, 0, len(infos))
	for i := range infos {
		out = append(out, Info{
			ID:        infos[i].Name(),
			Name:      infos[i].Name(),
			IsDefault: infos[i].IsDefault != 0,
		})
	}
	return out, nil
}

func deviceListType(source audio.SourceKind) malgo.DeviceType {
	if source == audio.SourceSystem {
		return malgo.Playback
	}
	return malgo.Capture
}

// Open initializes a device for sel. The stream delivers signed 16-bit PCM.
func (m *Malgo) Open(ctx context.Context, sel capture.Selector, onFrames capture.FrameFunc) (capture.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	deviceType := malgo.Capture
	if sel.Source == audio.SourceSystem {
		deviceType = malgo.Loopback
	}

	config := malgo.DefaultDeviceConfig(deviceType)
	config.Capture.Format = malgo.FormatS16
	config.Capture.Channels = uint32(m.format.Channels)
	config.SampleRate = uint32(m.format.SampleRate)
	config.Alsa.NoMMap = 1

	if sel.DeviceID != "" {
		infos, err := m.ctx.Devices(deviceListType(sel.Source))
		if err != nil {
			return nil, apperr.Hardware(apperr.CodeDeviceUnavailable, "failed to enumerate devices", err)
		}
		found := false
		for i := range infos {
			if infos[i].Name() == sel.DeviceID {
				config.Capture.DeviceID = infos[i].ID.Pointer()
				found = true
				break
			}
		}
		if !found {
			return nil, apperr.Hardware(apperr.CodeDeviceUnavailable,
				fmt.Sprintf("no %s device named %q", sel.Source, sel.DeviceID), nil)
		}
	}

	stream := &malgoStream{
		format: m.format,
		lost:   make(chan struct{}),
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			stream.deliver(input, onFrames)
		},
		Stop: stream.onStop,
	}

	dev, err := malgo.InitDevice(m.ctx.Context, config, callbacks)
	if err != nil {
		return nil, classifyInitError(err)
	}
	stream.device = dev
	return stream, nil
}

func classifyInitError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "access denied") || strings.Contains(msg, "permission") {
		return apperr.Hardware(apperr.CodePermissionDenied, "capture permission denied", err)
	}
	return apperr.Hardware(apperr.CodeDeviceUnavailable, "failed to initialize capture device", err)
}

type malgoStream struct {
	device *malgo.Device
	format audio.Format

	scratch []int16

	mu       sync.Mutex
	stopping bool
	lost     chan struct{}
	lostOnce sync.Once
}

// deliver converts the input buffer into a reused scratch slice
func (s *malgoStream) deliver(input []byte, onFrames capture.FrameFunc) {
	n := len(input) / 2
	if cap(s.scratch) < n {
		s.scratch = make([]int16, n)
	}
	samples := s.scratch[:n]
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(input[i*2:]))
	}
	onFrames(samples)
}

// onStop fires for both requested and unexpected stops
func (s *malgoStream) onStop() {
	s.mu.Lock()
	stopping := s.stopping
	s.mu.Unlock()
	if !stopping {
		s.lostOnce.Do(func() { close(s.lost) })
	}
}

func (s *malgoStream) Start() error {
	if err := s.device.Start(); err != nil {
		return fmt.Errorf("failed to start device: %w", err)
	}
	return nil
}

func (s *malgoStream) Stop() error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.mu.Unlock()

	err := s.device.Stop()
	s.device.Uninit()
	if err != nil {
		return fmt.Errorf("failed to stop device: %w", err)
	}
	return nil
}

func (s *malgoStream) Format() audio.Format {
	return s.format
}

func (s *malgoStream) Lost() <-chan struct{} {
	return s.lost
}
