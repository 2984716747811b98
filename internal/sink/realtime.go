package sink

import (
	"fmt"

	"github.com/lexiqai/livescribe/internal/audio"
	"github.com/lexiqai/livescribe/internal/observability"
)

// Audio encodings accepted by the realtime service
const (
	EncodingPCM16 = "pcm_s16le"
	EncodingMulaw = "mulaw"
)

// AudioSender accepts encoded audio without blocking
type AudioSender interface {
	SendAudio(data []byte)
}

// RealtimeEncoder encodes mixed frames for a streaming transcription client
type RealtimeEncoder struct {
	sender   AudioSender
	encoding string
	metrics  *observability.Metrics
}

// NewRealtimeEncoder creates an encoder for pcm_s16le or mulaw
func NewRealtimeEncoder(sender AudioSender, encoding string, metrics *observability.Metrics) (*RealtimeEncoder, error) {
	switch encoding {
	case EncodingPCM16, EncodingMulaw:
	default:
		return nil, fmt.Errorf("unsupported audio encoding: %s", encoding)
	}
	return &RealtimeEncoder{sender: sender, encoding: encoding, metrics: metrics}, nil
}

func (e *RealtimeEncoder) Name() string { return "realtime" }

func (e *RealtimeEncoder) WriteFrame(frame audio.MixedFrame) error {
	var data []byte
	if e.encoding == EncodingMulaw {
		data = audio.EncodeMulaw(frame.Samples)
	} else {
		data = frame.Bytes()
	}
	e.sender.SendAudio(data)
	e.metrics.RecordAudioBytes(int64(len(data)))
	return nil
}

// Close is a no-op; the client is finalized by the session
func (e *RealtimeEncoder) Close() error {
	return nil
}
