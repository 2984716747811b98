package audio

import "time"

// ActivityConfig holds configuration for speech activity detection on the
// mixed output
type ActivityConfig struct {
	EnergyThreshold float64       // RMS energy threshold for speech detection
	Hangover        time.Duration // Silence required before speech is considered ended
}

// DefaultActivityConfig returns a default activity configuration
func DefaultActivityConfig() ActivityConfig {
	return ActivityConfig{
		EnergyThreshold: 500.0,
		Hangover:        300 * time.Millisecond,
	}
}

// ActivityEvent is emitted when detected speech starts or ends
type ActivityEvent int

const (
	ActivityNone ActivityEvent = iota
	ActivityStarted
	ActivityEnded
)

// ActivityDetector tracks whether the mixed signal currently carries speech
type ActivityDetector struct {
	config     ActivityConfig
	silence    time.Duration
	isSpeaking bool
}

// NewActivityDetector creates a new activity detector
func NewActivityDetector(config ActivityConfig) *ActivityDetector {
	if config.EnergyThreshold <= 0 {
		config.EnergyThreshold = DefaultActivityConfig().EnergyThreshold
	}
	return &ActivityDetector{config: config}
}

// Process feeds one mixed frame and reports a state transition, if any
func (d *ActivityDetector) Process(frame MixedFrame) ActivityEvent {
	if !DetectSilence(frame.Samples, d.config.EnergyThreshold) {
		d.silence = 0
		if !d.isSpeaking {
			d.isSpeaking = true
			return ActivityStarted
		}
		return ActivityNone
	}

	d.silence += frame.Duration()
	if d.isSpeaking && d.silence >= d.config.Hangover {
		d.isSpeaking = false
		d.silence = 0
		return ActivityEnded
	}
	return ActivityNone
}

// IsSpeaking returns whether speech is currently detected
func (d *ActivityDetector) IsSpeaking() bool {
	return d.isSpeaking
}

// DetectSilence reports whether samples fall below an energy threshold
func DetectSilence(samples []int16, threshold float64) bool {
	return CalculateRMS(samples) < threshold
}
