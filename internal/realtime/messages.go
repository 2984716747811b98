package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/lexiqai/livescribe/internal/transcript"
)

// Credentials authenticate a realtime session
type Credentials struct {
	APIKey string
}

// StreamConfig describes the audio the client will send
type StreamConfig struct {
	Model             string
	AudioFormat       string // pcm_s16le or mulaw
	SampleRate        int
	Channels          int
	LanguageHints     []string
	EnableDiarization bool
}

// configMessage is the first message on every connection
type configMessage struct {
	APIKey                   string   `json:"api_key"`
	Model                    string   `json:"model"`
	AudioFormat              string   `json:"audio_format"`
	SampleRate               int      `json:"sample_rate"`
	NumChannels              int      `json:"num_channels"`
	LanguageHints            []string `json:"language_hints"`
	EnableSpeakerDiarization bool     `json:"enable_speaker_diarization"`
}

func newConfigMessage(creds Credentials, cfg StreamConfig) configMessage {
	hints := cfg.LanguageHints
	if hints == nil {
		hints = []string{}
	}
	return configMessage{
		APIKey:                   creds.APIKey,
		Model:                    cfg.Model,
		AudioFormat:              cfg.AudioFormat,
		SampleRate:               cfg.SampleRate,
		NumChannels:              cfg.Channels,
		LanguageHints:            hints,
		EnableSpeakerDiarization: cfg.EnableDiarization,
	}
}

// serverMessage is any JSON message sent by the service
type serverMessage struct {
	Tokens       []transcript.Token `json:"tokens"`
	Finished     bool               `json:"finished"`
	ErrorCode    errorCode          `json:"error_code"`
	ErrorMessage string             `json:"error_message"`
}

// errorCode accepts both numeric and string codes
type errorCode string

func (c *errorCode) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*c = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = errorCode(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid error_code: %s", data)
	}
	*c = errorCode(n.String())
	return nil
}

// Control markers the service may interleave with recognized text
var controlTokens = map[string]bool{
	"<end>": true,
	"<fin>": true,
}

func parseServerMessage(data []byte) (*serverMessage, error) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}

	tokens := msg.Tokens[:0]
	for _, tok := range msg.Tokens {
		if controlTokens[tok.Text] {
			continue
		}
		tokens = append(tokens, tok)
	}
	msg.Tokens = tokens
	return &msg, nil
}

var fatalCodes = map[string]bool{
	"invalid_request":  true,
	"unauthenticated":  true,
	"unauthorized":     true,
	"invalid_api_key":  true,
	"payment_required": true,
	"forbidden":        true,
}

// isFatalCode reports whether retrying cannot help: client errors other than
// timeouts and rate limits
func isFatalCode(code string) bool {
	if fatalCodes[code] {
		return true
	}
	n, err := strconv.Atoi(code)
	if err != nil {
		return false
	}
	return n >= 400 && n < 500 && n != 408 && n != 429
}
