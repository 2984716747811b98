// Package batch uploads a finished recording for asynchronous transcription
// and fetches the result.
package batch

import (
	"context"

	"github.com/lexiqai/livescribe/internal/transcript"
)

// Result is a completed batch transcription
type Result struct {
	Text            string
	Tokens          []transcript.Token
	FileID          string
	TranscriptionID string
}

// Backend transcribes a WAV file
type Backend interface {
	Transcribe(ctx context.Context, wavPath string) (*Result, error)
}

// Transcription status values reported while polling
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusError      = "error"
)

type fileResponse struct {
	ID string `json:"id"`
}

type createRequest struct {
	FileID        string   `json:"file_id"`
	Model         string   `json:"model"`
	LanguageHints []string `json:"language_hints,omitempty"`
}

type transcriptionResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type transcriptResponse struct {
	ID     string             `json:"id"`
	Text   string             `json:"text"`
	Tokens []transcript.Token `json:"tokens"`
}
