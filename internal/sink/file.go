package sink

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/lexiqai/livescribe/internal/audio"
)

// FileWriter records the mixed stream to a WAV file
type FileWriter struct {
	path   string
	file   *os.File
	writer *audio.WAVWriter
}

// NewFileWriter creates path (and its directory) and writes a WAV header
func NewFileWriter(path string, format audio.Format) (*FileWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create recordings directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording file: %w", err)
	}
	w, err := audio.NewWAVWriter(f, format.SampleRate, format.Channels)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &FileWriter{path: path, file: f, writer: w}, nil
}

func (fw *FileWriter) Name() string { return "file" }

func (fw *FileWriter) WriteFrame(frame audio.MixedFrame) error {
	return fw.writer.WriteSamples(frame.Samples)
}

// Close patches the WAV header and closes the file
func (fw *FileWriter) Close() error {
	if err := fw.writer.Close(); err != nil {
		fw.file.Close()
		return err
	}
	if err := fw.file.Close(); err != nil {
		return fmt.Errorf("failed to close recording file: %w", err)
	}
	return nil
}

// Path returns the recording location
func (fw *FileWriter) Path() string {
	return fw.path
}

// DataBytes returns the PCM bytes written so far
func (fw *FileWriter) DataBytes() int64 {
	return fw.writer.DataBytes()
}
