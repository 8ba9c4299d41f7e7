package tts

import (
	"context"
	"time"
)

// MockSynth is an offline synthesizer for development and tests.
type MockSynth struct{}

// NewMockSynth returns a synthesizer that emits a short fake MP3 frame for
// every request, plus a single-voice catalog.
func NewMockSynth() *MockSynth {
	return &MockSynth{}
}

func (m *MockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(50 * time.Millisecond):
		}
		data := append([]byte("ID3"), []byte(req.Voice+":"+req.Text)...)
		chunks <- SynthChunk{
			Sequence:    0,
			ContentType: "audio/mpeg",
			Data:        data,
			Final:       true,
		}
	}()
	return chunks, errs
}

func (m *MockSynth) ListVoices(context.Context) ([]Voice, error) {
	return []Voice{{VoiceID: "mock-voice", Name: "Mock"}}, nil
}
