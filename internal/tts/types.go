package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-digest/internal/config"
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	Text    string
	Voice   string
	ModelID string
}

// SynthChunk carries one piece of encoded audio.
type SynthChunk struct {
	Sequence    int
	ContentType string
	Data        []byte
	Final       bool
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// Voice is one entry of the voice catalog.
type Voice struct {
	VoiceID string `json:"voice_id"`
	Name    string `json:"name"`
}

// VoiceLister fetches the voices a synthesis backend offers.
type VoiceLister interface {
	ListVoices(ctx context.Context) ([]Voice, error)
}

// ErrVoiceCatalogUnavailable is returned when the voice list cannot be fetched.
var ErrVoiceCatalogUnavailable = errors.New("voice catalog unavailable")

// SynthesisError wraps any failure to produce playable audio.
type SynthesisError struct {
	Message string
	Err     error
}

func (e *SynthesisError) Error() string {
	return "speech synthesis failed: " + e.Message
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// New builds the synthesizer and voice lister selected by cfg.Mode.
func New(cfg config.SpeechConfig) (Synthesizer, VoiceLister, error) {
	switch cfg.Mode {
	case "mock":
		m := NewMockSynth()
		return m, m, nil
	case "elevenlabs":
		client := &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond}
		el := NewElevenLabs(cfg.Endpoint, cfg.APIKey, client)
		return el, el, nil
	case "exec":
		s, err := NewExecSynth(cfg.Command)
		if err != nil {
			return nil, nil, err
		}
		return s, StaticVoices{{VoiceID: cfg.DefaultVoiceID, Name: "Default"}}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported speech mode %q", cfg.Mode)
	}
}

// StaticVoices is a fixed voice list for backends without a catalog API.
type StaticVoices []Voice

func (s StaticVoices) ListVoices(context.Context) ([]Voice, error) {
	return append([]Voice(nil), s...), nil
}

// Collect drains a synthesis stream into one buffer. Any stream error, or an
// empty result, is reported as a *SynthesisError.
func Collect(ctx context.Context, chunks <-chan SynthChunk, errs <-chan error) ([]byte, string, error) {
	var (
		buf         bytes.Buffer
		contentType string
	)
	for chunks != nil || errs != nil {
		select {
		case <-ctx.Done():
			return nil, "", &SynthesisError{Message: ctx.Err().Error(), Err: ctx.Err()}
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if contentType == "" {
				contentType = chunk.ContentType
			}
			buf.Write(chunk.Data)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				var se *SynthesisError
				if errors.As(err, &se) {
					return nil, "", se
				}
				return nil, "", &SynthesisError{Message: err.Error(), Err: err}
			}
		}
	}
	if buf.Len() == 0 {
		return nil, "", &SynthesisError{Message: "no audio returned"}
	}
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	return buf.Bytes(), contentType, nil
}
