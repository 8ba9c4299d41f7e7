package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/loqalabs/loqa-digest/internal/procexec"
)

type execSynth struct {
	cmd procexec.Command
}

type execRequest struct {
	Text    string `json:"text"`
	Voice   string `json:"voice"`
	ModelID string `json:"model_id,omitempty"`
}

type execChunk struct {
	AudioBase64 string `json:"audio_base64"`
	ContentType string `json:"content_type"`
	Final       bool   `json:"final"`
}

// NewExecSynth runs command once per synthesis, for local engines such as
// piper. The process reads an execRequest on stdin and writes one JSON
// execChunk per line.
func NewExecSynth(command string) (Synthesizer, error) {
	cmd, err := procexec.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("tts exec backend: %w", err)
	}
	return &execSynth{cmd: cmd}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		input, err := json.Marshal(execRequest{Text: req.Text, Voice: req.Voice, ModelID: req.ModelID})
		if err != nil {
			errs <- err
			return
		}
		sequence := 0
		err = e.cmd.Stream(ctx, input, func(line []byte) error {
			var chunk execChunk
			if err := json.Unmarshal(line, &chunk); err != nil {
				return fmt.Errorf("decode tts chunk %d: %w", sequence, err)
			}
			audio, err := base64.StdEncoding.DecodeString(chunk.AudioBase64)
			if err != nil {
				return fmt.Errorf("decode tts chunk %d audio: %w", sequence, err)
			}
			select {
			case chunks <- SynthChunk{Sequence: sequence, ContentType: chunk.ContentType, Data: audio, Final: chunk.Final}:
			case <-ctx.Done():
				return ctx.Err()
			}
			sequence++
			return nil
		})
		if err != nil {
			errs <- fmt.Errorf("tts exec: %w", err)
		}
	}()
	return chunks, errs
}
