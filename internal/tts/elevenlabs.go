package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	DefaultElevenLabsEndpoint = "https://api.elevenlabs.io"
	streamChunkSize           = 32 * 1024
)

// ElevenLabs talks to the ElevenLabs text-to-speech REST API.
type ElevenLabs struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewElevenLabs(endpoint, apiKey string, client *http.Client) *ElevenLabs {
	if endpoint == "" {
		endpoint = DefaultElevenLabsEndpoint
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &ElevenLabs{endpoint: strings.TrimRight(endpoint, "/"), apiKey: apiKey, client: client}
}

type elevenLabsRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id,omitempty"`
}

func (e *ElevenLabs) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		if req.Voice == "" {
			errs <- errors.New("voice id is required")
			return
		}
		body, err := json.Marshal(elevenLabsRequest{Text: req.Text, ModelID: req.ModelID})
		if err != nil {
			errs <- fmt.Errorf("marshal payload: %w", err)
			return
		}
		target := fmt.Sprintf("%s/v1/text-to-speech/%s/stream", e.endpoint, url.PathEscape(req.Voice))
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			errs <- fmt.Errorf("build request: %w", err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "audio/mpeg")
		e.authorize(httpReq)

		resp, err := e.client.Do(httpReq)
		if err != nil {
			errs <- fmt.Errorf("call elevenlabs: %w", err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			errs <- fmt.Errorf("elevenlabs returned status %s: %s", resp.Status, strings.TrimSpace(string(msg)))
			return
		}

		contentType := resp.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "audio/mpeg"
		}
		buf := make([]byte, streamChunkSize)
		sequence := 0
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				data := append([]byte(nil), buf[:n]...)
				select {
				case chunks <- SynthChunk{Sequence: sequence, ContentType: contentType, Data: data}:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
				sequence++
			}
			if readErr == io.EOF {
				return
			}
			if readErr != nil {
				errs <- fmt.Errorf("read audio stream: %w", readErr)
				return
			}
		}
	}()
	return chunks, errs
}

// ListVoices fetches the account's voices.
func (e *ElevenLabs) ListVoices(ctx context.Context) ([]Voice, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, e.endpoint+"/v2/voices?include_total_count=false", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	e.authorize(httpReq)
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call elevenlabs: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs returned status %s", resp.Status)
	}
	var payload struct {
		Voices []Voice `json:"voices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode voices: %w", err)
	}
	return payload.Voices, nil
}

func (e *ElevenLabs) authorize(req *http.Request) {
	if e.apiKey != "" {
		req.Header.Set("xi-api-key", e.apiKey)
	}
}
