package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// CompletionPath is the OpenAI-compatible chat completion route served by
// local model hosts such as LM Studio.
const CompletionPath = "/v1/chat/completions"

type completionGenerator struct {
	endpoint string
	model    string
	client   *http.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type jsonSchemaFormat struct {
	Name   string          `json:"name"`
	Strict string          `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

type responseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *jsonSchemaFormat `json:"json_schema,omitempty"`
}

type completionRequest struct {
	Model          string          `json:"model,omitempty"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

// NewCompletionGenerator talks to an OpenAI-compatible chat completion endpoint.
func NewCompletionGenerator(endpoint, model string, client *http.Client) Generator {
	if client == nil {
		client = http.DefaultClient
	}
	return &completionGenerator{
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    model,
		client:   client,
	}
}

func (g *completionGenerator) Generate(ctx context.Context, req Request) (Completion, error) {
	payload := completionRequest{Model: g.model}
	if req.System != "" {
		payload.Messages = append(payload.Messages, chatMessage{Role: "system", Content: req.System})
	}
	payload.Messages = append(payload.Messages, chatMessage{Role: "user", Content: req.Prompt})
	if req.Schema != nil {
		payload.ResponseFormat = &responseFormat{
			Type: "json_schema",
			JSONSchema: &jsonSchemaFormat{
				Name:   req.Schema.Name,
				Strict: fmt.Sprint(req.Schema.Strict),
				Schema: req.Schema.Body,
			},
		}
	}
	body, err := marshalBody(payload)
	if err != nil {
		return Completion{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+CompletionPath, bytes.NewReader(body))
	if err != nil {
		return Completion{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := g.client.Do(httpReq)
	if err != nil {
		return Completion{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Completion{}, fmt.Errorf("read completion response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Completion{}, &StatusError{
			Backend:    "completion endpoint",
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(data)),
		}
	}
	if !gjson.ValidBytes(data) {
		return Completion{}, errors.New("completion response is not valid JSON")
	}

	content := gjson.GetBytes(data, "choices.0.message.content")
	if !content.Exists() {
		return Completion{}, errors.New("completion response missing choices[0].message.content")
	}
	return Completion{
		Content:          content.String(),
		PromptTokens:     int(gjson.GetBytes(data, "usage.prompt_tokens").Int()),
		CompletionTokens: int(gjson.GetBytes(data, "usage.completion_tokens").Int()),
		Latency:          time.Since(start),
	}, nil
}

// marshalBody encodes v without HTML escaping so chat text such as "R&D" or
// "<b>" reaches the endpoint verbatim.
func marshalBody(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode completion request: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
