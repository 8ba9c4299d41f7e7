package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-digest/internal/config"
)

// Schema constrains the model to a JSON document.
type Schema struct {
	Name   string
	Strict bool
	Body   json.RawMessage
}

// Request describes a single completion prompt.
type Request struct {
	System      string
	Prompt      string
	Schema      *Schema
	MaxTokens   int
	Temperature float64
}

// Completion is the final model output.
type Completion struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request) (Completion, error)
}

// StatusError reports a non-2xx answer from an HTTP backend.
type StatusError struct {
	Backend    string
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned status %s", e.Backend, e.Status)
	}
	return fmt.Sprintf("%s returned status %s: %s", e.Backend, e.Status, e.Body)
}

// New builds the generator selected by cfg.Mode.
func New(cfg config.LLMConfig) (Generator, error) {
	client := &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond}
	switch cfg.Mode {
	case "mock":
		return NewMockGenerator(), nil
	case "completion":
		return NewCompletionGenerator(cfg.Endpoint, cfg.Model, client), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model, client), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	default:
		return nil, fmt.Errorf("unsupported llm mode %q", cfg.Mode)
	}
}

// OptionsFromConfig builds request defaults from config.
func OptionsFromConfig(cfg config.LLMConfig) Request {
	return Request{MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature}
}
