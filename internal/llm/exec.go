package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-digest/internal/procexec"
)

type execGenerator struct {
	cmd procexec.Command
}

type execRequest struct {
	System      string          `json:"system,omitempty"`
	Prompt      string          `json:"prompt"`
	Schema      json.RawMessage `json:"schema,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
}

type execResponse struct {
	Content          string `json:"content"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
}

// NewExecGenerator runs command once per summary. The process reads an
// execRequest on stdin and answers with {"content": ...}; plain text output
// is taken as the content itself. Calls are not serialized, so the
// dispatcher's concurrency limit bounds how many helpers run at once.
func NewExecGenerator(command string) (Generator, error) {
	cmd, err := procexec.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("llm exec backend: %w", err)
	}
	return &execGenerator{cmd: cmd}, nil
}

func (g *execGenerator) Generate(ctx context.Context, req Request) (Completion, error) {
	in := execRequest{
		System:      req.System,
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.Schema != nil {
		in.Schema = req.Schema.Body
	}
	input, err := json.Marshal(in)
	if err != nil {
		return Completion{}, err
	}

	start := time.Now()
	output, err := g.cmd.Run(ctx, input)
	if err != nil {
		return Completion{}, fmt.Errorf("llm exec: %w", err)
	}
	output = bytes.TrimSpace(output)
	if len(output) == 0 {
		return Completion{}, errors.New("llm exec: empty output")
	}

	var resp execResponse
	if output[0] != '{' || json.Unmarshal(output, &resp) != nil || resp.Content == "" {
		resp = execResponse{Content: string(output)}
	}
	return Completion{
		Content:          resp.Content,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		Latency:          time.Since(start),
	}, nil
}
