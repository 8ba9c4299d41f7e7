package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type mockGenerator struct{}

func NewMockGenerator() Generator { return &mockGenerator{} }

func (m *mockGenerator) Generate(ctx context.Context, req Request) (Completion, error) {
	select {
	case <-ctx.Done():
		return Completion{}, ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	text := fmt.Sprintf("[mock summary of %d characters]", len(strings.TrimSpace(req.Prompt)))
	content := text
	if req.Schema != nil {
		data, err := json.Marshal(map[string]string{"summary": text})
		if err != nil {
			return Completion{}, err
		}
		content = string(data)
	}
	return Completion{Content: content, Latency: 20 * time.Millisecond}, nil
}
