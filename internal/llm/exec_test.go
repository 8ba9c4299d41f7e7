package llm

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "helper.sh")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	return "sh " + path
}

func TestExecGeneratorPassesRequest(t *testing.T) {
	dir := t.TempDir()
	captured := filepath.Join(dir, "stdin.json")
	gen, err := NewExecGenerator(writeScript(t, "cat > "+captured+"\necho '{\"content\":\"{\\\"summary\\\":\\\"all quiet\\\"}\",\"completion_tokens\":4}'\n"))
	if err != nil {
		t.Fatal(err)
	}

	out, err := gen.Generate(context.Background(), Request{
		System:    "summarize",
		Prompt:    "Unread messages: bob: hi",
		Schema:    summarySchema,
		MaxTokens: 64,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out.Content != `{"summary":"all quiet"}` || out.CompletionTokens != 4 {
		t.Fatalf("unexpected completion %+v", out)
	}

	data, err := os.ReadFile(captured)
	if err != nil {
		t.Fatal(err)
	}
	var req execRequest
	if err := json.Unmarshal(data, &req); err != nil {
		t.Fatalf("decode captured request: %v", err)
	}
	if req.System != "summarize" || req.Prompt != "Unread messages: bob: hi" || req.MaxTokens != 64 || len(req.Schema) == 0 {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestExecGeneratorPlainText(t *testing.T) {
	gen, err := NewExecGenerator(writeScript(t, "cat >/dev/null\necho 'Bob asked about lunch.'\n"))
	if err != nil {
		t.Fatal(err)
	}
	out, err := gen.Generate(context.Background(), Request{Prompt: "x"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out.Content != "Bob asked about lunch." {
		t.Fatalf("unexpected content %q", out.Content)
	}
}

func TestExecGeneratorFailure(t *testing.T) {
	gen, err := NewExecGenerator(writeScript(t, "echo 'out of memory' >&2\nexit 1\n"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = gen.Generate(context.Background(), Request{Prompt: "x"})
	if err == nil || !strings.Contains(err.Error(), "out of memory") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
}
