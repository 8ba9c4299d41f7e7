package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-digest/internal/capability"
	"github.com/loqalabs/loqa-digest/internal/chat"
	"github.com/loqalabs/loqa-digest/internal/config"
	"github.com/loqalabs/loqa-digest/internal/digest"
	"github.com/loqalabs/loqa-digest/internal/eventstore"
	"github.com/loqalabs/loqa-digest/internal/llm"
	"github.com/loqalabs/loqa-digest/internal/playback"
	"github.com/loqalabs/loqa-digest/internal/protocol"
	"github.com/loqalabs/loqa-digest/internal/summary"
	"github.com/loqalabs/loqa-digest/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestAPI(t *testing.T) *httptest.Server {
	t.Helper()
	logger := newLogger()

	source := chat.NewSnapshotSource([]chat.Channel{
		{
			ID:            "c1",
			Name:          "general",
			Members:       []string{"me", "bob"},
			Messages:      []chat.Message{{UserID: "bob", UserName: "Bob", Text: "standup moved to 10"}},
			Read:          map[string]chat.ReadState{"me": {UnreadMessages: 1}, "bob": {}},
			LastMessageAt: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC),
		},
	})
	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "events.db"),
		RetentionMode: "session",
	}, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	blobs := tts.NewBlobStore("")
	synth := tts.NewMockSynth()
	svc := digest.NewService(context.Background(), digest.Options{
		Source:     source,
		Dispatcher: summary.NewDispatcher(llm.NewMockGenerator(), summary.NewTracker(), summary.Options{}, logger),
		Controller: playback.NewController(synth, blobs, playback.MemoryFactory, config.DefaultSpeechModel, logger),
		Catalog:    tts.NewCatalog(synth, config.DefaultVoiceID, logger),
		History:    store,
	}, nil, logger)
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)

	mux := http.NewServeMux()
	newAPI(svc, source, blobs, store, logger).register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, rdr)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

type batchBody struct {
	ID          string           `json:"id"`
	CompletedAt string           `json:"completed_at"`
	Records     []summary.Record `json:"records"`
}

func TestDigestLifecycle(t *testing.T) {
	srv := newTestAPI(t)

	var started batchBody
	if code := doJSON(t, http.MethodPost, srv.URL+"/v1/digest", protocol.DigestRequest{UserID: "me"}, &started); code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", code)
	}
	if len(started.Records) != 1 || started.Records[0].Status != summary.Pending || started.Records[0].ChannelName != "general" {
		t.Fatalf("unexpected placeholder batch %+v", started)
	}

	var current batchBody
	deadline := time.Now().Add(2 * time.Second)
	for {
		doJSON(t, http.MethodGet, srv.URL+"/v1/digest", nil, &current)
		if current.CompletedAt != "" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("batch never completed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if current.ID != started.ID || current.Records[0].Status != summary.Succeeded {
		t.Fatalf("unexpected final batch %+v", current)
	}

	var history struct {
		Batches []batchBody `json:"batches"`
	}
	deadline = time.Now().Add(2 * time.Second)
	for len(history.Batches) == 0 && time.Now().Before(deadline) {
		if code := doJSON(t, http.MethodGet, srv.URL+"/v1/digest/history?user_id=me", nil, &history); code != http.StatusOK {
			t.Fatalf("history status %d", code)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(history.Batches) != 1 || history.Batches[0].ID != started.ID {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestDigestRequiresUser(t *testing.T) {
	srv := newTestAPI(t)
	var body map[string]string
	if code := doJSON(t, http.MethodPost, srv.URL+"/v1/digest", protocol.DigestRequest{}, &body); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
	if body["error"] == "" {
		t.Fatal("expected error message")
	}
}

func TestDigestNothingUnread(t *testing.T) {
	srv := newTestAPI(t)
	var batch batchBody
	if code := doJSON(t, http.MethodPost, srv.URL+"/v1/digest", protocol.DigestRequest{UserID: "bob"}, &batch); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if batch.ID != "" || len(batch.Records) != 0 {
		t.Fatalf("expected empty batch, got %+v", batch)
	}
}

func TestSpeechAndAudio(t *testing.T) {
	srv := newTestAPI(t)

	var rejected map[string]string
	if code := doJSON(t, http.MethodPost, srv.URL+"/v1/speech", protocol.SpeechRequest{All: true}, &rejected); code != http.StatusBadRequest {
		t.Fatalf("read-all without a batch should be rejected, got %d", code)
	}

	if code := doJSON(t, http.MethodPost, srv.URL+"/v1/speech", protocol.SpeechRequest{Text: "hello there"}, nil); code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", code)
	}
	var state protocol.SpeechStatus
	deadline := time.Now().Add(2 * time.Second)
	for {
		doJSON(t, http.MethodGet, srv.URL+"/v1/speech", nil, &state)
		if state.Playing {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("speech never started, last state %+v", state)
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Get(srv.URL + state.AudioURL)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "audio/mpeg" {
		t.Fatalf("unexpected audio response %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	if !strings.HasSuffix(string(data), config.DefaultVoiceID+":hello there") {
		t.Fatalf("audio should be synthesized with the default voice, got %q", data)
	}

	if code := doJSON(t, http.MethodPost, srv.URL+"/v1/speech/pause", nil, &state); code != http.StatusOK || state.Playing {
		t.Fatalf("pause failed: %d %+v", code, state)
	}

	resp, err = http.Get(srv.URL + "/audio/unknown")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestVoices(t *testing.T) {
	srv := newTestAPI(t)
	var body struct {
		Voices []tts.Voice `json:"voices"`
		Error  string      `json:"error"`
	}
	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/voices", nil, &body); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(body.Voices) != 1 || body.Voices[0].VoiceID != "mock-voice" || body.Error != "" {
		t.Fatalf("unexpected voices %+v", body)
	}
}

func TestChannelsAndSendMessage(t *testing.T) {
	srv := newTestAPI(t)

	msg := chat.Message{UserID: "bob", UserName: "Bob", Text: "also bring snacks"}
	if code := doJSON(t, http.MethodPost, srv.URL+"/v1/channels/c1/messages", msg, nil); code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", code)
	}
	var missing map[string]string
	if code := doJSON(t, http.MethodPost, srv.URL+"/v1/channels/nope/messages", msg, &missing); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}

	var body struct {
		Channels []channelView `json:"channels"`
	}
	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/channels?user_id=me", nil, &body); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(body.Channels) != 1 || body.Channels[0].Unread != 2 {
		t.Fatalf("unexpected channels %+v", body.Channels)
	}
	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/channels?user_id=me&sort=name", nil, &missing); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown sort, got %d", code)
	}
}

func TestPublicBaseURL(t *testing.T) {
	cases := []struct {
		cfg  config.HTTPConfig
		want string
	}{
		{config.HTTPConfig{Bind: "0.0.0.0", Port: 8080}, "http://localhost:8080"},
		{config.HTTPConfig{Bind: "10.0.0.5", Port: 9000}, "http://10.0.0.5:9000"},
		{config.HTTPConfig{Bind: "0.0.0.0", Port: 8080, PublicBaseURL: "https://digest.example"}, "https://digest.example"},
	}
	for _, tc := range cases {
		if got := publicBaseURL(tc.cfg); got != tc.want {
			t.Errorf("publicBaseURL(%+v) = %q, want %q", tc.cfg, got, tc.want)
		}
	}
}

type staticNodes []capability.NodeInfo

func (s staticNodes) Query(filter func(capability.NodeInfo) bool) []capability.NodeInfo {
	var out []capability.NodeInfo
	for _, n := range s {
		if filter == nil || filter(n) {
			out = append(out, n)
		}
	}
	return out
}

func TestNodes(t *testing.T) {
	a := &api{logger: newLogger()}
	mux := http.NewServeMux()
	a.register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	var body struct {
		Nodes []capability.NodeInfo `json:"nodes"`
	}
	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/nodes", nil, &body); code != http.StatusOK || body.Nodes == nil || len(body.Nodes) != 0 {
		t.Fatalf("expected empty node list without a bus, got %d %+v", code, body.Nodes)
	}

	a.nodes = staticNodes{
		{ID: "digest-node-1", Capabilities: []capability.Capability{{Name: capability.Summarize}}, Healthy: true},
		{ID: "kitchen", Capabilities: []capability.Capability{{Name: capability.Render}}, Healthy: true},
	}
	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/nodes?capability="+capability.Render, nil, &body); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(body.Nodes) != 1 || body.Nodes[0].ID != "kitchen" {
		t.Fatalf("unexpected nodes %+v", body.Nodes)
	}
}
