package digest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-digest/internal/bus"
	"github.com/loqalabs/loqa-digest/internal/chat"
	"github.com/loqalabs/loqa-digest/internal/config"
	"github.com/loqalabs/loqa-digest/internal/llm"
	"github.com/loqalabs/loqa-digest/internal/natsserver"
	"github.com/loqalabs/loqa-digest/internal/playback"
	"github.com/loqalabs/loqa-digest/internal/protocol"
	"github.com/loqalabs/loqa-digest/internal/summary"
	"github.com/loqalabs/loqa-digest/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testChannels() []chat.Channel {
	mk := func(id, name string, unread int) chat.Channel {
		return chat.Channel{
			ID:      id,
			Name:    name,
			Members: []string{"me", "bob"},
			Messages: []chat.Message{
				{UserName: "bob", Text: "hi"},
				{UserName: "bob", Text: "lunch?"},
			},
			Read:          map[string]chat.ReadState{"me": {UnreadMessages: unread}},
			LastMessageAt: time.Now(),
		}
	}
	return []chat.Channel{mk("c1", "general", 1), mk("c2", "random", 0), mk("c3", "", 2)}
}

type memHistory struct {
	mu      sync.Mutex
	batches []summary.Batch
}

func (m *memHistory) AppendBatch(_ context.Context, b summary.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, b)
	return nil
}

func (m *memHistory) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

func newTestService(t *testing.T, client *bus.Client, factory playback.HandleFactory) (*Service, *memHistory) {
	t.Helper()
	logger := newLogger()
	dispatcher := summary.NewDispatcher(llm.NewMockGenerator(), summary.NewTracker(), summary.Options{}, logger)
	synth := tts.NewMockSynth()
	history := &memHistory{}
	svc := NewService(context.Background(), Options{
		Source:      chat.NewSnapshotSource(testChannels()),
		Dispatcher:  dispatcher,
		Controller:  playback.NewController(synth, tts.NewBlobStore("http://localhost:8080"), factory, "", logger),
		Catalog:     tts.NewCatalog(synth, config.DefaultVoiceID, logger),
		History:     history,
		DefaultUser: "me",
	}, client, logger)
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc, history
}

func TestSummarizeRecordsHistory(t *testing.T) {
	svc, history := newTestService(t, nil, playback.MemoryFactory)

	batch, err := svc.Summarize(context.Background(), "")
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if len(batch.Records) != 2 || batch.Records[0].ChannelID != "c1" || batch.Records[1].ChannelName != chat.UnnamedChannel {
		t.Fatalf("unexpected batch %+v", batch.Records)
	}
	if !batch.Done() || history.len() != 1 {
		t.Fatalf("expected completed batch in history, done=%v history=%d", batch.Done(), history.len())
	}
}

func TestBeginReturnsPlaceholders(t *testing.T) {
	svc, history := newTestService(t, nil, playback.MemoryFactory)

	pending, err := svc.Begin(context.Background(), "me")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	for _, rec := range pending.Records {
		if !rec.Pending() || rec.Summary != "" {
			t.Fatalf("expected placeholders, got %+v", rec)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for history.len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("batch never completed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if cur := svc.Current(); cur.ID != pending.ID || !cur.Done() {
		t.Fatalf("unexpected current batch %+v", cur)
	}
}

func TestBeginNothingUnread(t *testing.T) {
	svc, _ := newTestService(t, nil, playback.MemoryFactory)
	batch, err := svc.Begin(context.Background(), "stranger")
	if err != nil || batch.ID != "" {
		t.Fatalf("expected empty batch, got %+v %v", batch, err)
	}
}

func TestSpeakAllWithoutBatch(t *testing.T) {
	svc, _ := newTestService(t, nil, playback.MemoryFactory)
	if err := svc.Speak(context.Background(), protocol.SpeechRequest{All: true}); !errors.Is(err, ErrNothingToRead) {
		t.Fatalf("expected ErrNothingToRead, got %v", err)
	}
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	logger := newLogger()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, logger)
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestBusDigestAndSpeech(t *testing.T) {
	client := startBus(t)
	svc, _ := newTestService(t, client, playback.BusFactory(client, "kitchen"))

	updates, err := client.Conn().SubscribeSync(protocol.SubjectDigestBatchUpdated)
	if err != nil {
		t.Fatal(err)
	}
	commands, err := client.Conn().SubscribeSync(protocol.SubjectPlaybackCommand)
	if err != nil {
		t.Fatal(err)
	}

	data, _ := json.Marshal(protocol.DigestRequest{RequestID: "r1", UserID: "me"})
	msg, err := client.Conn().Request(protocol.SubjectDigestRequest, data, 5*time.Second)
	if err != nil {
		t.Fatalf("digest request: %v", err)
	}
	var reply protocol.DigestBatch
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.RequestID != "r1" || reply.Error != "" || len(reply.Records) != 2 || reply.CompletedAt == nil {
		t.Fatalf("unexpected reply %+v", reply)
	}
	for _, rec := range reply.Records {
		if rec.Status != "succeeded" || rec.Summary == "" {
			t.Fatalf("unexpected record %+v", rec)
		}
	}

	first := nextMsg[protocol.DigestBatch](t, updates)
	if first.Records[0].Status != "pending" || first.CompletedAt != nil {
		t.Fatalf("first update should be the placeholder batch, got %+v", first)
	}

	if err := svc.Speak(context.Background(), protocol.SpeechRequest{All: true}); err != nil {
		t.Fatalf("speak: %v", err)
	}
	setSource := nextMsg[protocol.PlaybackCommand](t, commands)
	play := nextMsg[protocol.PlaybackCommand](t, commands)
	if setSource.Action != protocol.PlaybackActionSetSource || play.Action != protocol.PlaybackActionPlay {
		t.Fatalf("unexpected commands %s, %s", setSource.Action, play.Action)
	}
	if setSource.Target != "kitchen" || setSource.AudioURL == "" {
		t.Fatalf("unexpected command %+v", setSource)
	}

	if err := client.Conn().Publish(protocol.SubjectSpeechPause, nil); err != nil {
		t.Fatal(err)
	}
	pause := nextMsg[protocol.PlaybackCommand](t, commands)
	if pause.Action != protocol.PlaybackActionPause || pause.AudioID != play.AudioID {
		t.Fatalf("unexpected pause %+v", pause)
	}
}

func TestStartRestoresRetainedBatch(t *testing.T) {
	client := startBus(t)
	first, _ := newTestService(t, client, playback.MemoryFactory)
	done, err := first.Summarize(context.Background(), "me")
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		var last protocol.DigestBatch
		err := client.LastJSON(protocol.StreamDigest, protocol.SubjectDigestBatchUpdated, &last)
		if err == nil && last.BatchID == done.ID && last.CompletedAt != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("completed batch never retained: %+v (%v)", last, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	restarted, _ := newTestService(t, client, playback.MemoryFactory)
	cur := restarted.Current()
	if cur.ID != done.ID || !cur.Done() || cur.CompletedAt.IsZero() || len(cur.Records) != len(done.Records) {
		t.Fatalf("unexpected restored batch %+v", cur)
	}
	if cur.Records[0].Summary != done.Records[0].Summary {
		t.Fatalf("restored summary %q, want %q", cur.Records[0].Summary, done.Records[0].Summary)
	}
	if err := restarted.Speak(context.Background(), protocol.SpeechRequest{All: true}); err != nil {
		t.Fatalf("speak restored batch: %v", err)
	}
}

func TestBatchFromWireRejectsUnknownStatus(t *testing.T) {
	_, err := BatchFromWire(protocol.DigestBatch{Records: []protocol.DigestRecord{{ChannelID: "c1", Status: "exploded"}}})
	if err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func nextMsg[T any](t *testing.T, sub *nats.Subscription) T {
	t.Helper()
	var out T
	msg, err := sub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("waiting on %s: %v", sub.Subject, err)
	}
	if err := json.Unmarshal(msg.Data, &out); err != nil {
		t.Fatalf("decode %s: %v", sub.Subject, err)
	}
	return out
}
