package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const snapshotYAML = `channels:
  - id: general
    type: messaging
    name: General
    members: [u1, u2, u3]
    last_message_at: 2025-01-01T10:00:00Z
    messages:
      - {id: "1", user_id: u2, user_name: Bob, text: hello, created_at: 2025-01-01T09:00:00Z}
      - {id: "2", user_id: u3, user_name: Carol, text: standup moved, created_at: 2025-01-01T10:00:00Z}
    read:
      u1: {unread_messages: 2}
  - id: random
    type: messaging
    name: Random
    members: [u1, u2]
    messages:
      - {id: "3", user_id: u2, text: lunch?, created_at: 2025-01-02T12:00:00Z}
    read:
      u1: {unread_messages: 0}
  - id: announcements
    type: messaging
    name: Announcements
    members: [u2, u3]
`

func writeSnapshot(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "channels.yaml")
	if err := os.WriteFile(path, []byte(snapshotYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSnapshotQueryFiltersAndSorts(t *testing.T) {
	src, err := LoadSnapshot(writeSnapshot(t))
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	channels, err := src.QueryChannels(context.Background(), Query{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(channels) != 2 {
		t.Fatalf("expected 2 channels for u1, got %d", len(channels))
	}
	// random's last_message_at is derived from its newest message.
	if channels[0].ID != "random" || channels[1].ID != "general" {
		t.Fatalf("unexpected order %s, %s", channels[0].ID, channels[1].ID)
	}

	limited, _ := src.QueryChannels(context.Background(), Query{UserID: "u1", Limit: 1, Offset: 1})
	if len(limited) != 1 || limited[0].ID != "general" {
		t.Fatalf("unexpected page %+v", limited)
	}

	oldest, err := src.QueryChannels(context.Background(), Query{UserID: "u1", Sort: SortOldestFirst})
	if err != nil {
		t.Fatal(err)
	}
	if oldest[0].ID != "general" || oldest[1].ID != "random" {
		t.Fatalf("unexpected oldest-first order %s, %s", oldest[0].ID, oldest[1].ID)
	}
	if _, err := src.QueryChannels(context.Background(), Query{UserID: "u1", Sort: "name"}); !errors.Is(err, ErrUnknownSort) {
		t.Fatalf("expected ErrUnknownSort, got %v", err)
	}
}

func TestSnapshotQueryReturnsCopies(t *testing.T) {
	src, err := LoadSnapshot(writeSnapshot(t))
	if err != nil {
		t.Fatal(err)
	}
	first, _ := src.QueryChannels(context.Background(), Query{UserID: "u1"})
	first[1].Read["u1"] = ReadState{UnreadMessages: 99}
	first[1].Messages[0].Text = "mutated"

	second, _ := src.QueryChannels(context.Background(), Query{UserID: "u1"})
	if second[1].Read["u1"].UnreadMessages != 2 || second[1].Messages[0].Text != "hello" {
		t.Fatal("snapshot mutated through returned channel")
	}
}

func TestSnapshotSendMessageBumpsUnread(t *testing.T) {
	src := NewSnapshotSource([]Channel{{ID: "general", Members: []string{"u1", "u2"}, Read: map[string]ReadState{}}})
	if err := src.SendMessage(context.Background(), "general", Message{UserID: "u2", Text: "ping"}); err != nil {
		t.Fatal(err)
	}
	channels, _ := src.QueryChannels(context.Background(), Query{UserID: "u1"})
	lines, err := UnreadMessages(channels[0], "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 1 || lines[0] != "u2: ping" {
		t.Fatalf("unexpected unread %v", lines)
	}
	if n, _ := UnreadCount(channels[0], "u2"); n != 0 {
		t.Fatalf("sender should have no unread, got %d", n)
	}
	if err := src.SendMessage(context.Background(), "missing", Message{}); err == nil {
		t.Fatal("expected error for unknown channel")
	}
}

func TestLoadSnapshotMissingFile(t *testing.T) {
	src, err := LoadSnapshot(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	channels, _ := src.QueryChannels(context.Background(), Query{})
	if len(channels) != 0 {
		t.Fatalf("expected empty source")
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	path := writeSnapshot(t)
	src, err := LoadSnapshot(path)
	if err != nil {
		t.Fatal(err)
	}
	if src.Len() != 3 {
		t.Fatalf("expected 3 channels, got %d", src.Len())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- src.Watch(ctx, slog.New(slog.NewTextHandler(io.Discard, nil)))
	}()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("watch: %v", err)
		}
	})

	updated := "channels:\n  - id: only\n    name: Only\n    members: [u1]\n"
	deadline := time.Now().Add(5 * time.Second)
	for src.Len() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("snapshot never reloaded, still %d channels", src.Len())
		}
		// Rewrite until the watcher has registered and picked up a change.
		if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(300 * time.Millisecond)
	}
}
