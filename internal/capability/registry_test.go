package capability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-digest/internal/bus"
	"github.com/loqalabs/loqa-digest/internal/config"
	"github.com/loqalabs/loqa-digest/internal/natsserver"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRegistryTracksRenderers(t *testing.T) {
	client := startBus(t)
	cfg := config.NodeConfig{ID: "digest-1", Role: "digest", HeartbeatInterval: 50, HeartbeatTimeout: 5000}
	local := LocalCapabilities(config.Default())

	reannounced, err := client.Conn().SubscribeSync(subjectAnnounce)
	if err != nil {
		t.Fatal(err)
	}

	reg, err := NewRegistry(context.Background(), cfg, local, client, newLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(reg.Close)

	waitFor(t, reg.Healthy)
	if len(reg.Renderers()) != 0 {
		t.Fatal("no renderer announced yet")
	}

	if err := client.PublishJSON(context.Background(), subjectAnnounce, announceMessage{
		NodeID:       "kitchen-display",
		Role:         "renderer",
		Capabilities: []Capability{{Name: Render, Attributes: map[string]string{"target": "kitchen"}}},
	}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(reg.Renderers()) == 1 })

	renderer := reg.Renderers()[0]
	if renderer.ID != "kitchen-display" || renderer.Capabilities[0].Attributes["target"] != "kitchen" {
		t.Fatalf("unexpected renderer %+v", renderer)
	}

	var sawSelfAgain int
	for {
		msg, err := reannounced.NextMsg(500 * time.Millisecond)
		if err != nil {
			break
		}
		var ann announceMessage
		if err := json.Unmarshal(msg.Data, &ann); err == nil && ann.NodeID == "digest-1" {
			sawSelfAgain++
		}
	}
	if sawSelfAgain < 2 {
		t.Fatalf("expected the daemon to re-announce for a newcomer, saw %d announcements", sawSelfAgain)
	}

	nodes := reg.Query(WithCapability(Summarize))
	if len(nodes) != 1 || nodes[0].ID != "digest-1" {
		t.Fatalf("unexpected summarize nodes %+v", nodes)
	}
}

func TestEvaluateHealthMarksSilentNodes(t *testing.T) {
	r := &Registry{
		cfg:   config.NodeConfig{ID: "self", HeartbeatTimeout: 1000},
		nodes: make(map[string]*NodeInfo),
		clock: time.Now,
	}
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r.updateNode("display", "renderer", []Capability{{Name: Render}}, base)
	r.updateNode("self", "digest", nil, base.Add(1500*time.Millisecond))

	r.clock = func() time.Time { return base.Add(2 * time.Second) }
	r.evaluateHealth()

	if len(r.Renderers()) != 0 {
		t.Fatal("silent renderer should be unhealthy")
	}
	if !r.Healthy() {
		t.Fatal("recently seen node should stay healthy")
	}
}
