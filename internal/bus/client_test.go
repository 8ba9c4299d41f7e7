package bus

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-digest/internal/config"
	"github.com/loqalabs/loqa-digest/internal/natsserver"
)

func connect(t *testing.T) *Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, logger)
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

type ping struct {
	N int `json:"n"`
}

func TestPublishCarriesTraceContext(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	client := connect(t)
	sub, err := client.Conn().SubscribeSync("test.trace")
	if err != nil {
		t.Fatal(err)
	}

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		SpanID:     trace.SpanID{1, 2, 3, 4, 5, 6, 7, 8},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	if err := client.PublishJSON(ctx, "test.trace", ping{N: 1}); err != nil {
		t.Fatal(err)
	}

	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Header.Get("Content-Type") != "application/json" {
		t.Fatalf("missing content type header: %v", msg.Header)
	}
	got := trace.SpanContextFromContext(ExtractContext(context.Background(), msg))
	if got.TraceID() != sc.TraceID() {
		t.Fatalf("trace id not propagated: %s", got.TraceID())
	}
}

func TestRequestJSON(t *testing.T) {
	client := connect(t)
	_, err := client.Conn().Subscribe("test.echo", func(msg *nats.Msg) {
		_ = msg.Respond(msg.Data)
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var out ping
	if err := client.RequestJSON(ctx, "test.echo", ping{N: 7}, &out); err != nil {
		t.Fatalf("request: %v", err)
	}
	if out.N != 7 {
		t.Fatalf("unexpected reply %+v", out)
	}
}

func TestEnsureStreamRetainsLastMessage(t *testing.T) {
	client := connect(t)
	for i := 0; i < 2; i++ {
		if err := client.EnsureStream("TEST", []string{"test.state"}, 4); err != nil {
			t.Fatalf("ensure stream (pass %d): %v", i, err)
		}
	}
	for n := 1; n <= 3; n++ {
		if err := client.PublishJSON(context.Background(), "test.state", ping{N: n}); err != nil {
			t.Fatal(err)
		}
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatal(err)
	}

	var last ping
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := client.LastJSON("TEST", "test.state", &last)
		if err == nil && last.N == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected last message 3, got %+v (%v)", last, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConnectRequiresServers(t *testing.T) {
	if _, err := Connect(context.Background(), config.BusConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("expected error without servers")
	}
}
