package summary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-digest/internal/chat"
	"github.com/loqalabs/loqa-digest/internal/config"
	"github.com/loqalabs/loqa-digest/internal/llm"
)

// Mode selects how per-channel failures affect the batch.
type Mode string

const (
	// ModeStrict rejects the whole batch when any channel fails.
	ModeStrict Mode = "strict"
	// ModePartial resolves every channel independently.
	ModePartial Mode = "partial"
)

const instrumentationName = "github.com/loqalabs/loqa-digest/summary"

// ErrSuperseded is returned when a newer batch started before this one finished.
var ErrSuperseded = errors.New("summary batch superseded by a newer batch")

// FetchError reports that one channel's summary could not be obtained.
type FetchError struct {
	Channel string
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch summary for %s: %v", e.Channel, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

var responseSchema = &llm.Schema{
	Name:   "summary_response",
	Strict: true,
	Body:   json.RawMessage(`{"type":"object","properties":{"summary":{"type":"string"}},"required":["summary"]}`),
}

// Options tunes the dispatcher.
type Options struct {
	Mode           Mode
	MaxConcurrency int
	SystemPrompt   string
	Timeout        time.Duration
	Defaults       llm.Request
}

// OptionsFromConfig maps configuration onto dispatcher options.
func OptionsFromConfig(sum config.SummaryConfig, llmCfg config.LLMConfig) Options {
	return Options{
		Mode:           Mode(sum.Mode),
		MaxConcurrency: sum.MaxConcurrency,
		SystemPrompt:   sum.SystemPrompt,
		Timeout:        time.Duration(llmCfg.TimeoutMS) * time.Millisecond,
		Defaults:       llm.OptionsFromConfig(llmCfg),
	}
}

// Dispatcher fans unread channels out to the completion backend and feeds
// the results into a Tracker.
type Dispatcher struct {
	generator llm.Generator
	tracker   *Tracker
	opts      Options
	logger    *slog.Logger
	tracer    trace.Tracer
	requests  metric.Int64Counter
	failures  metric.Int64Counter
	latency   metric.Float64Histogram
}

func NewDispatcher(generator llm.Generator, tracker *Tracker, opts Options, logger *slog.Logger) *Dispatcher {
	if opts.Mode == "" {
		opts.Mode = ModePartial
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = config.DefaultSystemPrompt
	}
	d := &Dispatcher{
		generator: generator,
		tracker:   tracker,
		opts:      opts,
		logger:    logger.With(slog.String("component", "summary-dispatcher")),
		tracer:    otel.Tracer(instrumentationName),
	}
	if err := d.initMetrics(); err != nil {
		d.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return d
}

func (d *Dispatcher) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	var err error
	if d.requests, err = meter.Int64Counter("digest.summary.requests", metric.WithDescription("Summarization requests issued")); err != nil {
		return err
	}
	if d.failures, err = meter.Int64Counter("digest.summary.failures", metric.WithDescription("Summarization requests that failed")); err != nil {
		return err
	}
	d.latency, err = meter.Float64Histogram("digest.summary.latency", metric.WithDescription("Summarization latency"), metric.WithUnit("ms"))
	return err
}

// Tracker exposes the state tracker the dispatcher publishes into.
func (d *Dispatcher) Tracker() *Tracker { return d.tracker }

// RunFunc executes a started batch and returns its final state.
type RunFunc func(ctx context.Context) (Batch, error)

// SummarizeUnread summarizes every channel with unread messages for userID.
// When no channel has unread messages it returns an empty batch and leaves
// the tracker untouched.
func (d *Dispatcher) SummarizeUnread(ctx context.Context, channels []chat.Channel, userID string) (Batch, error) {
	_, run := d.Begin(channels, userID)
	if run == nil {
		return Batch{}, nil
	}
	return run(ctx)
}

// Begin publishes the placeholder batch and returns it together with the
// function that issues the requests. run is nil when nothing is unread.
func (d *Dispatcher) Begin(channels []chat.Channel, userID string) (Batch, RunFunc) {
	selected := chat.WithUnread(channels, userID)
	if len(selected) == 0 {
		return Batch{}, nil
	}

	records := make([]Record, len(selected))
	for i, ch := range selected {
		records[i] = placeholder(ch.ID, ch.DisplayName())
	}
	batch := d.tracker.StartBatch(userID, records)
	d.logger.Info("summary batch started",
		slog.String("batch_id", batch.ID),
		slog.String("mode", string(d.opts.Mode)),
		slog.Int("channels", len(selected)))

	return batch, func(ctx context.Context) (Batch, error) {
		return d.run(ctx, batch, selected, userID)
	}
}

func (d *Dispatcher) run(ctx context.Context, batch Batch, selected []chat.Channel, userID string) (Batch, error) {
	ctx, span := d.tracer.Start(ctx, "digest.summarize_unread", trace.WithAttributes(
		attribute.String("digest.batch_id", batch.ID),
		attribute.String("digest.mode", string(d.opts.Mode)),
		attribute.Int("digest.channels", len(selected)),
	))
	defer span.End()

	var (
		final Batch
		err   error
	)
	if d.opts.Mode == ModeStrict {
		final, err = d.runStrict(ctx, batch, selected, userID)
	} else {
		final, err = d.runPartial(ctx, batch, selected, userID)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return final, err
}

func (d *Dispatcher) runStrict(ctx context.Context, batch Batch, selected []chat.Channel, userID string) (Batch, error) {
	var g errgroup.Group
	if d.opts.MaxConcurrency > 0 {
		g.SetLimit(d.opts.MaxConcurrency)
	}
	results := make([]Record, len(selected))
	for i, ch := range selected {
		g.Go(func() error {
			text, err := d.summarizeChannel(ctx, ch, userID)
			if err != nil {
				return err
			}
			results[i] = succeeded(batch.Records[i], text)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		d.logger.Warn("summary batch rejected", slog.String("batch_id", batch.ID), slogError(err))
		return batch, err
	}
	return d.complete(batch, results)
}

func (d *Dispatcher) runPartial(ctx context.Context, batch Batch, selected []chat.Channel, userID string) (Batch, error) {
	var g errgroup.Group
	if d.opts.MaxConcurrency > 0 {
		g.SetLimit(d.opts.MaxConcurrency)
	}
	results := make([]Record, len(selected))
	for i, ch := range selected {
		g.Go(func() error {
			rec := batch.Records[i]
			if text, err := d.summarizeChannel(ctx, ch, userID); err != nil {
				rec = failed(rec, err)
			} else {
				rec = succeeded(rec, text)
			}
			results[i] = rec
			d.tracker.Resolve(batch.Token, i, rec)
			return nil
		})
	}
	_ = g.Wait()
	return d.complete(batch, results)
}

func (d *Dispatcher) complete(batch Batch, results []Record) (Batch, error) {
	batch.Records = results
	final, ok := d.tracker.CompleteBatch(batch.Token, results)
	if !ok {
		d.logger.Info("discarding results of superseded batch", slog.String("batch_id", batch.ID))
		return batch, ErrSuperseded
	}
	d.logger.Info("summary batch complete",
		slog.String("batch_id", final.ID),
		slog.Int("failed", final.Failures()))
	return final, nil
}

func (d *Dispatcher) summarizeChannel(ctx context.Context, ch chat.Channel, userID string) (string, error) {
	name := ch.DisplayName()
	lines, err := chat.UnreadMessages(ch, userID)
	if err != nil {
		return "", &FetchError{Channel: name, Err: err}
	}

	ctx, span := d.tracer.Start(ctx, "digest.summarize_channel", trace.WithAttributes(
		attribute.String("chat.channel_id", ch.ID),
		attribute.Int("chat.unread_lines", len(lines)),
	))
	defer span.End()
	if d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
	}

	attrs := metric.WithAttributes(attribute.String("mode", string(d.opts.Mode)))
	start := time.Now()
	completion, err := d.generator.Generate(ctx, d.buildRequest(lines))
	if d.requests != nil {
		d.requests.Add(ctx, 1, attrs)
	}
	if d.latency != nil {
		d.latency.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	}
	if err == nil {
		var text string
		if text, err = DecodeSummary(completion.Content); err == nil {
			d.logger.Debug("channel summarized",
				slog.String("channel_id", ch.ID),
				slog.Duration("latency", time.Since(start)))
			return text, nil
		}
	}

	if d.failures != nil {
		d.failures.Add(ctx, 1, attrs)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	d.logger.Warn("channel summary failed", slog.String("channel_id", ch.ID), slogError(err))
	return "", &FetchError{Channel: name, Err: err}
}

func (d *Dispatcher) buildRequest(lines []string) llm.Request {
	req := d.opts.Defaults
	req.System = d.opts.SystemPrompt
	req.Prompt = UserPrompt(lines)
	req.Schema = responseSchema
	return req
}

// UserPrompt renders unread lines the way the completion contract expects:
// comma separated after a fixed prefix.
func UserPrompt(lines []string) string {
	return "Unread messages: " + strings.Join(lines, ",")
}

// DecodeSummary extracts the summary field from the model's JSON content.
func DecodeSummary(content string) (string, error) {
	var payload struct {
		Summary *string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return "", fmt.Errorf("decode summary content: %w", err)
	}
	if payload.Summary == nil {
		return "", errors.New("summary content missing summary field")
	}
	return *payload.Summary, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
