package digest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-digest/internal/bus"
	"github.com/loqalabs/loqa-digest/internal/chat"
	"github.com/loqalabs/loqa-digest/internal/playback"
	"github.com/loqalabs/loqa-digest/internal/protocol"
	"github.com/loqalabs/loqa-digest/internal/summary"
	"github.com/loqalabs/loqa-digest/internal/tts"
)

// ErrNothingToRead is returned when a speech request resolves to no text.
var ErrNothingToRead = errors.New("nothing to read")

// ErrUserRequired is returned when neither the request nor config names a user.
var ErrUserRequired = errors.New("user_id is required")

// History persists finished batches.
type History interface {
	AppendBatch(ctx context.Context, b summary.Batch) error
}

// Options carries the service's collaborators.
type Options struct {
	Source       chat.Source
	Dispatcher   *summary.Dispatcher
	Controller   *playback.Controller
	Catalog      *tts.Catalog
	History      History
	ChannelLimit int
	DefaultUser  string
}

// Service drives digests and speech from the HTTP API and the bus.
type Service struct {
	opts    Options
	bus     *bus.Client
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	subsMu  sync.Mutex
	subs    []*nats.Subscription
	started bool
}

// NewService builds the service. busClient may be nil when the bus is off.
func NewService(parent context.Context, opts Options, busClient *bus.Client, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	if opts.ChannelLimit <= 0 {
		opts.ChannelLimit = chat.DefaultChannelLimit
	}
	return &Service{
		opts:   opts,
		bus:    busClient,
		logger: logger.With(slog.String("component", "digest")),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start wires observers and bus subscriptions.
func (s *Service) Start() error {
	s.opts.Dispatcher.Tracker().Subscribe(s.onBatch)
	if s.opts.Controller != nil {
		s.opts.Controller.Subscribe(s.onSpeechState)
	}
	if s.bus == nil {
		s.started = true
		return nil
	}

	if err := s.bus.EnsureStream(protocol.StreamDigest, []string{protocol.SubjectDigestBatchUpdated, protocol.SubjectSpeechStatus}, 256); err != nil {
		s.logger.Warn("digest stream unavailable, updates will not be replayable", slogError(err))
	} else {
		s.restoreLast()
	}

	handlers := map[string]nats.MsgHandler{
		protocol.SubjectDigestRequest: s.handleDigestRequest,
		protocol.SubjectSpeechRequest: s.handleSpeechRequest,
		protocol.SubjectSpeechPause:   s.handleSpeechPause,
	}
	for subject, handler := range handlers {
		sub, err := s.bus.Conn().Subscribe(subject, handler)
		if err != nil {
			s.drain()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subsMu.Lock()
		s.subs = append(s.subs, sub)
		s.subsMu.Unlock()
	}
	s.started = true
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.drain()
	s.wg.Wait()
}

// restoreLast seeds an idle tracker with the last completed batch retained by
// the digest stream.
func (s *Service) restoreLast() {
	var wire protocol.DigestBatch
	if err := s.bus.LastJSON(protocol.StreamDigest, protocol.SubjectDigestBatchUpdated, &wire); err != nil {
		if !errors.Is(err, nats.ErrMsgNotFound) {
			s.logger.Warn("failed to read last digest batch", slogError(err))
		}
		return
	}
	if wire.CompletedAt == nil {
		return
	}
	b, err := BatchFromWire(wire)
	if err != nil {
		s.logger.Warn("ignoring retained digest batch", slogError(err))
		return
	}
	if restored, ok := s.opts.Dispatcher.Tracker().Restore(b); ok {
		s.logger.Info("restored last digest batch",
			slog.String("batch_id", restored.ID),
			slog.Int("records", len(restored.Records)))
	}
}

func (s *Service) drain() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Healthy() bool {
	if !s.started {
		return false
	}
	return s.bus == nil || s.bus.Healthy()
}

// Begin fetches the user's channels, publishes the placeholder batch and runs
// the summaries in the background. The returned batch is empty when nothing
// is unread.
func (s *Service) Begin(ctx context.Context, userID string) (summary.Batch, error) {
	pending, run, err := s.prepare(ctx, userID)
	if err != nil || run == nil {
		return pending, err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.finish(run)
	}()
	return pending, nil
}

// Summarize runs a full batch and returns its final state.
func (s *Service) Summarize(ctx context.Context, userID string) (summary.Batch, error) {
	pending, run, err := s.prepare(ctx, userID)
	if err != nil || run == nil {
		return pending, err
	}
	return run(ctx)
}

func (s *Service) prepare(ctx context.Context, userID string) (summary.Batch, summary.RunFunc, error) {
	if userID == "" {
		userID = s.opts.DefaultUser
	}
	if userID == "" {
		return summary.Batch{}, nil, ErrUserRequired
	}
	channels, err := s.opts.Source.QueryChannels(ctx, chat.Query{UserID: userID, Sort: chat.SortRecentFirst, Limit: s.opts.ChannelLimit})
	if err != nil {
		return summary.Batch{}, nil, fmt.Errorf("query channels: %w", err)
	}
	pending, run := s.opts.Dispatcher.Begin(channels, userID)
	return pending, run, nil
}

func (s *Service) finish(run summary.RunFunc) {
	if _, err := run(s.ctx); err != nil && !errors.Is(err, summary.ErrSuperseded) {
		s.logger.Warn("digest batch failed", slogError(err))
	}
}

// Current returns the tracker's batch.
func (s *Service) Current() summary.Batch {
	return s.opts.Dispatcher.Tracker().Snapshot()
}

// Speak reads text, or the aggregate of the current batch when all is set,
// in the background.
func (s *Service) Speak(ctx context.Context, req protocol.SpeechRequest) error {
	if s.opts.Controller == nil {
		return errors.New("speech disabled")
	}
	text := req.Text
	if req.All {
		text = summary.AggregateText(s.Current())
	}
	if text == "" {
		return ErrNothingToRead
	}
	voice := req.VoiceID
	if s.opts.Catalog != nil {
		voice = s.opts.Catalog.Resolve(voice)
	}
	s.opts.Controller.PlayAsync(ctx, text, voice)
	return nil
}

func (s *Service) Pause(ctx context.Context) error {
	if s.opts.Controller == nil {
		return nil
	}
	return s.opts.Controller.Pause(ctx)
}

// Voices loads the voice catalog. On failure the fallback list is returned
// alongside the error.
func (s *Service) Voices(ctx context.Context) ([]tts.Voice, error) {
	if s.opts.Catalog == nil {
		return nil, errors.New("speech disabled")
	}
	return s.opts.Catalog.Load(ctx)
}

func (s *Service) SpeechState() protocol.SpeechStatus {
	if s.opts.Controller == nil {
		return protocol.SpeechStatus{Timestamp: time.Now().UTC()}
	}
	return SpeechStatus(s.opts.Controller.State())
}

func (s *Service) onBatch(b summary.Batch) {
	if s.bus != nil {
		if err := s.bus.PublishJSON(s.ctx, protocol.SubjectDigestBatchUpdated, WireBatch(b)); err != nil {
			s.logger.Warn("failed to publish batch update", slogError(err))
		}
	}
	if s.opts.History != nil && !b.CompletedAt.IsZero() {
		if err := s.opts.History.AppendBatch(s.ctx, b); err != nil {
			s.logger.Warn("failed to record batch", slog.String("batch_id", b.ID), slogError(err))
		}
	}
}

func (s *Service) onSpeechState(state playback.State) {
	if s.bus == nil {
		return
	}
	if err := s.bus.PublishJSON(s.ctx, protocol.SubjectSpeechStatus, SpeechStatus(state)); err != nil {
		s.logger.Warn("failed to publish speech status", slogError(err))
	}
}

func (s *Service) handleDigestRequest(msg *nats.Msg) {
	var req protocol.DigestRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode digest request", slogError(err))
		s.reply(msg, protocol.DigestBatch{Error: "invalid request"})
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		batch, err := s.Summarize(bus.ExtractContext(s.ctx, msg), req.UserID)
		out := WireBatch(batch)
		out.RequestID = req.RequestID
		if err != nil {
			out.Error = err.Error()
		}
		s.reply(msg, out)
	}()
}

func (s *Service) reply(msg *nats.Msg, out protocol.DigestBatch) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(out)
	if err != nil {
		s.logger.Warn("failed to encode digest reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send digest reply", slogError(err))
	}
}

func (s *Service) handleSpeechRequest(msg *nats.Msg) {
	var req protocol.SpeechRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode speech request", slogError(err))
		return
	}
	if err := s.Speak(bus.ExtractContext(s.ctx, msg), req); err != nil {
		s.logger.Warn("speech request rejected", slogError(err))
	}
}

func (s *Service) handleSpeechPause(*nats.Msg) {
	if err := s.Pause(s.ctx); err != nil {
		s.logger.Warn("pause failed", slogError(err))
	}
}

// WireBatch converts a batch to its bus form.
func WireBatch(b summary.Batch) protocol.DigestBatch {
	out := protocol.DigestBatch{
		BatchID:   b.ID,
		UserID:    b.UserID,
		StartedAt: b.StartedAt,
		Records:   make([]protocol.DigestRecord, len(b.Records)),
	}
	if !b.CompletedAt.IsZero() {
		completed := b.CompletedAt
		out.CompletedAt = &completed
	}
	for i, rec := range b.Records {
		out.Records[i] = protocol.DigestRecord{
			ChannelID:   rec.ChannelID,
			ChannelName: rec.ChannelName,
			Status:      rec.Status.String(),
			Summary:     rec.Summary,
			Error:       rec.Error,
		}
	}
	return out
}

// BatchFromWire converts a bus batch back to a tracker batch.
func BatchFromWire(w protocol.DigestBatch) (summary.Batch, error) {
	b := summary.Batch{
		ID:        w.BatchID,
		UserID:    w.UserID,
		StartedAt: w.StartedAt,
		Records:   make([]summary.Record, len(w.Records)),
	}
	if w.CompletedAt != nil {
		b.CompletedAt = *w.CompletedAt
	}
	for i, rec := range w.Records {
		var status summary.Status
		if err := status.UnmarshalText([]byte(rec.Status)); err != nil {
			return summary.Batch{}, fmt.Errorf("record %s: %w", rec.ChannelID, err)
		}
		b.Records[i] = summary.Record{
			ChannelID:   rec.ChannelID,
			ChannelName: rec.ChannelName,
			Status:      status,
			Summary:     rec.Summary,
			Error:       rec.Error,
		}
	}
	return b, nil
}

// SpeechStatus converts controller state to its wire form.
func SpeechStatus(state playback.State) protocol.SpeechStatus {
	out := protocol.SpeechStatus{
		Loading:   state.Loading,
		Playing:   state.Playing,
		Timestamp: time.Now().UTC(),
	}
	if state.Err != nil {
		out.Error = state.Err.Error()
	}
	if state.Audio != nil {
		out.AudioID = state.Audio.ID
		out.AudioURL = state.Audio.URL
	}
	return out
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
