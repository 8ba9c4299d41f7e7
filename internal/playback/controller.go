package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-digest/internal/tts"
)

// ErrSuperseded is returned by Play when a newer Play started before this
// one finished synthesizing. Its audio is discarded.
var ErrSuperseded = errors.New("playback superseded by a newer request")

// Handle is a reusable audio output.
type Handle interface {
	SetSource(ctx context.Context, audio tts.Audio) error
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
}

// HandleFactory creates the controller's single handle, bound to audio.
type HandleFactory func(ctx context.Context, audio tts.Audio) (Handle, error)

// State is the observable controller state.
type State struct {
	Loading bool
	Playing bool
	Err     error
	Audio   *tts.Audio
}

// Controller turns text into audio and plays it through one retained handle.
type Controller struct {
	synth   tts.Synthesizer
	blobs   *tts.BlobStore
	factory HandleFactory
	modelID string
	logger  *slog.Logger

	mu      sync.Mutex
	gen     uint64
	handle  Handle
	current *tts.Audio
	loading bool
	playing bool
	err     error

	notifyMu  sync.Mutex
	observers []func(State)
}

func NewController(synth tts.Synthesizer, blobs *tts.BlobStore, factory HandleFactory, modelID string, logger *slog.Logger) *Controller {
	return &Controller{
		synth:   synth,
		blobs:   blobs,
		factory: factory,
		modelID: modelID,
		logger:  logger.With(slog.String("component", "playback")),
	}
}

// Subscribe registers fn to receive the state after every change.
func (c *Controller) Subscribe(fn func(State)) {
	c.notifyMu.Lock()
	c.observers = append(c.observers, fn)
	c.notifyMu.Unlock()
}

// Play synthesizes text with voiceID and plays it. When a newer Play starts
// meanwhile, this call's audio is dropped and ErrSuperseded is returned.
// Synthesis failures are returned as *tts.SynthesisError and kept in State.
func (c *Controller) Play(ctx context.Context, text, voiceID string) error {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.loading = true
	c.err = nil
	c.mu.Unlock()
	c.notify()

	var (
		data        []byte
		contentType string
		err         error
	)
	if strings.TrimSpace(text) == "" {
		err = &tts.SynthesisError{Message: "nothing to read"}
	} else {
		chunks, errs := c.synth.Synthesize(ctx, tts.SynthRequest{Text: text, Voice: voiceID, ModelID: c.modelID})
		data, contentType, err = tts.Collect(ctx, chunks, errs)
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		c.logger.Debug("dropping superseded synthesis result")
		return ErrSuperseded
	}
	if err != nil {
		c.loading = false
		c.err = err
		c.mu.Unlock()
		c.logger.Warn("speech synthesis failed", slog.String("error", err.Error()))
		c.notify()
		return err
	}

	audio := c.blobs.Put(data, contentType)
	if err := c.attach(ctx, audio); err != nil {
		c.loading = false
		c.err = err
		c.mu.Unlock()
		c.blobs.Release(audio.ID)
		c.logger.Warn("audio handle failed", slog.String("error", err.Error()))
		c.notify()
		return err
	}
	previous := c.current
	c.current = &audio
	c.loading = false
	c.playing = true
	c.mu.Unlock()

	if previous != nil {
		c.blobs.Release(previous.ID)
	}
	c.logger.Info("playing audio", slog.String("audio_id", audio.ID), slog.Int("bytes", audio.Size))
	c.notify()
	return nil
}

// PlayAsync runs Play in the background. Outcomes are visible through State.
func (c *Controller) PlayAsync(ctx context.Context, text, voiceID string) {
	go func() {
		_ = c.Play(context.WithoutCancel(ctx), text, voiceID)
	}()
}

// attach must be called with c.mu held. Once the handle has been paused or
// created it stays with the controller, and c.playing follows it even when a
// later step fails.
func (c *Controller) attach(ctx context.Context, audio tts.Audio) error {
	if c.handle != nil {
		if err := c.handle.Pause(ctx); err != nil {
			return fmt.Errorf("pause handle: %w", err)
		}
		c.playing = false
		if err := c.handle.SetSource(ctx, audio); err != nil {
			return fmt.Errorf("set handle source: %w", err)
		}
	} else {
		h, err := c.factory(ctx, audio)
		if err != nil {
			return fmt.Errorf("create handle: %w", err)
		}
		c.handle = h
	}
	if err := c.handle.Play(ctx); err != nil {
		return fmt.Errorf("play handle: %w", err)
	}
	return nil
}

// Pause stops the current audio. The handle is kept for reuse.
func (c *Controller) Pause(ctx context.Context) error {
	c.mu.Lock()
	if c.handle == nil || !c.playing {
		c.mu.Unlock()
		return nil
	}
	if err := c.handle.Pause(ctx); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("pause handle: %w", err)
	}
	c.playing = false
	c.mu.Unlock()
	c.notify()
	return nil
}

// State returns a copy of the controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Controller) stateLocked() State {
	s := State{Loading: c.loading, Playing: c.playing, Err: c.err}
	if c.current != nil {
		audio := *c.current
		s.Audio = &audio
	}
	return s
}

func (c *Controller) notify() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if len(c.observers) == 0 {
		return
	}
	s := c.State()
	for _, fn := range c.observers {
		fn(s)
	}
}
