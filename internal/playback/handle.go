package playback

import (
	"context"
	"sync"
	"time"

	"github.com/loqalabs/loqa-digest/internal/bus"
	"github.com/loqalabs/loqa-digest/internal/protocol"
	"github.com/loqalabs/loqa-digest/internal/tts"
)

// MemoryHandle records what it was told to do. It backs headless runs.
type MemoryHandle struct {
	mu      sync.Mutex
	source  tts.Audio
	playing bool
	log     []string
}

func NewMemoryHandle(audio tts.Audio) *MemoryHandle {
	return &MemoryHandle{source: audio}
}

// MemoryFactory is a HandleFactory producing MemoryHandles.
func MemoryFactory(_ context.Context, audio tts.Audio) (Handle, error) {
	return NewMemoryHandle(audio), nil
}

func (h *MemoryHandle) SetSource(_ context.Context, audio tts.Audio) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.source = audio
	h.log = append(h.log, protocol.PlaybackActionSetSource)
	return nil
}

func (h *MemoryHandle) Play(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.playing = true
	h.log = append(h.log, protocol.PlaybackActionPlay)
	return nil
}

func (h *MemoryHandle) Pause(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.playing = false
	h.log = append(h.log, protocol.PlaybackActionPause)
	return nil
}

// Source returns the audio currently bound to the handle.
func (h *MemoryHandle) Source() tts.Audio {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.source
}

func (h *MemoryHandle) Playing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.playing
}

// Actions lists the calls made on the handle, in order.
func (h *MemoryHandle) Actions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.log...)
}

// BusHandle forwards handle calls to a rendering client as playback commands.
type BusHandle struct {
	bus    *bus.Client
	target string

	mu     sync.Mutex
	source tts.Audio
}

// BusFactory returns a HandleFactory that binds new handles to target.
func BusFactory(client *bus.Client, target string) HandleFactory {
	return func(ctx context.Context, audio tts.Audio) (Handle, error) {
		h := &BusHandle{bus: client, target: target}
		if err := h.SetSource(ctx, audio); err != nil {
			return nil, err
		}
		return h, nil
	}
}

func (h *BusHandle) SetSource(ctx context.Context, audio tts.Audio) error {
	h.mu.Lock()
	h.source = audio
	h.mu.Unlock()
	return h.publish(ctx, protocol.PlaybackActionSetSource, audio)
}

func (h *BusHandle) Play(ctx context.Context) error {
	h.mu.Lock()
	audio := h.source
	h.mu.Unlock()
	return h.publish(ctx, protocol.PlaybackActionPlay, audio)
}

func (h *BusHandle) Pause(ctx context.Context) error {
	h.mu.Lock()
	audio := h.source
	h.mu.Unlock()
	return h.publish(ctx, protocol.PlaybackActionPause, audio)
}

func (h *BusHandle) publish(ctx context.Context, action string, audio tts.Audio) error {
	return h.bus.PublishJSON(ctx, protocol.SubjectPlaybackCommand, protocol.PlaybackCommand{
		Target:      h.target,
		Action:      action,
		AudioID:     audio.ID,
		AudioURL:    audio.URL,
		ContentType: audio.ContentType,
		Timestamp:   time.Now().UTC(),
	})
}
