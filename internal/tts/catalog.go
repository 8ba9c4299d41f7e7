package tts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Catalog loads the voice list once and falls back to a single default voice
// when the backend cannot be reached.
type Catalog struct {
	lister       VoiceLister
	defaultVoice string
	logger       *slog.Logger

	mu     sync.Mutex
	voices []Voice
	loaded bool
}

func NewCatalog(lister VoiceLister, defaultVoice string, logger *slog.Logger) *Catalog {
	return &Catalog{
		lister:       lister,
		defaultVoice: defaultVoice,
		logger:       logger.With(slog.String("component", "voice-catalog")),
	}
}

// Load returns the voice list. A successful fetch is cached for the life of
// the catalog. On failure the fallback list is returned together with an
// error wrapping ErrVoiceCatalogUnavailable, and the next call retries.
func (c *Catalog) Load(ctx context.Context) ([]Voice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return append([]Voice(nil), c.voices...), nil
	}
	voices, err := c.lister.ListVoices(ctx)
	if err != nil {
		c.logger.Warn("voice list unavailable, using default voice", slog.String("error", err.Error()))
		return c.fallback(), fmt.Errorf("%w: %v", ErrVoiceCatalogUnavailable, err)
	}
	if len(voices) == 0 {
		voices = c.fallback()
	}
	c.voices = voices
	c.loaded = true
	c.logger.Info("voice catalog loaded", slog.Int("voices", len(voices)))
	return append([]Voice(nil), voices...), nil
}

// Default is the voice used when none is selected.
func (c *Catalog) Default() string { return c.defaultVoice }

// Resolve maps an empty selection to the default voice.
func (c *Catalog) Resolve(voiceID string) string {
	if voiceID == "" {
		return c.defaultVoice
	}
	return voiceID
}

func (c *Catalog) fallback() []Voice {
	return []Voice{{VoiceID: c.defaultVoice, Name: "Default"}}
}
