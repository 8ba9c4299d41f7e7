package tts

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-audio/wav"
	"github.com/google/uuid"
)

// AudioPathPrefix is where the HTTP API serves stored audio.
const AudioPathPrefix = "/audio/"

var ErrBlobNotFound = errors.New("audio blob not found")

// Audio describes a stored, playable audio resource.
type Audio struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	ContentType string    `json:"content_type"`
	Size        int       `json:"size"`
	DurationMS  int64     `json:"duration_ms,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type blob struct {
	meta Audio
	data []byte
}

// BlobStore keeps synthesized audio in memory until it is released.
type BlobStore struct {
	mu      sync.RWMutex
	baseURL string
	blobs   map[string]blob
}

func NewBlobStore(baseURL string) *BlobStore {
	return &BlobStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		blobs:   make(map[string]blob),
	}
}

// Put stores data and returns its resource descriptor.
func (s *BlobStore) Put(data []byte, contentType string) Audio {
	id := uuid.NewString()
	meta := Audio{
		ID:          id,
		URL:         s.baseURL + AudioPathPrefix + id,
		ContentType: contentType,
		Size:        len(data),
		DurationMS:  wavDuration(data, contentType).Milliseconds(),
		CreatedAt:   time.Now().UTC(),
	}
	s.mu.Lock()
	s.blobs[id] = blob{meta: meta, data: append([]byte(nil), data...)}
	s.mu.Unlock()
	return meta
}

// Get returns the stored bytes for id.
func (s *BlobStore) Get(id string) (Audio, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[id]
	if !ok {
		return Audio{}, nil, ErrBlobNotFound
	}
	return b.meta, b.data, nil
}

// Release drops the blob. Unknown ids are ignored.
func (s *BlobStore) Release(id string) {
	s.mu.Lock()
	delete(s.blobs, id)
	s.mu.Unlock()
}

// Len reports how many blobs are held.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

// wavDuration reads the length of PCM wave data. Compressed formats report zero.
func wavDuration(data []byte, contentType string) time.Duration {
	switch contentType {
	case "audio/wav", "audio/wave", "audio/x-wav":
	default:
		return 0
	}
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return 0
	}
	if err := dec.FwdToPCM(); err != nil {
		return 0
	}
	bytesPerSec := int64(dec.SampleRate) * int64(dec.NumChans) * int64(dec.BitDepth) / 8
	if bytesPerSec == 0 {
		return 0
	}
	return time.Duration(int64(dec.PCMSize) * int64(time.Second) / bytesPerSec)
}
