package chat

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultChannelLimit mirrors the page size of the chat client channel list.
const DefaultChannelLimit = 10

var (
	// ErrChannelNotFound is returned when a message targets an unknown channel.
	ErrChannelNotFound = errors.New("channel not found")
	ErrUnknownSort     = errors.New("unknown channel sort")
)

type snapshotFile struct {
	Channels []Channel `yaml:"channels"`
}

// SnapshotSource serves channels from a YAML snapshot held in memory.
type SnapshotSource struct {
	path     string
	mu       sync.RWMutex
	channels []Channel
	clock    func() time.Time
}

// LoadSnapshot reads a snapshot file. A missing file yields an empty source.
func LoadSnapshot(path string) (*SnapshotSource, error) {
	s := &SnapshotSource{path: path, clock: time.Now}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewSnapshotSource builds a source from channels already in memory.
func NewSnapshotSource(channels []Channel) *SnapshotSource {
	s := &SnapshotSource{clock: time.Now}
	for _, ch := range channels {
		s.channels = append(s.channels, cloneChannel(ch))
	}
	return s
}

// Reload re-reads the snapshot file, replacing in-memory state.
func (s *SnapshotSource) Reload() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.mu.Lock()
			s.channels = nil
			s.mu.Unlock()
			return nil
		}
		return fmt.Errorf("read chat snapshot: %w", err)
	}
	var file snapshotFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse chat snapshot: %w", err)
	}
	for i := range file.Channels {
		ch := &file.Channels[i]
		if ch.Read == nil {
			ch.Read = map[string]ReadState{}
		}
		if ch.LastMessageAt.IsZero() && len(ch.Messages) > 0 {
			ch.LastMessageAt = ch.Messages[len(ch.Messages)-1].CreatedAt
		}
	}
	s.mu.Lock()
	s.channels = file.Channels
	s.mu.Unlock()
	return nil
}

// QueryChannels returns channels the user is a member of, most recently
// active first unless q.Sort says otherwise.
func (s *SnapshotSource) QueryChannels(_ context.Context, q Query) ([]Channel, error) {
	var recentFirst bool
	switch q.Sort {
	case "", SortRecentFirst:
		recentFirst = true
	case SortOldestFirst:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSort, q.Sort)
	}

	s.mu.RLock()
	var matched []Channel
	for _, ch := range s.channels {
		if q.UserID != "" && !ch.HasMember(q.UserID) {
			continue
		}
		matched = append(matched, cloneChannel(ch))
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if recentFirst {
			return matched[i].LastMessageAt.After(matched[j].LastMessageAt)
		}
		return matched[i].LastMessageAt.Before(matched[j].LastMessageAt)
	})

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return []Channel{}, nil
		}
		matched = matched[q.Offset:]
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultChannelLimit
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// SendMessage appends a message and advances other members' unread counts.
func (s *SnapshotSource) SendMessage(_ context.Context, channelID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.channels {
		ch := &s.channels[i]
		if ch.ID != channelID {
			continue
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = s.clock().UTC()
		}
		ch.Messages = append(ch.Messages, msg)
		ch.LastMessageAt = msg.CreatedAt
		if ch.Read == nil {
			ch.Read = map[string]ReadState{}
		}
		for _, member := range ch.Members {
			state := ch.Read[member]
			if member == msg.UserID {
				state.UnreadMessages = 0
				state.LastRead = msg.CreatedAt
			} else {
				state.UnreadMessages++
			}
			ch.Read[member] = state
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
}

func cloneChannel(ch Channel) Channel {
	out := ch
	out.Members = append([]string(nil), ch.Members...)
	out.Messages = append([]Message(nil), ch.Messages...)
	if ch.Read != nil {
		out.Read = make(map[string]ReadState, len(ch.Read))
		for k, v := range ch.Read {
			out.Read[k] = v
		}
	}
	return out
}
