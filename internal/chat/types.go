package chat

import (
	"context"
	"time"
)

// UnnamedChannel is displayed for channels without a name.
const UnnamedChannel = "Unnamed Channel"

// Message is a single chat message as observed from the transport.
type Message struct {
	ID        string    `yaml:"id" json:"id"`
	UserID    string    `yaml:"user_id" json:"user_id"`
	UserName  string    `yaml:"user_name" json:"user_name,omitempty"`
	Text      string    `yaml:"text" json:"text"`
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
}

// ReadState is a member's read cursor on a channel.
type ReadState struct {
	UnreadMessages int       `yaml:"unread_messages" json:"unread_messages"`
	LastRead       time.Time `yaml:"last_read" json:"last_read,omitempty"`
}

// Channel is a read-only snapshot of a conversation container.
type Channel struct {
	ID            string               `yaml:"id" json:"id"`
	Type          string               `yaml:"type" json:"type"`
	Name          string               `yaml:"name" json:"name,omitempty"`
	Members       []string             `yaml:"members" json:"members,omitempty"`
	Messages      []Message            `yaml:"messages" json:"messages,omitempty"`
	Read          map[string]ReadState `yaml:"read" json:"read,omitempty"`
	LastMessageAt time.Time            `yaml:"last_message_at" json:"last_message_at,omitempty"`
}

// DisplayName returns the channel name or the unnamed placeholder.
func (c Channel) DisplayName() string {
	if c.Name == "" {
		return UnnamedChannel
	}
	return c.Name
}

// HasMember reports whether userID belongs to the channel.
func (c Channel) HasMember(userID string) bool {
	for _, m := range c.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// Sort orders channels by last activity. The zero value is SortRecentFirst.
type Sort string

const (
	SortRecentFirst Sort = "-last_message_at"
	SortOldestFirst Sort = "last_message_at"
)

// Query selects channels from a Source.
type Query struct {
	UserID string
	Sort   Sort
	Limit  int
	Offset int
}

// Source is the chat transport as consumed by the digest pipeline.
type Source interface {
	QueryChannels(ctx context.Context, q Query) ([]Channel, error)
	SendMessage(ctx context.Context, channelID string, msg Message) error
}
