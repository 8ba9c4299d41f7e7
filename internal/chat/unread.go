package chat

import (
	"errors"
	"fmt"
)

// ErrMissingReadState is returned when a channel has no read cursor for the user.
var ErrMissingReadState = errors.New("missing read state")

// UnreadCount returns the user's unread count and whether a cursor exists.
func UnreadCount(ch Channel, userID string) (int, bool) {
	state, ok := ch.Read[userID]
	if !ok {
		return 0, false
	}
	return state.UnreadMessages, true
}

// UnreadMessages returns the user's unread messages in arrival order,
// formatted as "sender: text".
func UnreadMessages(ch Channel, userID string) ([]string, error) {
	count, ok := UnreadCount(ch, userID)
	if !ok {
		return nil, fmt.Errorf("channel %s user %s: %w", ch.ID, userID, ErrMissingReadState)
	}
	if count <= 0 {
		return []string{}, nil
	}
	start := len(ch.Messages) - count
	if start < 0 {
		start = 0
	}
	lines := make([]string, 0, len(ch.Messages)-start)
	for _, msg := range ch.Messages[start:] {
		lines = append(lines, fmt.Sprintf("%s: %s", sender(msg), msg.Text))
	}
	return lines, nil
}

// WithUnread keeps channels where userID has at least one unread message.
// Order is preserved; channels without a cursor for the user are skipped.
func WithUnread(channels []Channel, userID string) []Channel {
	var out []Channel
	for _, ch := range channels {
		if count, ok := UnreadCount(ch, userID); ok && count > 0 {
			out = append(out, ch)
		}
	}
	return out
}

func sender(msg Message) string {
	if msg.UserName != "" {
		return msg.UserName
	}
	return msg.UserID
}
