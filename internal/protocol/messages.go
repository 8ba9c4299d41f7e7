package protocol

import "time"

// DigestRequest asks the runtime to summarize a user's unread channels.
type DigestRequest struct {
	RequestID string `json:"request_id,omitempty"`
	UserID    string `json:"user_id"`
}

// DigestRecord is the wire form of one channel summary.
type DigestRecord struct {
	ChannelID   string `json:"channel_id"`
	ChannelName string `json:"channel_name"`
	Status      string `json:"status"`
	Summary     string `json:"summary"`
	Error       string `json:"error,omitempty"`
}

// DigestBatch is published on every tracker change and returned as the
// reply to a DigestRequest.
type DigestBatch struct {
	RequestID   string         `json:"request_id,omitempty"`
	BatchID     string         `json:"batch_id"`
	UserID      string         `json:"user_id"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Records     []DigestRecord `json:"records"`
	Error       string         `json:"error,omitempty"`
}

// SpeechRequest asks the runtime to read text aloud. When All is set the
// aggregate of the current batch is read instead of Text.
type SpeechRequest struct {
	Text    string `json:"text,omitempty"`
	All     bool   `json:"all,omitempty"`
	VoiceID string `json:"voice_id,omitempty"`
}

// SpeechStatus mirrors the playback controller's observable state.
type SpeechStatus struct {
	Loading   bool      `json:"loading"`
	Playing   bool      `json:"playing"`
	Error     string    `json:"error,omitempty"`
	AudioID   string    `json:"audio_id,omitempty"`
	AudioURL  string    `json:"audio_url,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PlaybackCommand drives a remote audio handle.
type PlaybackCommand struct {
	Target      string    `json:"target"`
	Action      string    `json:"action"`
	AudioID     string    `json:"audio_id,omitempty"`
	AudioURL    string    `json:"audio_url,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

const (
	PlaybackActionSetSource = "set_source"
	PlaybackActionPlay      = "play"
	PlaybackActionPause     = "pause"
)

const (
	SubjectDigestRequest      = "digest.request"
	SubjectDigestBatchUpdated = "digest.batch.updated"
	SubjectSpeechRequest      = "speech.request"
	SubjectSpeechPause        = "speech.pause"
	SubjectSpeechStatus       = "speech.status"
	SubjectPlaybackCommand    = "playback.command"

	StreamDigest = "DIGEST"
)
