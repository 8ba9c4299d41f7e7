package summary

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of one channel summary.
type Status int

const (
	Pending Status = iota
	Succeeded
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "pending":
		*s = Pending
	case "succeeded":
		*s = Succeeded
	case "failed":
		*s = Failed
	default:
		return fmt.Errorf("unknown summary status %q", b)
	}
	return nil
}

// Record is one row of the summary table.
type Record struct {
	ChannelID   string `json:"channel_id"`
	ChannelName string `json:"channel_name"`
	Status      Status `json:"status"`
	Summary     string `json:"summary"`
	Error       string `json:"error,omitempty"`
}

// Pending reports whether the row still renders as loading.
func (r Record) Pending() bool { return r.Status == Pending }

func placeholder(channelID, channelName string) Record {
	return Record{ChannelID: channelID, ChannelName: channelName, Status: Pending}
}

func succeeded(r Record, text string) Record {
	r.Status = Succeeded
	r.Summary = text
	r.Error = ""
	return r
}

func failed(r Record, err error) Record {
	r.Status = Failed
	r.Summary = ""
	r.Error = err.Error()
	return r
}

// Batch is the set of records produced by one summarization action.
type Batch struct {
	ID          string    `json:"id"`
	Token       uint64    `json:"token"`
	UserID      string    `json:"user_id"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	Records     []Record  `json:"records"`
}

// Done reports whether every record has left the pending state.
func (b Batch) Done() bool {
	for _, r := range b.Records {
		if r.Pending() {
			return false
		}
	}
	return len(b.Records) > 0
}

// Failures counts failed records.
func (b Batch) Failures() int {
	n := 0
	for _, r := range b.Records {
		if r.Status == Failed {
			n++
		}
	}
	return n
}

func (b Batch) clone() Batch {
	out := b
	out.Records = append([]Record(nil), b.Records...)
	return out
}

// MarshalJSON keeps CompletedAt out of the payload until the batch completes.
func (b Batch) MarshalJSON() ([]byte, error) {
	type alias Batch
	var completed *time.Time
	if !b.CompletedAt.IsZero() {
		completed = &b.CompletedAt
	}
	return json.Marshal(struct {
		alias
		CompletedAt *time.Time `json:"completed_at,omitempty"`
	}{alias: alias(b), CompletedAt: completed})
}

// AggregateText joins all records into the "Read all" narration.
func AggregateText(b Batch) string {
	lines := make([]string, 0, len(b.Records))
	for _, r := range b.Records {
		lines = append(lines, fmt.Sprintf("%s: %s", r.ChannelName, r.Summary))
	}
	return strings.Join(lines, "\n")
}
