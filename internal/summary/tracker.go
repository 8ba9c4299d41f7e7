package summary

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Tracker owns the current batch. Readers only ever receive copies.
type Tracker struct {
	mu        sync.Mutex
	notifyMu  sync.Mutex
	token     uint64
	batch     Batch
	observers []func(Batch)
	clock     func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{clock: time.Now}
}

// Subscribe registers fn to receive a copy of the batch after every change.
// Observers run synchronously, in mutation order, on the goroutine that made
// the change. They must not call back into the tracker.
func (t *Tracker) Subscribe(fn func(Batch)) {
	t.mu.Lock()
	t.observers = append(t.observers, fn)
	t.mu.Unlock()
}

// StartBatch replaces the current batch with records and returns it with a
// fresh token.
func (t *Tracker) StartBatch(userID string, records []Record) Batch {
	t.mu.Lock()
	t.token++
	t.batch = Batch{
		ID:        uuid.NewString(),
		Token:     t.token,
		UserID:    userID,
		StartedAt: t.clock().UTC(),
		Records:   append([]Record(nil), records...),
	}
	snapshot := t.batch.clone()
	observers := t.observers
	t.notifyMu.Lock()
	t.mu.Unlock()

	notify(observers, snapshot)
	t.notifyMu.Unlock()
	return snapshot
}

// Resolve rewrites the outcome of the record at index. Stale tokens and
// records that do not match the slot's channel are ignored.
func (t *Tracker) Resolve(token uint64, index int, rec Record) bool {
	t.mu.Lock()
	if token != t.token || index < 0 || index >= len(t.batch.Records) {
		t.mu.Unlock()
		return false
	}
	slot := &t.batch.Records[index]
	if slot.ChannelID != rec.ChannelID {
		t.mu.Unlock()
		return false
	}
	slot.Status = rec.Status
	slot.Summary = rec.Summary
	slot.Error = rec.Error
	snapshot := t.batch.clone()
	observers := t.observers
	t.notifyMu.Lock()
	t.mu.Unlock()

	notify(observers, snapshot)
	t.notifyMu.Unlock()
	return true
}

// CompleteBatch replaces the batch's records with their final values and
// returns the completed batch. The records must match the batch in length and
// channel order.
func (t *Tracker) CompleteBatch(token uint64, records []Record) (Batch, bool) {
	t.mu.Lock()
	if token != t.token || len(records) != len(t.batch.Records) {
		t.mu.Unlock()
		return Batch{}, false
	}
	for i := range records {
		if records[i].ChannelID != t.batch.Records[i].ChannelID {
			t.mu.Unlock()
			return Batch{}, false
		}
	}
	for i := range records {
		slot := &t.batch.Records[i]
		slot.Status = records[i].Status
		slot.Summary = records[i].Summary
		slot.Error = records[i].Error
	}
	t.batch.CompletedAt = t.clock().UTC()
	snapshot := t.batch.clone()
	observers := t.observers
	t.notifyMu.Lock()
	t.mu.Unlock()

	notify(observers, snapshot)
	t.notifyMu.Unlock()
	return snapshot, true
}

// Restore installs b as the current batch when the tracker has never started
// one. Observers are not notified.
func (t *Tracker) Restore(b Batch) (Batch, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.token != 0 {
		return Batch{}, false
	}
	t.token++
	t.batch = b.clone()
	t.batch.Token = t.token
	return t.batch.clone(), true
}

// Snapshot returns a copy of the current batch.
func (t *Tracker) Snapshot() Batch {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.batch.clone()
}

// Current returns the token of the newest batch.
func (t *Tracker) Current() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.token
}

func notify(observers []func(Batch), b Batch) {
	for _, fn := range observers {
		fn(b.clone())
	}
}
