package history

import (
	"time"

	"agora/internal/models"
)

// Outcome tells what happened to a single incoming message.
type Outcome int

const (
	Appended Outcome = iota
	Duplicate
	Buffered
)

func (o Outcome) String() string {
	switch o {
	case Appended:
		return "appended"
	case Duplicate:
		return "duplicate"
	case Buffered:
		return "buffered"
	}
	return "unknown"
}

type Config struct {
	// AppendCallback is called for every message that lands in the history,
	// including replayed buffered events. It is not called for snapshot entries.
	AppendCallback func(msg models.Message)
}

// Reconciler merges a bulk snapshot with push events into one ordered,
// de-duplicated history. It is not safe for concurrent use; a single owner
// (the engine loop) drives it.
type Reconciler struct {
	records   []models.Message
	seen      map[string]int // id -> index in records
	highWater time.Time
	loaded    bool

	// Events received before the snapshot, in arrival order.
	pending []models.Message

	appendCallback func(msg models.Message)
}

func New(config Config) *Reconciler {
	return &Reconciler{
		seen:           make(map[string]int),
		appendCallback: config.AppendCallback,
	}
}

// LoadSnapshot replaces the history wholesale and then replays any events
// buffered while the snapshot was loading. It returns how many buffered
// events were appended.
func (r *Reconciler) LoadSnapshot(msgs []models.Message) int {
	r.records = make([]models.Message, 0, len(msgs)+len(r.pending))
	r.seen = make(map[string]int, len(msgs)+len(r.pending))
	r.highWater = time.Time{}

	for _, m := range msgs {
		if _, ok := r.seen[m.ID]; ok {
			continue
		}
		r.seen[m.ID] = len(r.records)
		r.records = append(r.records, m)
		r.advance(m.Created)
	}
	r.loaded = true

	buffered := r.pending
	r.pending = nil

	replayed := 0
	for _, m := range buffered {
		if r.append(m) == Appended {
			replayed++
		}
	}
	return replayed
}

// FailSnapshot records that the snapshot could not be fetched. History is
// left empty; buffered events wait for the next successful load.
func (r *Reconciler) FailSnapshot() {
	r.records = nil
	r.seen = make(map[string]int)
	r.highWater = time.Time{}
	r.loaded = false
}

// Resync marks the history as stale. Incoming events are buffered again
// until the next LoadSnapshot, while the current records stay visible.
func (r *Reconciler) Resync() {
	r.loaded = false
}

// ApplyIncoming handles one push event. Messages are appended at the tail in
// delivery order, even when their creation time is older than the tail.
func (r *Reconciler) ApplyIncoming(msg models.Message) Outcome {
	if !r.loaded {
		r.pending = append(r.pending, msg)
		return Buffered
	}
	return r.append(msg)
}

// ApplyLocalCreate inserts a message the caller created itself and got back
// from the server. Only the id is used for de-duplication, so the later echo
// over the push channel is dropped.
func (r *Reconciler) ApplyLocalCreate(msg models.Message) Outcome {
	return r.ApplyIncoming(msg)
}

func (r *Reconciler) append(msg models.Message) Outcome {
	if _, ok := r.seen[msg.ID]; ok {
		return Duplicate
	}
	r.seen[msg.ID] = len(r.records)
	r.records = append(r.records, msg)
	r.advance(msg.Created)

	if r.appendCallback != nil {
		r.appendCallback(msg)
	}
	return Appended
}

func (r *Reconciler) advance(t time.Time) {
	if t.After(r.highWater) {
		r.highWater = t
	}
}

// Projection returns a copy of the history that the caller may keep.
func (r *Reconciler) Projection() []models.Message {
	result := make([]models.Message, len(r.records))
	copy(result, r.records)
	return result
}

// Vote returns the current vote count and the user's direction for a message.
func (r *Reconciler) Vote(id string) (int, models.Direction, bool) {
	i, ok := r.seen[id]
	if !ok {
		return 0, models.None, false
	}
	return r.records[i].Votes, r.records[i].MyVote, true
}

// SetVote overwrites the vote count and direction of a known message.
func (r *Reconciler) SetVote(id string, count int, dir models.Direction) bool {
	i, ok := r.seen[id]
	if !ok {
		return false
	}
	r.records[i].Votes = count
	r.records[i].MyVote = dir
	return true
}

func (r *Reconciler) HighWater() time.Time {
	return r.highWater
}

func (r *Reconciler) Len() int {
	return len(r.records)
}

func (r *Reconciler) Loaded() bool {
	return r.loaded
}

// Buffered reports how many events are waiting for a snapshot.
func (r *Reconciler) Buffered() int {
	return len(r.pending)
}
