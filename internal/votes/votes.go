// Package votes applies local vote intents optimistically and reconciles
// them with the server's answer.
package votes

import (
	"fmt"

	"agora/internal/models"
)

// Target is the state the coordinator writes optimistic values into.
type Target interface {
	Vote(id string) (count int, dir models.Direction, ok bool)
	SetVote(id string, count int, dir models.Direction) bool
}

// Ticket identifies one issued vote request.
type Ticket struct {
	MessageID string
	Direction models.Direction
	Seq       uint64
}

type intent struct {
	models.VoteIntent

	// Value before the first unconfirmed intent of the chain.
	baseCount int
	baseDir   models.Direction
}

// Coordinator keeps at most one outstanding intent per message. It is not
// safe for concurrent use; the engine loop owns it.
type Coordinator struct {
	target  Target
	pending map[string]*intent
	seq     map[string]uint64
}

func New(target Target) *Coordinator {
	return &Coordinator{
		target:  target,
		pending: make(map[string]*intent),
		seq:     make(map[string]uint64),
	}
}

// Begin applies the optimistic delta for a vote and records a pending
// intent. A pending intent for the same message is superseded: its eventual
// response will be discarded.
func (c *Coordinator) Begin(id string, dir models.Direction) (Ticket, error) {
	if !dir.Valid() {
		return Ticket{}, fmt.Errorf("%w: invalid vote direction %d", models.ErrRejected, dir)
	}
	count, cur, ok := c.target.Vote(id)
	if !ok {
		return Ticket{}, fmt.Errorf("message %s: %w", id, models.ErrNotFound)
	}

	c.seq[id]++
	seq := c.seq[id]

	in, superseding := c.pending[id]
	if !superseding {
		in = &intent{baseCount: count, baseDir: cur}
		c.pending[id] = in
	}
	in.VoteIntent = models.VoteIntent{
		MessageID: id,
		Direction: dir,
		Status:    models.VotePending,
		Seq:       seq,
	}

	c.target.SetVote(id, count+int(dir-cur), dir)

	return Ticket{MessageID: id, Direction: dir, Seq: seq}, nil
}

// Resolve applies the server's answer to a ticket. A response for a
// superseded ticket changes nothing and yields models.ErrSuperseded.
// On failure the optimistic value is rolled back and err is returned.
func (c *Coordinator) Resolve(t Ticket, count int, err error) error {
	in, ok := c.pending[t.MessageID]
	if !ok || in.Seq != t.Seq {
		return models.ErrSuperseded
	}
	delete(c.pending, t.MessageID)

	if err != nil {
		in.Status = models.VoteFailed
		c.target.SetVote(t.MessageID, in.baseCount, in.baseDir)
		return err
	}

	in.Status = models.VoteConfirmed
	c.target.SetVote(t.MessageID, count, t.Direction)
	return nil
}

// Rebase re-applies pending optimistic deltas after the target's values were
// replaced by a fresh snapshot. The snapshot value becomes the new rollback
// baseline.
func (c *Coordinator) Rebase() {
	for id, in := range c.pending {
		count, cur, ok := c.target.Vote(id)
		if !ok {
			// The message vanished from the snapshot; its response is moot.
			delete(c.pending, id)
			continue
		}
		in.baseCount = count
		in.baseDir = cur
		c.target.SetVote(id, count+int(in.Direction-cur), in.Direction)
	}
}

// Pending returns the outstanding intent for a message, if any.
func (c *Coordinator) Pending(id string) (models.VoteIntent, bool) {
	in, ok := c.pending[id]
	if !ok {
		return models.VoteIntent{}, false
	}
	return in.VoteIntent, true
}

func (c *Coordinator) Len() int {
	return len(c.pending)
}
