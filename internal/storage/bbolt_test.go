package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"agora/internal/models"
)

func newTestStorage(t *testing.T) *BboltStorage {
	t.Helper()
	store, err := NewBboltStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStorage_Users(t *testing.T) {
	store := newTestStorage(t)

	if err := store.CreateUser("alice", []byte("hash")); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	if err := store.CreateUser("alice", []byte("other")); !errors.Is(err, ErrUserExists) {
		t.Errorf("expected ErrUserExists, got %v", err)
	}

	u, err := store.GetUser("alice")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if u.Username != "alice" || string(u.PasswordHash) != "hash" {
		t.Errorf("unexpected user %+v", u)
	}

	if _, err := store.GetUser("bob"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStorage_Messages(t *testing.T) {
	store := newTestStorage(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time {
		now = now.Add(time.Second)
		return now
	}

	var ids []string
	for _, content := range []string{"first", "second", "third"} {
		msg, err := store.AddMessage("alice", content)
		if err != nil {
			t.Fatalf("AddMessage failed: %v", err)
		}
		if msg.ID == "" || msg.Votes != 0 || msg.Created.IsZero() {
			t.Errorf("unexpected created message %+v", msg)
		}
		ids = append(ids, msg.ID)
	}

	msgs, err := store.ListMessages("")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.ID != ids[i] {
			t.Errorf("message %d: expected id %s, got %s", i, ids[i], m.ID)
		}
	}
	if !msgs[0].Created.Before(msgs[2].Created) {
		t.Error("messages should be listed oldest first")
	}
}

func TestStorage_EmptyList(t *testing.T) {
	msgs, err := newTestStorage(t).ListMessages("alice")
	if err != nil {
		t.Fatal(err)
	}
	if msgs == nil || len(msgs) != 0 {
		t.Errorf("expected empty non-nil list, got %#v", msgs)
	}
}

func TestStorage_SetVote(t *testing.T) {
	store := newTestStorage(t)
	msg, err := store.AddMessage("alice", "vote on me")
	if err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		user string
		dir  models.Direction
		want int
	}{
		{"bob", models.Up, 1},
		{"bob", models.Up, 1}, // repeated direction does not count twice
		{"carol", models.Up, 2},
		{"bob", models.Down, 0}, // switching moves by two
		{"bob", models.None, 1},
		{"bob", models.None, 1},
		{"carol", models.Down, -1},
	}
	for i, s := range steps {
		got, err := store.SetVote(s.user, msg.ID, s.dir)
		if err != nil {
			t.Fatalf("step %d: SetVote failed: %v", i, err)
		}
		if got != s.want {
			t.Errorf("step %d: expected %d votes, got %d", i, s.want, got)
		}
	}

	msgs, err := store.ListMessages("carol")
	if err != nil {
		t.Fatal(err)
	}
	if msgs[0].Votes != -1 || msgs[0].MyVote != models.Down {
		t.Errorf("unexpected message for carol %+v", msgs[0])
	}

	msgs, _ = store.ListMessages("bob")
	if msgs[0].MyVote != models.None {
		t.Errorf("bob cleared the vote, got %v", msgs[0].MyVote)
	}
}

func TestStorage_SetVoteErrors(t *testing.T) {
	store := newTestStorage(t)

	if _, err := store.SetVote("bob", "missing", models.Up); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	msg, _ := store.AddMessage("alice", "x")
	if _, err := store.SetVote("bob", msg.ID, models.Direction(2)); err == nil {
		t.Error("expected error for invalid direction")
	}
}

func TestStorage_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	store, err := NewBboltStorage(path)
	if err != nil {
		t.Fatal(err)
	}
	msg, _ := store.AddMessage("alice", "persisted")
	_, _ = store.SetVote("bob", msg.ID, models.Up)
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewBboltStorage(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = reopened.Close() }()

	msgs, err := reopened.ListMessages("bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Votes != 1 || msgs[0].MyVote != models.Up {
		t.Errorf("unexpected persisted messages %+v", msgs)
	}
}
