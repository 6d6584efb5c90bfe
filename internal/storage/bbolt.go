package storage

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"agora/internal/models"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketUsers    = []byte("users")
	bucketMessages = []byte("messages")
	// message id -> sequence key in bucketMessages
	bucketMessageIndex = []byte("message_index")
	bucketVotes        = []byte("votes")
)

var ErrUserExists = errors.New("user already exists")

type BboltStorage struct {
	db    *bbolt.DB
	now   func() time.Time
	newID func() (uuid.UUID, error)
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketUsers, bucketMessages, bucketMessageIndex, bucketVotes} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, now: time.Now, newID: uuid.NewV7}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// CreateUser stores a new account. Usernames are unique.
func (s *BboltStorage) CreateUser(username string, passwordHash []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		if b.Get([]byte(username)) != nil {
			return ErrUserExists
		}

		return put(b, &DBUser{
			Username:     username,
			PasswordHash: passwordHash,
			Created:      s.now().Unix(),
		})
	})
}

func (s *BboltStorage) GetUser(username string) (DBUser, error) {
	var dbUser DBUser
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(username))
		if data == nil {
			return fmt.Errorf("user %s: %w", username, models.ErrNotFound)
		}
		return dbUser.UnmarshalBinary(data)
	})
	return dbUser, err
}

// AddMessage assigns an id, a creation time and a zero vote count, and
// appends the message after every existing one.
func (s *BboltStorage) AddMessage(author, content string) (models.Message, error) {
	id, err := s.newID()
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to generate message id: %w", err)
	}
	created := s.now().UTC()

	dbMessage := DBMessage{
		ID:      id.String(),
		Author:  author,
		Content: content,
		Created: created.UnixNano(),
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		dbMessage.Seq = seq

		if err := put(b, &dbMessage); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}
		return tx.Bucket(bucketMessageIndex).Put([]byte(dbMessage.ID), dbMessage.Key())
	})
	if err != nil {
		return models.Message{}, err
	}

	return toMessage(dbMessage, models.None), nil
}

// ListMessages returns every message oldest first. MyVote carries the
// given user's vote; pass an empty username to omit it.
func (s *BboltStorage) ListMessages(username string) ([]models.Message, error) {
	messages := []models.Message{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		var mine map[string]models.Direction
		if username != "" {
			mine = userVotes(tx, username)
		}
		return tx.Bucket(bucketMessages).ForEach(func(k, v []byte) error {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, toMessage(dbMsg, mine[dbMsg.ID]))
			return nil
		})
	})
	return messages, err
}

// SetVote records the user's vote on a message and adjusts its counter in
// the same transaction. Repeating a direction changes nothing; None clears
// a previous vote. It returns the new count.
func (s *BboltStorage) SetVote(username, messageID string, dir models.Direction) (int, error) {
	if !dir.Valid() {
		return 0, fmt.Errorf("invalid vote direction %d", dir)
	}

	var votes int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		dbMsg, err := getMessage(tx, messageID)
		if err != nil {
			return err
		}

		vb := tx.Bucket(bucketVotes)
		dbVote := &DBVote{Username: username, MessageID: messageID}
		if data := vb.Get(dbVote.Key()); data != nil {
			if err := dbVote.UnmarshalBinary(data); err != nil {
				return fmt.Errorf("failed to unmarshal vote: %w", err)
			}
		}

		prev := models.Direction(dbVote.Direction)
		if prev == dir {
			votes = dbMsg.Votes
			return nil
		}

		if dir == models.None {
			if err := vb.Delete(dbVote.Key()); err != nil {
				return err
			}
		} else {
			dbVote.Direction = int8(dir)
			if err := put(vb, dbVote); err != nil {
				return err
			}
		}

		dbMsg.Votes += int(dir - prev)
		votes = dbMsg.Votes
		return put(tx.Bucket(bucketMessages), &dbMsg)
	})
	return votes, err
}

func put(b *bbolt.Bucket, v Storeable) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(v.Key(), data)
}

func getMessage(tx *bbolt.Tx, id string) (DBMessage, error) {
	var dbMsg DBMessage
	key := tx.Bucket(bucketMessageIndex).Get([]byte(id))
	if key == nil {
		return dbMsg, fmt.Errorf("message %s: %w", id, models.ErrNotFound)
	}

	data := tx.Bucket(bucketMessages).Get(key)
	if data == nil {
		return dbMsg, fmt.Errorf("message %s: %w", id, models.ErrNotFound)
	}
	if err := dbMsg.UnmarshalBinary(data); err != nil {
		return dbMsg, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return dbMsg, nil
}

func userVotes(tx *bbolt.Tx, username string) map[string]models.Direction {
	votes := make(map[string]models.Direction)
	prefix := voteKey(username, "")
	c := tx.Bucket(bucketVotes).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var dbVote DBVote
		if err := dbVote.UnmarshalBinary(v); err != nil {
			continue
		}
		votes[dbVote.MessageID] = models.Direction(dbVote.Direction)
	}
	return votes
}

func toMessage(m DBMessage, mine models.Direction) models.Message {
	return models.Message{
		ID:      m.ID,
		Author:  m.Author,
		Content: m.Content,
		Votes:   m.Votes,
		Created: time.Unix(0, m.Created).UTC(),
		MyVote:  mine,
	}
}
