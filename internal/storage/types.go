package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBUser struct {
	Username     string `msgpack:"username"`
	PasswordHash []byte `msgpack:"passwordHash"`
	Created      int64  `msgpack:"created"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.Username)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

// DBMessage is keyed by its insertion sequence so a cursor walks messages
// in creation order.
type DBMessage struct {
	Seq     uint64 `msgpack:"seq"`
	ID      string `msgpack:"id"`
	Author  string `msgpack:"author"`
	Content string `msgpack:"content"`
	Votes   int    `msgpack:"votes"`
	Created int64  `msgpack:"created"`
}

func (m *DBMessage) Key() []byte {
	return seqKey(m.Seq)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

// DBVote is one user's standing vote on one message.
type DBVote struct {
	Username  string `msgpack:"username"`
	MessageID string `msgpack:"messageId"`
	Direction int8   `msgpack:"direction"`
}

func (v *DBVote) Key() []byte {
	return voteKey(v.Username, v.MessageID)
}

func (v *DBVote) MarshalBinary() (data []byte, err error) {
	type alias DBVote
	return msgpack.Marshal((*alias)(v))
}

func (v *DBVote) UnmarshalBinary(data []byte) error {
	type alias DBVote
	return msgpack.Unmarshal(data, (*alias)(v))
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func voteKey(username, messageID string) []byte {
	key := make([]byte, 0, len(username)+1+len(messageID))
	key = append(key, username...)
	key = append(key, 0)
	return append(key, messageID...)
}
