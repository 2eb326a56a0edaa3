package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// SessionID identifies one websocket session.
type SessionID string

// MessageRecord is the durable form of one inbound text message.
type MessageRecord struct {
	Seq       int64     `json:"seq,omitempty"`
	Session   SessionID `json:"session_id"`
	Body      string    `json:"body"`
	Bytes     int       `json:"bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// NewMessageRecord stamps a record for text received on session.
func NewMessageRecord(session SessionID, text string) MessageRecord {
	return MessageRecord{
		Session:   session,
		Body:      text,
		Bytes:     len(text),
		CreatedAt: time.Now().UTC(),
	}
}

// MarshalBinary serializes the record as one JSON document, the line format
// used by archive objects.
func (r MessageRecord) MarshalBinary() ([]byte, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Bytes == 0 {
		r.Bytes = len(r.Body)
	}
	type plain MessageRecord
	return json.Marshal(plain(r))
}

// UnmarshalBinary deserializes a record produced by MarshalBinary.
func (r *MessageRecord) UnmarshalBinary(data []byte) error {
	type plain MessageRecord
	var payload plain
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode message record: %w", err)
	}
	*r = MessageRecord(payload)
	return nil
}
