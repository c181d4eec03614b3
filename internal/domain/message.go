package domain

import "time"

// Message is one persisted chat record. The ID is assigned by the store and
// the record is immutable after creation.
type Message struct {
	ID        int64     `json:"id"`
	Sender    UserID    `json:"sender"`
	Recipient UserID    `json:"recipient"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}
