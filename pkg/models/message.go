package models

import "time"

// Message is one immutable bus message. Sequence numbers are monotonic per
// topic; messages on different topics carry no ordering relationship.
type Message struct {
	// Topic is the named channel the message was published on.
	Topic string `json:"topic"`
	// SenderID identifies the publisher (worker ID, or "orchestrator").
	SenderID string `json:"sender_id"`
	// Payload is the message body.
	Payload any `json:"payload"`
	// Seq is the per-topic monotonic sequence number.
	Seq uint64 `json:"seq"`
	// Timestamp is when the message was published.
	Timestamp time.Time `json:"timestamp"`
}
