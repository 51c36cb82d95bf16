package types

import "time"

// Message represents one ingested mail item. Messages are written exactly
// once and never updated; ID is the provider-assigned identifier and is
// treated as opaque text.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	ReceivedAt     time.Time `json:"received_at"`
	IngestedAt     time.Time `json:"ingested_at"`
	Sender         string    `json:"sender"`
	Recipients     string    `json:"recipients"`
	CC             *string   `json:"cc,omitempty"`
	Subject        string    `json:"subject"`
	Tags           []string  `json:"tags"`
	Body           string    `json:"body"`
}

// MessageSummary represents a summary of a message (for recency listings)
type MessageSummary struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Sender         string    `json:"sender"`
	Subject        string    `json:"subject"`
	ReceivedAt     time.Time `json:"received_at"`
	IngestedAt     time.Time `json:"ingested_at"`
	Snippet        string    `json:"snippet"`
}
