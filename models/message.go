package models

// Message represents a plaintext message entry after the endpoint opened its envelope.
type Message struct {
	MessageID   string  `json:"message_id"`
	Seq         int64   `json:"seq"`
	Sender      string  `json:"sender"`
	Recipient   string  `json:"recipient"`
	Content     string  `json:"content"`
	Kind        string  `json:"kind"`
	SentAt      int64   `json:"sent_at"`
	ReceivedAt  int64   `json:"received_at"`
	DeliveredAt *int64  `json:"delivered_at,omitempty"`
	ReadAt      *int64  `json:"read_at,omitempty"`
	ReplyToID   *string `json:"reply_to_id,omitempty"`
	// Readable is false when the envelope could not be opened and Content holds the placeholder.
	Readable bool `json:"readable"`
}

// IsRead reports whether the recipient marked the message read.
func (m Message) IsRead() bool {
	return m.ReadAt != nil
}

// Counterpart returns the other party of the conversation as seen by self.
func (m Message) Counterpart(self string) string {
	if m.Sender == self {
		return m.Recipient
	}
	return m.Sender
}
