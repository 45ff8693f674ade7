package relay

// EventType names a push sent from the relay to a session.
type EventType string

const (
	EventMessage    EventType = "message"
	EventPresence   EventType = "presence"
	EventTyping     EventType = "typing"
	EventRead       EventType = "read"
	EventSuperseded EventType = "superseded"
)

// Event is one push. Only the fields of its Type are set.
type Event struct {
	Type    EventType    `json:"type"`
	Message *MessagePush `json:"message,omitempty"`
	Online  []string     `json:"online,omitempty"`
	From    string       `json:"from,omitempty"`
	By      string       `json:"by,omitempty"`
	ReadAt  int64        `json:"read_at,omitempty"`
	Count   int64        `json:"count,omitempty"`
}

// MessagePush carries the recipient-facing envelope of a freshly persisted message.
type MessagePush struct {
	MessageID  string  `json:"message_id"`
	Seq        int64   `json:"seq"`
	Sender     string  `json:"sender"`
	Envelope   string  `json:"envelope"`
	Kind       string  `json:"kind"`
	SentAt     int64   `json:"sent_at"`
	ReceivedAt int64   `json:"received_at"`
	ReplyToID  *string `json:"reply_to_id,omitempty"`
}

// SendRequest is an outbound message as submitted by its sender.
type SendRequest struct {
	Recipient            string  `json:"recipient" validate:"required,max=32"`
	EnvelopeForRecipient string  `json:"envelope_for_recipient" validate:"required"`
	EnvelopeForSender    string  `json:"envelope_for_sender" validate:"required"`
	Kind                 string  `json:"kind,omitempty" validate:"omitempty,kind"`
	SentAt               int64   `json:"sent_at" validate:"gt=0"`
	ReplyToID            *string `json:"reply_to_id,omitempty" validate:"omitempty,min=1,max=64"`
	RequestID            *string `json:"request_id,omitempty" validate:"omitempty,min=1,max=128"`
}

// Ack confirms a message is durably stored.
type Ack struct {
	MessageID  string `json:"message_id"`
	ReceivedAt int64  `json:"received_at"`
	Seq        int64  `json:"seq"`
	Delivered  bool   `json:"delivered"`
	Duplicate  bool   `json:"duplicate,omitempty"`
}

// HistoryEntry is a stored message with the envelope the requester can open.
type HistoryEntry struct {
	MessageID   string  `json:"message_id"`
	Seq         int64   `json:"seq"`
	Sender      string  `json:"sender"`
	Recipient   string  `json:"recipient"`
	Envelope    string  `json:"envelope"`
	Kind        string  `json:"kind"`
	SentAt      int64   `json:"sent_at"`
	ReceivedAt  int64   `json:"received_at"`
	DeliveredAt *int64  `json:"delivered_at,omitempty"`
	ReadAt      *int64  `json:"read_at,omitempty"`
	ReplyToID   *string `json:"reply_to_id,omitempty"`
}
