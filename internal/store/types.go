package store

// MessageStatus is the delivery lifecycle of a message.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
)

// Ciphertext carries end-to-end encrypted content. The store never inspects it.
type Ciphertext struct {
	Data       string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
	Tag        string `json:"tag"`
	Algorithm  string `json:"algorithm"`
	KeyVersion int    `json:"key_version"`
}

// Message is a locally stored chat message.
type Message struct {
	RowID          int64
	ServerID       string // empty until acknowledged
	TempID         string
	ConversationID string
	SenderID       string
	ReceiverID     string
	Content        string
	Cipher         *Ciphertext
	CreatedAt      int64
	UpdatedAt      int64
	Status         MessageStatus
	RetryCount     int
	LastRetryAt    int64
	Error          string
	IsDeleted      bool
}

// Conversation is a one-to-one conversation with cached counterpart details.
type Conversation struct {
	ID                 string
	User1ID            string
	User2ID            string
	LastMessageID      string
	LastMessageAt      int64
	LastMessagePreview string
	LastReadMessageID  string
	LastReadAt         int64
	UnreadCount        int
	OtherUserName      string
	OtherUserAvatar    string
	OtherUserOnline    bool
	SyncedAt           int64
	LastSyncCursor     string
	CreatedAt          int64
	UpdatedAt          int64
	IsDeleted          bool
}

// Peer returns the participant that is not self.
func (c *Conversation) Peer(self string) string {
	if c.User1ID == self {
		return c.User2ID
	}
	return c.User1ID
}

// Priority orders outbox and transport queue entries.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank returns 0 for high, 1 for normal and 2 for anything else.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityNormal:
		return 1
	default:
		return 2
	}
}

// OutboxStatus is the state of an outbox entry.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxCompleted  OutboxStatus = "completed"
	OutboxFailed     OutboxStatus = "failed"
)

// OutboxEntry is a durable unit of pending delivery.
type OutboxEntry struct {
	ID             int64
	TempID         string
	ConversationID string
	Priority       Priority
	QueuedAt       int64
	ScheduledFor   int64
	Attempts       int
	MaxAttempts    int
	Payload        Payload
	Status         OutboxStatus
	Error          string
	UpdatedAt      int64
}

// OutboxStats counts outbox entries by status.
type OutboxStats struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
}
