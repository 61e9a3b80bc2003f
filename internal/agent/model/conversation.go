package model

import (
	"context"

	"github.com/cloudwego/eino/schema"
)

// ConversationRepository is the durable, append-only message log backing a
// conversation thread. Implementations must never reorder or mutate
// previously appended messages.
type ConversationRepository interface {
	// AppendMessages appends messages to the thread's history in order.
	AppendMessages(ctx context.Context, threadID string, messages ...*schema.Message) error

	// LoadHistory retrieves the full conversation history for a thread.
	// An unseen thread yields an empty history, not an error.
	LoadHistory(ctx context.Context, threadID string) (*ConversationHistory, error)

	// ClearHistory removes all conversation history for a thread.
	ClearHistory(ctx context.Context, threadID string) error

	// MessageCount returns the number of messages committed for a thread.
	MessageCount(ctx context.Context, threadID string) (int, error)
}

// ConversationHistory represents loaded conversation data.
type ConversationHistory struct {
	ThreadID string
	Messages []*schema.Message
}
