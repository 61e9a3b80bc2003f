package model

import (
	"github.com/cloudwego/eino/schema"
)

// Snapshot is an intermediate view of the conversation emitted while a turn
// progresses, suitable for streaming UIs. The terminal snapshot of a turn
// carries Final=true and ends in an assistant reply with no pending tool
// calls, or Err when the turn failed.
type Snapshot struct {
	ThreadID string
	Messages []*schema.Message
	Final    bool
	Err      error
}

// Last returns the most recent message of the snapshot, or nil.
func (s Snapshot) Last() *schema.Message {
	if len(s.Messages) == 0 {
		return nil
	}
	return s.Messages[len(s.Messages)-1]
}
