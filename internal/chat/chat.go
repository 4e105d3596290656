// Package chat defines the append-only group message log and the real-time
// fan-out that pushes new messages to subscribed clients.
package chat

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrInvalidMessage rejects malformed input before it reaches the log.
var ErrInvalidMessage = errors.New("chat: invalid message")

// DateLayout is the granularity the client sends and renders. Ordering
// within a day comes from Seq, never from SentAt.
const DateLayout = "2006-01-02"

// Message is one chat message. Once appended it is immutable; Seq is the
// server-assigned position within the group and is strictly increasing.
type Message struct {
	Sender string `json:"sender"`
	Body   string `json:"body"`
	SentAt string `json:"sentAt"`
	Seq    int64  `json:"seq"`
}

// Validate checks a message before append. The body may be empty (the
// original client allows it); the sender may not.
func (m Message) Validate() error {
	if strings.TrimSpace(m.Sender) == "" {
		return errors.New("chat: empty sender")
	}
	return nil
}

// MessageLog is the per-group append-only message history. Append assigns
// the position; Since is the reconciliation read: every message with a
// position after the cursor, in order, none skipped.
type MessageLog interface {
	Append(ctx context.Context, groupID string, msg Message) (Message, error)
	Since(ctx context.Context, groupID string, afterSeq int64) ([]Message, error)
	List(ctx context.Context, groupID string) ([]Message, error)
}

// MemoryLog is an in-process MessageLog. It backs tests; production uses
// the Postgres store.
type MemoryLog struct {
	mu     sync.Mutex
	groups map[string][]Message
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{groups: make(map[string][]Message)}
}

func (l *MemoryLog) Append(_ context.Context, groupID string, msg Message) (Message, error) {
	if err := msg.Validate(); err != nil {
		return Message{}, errors.Join(ErrInvalidMessage, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	msg.Seq = int64(len(l.groups[groupID])) + 1
	l.groups[groupID] = append(l.groups[groupID], msg)
	return msg, nil
}

func (l *MemoryLog) Since(_ context.Context, groupID string, afterSeq int64) ([]Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	msgs := l.groups[groupID]
	i := sort.Search(len(msgs), func(i int) bool { return msgs[i].Seq > afterSeq })
	out := make([]Message, len(msgs)-i)
	copy(out, msgs[i:])
	return out, nil
}

func (l *MemoryLog) List(ctx context.Context, groupID string) ([]Message, error) {
	return l.Since(ctx, groupID, 0)
}
