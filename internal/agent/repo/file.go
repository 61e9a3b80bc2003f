package repo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cloudwego/eino/schema"
	"gopkg.in/yaml.v3"

	"github.com/newsrag-poc-v1/agent/internal/agent/model"
	errx "github.com/newsrag-poc-v1/agent/internal/core/error"
)

// FileConversationRepository persists each thread as a YAML message log on
// disk. It is the zero-infrastructure fallback when no Redis URL is
// configured; writes go through a temp file plus rename so a crash never
// truncates committed history.
type FileConversationRepository struct {
	dir string
	mu  sync.Mutex
}

func NewFileConversationRepository(dir string) (*FileConversationRepository, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errx.WrapStore(err)
	}
	return &FileConversationRepository{dir: dir}, nil
}

// threadLog is the on-disk YAML shape of a conversation.
type threadLog struct {
	ThreadID string          `yaml:"thread_id"`
	Messages []storedMessage `yaml:"messages"`
}

type storedMessage struct {
	Role       string           `yaml:"role"`
	Content    string           `yaml:"content,omitempty"`
	ToolCallID string           `yaml:"tool_call_id,omitempty"`
	ToolCalls  []storedToolCall `yaml:"tool_calls,omitempty"`
}

type storedToolCall struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Arguments string `yaml:"arguments"`
}

func toStored(m *schema.Message) storedMessage {
	s := storedMessage{
		Role:       string(m.Role),
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		s.ToolCalls = append(s.ToolCalls, storedToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return s
}

func fromStored(s storedMessage) *schema.Message {
	m := &schema.Message{
		Role:       schema.RoleType(s.Role),
		Content:    s.Content,
		ToolCallID: s.ToolCallID,
	}
	for _, tc := range s.ToolCalls {
		m.ToolCalls = append(m.ToolCalls, schema.ToolCall{
			ID: tc.ID,
			Function: schema.FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return m
}

// threadFile sanitizes the thread ID into a file name.
func (r *FileConversationRepository) threadFile(threadID string) string {
	safe := strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			return c
		default:
			return '_'
		}
	}, threadID)
	return filepath.Join(r.dir, safe+".yaml")
}

func (r *FileConversationRepository) read(threadID string) (*threadLog, error) {
	path := r.threadFile(threadID)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &threadLog{ThreadID: threadID}, nil
	}
	if err != nil {
		return nil, errx.WrapStore(err)
	}
	var log threadLog
	if err := yaml.Unmarshal(data, &log); err != nil {
		return nil, errx.WrapStore(fmt.Errorf("decode thread log: %w", err))
	}
	return &log, nil
}

func (r *FileConversationRepository) write(threadID string, log *threadLog) error {
	data, err := yaml.Marshal(log)
	if err != nil {
		return errx.WrapStore(err)
	}
	path := r.threadFile(threadID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return errx.WrapStore(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errx.WrapStore(err)
	}
	return nil
}

func (r *FileConversationRepository) AppendMessages(ctx context.Context, threadID string, messages ...*schema.Message) error {
	if len(messages) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	log, err := r.read(threadID)
	if err != nil {
		return err
	}
	for _, m := range messages {
		log.Messages = append(log.Messages, toStored(m))
	}
	return r.write(threadID, log)
}

func (r *FileConversationRepository) LoadHistory(ctx context.Context, threadID string) (*model.ConversationHistory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	log, err := r.read(threadID)
	if err != nil {
		return nil, err
	}
	msgs := make([]*schema.Message, 0, len(log.Messages))
	for _, s := range log.Messages {
		msgs = append(msgs, fromStored(s))
	}
	return &model.ConversationHistory{ThreadID: threadID, Messages: msgs}, nil
}

func (r *FileConversationRepository) ClearHistory(ctx context.Context, threadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	err := os.Remove(r.threadFile(threadID))
	if err != nil && !os.IsNotExist(err) {
		return errx.WrapStore(err)
	}
	return nil
}

func (r *FileConversationRepository) MessageCount(ctx context.Context, threadID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	log, err := r.read(threadID)
	if err != nil {
		return 0, err
	}
	return len(log.Messages), nil
}

var _ model.ConversationRepository = (*FileConversationRepository)(nil)
