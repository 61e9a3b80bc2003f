package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newsrag-poc-v1/agent/internal/agent/model"
	"github.com/newsrag-poc-v1/agent/internal/agent/tools"
)

// fakeChat replays a script of responses or errors, one per Generate call.
type fakeChat struct {
	mu      sync.Mutex
	script  []scriptStep
	calls   int
	history [][]*schema.Message
}

type scriptStep struct {
	msg *schema.Message
	err error
}

func (f *fakeChat) Generate(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, input)
	if f.calls >= len(f.script) {
		return nil, fmt.Errorf("unscripted call %d", f.calls)
	}
	step := f.script[f.calls]
	f.calls++
	return step.msg, step.err
}

func (f *fakeChat) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// memRepo is an in-memory conversation store.
type memRepo struct {
	mu      sync.Mutex
	threads map[string][]*schema.Message
}

func newMemRepo() *memRepo {
	return &memRepo{threads: make(map[string][]*schema.Message)}
}

func (r *memRepo) AppendMessages(ctx context.Context, threadID string, messages ...*schema.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.threads[threadID] = append(r.threads[threadID], messages...)
	return nil
}

func (r *memRepo) LoadHistory(ctx context.Context, threadID string) (*model.ConversationHistory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := make([]*schema.Message, len(r.threads[threadID]))
	copy(msgs, r.threads[threadID])
	return &model.ConversationHistory{ThreadID: threadID, Messages: msgs}, nil
}

func (r *memRepo) ClearHistory(ctx context.Context, threadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.threads, threadID)
	return nil
}

func (r *memRepo) MessageCount(ctx context.Context, threadID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.threads[threadID]), nil
}

func (r *memRepo) stored(threadID string) []*schema.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.threads[threadID]
}

// stubTool is a fixed-output tool for registry wiring in tests.
type stubTool struct {
	name string
	out  string
	err  error
}

func (s *stubTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name:        s.name,
		Desc:        "stub",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{}),
	}, nil
}

func (s *stubTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	return s.out, s.err
}

func testRegistry(t *testing.T, descs ...tools.Descriptor) *tools.Registry {
	t.Helper()
	reg, err := tools.NewRegistry(context.Background(), time.Second, descs...)
	require.NoError(t, err)
	return reg
}

func toolCall(id, name string) schema.ToolCall {
	return schema.ToolCall{ID: id, Function: schema.FunctionCall{Name: name, Arguments: "{}"}}
}

func collect(t *testing.T, ch <-chan model.Snapshot) []model.Snapshot {
	t.Helper()
	var snaps []model.Snapshot
	for s := range ch {
		snaps = append(snaps, s)
	}
	require.NotEmpty(t, snaps)
	return snaps
}

func TestRunTurnDirectAnswer(t *testing.T) {
	chat := &fakeChat{script: []scriptStep{
		{msg: schema.AssistantMessage("Hello there.", nil)},
	}}
	repo := newMemRepo()
	ctrl, err := NewController(chat, nil, testRegistry(t), repo, Config{SystemPrompt: "be helpful"})
	require.NoError(t, err)

	ch, err := ctrl.RunTurn(context.Background(), "t1", "hi")
	require.NoError(t, err)
	snaps := collect(t, ch)

	final := snaps[len(snaps)-1]
	require.True(t, final.Final)
	require.NoError(t, final.Err)
	require.Len(t, final.Messages, 3)
	assert.Equal(t, schema.System, final.Messages[0].Role)
	assert.Equal(t, schema.User, final.Messages[1].Role)
	require.NotNil(t, final.Last())
	assert.Equal(t, "Hello there.", final.Last().Content)

	assert.Equal(t, 1, chat.callCount())
	assert.Len(t, repo.stored("t1"), 3)
}

func TestRunTurnSystemPromptOnlyOnFirstTurn(t *testing.T) {
	chat := &fakeChat{script: []scriptStep{
		{msg: schema.AssistantMessage("one", nil)},
		{msg: schema.AssistantMessage("two", nil)},
	}}
	repo := newMemRepo()
	ctrl, err := NewController(chat, nil, testRegistry(t), repo, Config{SystemPrompt: "sys"})
	require.NoError(t, err)

	for _, q := range []string{"first", "second"} {
		ch, err := ctrl.RunTurn(context.Background(), "t1", q)
		require.NoError(t, err)
		collect(t, ch)
	}

	stored := repo.stored("t1")
	require.Len(t, stored, 5)
	systems := 0
	for _, m := range stored {
		if m.Role == schema.System {
			systems++
		}
	}
	assert.Equal(t, 1, systems)
	assert.Equal(t, schema.System, stored[0].Role)
}

func TestRunTurnToolRound(t *testing.T) {
	chat := &fakeChat{script: []scriptStep{
		{msg: schema.AssistantMessage("", []schema.ToolCall{
			toolCall("c1", "alpha"),
			toolCall("c2", "beta"),
		})},
		{msg: schema.AssistantMessage("combined answer", nil)},
	}}
	repo := newMemRepo()
	reg := testRegistry(t,
		tools.Descriptor{Tool: &stubTool{name: "alpha", out: "alpha result"}},
		tools.Descriptor{Tool: &stubTool{name: "beta", out: "beta result"}},
	)
	ctrl, err := NewController(chat, nil, reg, repo, Config{SystemPrompt: "sys"})
	require.NoError(t, err)

	ch, err := ctrl.RunTurn(context.Background(), "t1", "do both")
	require.NoError(t, err)
	snaps := collect(t, ch)

	final := snaps[len(snaps)-1]
	require.True(t, final.Final)
	require.Len(t, final.Messages, 6)

	assert.Equal(t, schema.Assistant, final.Messages[2].Role)
	require.Len(t, final.Messages[2].ToolCalls, 2)
	assert.Equal(t, "c1", final.Messages[3].ToolCallID)
	assert.Equal(t, "alpha result", final.Messages[3].Content)
	assert.Equal(t, "c2", final.Messages[4].ToolCallID)
	assert.Equal(t, "beta result", final.Messages[4].Content)
	assert.Equal(t, "combined answer", final.Messages[5].Content)

	assert.Equal(t, 2, chat.callCount())
	assert.Len(t, repo.stored("t1"), 6)
}

func TestRunTurnSynthesizesMissingToolCallIDs(t *testing.T) {
	chat := &fakeChat{script: []scriptStep{
		{msg: schema.AssistantMessage("", []schema.ToolCall{
			toolCall("", "alpha"),
			toolCall("", "alpha"),
		})},
		{msg: schema.AssistantMessage("done", nil)},
	}}
	reg := testRegistry(t, tools.Descriptor{Tool: &stubTool{name: "alpha", out: "ok"}})
	ctrl, err := NewController(chat, nil, reg, newMemRepo(), Config{})
	require.NoError(t, err)

	ch, err := ctrl.RunTurn(context.Background(), "t1", "go")
	require.NoError(t, err)
	snaps := collect(t, ch)

	final := snaps[len(snaps)-1]
	require.Len(t, final.Messages, 5)
	assistant := final.Messages[1]
	assert.Equal(t, "call_1", assistant.ToolCalls[0].ID)
	assert.Equal(t, "call_2", assistant.ToolCalls[1].ID)
	assert.Equal(t, "call_1", final.Messages[2].ToolCallID)
	assert.Equal(t, "call_2", final.Messages[3].ToolCallID)
}

func TestRunTurnUnknownToolBecomesErrorMessage(t *testing.T) {
	chat := &fakeChat{script: []scriptStep{
		{msg: schema.AssistantMessage("", []schema.ToolCall{toolCall("c1", "no_such_tool")})},
		{msg: schema.AssistantMessage("recovered", nil)},
	}}
	ctrl, err := NewController(chat, nil, testRegistry(t), newMemRepo(), Config{})
	require.NoError(t, err)

	ch, err := ctrl.RunTurn(context.Background(), "t1", "go")
	require.NoError(t, err)
	snaps := collect(t, ch)

	final := snaps[len(snaps)-1]
	require.True(t, final.Final)
	require.NoError(t, final.Err)
	require.Len(t, final.Messages, 4)
	assert.Equal(t, schema.Tool, final.Messages[2].Role)
	assert.Contains(t, final.Messages[2].Content, "Tool error")
	assert.Equal(t, "recovered", final.Messages[3].Content)
}

func TestRunTurnRoundCeiling(t *testing.T) {
	loopStep := scriptStep{msg: schema.AssistantMessage("", []schema.ToolCall{toolCall("", "alpha")})}
	chat := &fakeChat{script: []scriptStep{loopStep, loopStep, loopStep, loopStep}}
	reg := testRegistry(t, tools.Descriptor{Tool: &stubTool{name: "alpha", out: "ok"}})
	repo := newMemRepo()
	ctrl, err := NewController(chat, nil, reg, repo, Config{MaxRounds: 2})
	require.NoError(t, err)

	ch, err := ctrl.RunTurn(context.Background(), "t1", "loop forever")
	require.NoError(t, err)
	snaps := collect(t, ch)

	final := snaps[len(snaps)-1]
	require.True(t, final.Final)
	require.NoError(t, final.Err)
	last := final.Messages[len(final.Messages)-1]
	assert.Equal(t, exhaustedReply, last.Content)
	assert.Empty(t, last.ToolCalls)

	// MaxRounds dispatches plus the invocation that hit the ceiling.
	assert.Equal(t, 3, chat.callCount())

	// The ceiling-hit tool request is dropped, not persisted.
	stored := repo.stored("t1")
	toolRequests := 0
	for _, m := range stored {
		if m.Role == schema.Assistant && len(m.ToolCalls) > 0 {
			toolRequests++
		}
	}
	assert.Equal(t, 2, toolRequests)
	assert.Equal(t, exhaustedReply, stored[len(stored)-1].Content)
}

// waitTool blocks until its context is canceled.
type waitTool struct {
	name string
}

func (w *waitTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name:        w.name,
		Desc:        "stub",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{}),
	}, nil
}

func (w *waitTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestRunTurnPreviewSnapshotNotMutatedByGrading(t *testing.T) {
	chat := &fakeChat{script: []scriptStep{
		{msg: schema.AssistantMessage("", []schema.ToolCall{toolCall("c1", "search")})},
		{msg: schema.AssistantMessage("answer", nil)},
	}}
	graderChat := &fakeChat{script: []scriptStep{
		{msg: schema.AssistantMessage("no", nil)},
	}}
	reg := testRegistry(t, tools.Descriptor{Tool: &stubTool{name: "search", out: "raw blob"}, Graded: true})
	ctrl, err := NewController(chat, NewGrader(graderChat, "grader"), reg, newMemRepo(), Config{SnapshotBuffer: 16})
	require.NoError(t, err)

	ch, err := ctrl.RunTurn(context.Background(), "t1", "question")
	require.NoError(t, err)
	snaps := collect(t, ch)

	// The pre-grading preview still shows the raw tool output even when
	// read after the turn finished; grading rewrote its own copy only.
	sawRaw := false
	for _, s := range snaps {
		for _, m := range s.Messages {
			if m.Role == schema.Tool && m.Content == "raw blob" {
				sawRaw = true
			}
		}
	}
	assert.True(t, sawRaw)

	final := snaps[len(snaps)-1]
	require.True(t, final.Final)
	assert.Equal(t, DisclaimerIrrelevant, final.Messages[2].Content)
}

func TestRunTurnCancellationMidTurn(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chat := &fakeChat{script: []scriptStep{
		{msg: schema.AssistantMessage("", []schema.ToolCall{toolCall("c1", "slow")})},
	}}
	reg := testRegistry(t, tools.Descriptor{Tool: &waitTool{name: "slow"}})
	repo := newMemRepo()
	ctrl, err := NewController(chat, nil, reg, repo, Config{})
	require.NoError(t, err)

	ch, err := ctrl.RunTurn(ctx, "t1", "go")
	require.NoError(t, err)

	for snap := range ch {
		if last := snap.Last(); last != nil && last.Role == schema.Assistant && len(last.ToolCalls) > 0 {
			cancel()
		}
	}

	// Only the messages committed before cancellation survive.
	stored := repo.stored("t1")
	require.Len(t, stored, 2)
	assert.Equal(t, schema.User, stored[0].Role)
	assert.Equal(t, schema.Assistant, stored[1].Role)
	for _, m := range stored {
		assert.NotEqual(t, schema.Tool, m.Role)
	}
}

func TestRunTurnFailureSnapshotSurvivesFullBuffer(t *testing.T) {
	chat := &fakeChat{script: []scriptStep{
		{err: errors.New("quota exceeded")},
	}}
	ctrl, err := NewController(chat, nil, testRegistry(t), newMemRepo(), Config{SystemPrompt: "sys", SnapshotBuffer: 1})
	require.NoError(t, err)

	ch, err := ctrl.RunTurn(context.Background(), "t1", "hi")
	require.NoError(t, err)
	snaps := collect(t, ch)

	final := snaps[len(snaps)-1]
	require.True(t, final.Final)
	require.Error(t, final.Err)
}

func TestRunTurnIrrelevantContextReplaced(t *testing.T) {
	chat := &fakeChat{script: []scriptStep{
		{msg: schema.AssistantMessage("", []schema.ToolCall{toolCall("c1", "search")})},
		{msg: schema.AssistantMessage("answer", nil)},
	}}
	graderChat := &fakeChat{script: []scriptStep{
		{msg: schema.AssistantMessage("no", nil)},
	}}
	reg := testRegistry(t, tools.Descriptor{Tool: &stubTool{name: "search", out: "off-topic blob"}, Graded: true})
	repo := newMemRepo()
	ctrl, err := NewController(chat, NewGrader(graderChat, "grader"), reg, repo, Config{})
	require.NoError(t, err)

	ch, err := ctrl.RunTurn(context.Background(), "t1", "question")
	require.NoError(t, err)
	snaps := collect(t, ch)

	final := snaps[len(snaps)-1]
	toolMsg := final.Messages[2]
	require.Equal(t, schema.Tool, toolMsg.Role)
	assert.Equal(t, DisclaimerIrrelevant, toolMsg.Content)
	assert.Equal(t, 1, graderChat.callCount())

	// The disclaimer is what got persisted, not the raw tool output.
	assert.Equal(t, DisclaimerIrrelevant, repo.stored("t1")[2].Content)
}

func TestRunTurnUngradedToolSkipsGrader(t *testing.T) {
	chat := &fakeChat{script: []scriptStep{
		{msg: schema.AssistantMessage("", []schema.ToolCall{toolCall("c1", "clock")})},
		{msg: schema.AssistantMessage("it is noon", nil)},
	}}
	graderChat := &fakeChat{}
	reg := testRegistry(t, tools.Descriptor{Tool: &stubTool{name: "clock", out: "12:00"}})
	ctrl, err := NewController(chat, NewGrader(graderChat, "grader"), reg, newMemRepo(), Config{})
	require.NoError(t, err)

	ch, err := ctrl.RunTurn(context.Background(), "t1", "time?")
	require.NoError(t, err)
	snaps := collect(t, ch)

	final := snaps[len(snaps)-1]
	assert.Equal(t, "12:00", final.Messages[2].Content)
	assert.Equal(t, 0, graderChat.callCount())
}

func TestRunTurnFailedToolNotGraded(t *testing.T) {
	chat := &fakeChat{script: []scriptStep{
		{msg: schema.AssistantMessage("", []schema.ToolCall{toolCall("c1", "search")})},
		{msg: schema.AssistantMessage("answer", nil)},
	}}
	graderChat := &fakeChat{}
	reg := testRegistry(t, tools.Descriptor{
		Tool:   &stubTool{name: "search", err: errors.New("backend down")},
		Graded: true,
	})
	ctrl, err := NewController(chat, NewGrader(graderChat, "grader"), reg, newMemRepo(), Config{})
	require.NoError(t, err)

	ch, err := ctrl.RunTurn(context.Background(), "t1", "question")
	require.NoError(t, err)
	snaps := collect(t, ch)

	final := snaps[len(snaps)-1]
	assert.Contains(t, final.Messages[2].Content, "backend down")
	assert.Equal(t, 0, graderChat.callCount())
}

func TestRunTurnModelErrorCommitsNothingExtra(t *testing.T) {
	chat := &fakeChat{script: []scriptStep{
		{err: errors.New("quota exceeded")},
	}}
	repo := newMemRepo()
	ctrl, err := NewController(chat, nil, testRegistry(t), repo, Config{SystemPrompt: "sys"})
	require.NoError(t, err)

	ch, err := ctrl.RunTurn(context.Background(), "t1", "hi")
	require.NoError(t, err)
	snaps := collect(t, ch)

	final := snaps[len(snaps)-1]
	require.True(t, final.Final)
	require.Error(t, final.Err)

	// Only the system instruction and user message are committed.
	stored := repo.stored("t1")
	require.Len(t, stored, 2)
	assert.Equal(t, schema.System, stored[0].Role)
	assert.Equal(t, schema.User, stored[1].Role)
}

func TestRunTurnRejectsEmptyInput(t *testing.T) {
	ctrl, err := NewController(&fakeChat{}, nil, testRegistry(t), newMemRepo(), Config{})
	require.NoError(t, err)

	_, err = ctrl.RunTurn(context.Background(), "t1", "   ")
	assert.Error(t, err)

	_, err = ctrl.RunTurn(context.Background(), "", "hi")
	assert.Error(t, err)
}

func TestNewControllerValidation(t *testing.T) {
	reg := testRegistry(t)
	repo := newMemRepo()

	_, err := NewController(nil, nil, reg, repo, Config{})
	assert.Error(t, err)
	_, err = NewController(&fakeChat{}, nil, nil, repo, Config{})
	assert.Error(t, err)
	_, err = NewController(&fakeChat{}, nil, reg, nil, Config{})
	assert.Error(t, err)

	ctrl, err := NewController(&fakeChat{}, nil, reg, repo, Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxRounds, ctrl.cfg.MaxRounds)
}
