// Package loop implements the agentic control loop as an explicit finite
// state machine: ask the model, dispatch requested tool calls, grade
// retrieval output, feed everything back to the model, repeat until the
// model answers without requesting tools.
package loop

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cloudwego/eino/schema"

	"github.com/newsrag-poc-v1/agent/internal/agent/model"
	"github.com/newsrag-poc-v1/agent/internal/agent/tools"
	errx "github.com/newsrag-poc-v1/agent/internal/core/error"
	logx "github.com/newsrag-poc-v1/agent/pkg/logger"
)

const (
	// DisclaimerIrrelevant replaces tool output the grader rejected.
	DisclaimerIrrelevant = "The knowledge base returned content that does not match your question. Ignore this context."
	// exhaustedReply is the synthesized answer when the round ceiling is hit.
	exhaustedReply = "I was unable to complete the request within the allowed number of tool rounds. Please try rephrasing your question."
)

const DefaultMaxRounds = 5

type turnState int

const (
	stateAwaitModel turnState = iota
	stateDispatchTools
	stateGradeOutput
	stateDone
)

// Config holds the per-controller loop parameters.
type Config struct {
	// SystemPrompt is appended once, on the first turn of a thread.
	SystemPrompt string
	// MaxRounds bounds tool-dispatch rounds per turn; <=0 means default.
	MaxRounds int
	// ResponseModelName is used for usage accounting only.
	ResponseModelName string
	// SnapshotBuffer sizes the snapshot channel; <=0 means 8.
	SnapshotBuffer int
}

// Controller drives one conversation turn through the state machine. All
// collaborators are injected; the controller owns no global state.
type Controller struct {
	chat     ChatModel
	grader   *Grader
	registry *tools.Registry
	repo     model.ConversationRepository
	cfg      Config
}

func NewController(chat ChatModel, grader *Grader, registry *tools.Registry, repo model.ConversationRepository, cfg Config) (*Controller, error) {
	if chat == nil {
		return nil, fmt.Errorf("chat model is nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("tool registry is nil")
	}
	if repo == nil {
		return nil, fmt.Errorf("conversation repository is nil")
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	if cfg.SnapshotBuffer <= 0 {
		cfg.SnapshotBuffer = 8
	}
	return &Controller{chat: chat, grader: grader, registry: registry, repo: repo, cfg: cfg}, nil
}

// RunTurn feeds one user message into the loop and streams conversation
// snapshots until the turn reaches a terminal state. The channel is closed
// after the terminal snapshot (Final, or Err on failure). Messages already
// committed before a cancellation or failure remain valid history.
func (c *Controller) RunTurn(ctx context.Context, threadID, userText string) (<-chan model.Snapshot, error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, fmt.Errorf("thread id is empty")
	}
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return nil, fmt.Errorf("user text is empty")
	}

	ch := make(chan model.Snapshot, c.cfg.SnapshotBuffer)
	go func() {
		defer close(ch)
		c.runTurn(ctx, threadID, userText, ch)
	}()
	return ch, nil
}

// dispatched is one tool call's outcome, kept alongside the message so
// grading knows the tool name and whether invocation already failed.
type dispatched struct {
	msg    *schema.Message
	name   string
	failed bool
}

func (c *Controller) runTurn(ctx context.Context, threadID, userText string, ch chan<- model.Snapshot) {
	history, err := c.loadOrInit(ctx, threadID)
	if err != nil {
		c.fail(ctx, ch, threadID, err)
		return
	}

	userMsg := schema.UserMessage(userText)
	if err := c.repo.AppendMessages(ctx, threadID, userMsg); err != nil {
		c.fail(ctx, ch, threadID, errx.WrapStore(err))
		return
	}
	history = append(history, userMsg)
	if !c.emit(ctx, ch, threadID, history, false) {
		return
	}

	state := stateAwaitModel
	rounds := 0
	idSeq := 0
	var pending []schema.ToolCall
	var results []dispatched

	for state != stateDone {
		if err := ctx.Err(); err != nil {
			c.fail(ctx, ch, threadID, err)
			return
		}

		switch state {
		case stateAwaitModel:
			out, err := c.chat.Generate(ctx, history)
			if err != nil {
				logx.Error().Err(err).Str("thread_id", threadID).Msg("Model invocation failed")
				c.fail(ctx, ch, threadID, errx.WrapModel(err))
				return
			}
			normalizeToolCallIDs(out, &idSeq)
			logUsage(c.cfg.ResponseModelName, out)

			if len(out.ToolCalls) == 0 {
				if err := c.repo.AppendMessages(ctx, threadID, out); err != nil {
					c.fail(ctx, ch, threadID, errx.WrapStore(err))
					return
				}
				history = append(history, out)
				state = stateDone
				break
			}

			if rounds >= c.cfg.MaxRounds {
				logx.Warn().
					Int("rounds", rounds).
					Int("max_rounds", c.cfg.MaxRounds).
					Str("thread_id", threadID).
					Msg("Tool round ceiling reached - forcing turn completion")
				wrapUp := schema.AssistantMessage(exhaustedReply, nil)
				if err := c.repo.AppendMessages(ctx, threadID, wrapUp); err != nil {
					c.fail(ctx, ch, threadID, errx.WrapStore(err))
					return
				}
				history = append(history, wrapUp)
				state = stateDone
				break
			}

			if err := c.repo.AppendMessages(ctx, threadID, out); err != nil {
				c.fail(ctx, ch, threadID, errx.WrapStore(err))
				return
			}
			history = append(history, out)
			if !c.emit(ctx, ch, threadID, history, false) {
				return
			}

			logx.Debug().Int("tool_count", len(out.ToolCalls)).Str("thread_id", threadID).Msg("Dispatching requested tools")
			pending = out.ToolCalls
			rounds++
			state = stateDispatchTools

		case stateDispatchTools:
			results = c.dispatch(ctx, pending)
			// Preview snapshot before grading; nothing is persisted yet.
			// Consumers get copies: grading may still rewrite the originals.
			preview := history
			for _, r := range results {
				m := *r.msg
				preview = append(preview, &m)
			}
			if !c.emit(ctx, ch, threadID, preview, false) {
				return
			}
			state = stateGradeOutput

		case stateGradeOutput:
			for _, r := range results {
				if r.failed || !c.registry.Graded(r.name) {
					continue
				}
				if c.grader.Grade(ctx, userText, r.msg.Content) == VerdictIrrelevant {
					logx.Debug().Str("tool", r.name).Str("thread_id", threadID).Msg("Retrieved context rejected by grader")
					r.msg.Content = DisclaimerIrrelevant
				}
			}

			toolMsgs := make([]*schema.Message, 0, len(results))
			for _, r := range results {
				toolMsgs = append(toolMsgs, r.msg)
			}
			if err := c.repo.AppendMessages(ctx, threadID, toolMsgs...); err != nil {
				c.fail(ctx, ch, threadID, errx.WrapStore(err))
				return
			}
			history = append(history, toolMsgs...)
			if !c.emit(ctx, ch, threadID, history, false) {
				return
			}

			pending, results = nil, nil
			state = stateAwaitModel
		}
	}

	c.emit(ctx, ch, threadID, history, true)
}

// loadOrInit loads the thread history, appending the fixed system
// instruction on a thread's very first turn.
func (c *Controller) loadOrInit(ctx context.Context, threadID string) ([]*schema.Message, error) {
	hist, err := c.repo.LoadHistory(ctx, threadID)
	if err != nil {
		return nil, errx.WrapStore(err)
	}
	history := hist.Messages
	if len(history) == 0 && c.cfg.SystemPrompt != "" {
		sys := schema.SystemMessage(c.cfg.SystemPrompt)
		if err := c.repo.AppendMessages(ctx, threadID, sys); err != nil {
			return nil, errx.WrapStore(err)
		}
		history = append(history, sys)
	}
	return history, nil
}

// dispatch runs the round's tool calls concurrently and waits for all of
// them: the model must see the complete set of results before re-planning.
// Results keep request order regardless of completion order.
func (c *Controller) dispatch(ctx context.Context, calls []schema.ToolCall) []dispatched {
	results := make([]dispatched, len(calls))
	var wg sync.WaitGroup
	for i, tc := range calls {
		wg.Add(1)
		go func(i int, tc schema.ToolCall) {
			defer wg.Done()
			results[i] = c.invokeOne(ctx, tc)
		}(i, tc)
	}
	wg.Wait()
	return results
}

// invokeOne executes a single tool call. Failures become error-description
// tool messages so the model can react instead of the turn aborting.
func (c *Controller) invokeOne(ctx context.Context, tc schema.ToolCall) dispatched {
	name := tc.Function.Name
	logx.Debug().Str("tool", name).Str("arguments", tc.Function.Arguments).Msg("Invoking tool")

	out, err := c.registry.Invoke(ctx, name, tc.Function.Arguments)
	failed := err != nil
	if failed {
		logx.Warn().Err(err).Str("tool", name).Msg("Tool invocation failed - continuing with error message")
		out = fmt.Sprintf("Tool error: %v", err)
	}
	return dispatched{
		msg: &schema.Message{
			Role:       schema.Tool,
			Content:    out,
			ToolCallID: tc.ID,
		},
		name:   name,
		failed: failed,
	}
}

// emit sends a copy of the current conversation view; it reports false when
// the turn context was canceled and the caller should stop.
func (c *Controller) emit(ctx context.Context, ch chan<- model.Snapshot, threadID string, history []*schema.Message, final bool) bool {
	if ctx.Err() != nil {
		return false
	}
	msgs := make([]*schema.Message, len(history))
	copy(msgs, history)
	snap := model.Snapshot{ThreadID: threadID, Messages: msgs, Final: final}
	select {
	case ch <- snap:
		return true
	case <-ctx.Done():
		return false
	}
}

// fail delivers a terminal error snapshot. It waits for the consumer so a
// full snapshot buffer cannot swallow the failure; cancellation is the only
// way out without delivery.
func (c *Controller) fail(ctx context.Context, ch chan<- model.Snapshot, threadID string, err error) {
	snap := model.Snapshot{ThreadID: threadID, Final: true, Err: err}
	select {
	case ch <- snap:
	case <-ctx.Done():
	}
}

// normalizeToolCallIDs synthesizes identifiers for providers that omit
// tool-call IDs (seen with Gemini's OpenAI-compat surface), so tool
// messages can always reference their request.
func normalizeToolCallIDs(out *schema.Message, seq *int) {
	if out == nil {
		return
	}
	for i := range out.ToolCalls {
		if strings.TrimSpace(out.ToolCalls[i].ID) == "" {
			*seq++
			out.ToolCalls[i].ID = fmt.Sprintf("call_%d", *seq)
		}
	}
}

// logUsage records token usage and USD cost for one model invocation.
func logUsage(modelName string, out *schema.Message) {
	if out == nil || out.ResponseMeta == nil || out.ResponseMeta.Usage == nil {
		return
	}
	usage := out.ResponseMeta.Usage
	inC, outC, totalC := model.ComputeCost(usage, model.ResolvePricing(modelName))
	logx.Debug().
		Str("model", modelName).
		Int("prompt_tokens", usage.PromptTokens).
		Int("completion_tokens", usage.CompletionTokens).
		Int("total_tokens", usage.TotalTokens).
		Float64("input_cost_usd", inC).
		Float64("output_cost_usd", outC).
		Float64("total_cost_usd", totalC).
		Msg("LLM usage")
}
