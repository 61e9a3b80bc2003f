package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	logx "github.com/newsrag-poc-v1/agent/pkg/logger"
)

// ErrUnknownTool is returned when the model requests a tool name that was
// never registered. The agent loop surfaces it as a tool error message, not
// a crash.
var ErrUnknownTool = errors.New("unknown tool")

// Descriptor pairs a capability with its grading policy. Graded marks
// retrieval tools whose output must pass relevance grading before the
// model may trust it; deterministic utility tools stay exempt.
type Descriptor struct {
	Tool   tool.InvokableTool
	Graded bool
}

type entry struct {
	tool   tool.InvokableTool
	info   *schema.ToolInfo
	graded bool
}

// Registry is the static name → capability table, validated at startup.
type Registry struct {
	entries map[string]entry
	infos   []*schema.ToolInfo
	timeout time.Duration
}

// NewRegistry resolves every descriptor's tool info and rejects empty or
// duplicate names. Tool infos keep registration order for model binding.
func NewRegistry(ctx context.Context, timeout time.Duration, descs ...Descriptor) (*Registry, error) {
	r := &Registry{
		entries: make(map[string]entry, len(descs)),
		infos:   make([]*schema.ToolInfo, 0, len(descs)),
		timeout: timeout,
	}

	for _, d := range descs {
		if d.Tool == nil {
			return nil, fmt.Errorf("nil tool in registry")
		}
		info, err := d.Tool.Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve tool info: %w", err)
		}
		if info == nil || info.Name == "" {
			return nil, fmt.Errorf("tool with empty name in registry")
		}
		if _, exists := r.entries[info.Name]; exists {
			return nil, fmt.Errorf("tool %s already registered", info.Name)
		}
		r.entries[info.Name] = entry{tool: d.Tool, info: info, graded: d.Graded}
		r.infos = append(r.infos, info)
	}

	return r, nil
}

// Infos returns the registered tool infos in registration order.
func (r *Registry) Infos() []*schema.ToolInfo {
	return r.infos
}

// Graded reports whether the named tool's output is subject to relevance
// grading. Unknown names report false.
func (r *Registry) Graded(name string) bool {
	e, ok := r.entries[name]
	return ok && e.graded
}

// Invoke dispatches a single tool call by exact name. The invocation runs
// under the registry timeout; a tool that blocks past it is abandoned and
// reported as an error so the turn can continue.
func (r *Registry) Invoke(ctx context.Context, name, argsJSON string) (string, error) {
	e, ok := r.entries[name]
	if !ok {
		logx.Warn().Str("tool_name", name).Str("arguments", argsJSON).Msg("Unknown tool requested")
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := e.tool.InvokableRun(ctx, argsJSON)
		done <- result{out: out, err: err}
	}()

	select {
	case <-ctx.Done():
		logx.Warn().Str("tool_name", name).Err(ctx.Err()).Msg("Tool invocation timed out or was canceled")
		return "", fmt.Errorf("tool %s: %w", name, ctx.Err())
	case res := <-done:
		return res.out, res.err
	}
}
