// Package front contains the two snapshot-stream consumers: the terminal
// REPL and the SSE web chat. Both hold one thread identifier per session
// and render snapshots as they arrive.
package front

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"github.com/newsrag-poc-v1/agent/internal/agent/loop"
	"github.com/newsrag-poc-v1/agent/internal/agent/model"
	logx "github.com/newsrag-poc-v1/agent/pkg/logger"
)

const previewLen = 100

// CLI is the interactive terminal front end.
type CLI struct {
	ctrl     *loop.Controller
	repo     model.ConversationRepository
	threadID string
}

// NewCLI builds the REPL. An empty threadID starts a fresh session;
// passing an existing one resumes it from the store.
func NewCLI(ctrl *loop.Controller, repo model.ConversationRepository, threadID string) *CLI {
	if threadID == "" {
		threadID = uuid.NewString()
	}
	return &CLI{ctrl: ctrl, repo: repo, threadID: threadID}
}

// ThreadID returns the session's thread identifier.
func (c *CLI) ThreadID() string {
	return c.threadID
}

// Run reads user lines until EOF or "exit", streaming each turn's
// snapshots to out.
func (c *CLI) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	short := c.threadID
	if len(short) > 8 {
		short = short[:8]
	}
	fmt.Fprintf(out, "--- News agent started (session %s) ---\n", short)
	if n, err := c.repo.MessageCount(ctx, c.threadID); err == nil && n > 0 {
		fmt.Fprintf(out, "Resumed thread with %d stored messages.\n", n)
	}
	fmt.Fprintln(out, "Type 'exit' to quit.")

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Fprint(out, "\nYou: ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.EqualFold(line, "exit") {
			fmt.Fprintln(out, "Bye!")
			break
		}

		snapshots, err := c.ctrl.RunTurn(ctx, c.threadID, line)
		if err != nil {
			fmt.Fprintf(out, "Invalid input: %v\n", err)
			continue
		}

		rendered := 0
		for snap := range snapshots {
			if snap.Err != nil {
				logx.Error().Err(snap.Err).Str("thread_id", c.threadID).Msg("Turn failed")
				fmt.Fprintln(out, "Something went wrong. Try another question.")
				continue
			}
			for _, msg := range snap.Messages[rendered:] {
				c.render(out, msg)
			}
			if len(snap.Messages) > rendered {
				rendered = len(snap.Messages)
			}
		}
	}
	return scanner.Err()
}

func (c *CLI) render(out io.Writer, msg *schema.Message) {
	switch {
	case msg.Role == schema.Assistant && len(msg.ToolCalls) > 0:
		for _, tc := range msg.ToolCalls {
			fmt.Fprintf(out, "\033[93mUsing %s with arguments %s...\033[0m\n", tc.Function.Name, tc.Function.Arguments)
		}
	case msg.Role == schema.Tool:
		fmt.Fprintf(out, "\033[90mTool returned: %s\033[0m\n", preview(msg.Content, previewLen))
	case msg.Role == schema.Assistant && msg.Content != "":
		fmt.Fprintf(out, "\nAgent: %s\n", msg.Content)
	}
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
