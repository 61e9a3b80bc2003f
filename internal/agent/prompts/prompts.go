package prompts

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/newsrag-poc-v1/agent/internal/agent/model"
	"github.com/newsrag-poc-v1/agent/internal/agent/tools"
)

//go:embed template/system_prompt.txt
var systemPrompt string

//go:embed template/grader_prompt.txt
var graderPrompt string

// RenderSystem renders the fixed system instruction appended on the first
// turn of a thread.
func RenderSystem(ctx context.Context, config model.PromptConfig) (string, error) {
	tpl := prompt.FromMessages(
		schema.GoTemplate,
		schema.SystemMessage(systemPrompt),
	)
	vars := map[string]any{
		"AgentName":  config.AgentName,
		"SearchTool": tools.ToolSearchNews,
		"TimeTool":   tools.ToolGetCurrentTime,
	}
	msgs, err := tpl.Format(ctx, vars)
	if err != nil {
		return "", fmt.Errorf("system prompt render: %w", err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return "", fmt.Errorf("system prompt render: empty result")
	}
	return msgs[0].Content, nil
}

// GraderMessages builds the two-message grading request. The user message
// is assembled with Sprintf on purpose: retrieved context routinely carries
// braces that would break template formatting.
func GraderMessages(question, context string) []*schema.Message {
	return []*schema.Message{
		schema.SystemMessage(graderPrompt),
		schema.UserMessage(fmt.Sprintf(
			"User question: %s\n\nDocument from the knowledge base:\n%s", question, context,
		)),
	}
}
