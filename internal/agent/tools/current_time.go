package tools

import (
	"context"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

const ToolGetCurrentTime = "get_current_time"

type currentTimeTool struct {
	now func() time.Time
}

// NewCurrentTimeTool exposes the system clock as an ungraded utility tool.
// now may be nil, in which case time.Now is used; tests inject a fixed clock.
func NewCurrentTimeTool(now func() time.Time) tool.InvokableTool {
	if now == nil {
		now = time.Now
	}
	return &currentTimeTool{now: now}
}

func (t *currentTimeTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name: ToolGetCurrentTime,
		Desc: "Returns the current date and time in ISO format. Use when the user asks what time it is, what the date is, or similar questions about the current time or date.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{}),
	}, nil
}

func (t *currentTimeTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	return t.now().Format(time.RFC3339), nil
}

var _ tool.InvokableTool = (*currentTimeTool)(nil)
