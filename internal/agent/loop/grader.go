package loop

import (
	"context"
	"strings"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/newsrag-poc-v1/agent/internal/agent/prompts"
	logx "github.com/newsrag-poc-v1/agent/pkg/logger"
)

// ChatModel is the narrow model seam the loop depends on. Both the
// answering and grading Gemini models satisfy it; tests inject scripted
// fakes.
type ChatModel interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.Message, error)
}

// Verdict is the closed relevance classification.
type Verdict int

const (
	VerdictRelevant Verdict = iota
	VerdictIrrelevant
)

func (v Verdict) String() string {
	if v == VerdictIrrelevant {
		return "irrelevant"
	}
	return "relevant"
}

// Grader classifies one retrieved context blob against the active question
// with a single constrained model call. It never fails: any invocation
// error or unparseable label degrades to the optimistic relevant default,
// so grader unavailability can never stall the loop. False positives are
// tolerable here; the answering model is instructed to treat context
// skeptically, while a false negative would silently discard good context.
type Grader struct {
	chat      ChatModel
	modelName string
}

func NewGrader(chat ChatModel, modelName string) *Grader {
	return &Grader{chat: chat, modelName: modelName}
}

// Grade returns the relevance verdict for (question, context).
func (g *Grader) Grade(ctx context.Context, question, context_ string) Verdict {
	if g == nil || g.chat == nil {
		return VerdictRelevant
	}

	out, err := g.chat.Generate(ctx, prompts.GraderMessages(question, context_))
	if err != nil {
		logx.Warn().Err(err).Msg("Grader invocation failed - defaulting to relevant")
		return VerdictRelevant
	}
	if out == nil {
		return VerdictRelevant
	}
	logUsage(g.modelName, out)

	verdict := ParseVerdict(out.Content)
	logx.Debug().Str("verdict", verdict.String()).Msg("Graded retrieved context")
	return verdict
}

// ParseVerdict maps the model's raw label onto the closed verdict enum.
// The output is untrusted: anything that is not a clear "no" counts as
// relevant.
func ParseVerdict(content string) Verdict {
	label := strings.ToLower(strings.TrimSpace(content))
	label = strings.Trim(label, ".!\"'` ")
	if field := strings.Fields(label); len(field) > 0 {
		label = field[0]
	}
	switch label {
	case "no", "irrelevant":
		return VerdictIrrelevant
	default:
		return VerdictRelevant
	}
}
