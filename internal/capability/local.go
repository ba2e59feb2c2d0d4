package capability

import (
	"context"
	"errors"
	"strings"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/fault"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/types"
)

// LocalProviderID names the built-in deterministic provider. It backs the
// default daemon configuration, so the engine runs without any external
// model service configured.
const LocalProviderID = types.ProviderID("local")

// summaryWordLimit caps local summaries.
const summaryWordLimit = 32

func init() {
	Register(LocalProviderID, func() Provider { return NewLocal() })
}

// classifyRules orders the keyword heuristics for intent classification.
// First match wins; automation outranks vision because "screenshot" appears
// in both vocabularies.
var classifyRules = []struct {
	taskType types.TaskType
	keywords []string
}{
	{"system.automate", []string{
		"screenshot", "click", "type into", "scroll", "navigate", "browse",
		"open application", "desktop", "automate", "gui", "button", "mouse", "keyboard",
	}},
	{"research.web.search", []string{
		"search", "research", "find information", "look up", "investigate",
		"gather data", "fact check", "current events",
	}},
	{"image.analyze", []string{
		"image", "picture", "visual", "ocr", "computer vision", "describe image", "photo",
	}},
	{"code.generate", []string{
		"code", "program", "script", "function", "debug", "implement",
		"algorithm", "refactor",
	}},
	{"writer.compose", []string{
		"write", "article", "blog", "essay", "documentation", "report", "compose",
	}},
	{"text.summarize", []string{
		"summarize", "summary", "tldr", "condense",
	}},
}

// localProvider answers invocations deterministically with no network.
type localProvider struct{}

// NewLocal creates the built-in deterministic provider.
func NewLocal() Provider { return localProvider{} }

// ID implements Provider.
func (localProvider) ID() types.ProviderID { return LocalProviderID }

// Invoke implements Provider. Classification and summarization have real
// behavior; every other task type echoes its payload, which keeps end-to-end
// flows testable without an external service.
func (p localProvider) Invoke(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, wrapContextErr(err)
	}
	if !req.Type.IsValid() {
		return Response{}, fault.New(fault.KindProviderBadRequest, "local provider: empty task type")
	}

	inputTokens := EstimateTokens(req.Payload.Data)
	if req.TokenBudget > 0 && inputTokens > req.TokenBudget {
		return Response{}, fault.New(fault.KindBudgetExhausted,
			"local provider: input of %d tokens exceeds budget %d", inputTokens, req.TokenBudget)
	}

	var out types.Payload
	switch req.Type {
	case "intent.classify":
		out = types.TextPayload(classify(req.Payload.Text()).String())
	case "text.summarize":
		out = types.TextPayload(summarize(req.Payload.Text()))
	default:
		out = req.Payload
	}

	return Response{
		Payload:    out,
		TokensUsed: inputTokens + EstimateTokens(out.Data),
	}, nil
}

// classify maps free text onto a task type by keyword heuristics, falling
// back to plain chat.
func classify(text string) types.TaskType {
	lowered := strings.ToLower(text)
	for _, rule := range classifyRules {
		for _, keyword := range rule.keywords {
			if strings.Contains(lowered, keyword) {
				return rule.taskType
			}
		}
	}
	return "text.chat"
}

// summarize truncates to the first summaryWordLimit words.
func summarize(text string) string {
	words := strings.Fields(text)
	if len(words) <= summaryWordLimit {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:summaryWordLimit], " ") + " …"
}

func wrapContextErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.KindTimedOut, err, "local provider")
	}
	return fault.Wrap(fault.KindCancelled, err, "local provider")
}
