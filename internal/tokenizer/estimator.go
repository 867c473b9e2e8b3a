package tokenizer

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/relaycore/relaycore/internal/providers"
)

// Fallback estimate returned when content cannot be recognized. The failure
// is still logged so it does not pass silently.
const (
	fallbackInput  = 100
	fallbackOutput = 150
)

// outputRatio is the heuristic multiplier for predicting completion length.
const outputRatio = 1.5

// Estimate carries counted input tokens and predicted output tokens.
type Estimate struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type Estimator struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Estimator {
	return &Estimator{logger: logger}
}

// Text counts tokens in a plain string as ceil(chars/4). Empty input is zero.
func Text(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}

// Message counts one chat message: a 4-token base, the content, the name if
// present (1 for presence plus the name itself), and any tool calls (4-token
// base plus name and arguments each).
func Message(m providers.Message) int {
	tokens := 4
	tokens += contentTokens(m.Content)
	if m.Name != "" {
		tokens += 1 + Text(m.Name)
	}
	for _, call := range m.ToolCalls {
		tokens += 4 + Text(call.Function.Name) + Text(call.Function.Arguments)
	}
	return tokens
}

// Chat sums message estimates over a whole conversation.
func Chat(messages []providers.Message) int {
	total := 0
	for _, m := range messages {
		total += Message(m)
	}
	return total
}

// Estimate produces the {input, predicted output} pair for arbitrary request
// content. maxTokens caps the output prediction when positive. Unrecognized
// content yields the documented fallback pair and a logged warning.
func (e *Estimator) Estimate(content interface{}, maxTokens int) Estimate {
	input, ok := e.inputTokens(content)
	if !ok {
		e.logger.Warn("token estimator: unrecognized content type, using fallback estimate",
			zap.String("content_type", typeName(content)))
		return Estimate{InputTokens: fallbackInput, OutputTokens: fallbackOutput}
	}

	output := int(float64(input) * outputRatio)
	if maxTokens > 0 && output > maxTokens {
		output = maxTokens
	}

	return Estimate{InputTokens: input, OutputTokens: output}
}

func (e *Estimator) inputTokens(content interface{}) (int, bool) {
	switch v := content.(type) {
	case nil:
		return 0, true
	case string:
		return Text(v), true
	case providers.Message:
		return Message(v), true
	case *providers.Message:
		if v == nil {
			return 0, true
		}
		return Message(*v), true
	case []providers.Message:
		return Chat(v), true
	default:
		return 0, false
	}
}

// contentTokens handles the message content union: plain strings dominate,
// structured parts are measured by their JSON encoding.
func contentTokens(content interface{}) int {
	switch v := content.(type) {
	case nil:
		return 0
	case string:
		return Text(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return 0
		}
		return Text(string(data))
	}
}

func typeName(v interface{}) string {
	if v == nil {
		return "nil"
	}
	return fmt.Sprintf("%T", v)
}
