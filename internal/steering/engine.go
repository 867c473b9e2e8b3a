package steering

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
)

// Engine evaluates a compiled rule set against request contexts. The active
// set is swapped atomically on reload; in-flight evaluations keep the version
// they captured.
type Engine struct {
	current atomic.Pointer[Compiled]
	logger  *zap.Logger
}

func NewEngine(logger *zap.Logger) *Engine {
	e := &Engine{logger: logger}
	e.current.Store(&Compiled{})
	return e
}

// LoadFile parses, validates, and swaps in a rule set from disk. On failure
// the previous set remains active.
func (e *Engine) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRuleSetInvalid, err)
	}
	return e.Load(data)
}

func (e *Engine) Load(data []byte) error {
	rs, err := ParseRuleSet(data)
	if err != nil {
		return err
	}
	compiled, err := Compile(rs)
	if err != nil {
		return err
	}
	e.Swap(compiled)
	return nil
}

// Swap atomically installs a compiled rule set.
func (e *Engine) Swap(compiled *Compiled) {
	old := e.current.Swap(compiled)
	e.logger.Info("steering rule set swapped",
		zap.String("name", compiled.Name),
		zap.String("version", compiled.Version),
		zap.Int("rules", len(compiled.rules)),
		zap.String("previous_version", old.Version))
}

// Current returns the active compiled rule set.
func (e *Engine) Current() *Compiled {
	return e.current.Load()
}

// RuleTrace records the outcome of evaluating one rule.
type RuleTrace struct {
	RuleID  string   `json:"rule_id"`
	Matched bool     `json:"matched"`
	Applied []string `json:"applied,omitempty"`
}

// Result is the outcome of a full evaluation pass.
type Result struct {
	Context map[string]interface{} `json:"-"`

	Rejected      bool   `json:"rejected"`
	RejectStatus  int    `json:"reject_status,omitempty"`
	RejectMessage string `json:"reject_message,omitempty"`

	RouteProvider string `json:"route_provider,omitempty"`
	RouteModel    string `json:"route_model,omitempty"`

	Version string      `json:"version"`
	Trace   []RuleTrace `json:"trace,omitempty"`
}

// Evaluate runs the active rule set over a context. Evaluation is pure with
// respect to (rule set version, context); the only side effect is logging.
func (e *Engine) Evaluate(ctx map[string]interface{}) (*Result, error) {
	compiled := e.current.Load()
	return compiled.Evaluate(ctx, e.logger)
}

// Evaluate runs this compiled set over a copy of the context.
func (c *Compiled) Evaluate(ctx map[string]interface{}, logger *zap.Logger) (*Result, error) {
	working := CopyContext(ctx)
	result := &Result{Version: c.Version}
	matchedAny := false

	for i := range c.rules {
		rule := &c.rules[i]
		if !rule.IsEnabled() {
			continue
		}

		if !rule.matches(working) {
			result.Trace = append(result.Trace, RuleTrace{RuleID: rule.ID})
			continue
		}

		// Actions apply to a deep copy; the working context advances only
		// when every action in the rule succeeds.
		candidate := CopyContext(working)
		applied, err := applyActions(candidate, rule.Actions, result, logger)
		if err != nil {
			return nil, err
		}
		working = candidate
		matchedAny = true
		result.Trace = append(result.Trace, RuleTrace{RuleID: rule.ID, Matched: true, Applied: applied})

		// Rejections are terminal within the current evaluation.
		if result.Rejected || !rule.Continue {
			break
		}
	}

	if !matchedAny && len(c.defaults) > 0 && !result.Rejected {
		if _, err := applyActions(working, c.defaults, result, logger); err != nil {
			return nil, err
		}
	}

	result.Context = working
	if v, ok := Resolve(working, "routing.provider"); ok {
		result.RouteProvider, _ = v.(string)
	}
	if v, ok := Resolve(working, "routing.model"); ok {
		result.RouteModel, _ = v.(string)
	}
	return result, nil
}

func (r *compiledRule) matches(ctx map[string]interface{}) bool {
	if len(r.conditions) == 0 {
		return true
	}

	if r.Operator == "or" {
		for i := range r.conditions {
			if r.conditions[i].evaluate(ctx) {
				return true
			}
		}
		return false
	}

	for i := range r.conditions {
		if !r.conditions[i].evaluate(ctx) {
			return false
		}
	}
	return true
}

func (c *compiledCondition) evaluate(ctx map[string]interface{}) bool {
	value, present := Resolve(ctx, c.Field)

	switch c.Operator {
	case OpExists:
		return present
	case OpNotExists:
		return !present
	case OpEquals:
		return present && looseEqual(value, c.Value)
	case OpNotEquals:
		return !present || !looseEqual(value, c.Value)
	case OpContains:
		return present && contains(value, c.Value)
	case OpNotContains:
		return !present || !contains(value, c.Value)
	case OpRegex:
		s, ok := value.(string)
		return present && ok && c.re.MatchString(s)
	case OpIn:
		if !present {
			return false
		}
		for _, member := range c.set {
			if looseEqual(value, member) {
				return true
			}
		}
		return false
	case OpNotIn:
		if !present {
			return true
		}
		for _, member := range c.set {
			if looseEqual(value, member) {
				return false
			}
		}
		return true
	case OpGT, OpLT, OpGTE, OpLTE:
		if !present {
			return false
		}
		left, lok := toFloat(value)
		right, rok := toFloat(c.Value)
		if !lok || !rok {
			return false
		}
		switch c.Operator {
		case OpGT:
			return left > right
		case OpLT:
			return left < right
		case OpGTE:
			return left >= right
		default:
			return left <= right
		}
	default:
		return false
	}
}

func applyActions(ctx map[string]interface{}, actions []Action, result *Result, logger *zap.Logger) ([]string, error) {
	var applied []string
	for _, action := range actions {
		switch action.Type {
		case ActionRoute:
			if action.Provider != "" {
				SetPath(ctx, "routing.provider", action.Provider)
			}
			if action.Model != "" {
				SetPath(ctx, "routing.model", action.Model)
			}
		case ActionTransform:
			if err := applyTransform(ctx, action); err != nil {
				return applied, err
			}
		case ActionInject:
			SetPath(ctx, action.Field, DeepCopy(action.Value))
		case ActionReject:
			status := action.Status
			if status == 0 {
				status = 400
			}
			SetPath(ctx, "reject.message", action.Message)
			SetPath(ctx, "reject.status", status)
			result.Rejected = true
			result.RejectStatus = status
			result.RejectMessage = action.Message
		case ActionLog:
			emitLog(logger, action)
		}
		applied = append(applied, action.Type)
		if result.Rejected && action.Type == ActionReject {
			break
		}
	}
	return applied, nil
}

func applyTransform(ctx map[string]interface{}, action Action) error {
	switch action.Transform {
	case TransformReplace:
		SetPath(ctx, action.Field, DeepCopy(action.Value))
		return nil
	case TransformDelete:
		DeletePath(ctx, action.Field)
		return nil
	}

	current, present := Resolve(ctx, action.Field)
	if !present {
		// Append/prepend to a missing field starts from the transform value.
		SetPath(ctx, action.Field, DeepCopy(action.Value))
		return nil
	}

	switch node := current.(type) {
	case string:
		addition, ok := action.Value.(string)
		if !ok {
			return fmt.Errorf("%w: field %s holds a string", ErrTransformTypeMismatch, action.Field)
		}
		if action.Transform == TransformAppend {
			SetPath(ctx, action.Field, node+addition)
		} else {
			SetPath(ctx, action.Field, addition+node)
		}
		return nil
	case []interface{}:
		additions, ok := toSlice(action.Value)
		if !ok {
			additions = []interface{}{action.Value}
		}
		if action.Transform == TransformAppend {
			SetPath(ctx, action.Field, append(node, additions...))
		} else {
			SetPath(ctx, action.Field, append(additions, node...))
		}
		return nil
	default:
		return fmt.Errorf("%w: field %s holds %T", ErrTransformTypeMismatch, action.Field, current)
	}
}

func emitLog(logger *zap.Logger, action Action) {
	msg := action.Message
	switch strings.ToLower(action.Level) {
	case "debug":
		logger.Debug(msg)
	case "warn", "warning":
		logger.Warn(msg)
	case "error":
		logger.Error(msg)
	default:
		logger.Info(msg)
	}
}

func looseEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == b
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func contains(haystack, needle interface{}) bool {
	switch node := haystack.(type) {
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(node, s)
	case []interface{}:
		for _, member := range node {
			if looseEqual(member, needle) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
