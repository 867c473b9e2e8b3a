package steering

import (
	"errors"
	"fmt"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

var (
	// ErrRuleSetInvalid marks a rule set that failed validation. The
	// previously loaded set stays active.
	ErrRuleSetInvalid = errors.New("rule set invalid")

	// ErrTransformTypeMismatch marks a transform applied to a field whose
	// type cannot carry it.
	ErrTransformTypeMismatch = errors.New("transform type mismatch")
)

// Condition operators.
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpContains    = "contains"
	OpNotContains = "not_contains"
	OpRegex       = "regex"
	OpGT          = "gt"
	OpLT          = "lt"
	OpGTE         = "gte"
	OpLTE         = "lte"
	OpIn          = "in"
	OpNotIn       = "not_in"
	OpExists      = "exists"
	OpNotExists   = "not_exists"
)

// Action types.
const (
	ActionRoute     = "route"
	ActionTransform = "transform"
	ActionInject    = "inject"
	ActionReject    = "reject"
	ActionLog       = "log"
)

// Transform operations.
const (
	TransformReplace = "replace"
	TransformAppend  = "append"
	TransformPrepend = "prepend"
	TransformDelete  = "delete"
)

// RuleSet is the declarative steering document.
type RuleSet struct {
	Version        string   `yaml:"version" json:"version"`
	Name           string   `yaml:"name" json:"name"`
	Rules          []Rule   `yaml:"rules" json:"rules"`
	DefaultActions []Action `yaml:"defaultActions,omitempty" json:"defaultActions,omitempty"`
}

type Rule struct {
	ID         string      `yaml:"id" json:"id"`
	Name       string      `yaml:"name,omitempty" json:"name,omitempty"`
	Priority   int         `yaml:"priority" json:"priority"`
	Enabled    *bool       `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Operator   string      `yaml:"operator,omitempty" json:"operator,omitempty"` // and, or
	Conditions []Condition `yaml:"conditions" json:"conditions"`
	Actions    []Action    `yaml:"actions" json:"actions"`
	Continue   bool        `yaml:"continue,omitempty" json:"continue,omitempty"`
	Tags       []string    `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// IsEnabled defaults to true when the flag is omitted.
func (r Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

type Condition struct {
	Field    string      `yaml:"field" json:"field"`
	Operator string      `yaml:"operator" json:"operator"`
	Value    interface{} `yaml:"value,omitempty" json:"value,omitempty"`
}

type Action struct {
	Type string `yaml:"type" json:"type"`

	// route
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty"`
	Model    string `yaml:"model,omitempty" json:"model,omitempty"`

	// transform / inject
	Transform string      `yaml:"transform,omitempty" json:"transform,omitempty"`
	Field     string      `yaml:"field,omitempty" json:"field,omitempty"`
	Value     interface{} `yaml:"value,omitempty" json:"value,omitempty"`

	// reject
	Message string `yaml:"message,omitempty" json:"message,omitempty"`
	Status  int    `yaml:"status,omitempty" json:"status,omitempty"`

	// log
	Level string `yaml:"level,omitempty" json:"level,omitempty"`
}

// compiledCondition carries a precompiled regex for regex conditions and a
// precomputed membership set for in/not_in.
type compiledCondition struct {
	Condition
	re  *regexp.Regexp
	set []interface{}
}

type compiledRule struct {
	Rule
	conditions []compiledCondition
}

// Compiled is an immutable, validated rule set ready for evaluation.
type Compiled struct {
	Version  string
	Name     string
	rules    []compiledRule // ascending priority, insertion order preserved on ties
	defaults []Action
}

// Rules returns the validated rules in evaluation order.
func (c *Compiled) Rules() []Rule {
	out := make([]Rule, len(c.rules))
	for i := range c.rules {
		out[i] = c.rules[i].Rule
	}
	return out
}

// ParseRuleSet decodes a YAML rule set document.
func ParseRuleSet(data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRuleSetInvalid, err)
	}
	return &rs, nil
}

// Compile validates the rule set and precompiles regex conditions. Validation
// must fully succeed before the result can be swapped in.
func Compile(rs *RuleSet) (*Compiled, error) {
	if rs == nil {
		return nil, fmt.Errorf("%w: empty document", ErrRuleSetInvalid)
	}

	seen := make(map[string]bool, len(rs.Rules))
	compiled := make([]compiledRule, 0, len(rs.Rules))

	for i, rule := range rs.Rules {
		if rule.ID == "" {
			return nil, fmt.Errorf("%w: rule %d has no id", ErrRuleSetInvalid, i)
		}
		if seen[rule.ID] {
			return nil, fmt.Errorf("%w: duplicate rule id %q", ErrRuleSetInvalid, rule.ID)
		}
		seen[rule.ID] = true

		switch rule.Operator {
		case "", "and", "or":
		default:
			return nil, fmt.Errorf("%w: rule %q: operator must be and or or", ErrRuleSetInvalid, rule.ID)
		}

		cr := compiledRule{Rule: rule}
		for j, cond := range rule.Conditions {
			cc, err := compileCondition(cond)
			if err != nil {
				return nil, fmt.Errorf("%w: rule %q condition %d: %v", ErrRuleSetInvalid, rule.ID, j, err)
			}
			cr.conditions = append(cr.conditions, cc)
		}

		for j, action := range rule.Actions {
			if err := validateAction(action); err != nil {
				return nil, fmt.Errorf("%w: rule %q action %d: %v", ErrRuleSetInvalid, rule.ID, j, err)
			}
		}

		compiled = append(compiled, cr)
	}

	for j, action := range rs.DefaultActions {
		if err := validateAction(action); err != nil {
			return nil, fmt.Errorf("%w: default action %d: %v", ErrRuleSetInvalid, j, err)
		}
	}

	// Equal priorities retain insertion order.
	sort.SliceStable(compiled, func(a, b int) bool {
		return compiled[a].Priority < compiled[b].Priority
	})

	return &Compiled{
		Version:  rs.Version,
		Name:     rs.Name,
		rules:    compiled,
		defaults: rs.DefaultActions,
	}, nil
}

func compileCondition(cond Condition) (compiledCondition, error) {
	cc := compiledCondition{Condition: cond}

	if cond.Field == "" {
		return cc, fmt.Errorf("field is required")
	}

	switch cond.Operator {
	case OpEquals, OpNotEquals, OpContains, OpNotContains, OpGT, OpLT, OpGTE, OpLTE:
		if cond.Value == nil {
			return cc, fmt.Errorf("operator %s requires a value", cond.Operator)
		}
	case OpRegex:
		pattern, ok := cond.Value.(string)
		if !ok {
			return cc, fmt.Errorf("regex value must be a string")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return cc, fmt.Errorf("regex does not compile: %v", err)
		}
		cc.re = re
	case OpIn, OpNotIn:
		set, ok := toSlice(cond.Value)
		if !ok {
			return cc, fmt.Errorf("operator %s requires a list value", cond.Operator)
		}
		cc.set = set
	case OpExists, OpNotExists:
		// presence-only, no value
	default:
		return cc, fmt.Errorf("unknown operator %q", cond.Operator)
	}

	return cc, nil
}

func validateAction(action Action) error {
	switch action.Type {
	case ActionRoute:
		if action.Provider == "" && action.Model == "" {
			return fmt.Errorf("route action needs a provider or model")
		}
	case ActionTransform:
		switch action.Transform {
		case TransformReplace, TransformAppend, TransformPrepend, TransformDelete:
		default:
			return fmt.Errorf("unknown transform %q", action.Transform)
		}
		if action.Field == "" {
			return fmt.Errorf("transform action needs a field")
		}
	case ActionInject:
		if action.Field == "" {
			return fmt.Errorf("inject action needs a field")
		}
	case ActionReject:
		if action.Message == "" {
			return fmt.Errorf("reject action needs a message")
		}
	case ActionLog:
		if action.Message == "" {
			return fmt.Errorf("log action needs a message")
		}
	default:
		return fmt.Errorf("unknown action type %q", action.Type)
	}
	return nil
}

func toSlice(v interface{}) ([]interface{}, bool) {
	switch s := v.(type) {
	case []interface{}:
		return s, true
	case []string:
		out := make([]interface{}, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	default:
		return nil, false
	}
}
