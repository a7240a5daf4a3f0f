package batching

import (
	"fmt"
	"regexp"
	"strings"
)

// MatchOperator defines how a group pattern is compared with an endpoint
type MatchOperator string

const (
	MatchEquals   MatchOperator = "equals"
	MatchPrefix   MatchOperator = "prefix"
	MatchSuffix   MatchOperator = "suffix"
	MatchContains MatchOperator = "contains"
	MatchRegex    MatchOperator = "regex"
)

// DefaultGroup collects every request of a service without group rules
const DefaultGroup = "default"

// GroupRule maps endpoints to a batch group. Requests whose endpoint matches
// no rule of a service that has rules are not batchable.
type GroupRule struct {
	Name     string        `json:"name" yaml:"name"`
	Operator MatchOperator `json:"operator" yaml:"operator"`
	Patterns []string      `json:"patterns" yaml:"patterns"`
	Method   string        `json:"method,omitempty" yaml:"method,omitempty"`
	// BatchEndpoint receives the whole group as one JSON array; empty sends items one by one
	BatchEndpoint string `json:"batch_endpoint,omitempty" yaml:"batch_endpoint,omitempty"`

	compiled []*regexp.Regexp
}

// Validate checks a group rule
func (r *GroupRule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("group name is required")
	}
	switch r.Operator {
	case MatchEquals, MatchPrefix, MatchSuffix, MatchContains, MatchRegex:
	default:
		return fmt.Errorf("invalid operator for group %s: %s", r.Name, r.Operator)
	}
	if len(r.Patterns) == 0 {
		return fmt.Errorf("group %s must have at least one pattern", r.Name)
	}
	if r.Operator == MatchRegex {
		for _, p := range r.Patterns {
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("invalid regex pattern '%s': %w", p, err)
			}
		}
	}
	return nil
}

func (r *GroupRule) compile() error {
	r.compiled = nil
	if r.Operator != MatchRegex {
		return nil
	}
	for _, p := range r.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("failed to compile regex '%s': %w", p, err)
		}
		r.compiled = append(r.compiled, re)
	}
	return nil
}

func (r *GroupRule) matches(method, endpoint string) bool {
	if r.Method != "" && !strings.EqualFold(r.Method, method) {
		return false
	}
	if r.Operator == MatchRegex {
		for _, re := range r.compiled {
			if re.MatchString(endpoint) {
				return true
			}
		}
		return false
	}
	for _, p := range r.Patterns {
		var matched bool
		switch r.Operator {
		case MatchEquals:
			matched = endpoint == p
		case MatchPrefix:
			matched = strings.HasPrefix(endpoint, p)
		case MatchSuffix:
			matched = strings.HasSuffix(endpoint, p)
		case MatchContains:
			matched = strings.Contains(endpoint, p)
		}
		if matched {
			return true
		}
	}
	return false
}

// grouper resolves the batch group of an endpoint, first matching rule wins
type grouper struct {
	rules []GroupRule
}

func newGrouper(rules []GroupRule) (*grouper, error) {
	g := &grouper{rules: make([]GroupRule, len(rules))}
	copy(g.rules, rules)
	for i := range g.rules {
		if err := g.rules[i].Validate(); err != nil {
			return nil, err
		}
		if err := g.rules[i].compile(); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// group returns the matching rule; ok is false when the endpoint is not batchable
func (g *grouper) group(method, endpoint string) (GroupRule, bool) {
	if len(g.rules) == 0 {
		return GroupRule{Name: DefaultGroup}, true
	}
	for _, r := range g.rules {
		if r.matches(method, endpoint) {
			return r, true
		}
	}
	return GroupRule{}, false
}
