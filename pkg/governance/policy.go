// SPDX-License-Identifier: Apache-2.0

// Package governance decides which skills may be loaded and executed.
package governance

import (
	"context"
	"path"
	"strconv"
	"strings"

	"github.com/jllopis/skillgate/pkg/config"
)

// ActionType describes the gateway operation being evaluated.
type ActionType string

const (
	ActionLoad    ActionType = "load"
	ActionExecute ActionType = "execute"
)

// Action describes a decision target for policy evaluation.
type Action struct {
	Type ActionType
	// SkillID is matched against rule patterns.
	SkillID string
	// Name is the action name for ActionExecute.
	Name string
}

// Decision captures the outcome of a policy evaluation.
type Decision struct {
	Allowed bool
	Reason  string
	RuleID  string
	Status  DecisionStatus
}

// PolicyEngine evaluates actions.
type PolicyEngine interface {
	Evaluate(ctx context.Context, action Action) Decision
}

// Rule defines a single policy rule.
type Rule struct {
	ID     string
	Effect string // allow or deny
	Type   ActionType
	Name   string // glob over skill ids, optional
	Reason string
}

// DecisionStatus captures the policy outcome.
type DecisionStatus string

const (
	DecisionStatusAllow DecisionStatus = "allow"
	DecisionStatusDeny  DecisionStatus = "deny"
)

var (
	allowDecision = Decision{Allowed: true, Status: DecisionStatusAllow}
	denyDecision  = Decision{Allowed: false, Status: DecisionStatusDeny, Reason: "skill is not in allow-list"}
)

// RuleSet evaluates rules in order.
type RuleSet struct {
	Rules           []Rule
	DefaultDecision Decision
}

// NewRuleSet creates a rule set with a default allow decision.
func NewRuleSet(rules []Rule) *RuleSet {
	return &RuleSet{
		Rules:           append([]Rule(nil), rules...),
		DefaultDecision: allowDecision,
	}
}

// AllowList builds a deny-by-default rule set that admits only the given
// skill ids or glob patterns.
func AllowList(ids ...string) *RuleSet {
	rules := make([]Rule, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		rules = append(rules, Rule{ID: "allow-" + id, Effect: "allow", Name: id})
	}
	rs := NewRuleSet(rules)
	rs.DefaultDecision = denyDecision
	return rs
}

// Evaluate checks rules in order and returns the first match.
func (r *RuleSet) Evaluate(_ context.Context, action Action) Decision {
	for _, rule := range r.Rules {
		if rule.Type != "" && rule.Type != action.Type {
			continue
		}
		if rule.Name != "" && !matchPattern(rule.Name, action.SkillID) {
			continue
		}
		decision := Decision{Reason: rule.Reason, RuleID: rule.ID}
		if strings.EqualFold(rule.Effect, "deny") {
			decision.Status = DecisionStatusDeny
		} else {
			decision.Status = DecisionStatusAllow
		}
		decision.Allowed = decision.Status == DecisionStatusAllow
		return decision
	}
	return r.DefaultDecision
}

// IsAllowed returns true when the decision permits the action.
func (d Decision) IsAllowed() bool {
	if d.Status == "" {
		return d.Allowed
	}
	return d.Status == DecisionStatusAllow
}

// IsDenied returns true when the decision forbids the action.
func (d Decision) IsDenied() bool {
	return !d.IsAllowed()
}

func matchPattern(pattern, value string) bool {
	if pattern == "" {
		return true
	}
	ok, err := path.Match(pattern, value)
	if err == nil && ok {
		return true
	}
	return pattern == value
}

// RuleSetFromConfig builds a rule set from config rules. A non-empty allow
// list switches the default to deny.
func RuleSetFromConfig(cfg config.GovernanceConfig) *RuleSet {
	rules := make([]Rule, 0, len(cfg.Policies)+len(cfg.Allow))
	for i, rule := range cfg.Policies {
		if strings.TrimSpace(rule.ID) == "" {
			rule.ID = "rule-" + strconv.Itoa(i)
		}
		rules = append(rules, Rule{
			ID:     rule.ID,
			Effect: rule.Effect,
			Type:   ActionType(strings.ToLower(rule.Type)),
			Name:   rule.Name,
			Reason: rule.Reason,
		})
	}
	if len(cfg.Allow) == 0 {
		return NewRuleSet(rules)
	}
	allow := AllowList(cfg.Allow...)
	allow.Rules = append(rules, allow.Rules...)
	return allow
}
