// SPDX-License-Identifier: Apache-2.0

package governance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jllopis/skillgate/pkg/config"
)

func TestRuleSetEvaluate(t *testing.T) {
	rules := []Rule{
		{ID: "deny-exec", Effect: "deny", Type: ActionExecute, Name: "legacy-*", Reason: "retired"},
		{ID: "deny-secrets", Effect: "DENY", Name: "secrets", Reason: "blocked"},
		{ID: "allow-articles", Effect: "allow", Name: "article-*"},
	}
	engine := NewRuleSet(rules)
	ctx := context.Background()

	decision := engine.Evaluate(ctx, Action{Type: ActionLoad, SkillID: "article-search"})
	assert.True(t, decision.IsAllowed())
	assert.Equal(t, "allow-articles", decision.RuleID)

	decision = engine.Evaluate(ctx, Action{Type: ActionLoad, SkillID: "secrets"})
	assert.True(t, decision.IsDenied())
	assert.Equal(t, "blocked", decision.Reason)

	// Type-scoped rules only apply to their operation.
	assert.True(t, engine.Evaluate(ctx, Action{Type: ActionLoad, SkillID: "legacy-search"}).IsAllowed())
	assert.True(t, engine.Evaluate(ctx, Action{Type: ActionExecute, SkillID: "legacy-search"}).IsDenied())

	// Default allow.
	assert.True(t, engine.Evaluate(ctx, Action{Type: ActionLoad, SkillID: "weather"}).IsAllowed())
}

func TestAllowList(t *testing.T) {
	engine := AllowList("weather", "article-*", " ")
	ctx := context.Background()

	assert.True(t, engine.Evaluate(ctx, Action{SkillID: "weather"}).IsAllowed())
	assert.True(t, engine.Evaluate(ctx, Action{SkillID: "article-search"}).IsAllowed())
	decision := engine.Evaluate(ctx, Action{SkillID: "stocks"})
	assert.True(t, decision.IsDenied())
	assert.NotEmpty(t, decision.Reason)
	assert.Len(t, engine.Rules, 2)
}

func TestRuleSetFromConfig(t *testing.T) {
	ctx := context.Background()

	open := RuleSetFromConfig(config.GovernanceConfig{
		Policies: []config.PolicyRuleConfig{{Effect: "deny", Type: "Execute", Name: "beta-*"}},
	})
	assert.Equal(t, "rule-0", open.Rules[0].ID)
	assert.Equal(t, ActionExecute, open.Rules[0].Type)
	assert.True(t, open.Evaluate(ctx, Action{Type: ActionExecute, SkillID: "beta-x"}).IsDenied())
	assert.True(t, open.Evaluate(ctx, Action{Type: ActionExecute, SkillID: "other"}).IsAllowed())

	closed := RuleSetFromConfig(config.GovernanceConfig{
		Policies: []config.PolicyRuleConfig{{ID: "no-beta", Effect: "deny", Name: "article-beta"}},
		Allow:    []string{"article-*"},
	})
	assert.True(t, closed.Evaluate(ctx, Action{SkillID: "article-search"}).IsAllowed())
	assert.True(t, closed.Evaluate(ctx, Action{SkillID: "article-beta"}).IsDenied(), "explicit rules run before the allow list")
	assert.True(t, closed.Evaluate(ctx, Action{SkillID: "weather"}).IsDenied())
}

func TestDecisionWithoutStatus(t *testing.T) {
	assert.True(t, Decision{Allowed: true}.IsAllowed())
	assert.True(t, Decision{}.IsDenied())
}

func TestReloadable(t *testing.T) {
	ctx := context.Background()
	r := NewReloadable(nil)
	assert.True(t, r.Evaluate(ctx, Action{SkillID: "x"}).IsAllowed())

	r.Swap(AllowList("y"))
	assert.True(t, r.Evaluate(ctx, Action{SkillID: "x"}).IsDenied())
	assert.True(t, r.Evaluate(ctx, Action{SkillID: "y"}).IsAllowed())
}
