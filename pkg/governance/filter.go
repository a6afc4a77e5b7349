// SPDX-License-Identifier: Apache-2.0

package governance

import (
	"context"
	"path"
	"strings"
	"sync"

	"github.com/jllopis/skillgate/pkg/config"
)

// SkillFilter combines allow and deny lists of skill ids with an optional
// policy engine.
type SkillFilter struct {
	mu           sync.RWMutex
	allowlist    map[string]bool
	denylist     map[string]bool
	policyEngine PolicyEngine
}

// FilterOption configures a SkillFilter.
type FilterOption func(*SkillFilter)

// NewSkillFilter creates a new SkillFilter with the given options.
func NewSkillFilter(opts ...FilterOption) *SkillFilter {
	f := &SkillFilter{
		allowlist: make(map[string]bool),
		denylist:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// WithAllowlist sets the permitted skill ids or patterns.
func WithAllowlist(ids []string) FilterOption {
	return func(f *SkillFilter) {
		addAll(f.allowlist, ids)
	}
}

// WithDenylist sets the forbidden skill ids or patterns.
func WithDenylist(ids []string) FilterOption {
	return func(f *SkillFilter) {
		addAll(f.denylist, ids)
	}
}

// WithPolicyEngine attaches a policy engine for additional evaluation.
func WithPolicyEngine(engine PolicyEngine) FilterOption {
	return func(f *SkillFilter) {
		f.policyEngine = engine
	}
}

// Evaluate checks an action against the filter.
// Evaluation order:
// 1. If denylist matches the skill → deny
// 2. If allowlist is non-empty and doesn't match → deny
// 3. If policy engine exists, evaluate → respect decision
// 4. Otherwise → allow
func (f *SkillFilter) Evaluate(ctx context.Context, action Action) Decision {
	f.mu.RLock()
	denied := matchesList(action.SkillID, f.denylist)
	notAllowed := len(f.allowlist) > 0 && !matchesList(action.SkillID, f.allowlist)
	engine := f.policyEngine
	f.mu.RUnlock()

	if denied {
		return Decision{
			Allowed: false,
			Status:  DecisionStatusDeny,
			Reason:  "skill is in denylist",
		}
	}
	if notAllowed {
		return Decision{
			Allowed: false,
			Status:  DecisionStatusDeny,
			Reason:  "skill is not in allowlist",
		}
	}
	if engine != nil {
		return engine.Evaluate(ctx, action)
	}
	return allowDecision
}

// IsAllowed is shorthand for evaluating a load of skillID.
func (f *SkillFilter) IsAllowed(ctx context.Context, skillID string) Decision {
	return f.Evaluate(ctx, Action{Type: ActionLoad, SkillID: skillID})
}

// FilterSkills returns only the skill ids that pass the filter.
func (f *SkillFilter) FilterSkills(ctx context.Context, ids []string) []string {
	filtered := make([]string, 0, len(ids))
	for _, id := range ids {
		if f.IsAllowed(ctx, id).IsAllowed() {
			filtered = append(filtered, id)
		}
	}
	return filtered
}

// AddToAllowlist adds skill ids to the allowlist.
func (f *SkillFilter) AddToAllowlist(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	addAll(f.allowlist, ids)
}

// AddToDenylist adds skill ids to the denylist.
func (f *SkillFilter) AddToDenylist(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	addAll(f.denylist, ids)
}

func addAll(set map[string]bool, ids []string) {
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" {
			set[id] = true
		}
	}
}

// matchesList checks if id matches any entry, exact or glob ("acme-*").
func matchesList(id string, list map[string]bool) bool {
	if list[id] {
		return true
	}
	for pattern := range list {
		if ok, err := path.Match(pattern, id); err == nil && ok {
			return true
		}
	}
	return false
}

// EngineFromConfig builds the engine for the governance section. The deny
// list wins over every rule and over the allow list.
func EngineFromConfig(cfg config.GovernanceConfig) PolicyEngine {
	rules := RuleSetFromConfig(cfg)
	if len(cfg.Deny) == 0 {
		return rules
	}
	return NewSkillFilter(WithDenylist(cfg.Deny), WithPolicyEngine(rules))
}
