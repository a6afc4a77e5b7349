// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/jllopis/skillgate/pkg/errors"
)

// ToolInvoker runs external tools by name. The MCP toolbox implements it.
type ToolInvoker interface {
	CallTool(ctx context.Context, name string, args map[string]any) (any, error)
}

// Tools is the tool capability handed to a skill for one call.
type Tools interface {
	Call(ctx context.Context, name string, args map[string]any) (any, error)
	// Names lists the tools the skill may call.
	Names() []string
}

// LimitedTools restricts a ToolInvoker to the tools a manifest declares and
// to at most max calls. A max of zero or less means no call limit.
type LimitedTools struct {
	inner   ToolInvoker
	allowed map[string]struct{}
	max     int64
	calls   atomic.Int64
}

// LimitTools builds the per-call tool capability.
func LimitTools(inner ToolInvoker, declared []string, max int) *LimitedTools {
	allowed := make(map[string]struct{}, len(declared))
	for _, name := range declared {
		allowed[name] = struct{}{}
	}
	return &LimitedTools{inner: inner, allowed: allowed, max: int64(max)}
}

// Call runs name when it is declared and the call budget is not spent.
func (t *LimitedTools) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	if _, ok := t.allowed[name]; !ok {
		return nil, errors.Newf(errors.CodeNotAllowed, "tool %s is not declared in the manifest", name)
	}
	if n := t.calls.Add(1); t.max > 0 && n > t.max {
		return nil, errors.Newf(errors.CodeNotAllowed, "tool call limit of %d reached", t.max)
	}
	if t.inner == nil {
		return nil, errors.Newf(errors.CodeNotAllowed, "no tool provider configured for %s", name)
	}
	if args == nil {
		args = map[string]any{}
	}
	return t.inner.CallTool(ctx, name, args)
}

// Names returns the declared tool names, sorted.
func (t *LimitedTools) Names() []string {
	out := make([]string, 0, len(t.allowed))
	for name := range t.allowed {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Calls reports how many calls were attempted.
func (t *LimitedTools) Calls() int { return int(t.calls.Load()) }
