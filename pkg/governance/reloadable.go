// SPDX-License-Identifier: Apache-2.0

package governance

import (
	"context"
	"sync/atomic"
)

// Reloadable is a PolicyEngine whose underlying engine can be swapped while
// calls are in flight. It is used for hot reload of config rules.
type Reloadable struct {
	engine atomic.Pointer[engineBox]
}

type engineBox struct {
	PolicyEngine
}

// NewReloadable wraps engine. A nil engine allows everything.
func NewReloadable(engine PolicyEngine) *Reloadable {
	r := &Reloadable{}
	r.Swap(engine)
	return r
}

// Swap replaces the active engine.
func (r *Reloadable) Swap(engine PolicyEngine) {
	r.engine.Store(&engineBox{engine})
}

// Evaluate delegates to the active engine.
func (r *Reloadable) Evaluate(ctx context.Context, action Action) Decision {
	box := r.engine.Load()
	if box == nil || box.PolicyEngine == nil {
		return allowDecision
	}
	return box.Evaluate(ctx, action)
}
