// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/skillgate/pkg/capability"
	"github.com/jllopis/skillgate/pkg/clarify"
	"github.com/jllopis/skillgate/pkg/errors"
	"github.com/jllopis/skillgate/pkg/governance"
	"github.com/jllopis/skillgate/pkg/manifest"
	"github.com/jllopis/skillgate/pkg/policy"
	"github.com/jllopis/skillgate/pkg/session"
	"github.com/jllopis/skillgate/pkg/skill"
	"github.com/jllopis/skillgate/pkg/telemetry"
	"github.com/jllopis/skillgate/pkg/template"
)

// maxAutoClarifyRounds bounds how often a ClarificationHandler may answer
// within one call.
const maxAutoClarifyRounds = 3

// TemplateField is the agent data key that selects a response template.
const TemplateField = "template"

// ExecuteOptions carries the optional parts of a call.
type ExecuteOptions struct {
	SessionID string
}

// call is one pass through the execution protocol.
type call struct {
	skillID   string
	action    string
	input     map[string]any
	sessionID string
	answers   []clarify.Answer
	// resume is set when continuing a pending clarification; the session
	// then exists even for skills without session support.
	resume bool
}

// Execute runs one action of a loaded skill. It never returns nil and never
// panics because of skill code.
func (g *Gateway) Execute(ctx context.Context, skillID, action string, input map[string]any, opts ExecuteOptions) Result {
	if opts.SessionID != "" {
		unlock := g.sessions.Lock(opts.SessionID)
		defer unlock()
	}
	return g.traced(ctx, "gateway.execute", call{
		skillID:   skillID,
		action:    action,
		input:     input,
		sessionID: opts.SessionID,
	})
}

// ExecuteTool runs a tool by its "skill:action" name.
func (g *Gateway) ExecuteTool(ctx context.Context, tool string, input map[string]any, opts ExecuteOptions) Result {
	skillID, action, ok := strings.Cut(tool, ToolSeparator)
	if !ok || skillID == "" || action == "" {
		return failf(errors.CodeInvalidInput, "tool name %q must look like skill%saction", tool, ToolSeparator)
	}
	return g.Execute(ctx, skillID, action, input, opts)
}

// Clarify answers the questions pending on a session and resumes the
// suspended action.
func (g *Gateway) Clarify(ctx context.Context, sessionID string, answers []clarify.Answer) Result {
	if sessionID == "" {
		return failf(errors.CodeInvalidInput, "sessionId is required")
	}
	unlock := g.sessions.Lock(sessionID)
	defer unlock()

	sess, ok := g.sessions.Get(sessionID)
	if !ok {
		return failf(errors.CodeInvalidInput, "session %s not found or expired", sessionID)
	}
	if sess.Pending == nil {
		return failf(errors.CodeInvalidInput, "session %s has no pending clarification", sessionID)
	}
	if err := clarify.ValidateAnswers(sess.Pending.Questions, answers); err != nil {
		return failf(errors.CodeInvalidInput, "%v", err)
	}
	return g.traced(ctx, "gateway.clarify", call{
		skillID:   sess.SkillID,
		action:    sess.Pending.Action,
		input:     sess.Pending.Input,
		sessionID: sessionID,
		answers:   answers,
		resume:    true,
	})
}

func (g *Gateway) traced(ctx context.Context, spanName string, c call) Result {
	start := time.Now()
	ctx = telemetry.ContextWithSkill(ctx, c.skillID, c.action)
	ctx, span := g.tracer.Start(ctx, spanName,
		trace.WithAttributes(telemetry.SkillAttributes(c.skillID, "", c.action)...),
	)
	defer span.End()

	res := g.run(ctx, c)

	durationMs := float64(time.Since(start).Microseconds()) / 1000
	var (
		mode    string
		outcome = telemetry.OutcomeSuccess
		code    string
		err     error
	)
	switch r := res.(type) {
	case *TemplateResult:
		mode = string(manifest.ModeTemplate)
	case *PassthroughResult:
		mode = string(manifest.ModePassthrough)
		span.SetAttributes(telemetry.ContentAttributes(r.ContentType, r.UserContentRef)...)
	case *ClarificationResult:
		outcome = telemetry.OutcomeClarification
	case *ErrorResult:
		outcome = telemetry.OutcomeError
		code = string(r.Code)
		err = r
	}
	span.SetAttributes(telemetry.ExecutionAttributes(mode, outcome, code, durationMs)...)
	if id := SessionIDOf(res); id != "" {
		span.SetAttributes(attribute.String(telemetry.AttrSessionID, id))
	}
	g.metrics.RecordExecution(ctx, c.skillID, c.action, durationMs, outcome == telemetry.OutcomeClarification, err)

	attrs := []any{
		slog.String("skill", c.skillID),
		slog.String("action", c.action),
		slog.String("outcome", outcome),
		slog.Float64("duration_ms", durationMs),
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, code)
		g.logger.WarnContext(ctx, spanName+".failed", append(attrs, slog.String("code", code), slog.String("error", err.Error()))...)
	} else {
		g.logger.InfoContext(ctx, spanName+".done", attrs...)
	}
	return res
}

// run implements the execution protocol. Callers hold the session lock when
// c.sessionID is set.
func (g *Gateway) run(ctx context.Context, c call) Result {
	ls, ok := g.lookup(c.skillID)
	if !ok {
		return failf(errors.CodeSkillNotFound, "skill %s is not loaded", c.skillID)
	}
	m := ls.manifest

	if g.policy != nil {
		decision := g.policy.Evaluate(ctx, governance.Action{Type: governance.ActionExecute, SkillID: c.skillID, Name: c.action})
		trace.SpanFromContext(ctx).SetAttributes(telemetry.PolicyAttributes(true, decision.IsAllowed(), decision.RuleID, decision.Reason)...)
		if decision.IsDenied() {
			return failf(errors.CodeNotAllowed, "skill %s is not allowed: %s", c.skillID, decision.Reason)
		}
	}

	action, ok := m.Action(c.action)
	if !ok {
		names := m.ActionNames()
		return &ErrorResult{
			Code:    errors.CodeInvalidInput,
			Message: fmt.Sprintf("unknown action %q for skill %s; available actions: %s", c.action, c.skillID, strings.Join(names, ", ")),
			Details: names,
		}
	}

	input := c.input
	if input == nil {
		input = map[string]any{}
	}
	if res := g.validator.Validate(ls.inputs[c.action], input); !res.Valid {
		return &ErrorResult{
			Code:    errors.CodeInvalidInput,
			Message: fmt.Sprintf("input for %s does not match its schema", ToolName(c.skillID, c.action)),
			Details: res.Errors,
		}
	}

	// Session resolution.
	var (
		sess    *session.Session
		created bool
	)
	if m.SessionEnabled() || c.resume {
		if c.sessionID != "" {
			if s, ok := g.sessions.Get(c.sessionID); ok && s.SkillID == c.skillID {
				sess = s
			}
		}
		if sess == nil && m.SessionEnabled() {
			sess = g.sessions.Create(c.skillID, m.Capabilities.Session)
			created = true
		}
	}
	// A session that exists only to carry a clarification ends with the call.
	ephemeral := sess != nil && !m.SessionEnabled()

	req := &skill.Request{
		Action:  c.action,
		Input:   input,
		Answers: c.answers,
		Limits:  m.Limits,
		Config:  ls.config,
		Storage: ls.storage,
	}
	if g.tools != nil && len(m.Capabilities.Tools) > 0 {
		req.Tools = capability.LimitTools(g.tools, m.Capabilities.Tools, m.Limits.MaxToolCalls)
	}
	if sess != nil {
		req.Session = &skill.SessionView{ID: sess.ID, History: sess.History}
	}

	res := g.respond(ctx, ls, action, c, req, sess)

	switch res.(type) {
	case *ErrorResult:
		if created {
			g.sessions.Delete(sess.ID)
		}
	case *ClarificationResult:
	default:
		if ephemeral {
			g.sessions.Delete(sess.ID)
		}
	}
	return res
}

// respond invokes the entry point, answering clarifications through the
// registered handler when possible, and turns the response into a Result.
func (g *Gateway) respond(ctx context.Context, ls *loadedSkill, action *manifest.Action, c call, req *skill.Request, sess *session.Session) Result {
	m := ls.manifest
	for round := 0; ; round++ {
		resp, gerr := g.invoke(ctx, ls, req)
		if gerr != nil {
			return errorResult(gerr)
		}
		if !resp.NeedsClarification && len(resp.Questions) == 0 {
			return g.dispatch(ctx, ls, action, c, resp, sess)
		}

		if !m.Capabilities.CanRequestClarification {
			return failf(errors.CodeInvalidOutput, "skill %s requested clarification without declaring canRequestClarification", m.ID)
		}
		if err := clarify.ValidateQuestions(resp.Questions); err != nil {
			return failf(errors.CodeInvalidOutput, "skill %s: %v", m.ID, err)
		}

		sessionID := ""
		if sess != nil {
			sessionID = sess.ID
		}
		if g.clarifier != nil && round < maxAutoClarifyRounds {
			answers, ok := g.clarifier(ctx, ClarificationRequest{
				SkillID:   m.ID,
				Action:    c.action,
				SessionID: sessionID,
				Questions: resp.Questions,
			})
			if ok {
				if err := clarify.ValidateAnswers(resp.Questions, answers); err == nil {
					req.Answers = answers
					continue
				} else {
					g.logger.WarnContext(ctx, "gateway.clarify.auto.rejected",
						slog.String("skill", m.ID),
						slog.String("error", err.Error()),
					)
				}
			}
		}

		if sess == nil {
			sess = g.sessions.Create(m.ID, m.Capabilities.Session)
		}
		pending := &session.Pending{Action: c.action, Input: req.Input, Questions: resp.Questions}
		if err := g.sessions.SetPending(sess.ID, pending); err != nil {
			return failf(errors.CodeInternal, "record pending clarification: %v", err)
		}
		return &ClarificationResult{SessionID: sess.ID, Questions: resp.Questions}
	}
}

type outcome struct {
	resp *skill.Response
	err  error
}

// invoke races the entry point against the action's deadline. On timeout the
// call is abandoned; the goroutine finishes on its own.
func (g *Gateway) invoke(ctx context.Context, ls *loadedSkill, req *skill.Request) (*skill.Response, *errors.GatewayError) {
	timeout := g.defaultTimeout
	if ms := ls.manifest.Limits.MaxExecutionTimeMs; ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("gateway.skill.panic",
					slog.String("skill", ls.manifest.ID),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				done <- outcome{err: fmt.Errorf("skill panicked: %v", r)}
			}
		}()
		resp, err := ls.invokable.Invoke(callCtx, req)
		done <- outcome{resp: resp, err: err}
	}()

	select {
	case <-callCtx.Done():
		if stderrors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, errors.New(errors.CodeTimeout, fmt.Sprintf("skill %s exceeded %s", ls.manifest.ID, timeout), callCtx.Err()).
				WithContext("timeout", timeout.String())
		}
		return nil, errors.New(errors.CodeExecutionError, "call canceled", callCtx.Err())
	case o := <-done:
		if o.err != nil {
			switch code := errors.CodeOf(o.err); code {
			case errors.CodeNetworkError, errors.CodeTimeout:
				ge := errors.AsGatewayError(o.err, code)
				return nil, ge
			}
			return nil, errors.New(errors.CodeExecutionError, o.err.Error(), o.err)
		}
		if o.resp == nil {
			return nil, errors.Newf(errors.CodeExecutionError, "skill %s returned no response", ls.manifest.ID)
		}
		return o.resp, nil
	}
}

// dispatch validates the response against the effective mode and records
// session history.
func (g *Gateway) dispatch(ctx context.Context, ls *loadedSkill, action *manifest.Action, c call, resp *skill.Response, sess *session.Session) Result {
	m := ls.manifest
	mode := action.Mode()
	if resp.ResponseMode != "" {
		if !resp.ResponseMode.Valid() {
			return failf(errors.CodeInvalidOutput, "skill %s returned unknown response mode %q", m.ID, resp.ResponseMode)
		}
		mode = resp.ResponseMode
	}

	var (
		res   Result
		entry = session.HistoryEntry{Action: c.action}
	)
	switch mode {
	case manifest.ModePassthrough:
		uc := resp.UserContent
		if uc == nil {
			return failf(errors.CodeInvalidOutput, "skill %s returned no user content for passthrough action %s", m.ID, c.action)
		}
		if compiled, ok := ls.userContent[c.action]; ok {
			if v := g.validator.Validate(compiled, uc); !v.Valid {
				return &ErrorResult{
					Code:    errors.CodeInvalidOutput,
					Message: fmt.Sprintf("user content of %s does not match its schema", ToolName(m.ID, c.action)),
					Details: v.Errors,
				}
			}
		}
		stored := *uc
		if stored.ContentType == "" {
			stored.ContentType = "text/plain"
		}
		ref := g.content.Store(m.ID, c.action, stored, resp.SafeMetadata...)
		receipt, _ := g.content.Peek(ref)
		pr := &PassthroughResult{UserContentRef: ref, ContentType: stored.ContentType}
		if receipt != nil {
			pr.Metadata = receipt.Metadata
		}
		entry.UserContent = &stored
		res = pr

	case manifest.ModeTemplate:
		compiled, ok := ls.agentData[c.action]
		if !ok {
			// Without a declared schema the data cannot be shown to be free of free text.
			return failf(errors.CodeInvalidOutput, "action %s declares no agentDataSchema; template responses are not allowed", c.action)
		}
		if resp.AgentData == nil {
			return failf(errors.CodeInvalidOutput, "skill %s returned no agent data for template action %s", m.ID, c.action)
		}
		if v := g.validator.Validate(compiled, resp.AgentData); !v.Valid {
			return &ErrorResult{
				Code:    errors.CodeInvalidOutput,
				Message: fmt.Sprintf("agent data of %s does not match its schema", ToolName(m.ID, c.action)),
				Details: v.Errors,
			}
		}
		spec, _ := action.Template()
		if extra := undeclaredAgentFields(spec.AgentDataSchema, resp.AgentData); len(extra) > 0 {
			return &ErrorResult{
				Code:    errors.CodeInvalidOutput,
				Message: fmt.Sprintf("agent data of %s carries fields its schema does not declare", ToolName(m.ID, c.action)),
				Details: extra,
			}
		}
		tr := &TemplateResult{AgentData: resp.AgentData}
		if name, ok := resp.AgentData[TemplateField].(string); ok && name != "" {
			tmpl, found := spec.ResponseTemplates[name]
			if !found {
				return failf(errors.CodeInvalidOutput, "agent data selects undeclared template %q", name)
			}
			tr.Template = name
			tr.TemplateText = template.Resolve(tmpl.Text, resp.AgentData)
		}
		entry.AgentData = resp.AgentData
		res = tr

	default:
		return failf(errors.CodeInternal, "unhandled response mode %q", mode)
	}

	if sess == nil {
		return res
	}
	if resp.EndSession {
		g.sessions.Delete(sess.ID)
		return res
	}
	if err := g.sessions.AddHistory(sess.ID, entry); err != nil {
		g.logger.WarnContext(ctx, "gateway.session.history.failed",
			slog.String("session", sess.ID),
			slog.String("error", err.Error()),
		)
		return res
	}
	if err := g.sessions.SetPending(sess.ID, nil); err != nil && !stderrors.Is(err, session.ErrNotFound) {
		g.logger.WarnContext(ctx, "gateway.session.pending.failed", slog.String("session", sess.ID), slog.String("error", err.Error()))
	}
	if ls.manifest.SessionEnabled() {
		switch r := res.(type) {
		case *TemplateResult:
			r.SessionID = sess.ID
		case *PassthroughResult:
			r.SessionID = sess.ID
		}
	}
	return res
}

// undeclaredAgentFields reports agent data keys that no schema keyword
// governs. A string template selector is exempt: it is checked against the
// declared response templates instead.
func undeclaredAgentFields(schema manifest.Schema, data map[string]any) []string {
	var out []string
	for _, path := range policy.UndeclaredFields(schema, data) {
		if path == TemplateField {
			if _, ok := data[TemplateField].(string); ok {
				continue
			}
		}
		out = append(out, path)
	}
	return out
}
