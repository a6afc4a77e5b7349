// SPDX-License-Identifier: Apache-2.0

// Package gateway loads skills and executes their actions while enforcing
// privilege separation: agent-visible data is schema-constrained and free-form
// content only leaves the gateway through one-time content references.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/skillgate/pkg/capability"
	"github.com/jllopis/skillgate/pkg/clarify"
	"github.com/jllopis/skillgate/pkg/content"
	"github.com/jllopis/skillgate/pkg/errors"
	"github.com/jllopis/skillgate/pkg/governance"
	"github.com/jllopis/skillgate/pkg/manifest"
	"github.com/jllopis/skillgate/pkg/policy"
	"github.com/jllopis/skillgate/pkg/schema"
	"github.com/jllopis/skillgate/pkg/session"
	"github.com/jllopis/skillgate/pkg/skill"
	"github.com/jllopis/skillgate/pkg/telemetry"
	"github.com/jllopis/skillgate/pkg/template"
)

// DefaultTimeout bounds an entry point call when the manifest sets no limit.
const DefaultTimeout = 5 * time.Second

// ClarificationRequest is handed to a ClarificationHandler.
type ClarificationRequest struct {
	SkillID   string
	Action    string
	SessionID string
	Questions []clarify.Question
}

// ClarificationHandler may answer a skill's questions synchronously. It
// returns false to hand the questions back to the caller instead.
type ClarificationHandler func(ctx context.Context, req ClarificationRequest) ([]clarify.Answer, bool)

// Gateway holds loaded skills and runs their actions.
type Gateway struct {
	mu     sync.RWMutex
	skills map[string]*loadedSkill

	validator      *schema.Validator
	sessions       *session.Store
	content        *content.Store
	loader         *skill.Loader
	policy         governance.PolicyEngine
	enforcePolicy  bool
	configSource   capability.KoanfSource
	storage        *capability.Provider
	tools          capability.ToolInvoker
	clarifier      ClarificationHandler
	logger         *slog.Logger
	metrics        *telemetry.GatewayMetrics
	defaultTimeout time.Duration
	watchDebounce  time.Duration
	tracer         trace.Tracer
}

type loadedSkill struct {
	manifest  *manifest.Manifest
	invokable skill.Invokable
	config    capability.ConfigReader
	storage   capability.Storage
	loadedAt  time.Time

	inputs      map[string]*schema.Compiled
	agentData   map[string]*schema.Compiled
	userContent map[string]*schema.Compiled
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithValidator shares a schema validator (and its compile cache).
func WithValidator(v *schema.Validator) Option {
	return func(g *Gateway) {
		if v != nil {
			g.validator = v
		}
	}
}

// WithSessionStore replaces the default session store.
func WithSessionStore(s *session.Store) Option {
	return func(g *Gateway) {
		if s != nil {
			g.sessions = s
		}
	}
}

// WithContentStore replaces the default content reference store.
func WithContentStore(s *content.Store) Option {
	return func(g *Gateway) {
		if s != nil {
			g.content = s
		}
	}
}

// WithLoader sets the entry point loader.
func WithLoader(l *skill.Loader) Option {
	return func(g *Gateway) {
		if l != nil {
			g.loader = l
		}
	}
}

// WithPolicy sets the governance engine consulted on load and execute.
func WithPolicy(p governance.PolicyEngine) Option {
	return func(g *Gateway) {
		g.policy = p
	}
}

// WithEnforcePolicy controls whether privilege-separation violations fail a
// load (true, the default) or are only logged.
func WithEnforcePolicy(enforce bool) Option {
	return func(g *Gateway) {
		g.enforcePolicy = enforce
	}
}

// WithConfigSource supplies per-skill config values. Required keys declared
// by a manifest are checked at load time only when a source is set.
func WithConfigSource(src capability.KoanfSource) Option {
	return func(g *Gateway) {
		g.configSource = src
	}
}

// WithStorageProvider enables the storage capability for skills that declare it.
func WithStorageProvider(p *capability.Provider) Option {
	return func(g *Gateway) {
		g.storage = p
	}
}

// WithToolInvoker lets skills call the tools their manifest declares.
func WithToolInvoker(t capability.ToolInvoker) Option {
	return func(g *Gateway) {
		g.tools = t
	}
}

// WithClarificationHandler registers a callback that may auto-answer questions.
func WithClarificationHandler(h ClarificationHandler) Option {
	return func(g *Gateway) {
		g.clarifier = h
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithMetrics records executions, deliveries and sweeps.
func WithMetrics(m *telemetry.GatewayMetrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// WithDefaultTimeout sets the execution budget for manifests without one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.defaultTimeout = d
		}
	}
}

// New creates a gateway with in-memory stores and the default builtin registry.
func New(opts ...Option) *Gateway {
	g := &Gateway{
		skills:         make(map[string]*loadedSkill),
		enforcePolicy:  true,
		defaultTimeout: DefaultTimeout,
		watchDebounce:  DefaultWatchDebounce,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.validator == nil {
		g.validator = schema.NewValidator()
	}
	if g.sessions == nil {
		g.sessions = session.NewStore(session.Options{})
	}
	if g.content == nil {
		g.content = content.NewStore(content.Options{})
	}
	if g.loader == nil {
		g.loader = skill.NewLoader()
	}
	g.tracer = otel.Tracer("skillgate/gateway")
	return g
}

// Sessions exposes the session store.
func (g *Gateway) Sessions() *session.Store { return g.sessions }

// Content exposes the content reference store.
func (g *Gateway) Content() *content.Store { return g.content }

// Validator exposes the schema validator.
func (g *Gateway) Validator() *schema.Validator { return g.validator }

// LoadSkill loads the manifest at path (a skill directory or manifest file),
// checks it, resolves its entry point and makes it available for execution.
// Loading an id that is already loaded replaces it.
func (g *Gateway) LoadSkill(ctx context.Context, path string) (*manifest.Manifest, error) {
	m, err := manifest.Load(path, g.validator)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidManifest, "invalid manifest", err).WithContext("path", path)
	}
	if err := g.admit(ctx, m); err != nil {
		return nil, err
	}
	inv, err := g.loader.Load(ctx, m)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidManifest, "entry point cannot be resolved", err).
			WithContext("skill", m.ID)
	}
	if err := g.install(m, inv); err != nil {
		return nil, err
	}
	return m, nil
}

// Register installs an in-process skill. The manifest goes through the same
// checks as LoadSkill.
func (g *Gateway) Register(ctx context.Context, m *manifest.Manifest, inv skill.Invokable) error {
	if m == nil || inv == nil {
		return errors.Newf(errors.CodeInvalidManifest, "manifest and invokable are required")
	}
	if err := g.validateManifest(m); err != nil {
		return errors.New(errors.CodeInvalidManifest, "invalid manifest", err).WithContext("skill", m.ID)
	}
	if err := g.admit(ctx, m); err != nil {
		return err
	}
	return g.install(m, inv)
}

// validateManifest applies the document and structural checks LoadSkill runs
// on files to a manifest built in code.
func (g *Gateway) validateManifest(m *manifest.Manifest) error {
	doc := *m
	if doc.Capabilities.Tools == nil {
		doc.Capabilities.Tools = []string{}
	}
	raw, err := json.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("decode manifest: %w", err)
	}
	if err := manifest.ValidateDocument(g.validator, decoded); err != nil {
		return err
	}
	return m.Validate()
}

// LoadDir loads every immediate subdirectory of dir that holds a manifest.
// Failures are collected and do not stop the remaining skills from loading.
func (g *Gateway) LoadDir(ctx context.Context, dir string) ([]*manifest.Manifest, []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, []error{fmt.Errorf("read skills dir: %w", err)}
	}
	var (
		loaded []*manifest.Manifest
		errs   []error
	)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if _, err := manifest.Find(path); err != nil {
			continue
		}
		m, err := g.LoadSkill(ctx, path)
		if err != nil {
			g.logger.Warn("gateway.skill.load.failed", slog.String("path", path), slog.String("error", err.Error()))
			errs = append(errs, err)
			continue
		}
		loaded = append(loaded, m)
	}
	return loaded, errs
}

// admit runs governance and the privilege-separation policy over m.
func (g *Gateway) admit(ctx context.Context, m *manifest.Manifest) error {
	if g.policy != nil {
		decision := g.policy.Evaluate(ctx, governance.Action{Type: governance.ActionLoad, SkillID: m.ID})
		if decision.IsDenied() {
			return errors.Newf(errors.CodeNotAllowed, "skill %s is not allowed: %s", m.ID, decision.Reason).
				WithContext("rule", decision.RuleID)
		}
	}
	report := policy.CheckManifest(m)
	if !report.OK() {
		if g.enforcePolicy {
			return errors.New(errors.CodeInvalidManifest, "privilege separation check failed", report.Err()).
				WithContext("skill", m.ID).
				WithDetails(report.Lines()...)
		}
		g.logger.WarnContext(ctx, "gateway.policy.violation",
			slog.String("skill", m.ID),
			slog.Any("violations", report.Lines()),
		)
	}
	if g.configSource != nil {
		cfg := capability.WithDefaults(capability.NewKoanfConfig(g.configSource, m.ID), m)
		if err := capability.CheckRequired(cfg, m); err != nil {
			return errors.New(errors.CodeInvalidManifest, "skill config is incomplete", err).WithContext("skill", m.ID)
		}
	}
	return nil
}

// install compiles the action schemas and publishes the skill.
func (g *Gateway) install(m *manifest.Manifest, inv skill.Invokable) error {
	prefix := m.ID + "/"
	g.validator.ForgetPrefix(prefix)

	ls := &loadedSkill{
		manifest:    m,
		invokable:   inv,
		loadedAt:    time.Now(),
		inputs:      make(map[string]*schema.Compiled),
		agentData:   make(map[string]*schema.Compiled),
		userContent: make(map[string]*schema.Compiled),
	}
	for _, name := range m.ActionNames() {
		action := m.Actions[name]
		c, err := g.validator.Compile(prefix+name+"/input", action.InputSchema)
		if err != nil {
			return errors.New(errors.CodeInvalidManifest, "input schema does not compile", err).
				WithContext("skill", m.ID).WithContext("action", name)
		}
		ls.inputs[name] = c
		if spec, ok := action.Template(); ok {
			c, err := g.validator.Compile(prefix+name+"/agentData", spec.AgentDataSchema)
			if err != nil {
				return errors.New(errors.CodeInvalidManifest, "agent data schema does not compile", err).
					WithContext("skill", m.ID).WithContext("action", name)
			}
			ls.agentData[name] = c
		}
		if spec, ok := action.Passthrough(); ok {
			c, err := g.validator.Compile(prefix+name+"/userContent", spec.UserContentSchema)
			if err != nil {
				return errors.New(errors.CodeInvalidManifest, "user content schema does not compile", err).
					WithContext("skill", m.ID).WithContext("action", name)
			}
			ls.userContent[name] = c
		}
	}

	var cfg capability.ConfigReader = capability.StaticConfig{}
	if g.configSource != nil {
		cfg = capability.NewKoanfConfig(g.configSource, m.ID)
	}
	ls.config = capability.WithDefaults(cfg, m)
	if g.storage != nil {
		g.storage.Release(m.ID)
		ls.storage = g.storage.For(m)
	}

	g.mu.Lock()
	_, replaced := g.skills[m.ID]
	g.skills[m.ID] = ls
	g.mu.Unlock()

	if !replaced {
		g.metrics.SkillLoaded(context.Background(), 1)
	}
	g.logger.Info("gateway.skill.loaded",
		slog.String("skill", m.ID),
		slog.String("version", m.Version),
		slog.Int("actions", len(m.Actions)),
		slog.Bool("replaced", replaced),
	)
	return nil
}

// UnloadSkill removes a skill. In-flight calls finish with the old entry point.
func (g *Gateway) UnloadSkill(id string) bool {
	g.mu.Lock()
	_, ok := g.skills[id]
	delete(g.skills, id)
	g.mu.Unlock()
	if !ok {
		return false
	}
	g.validator.ForgetPrefix(id + "/")
	if g.storage != nil {
		g.storage.Release(id)
	}
	g.metrics.SkillLoaded(context.Background(), -1)
	g.logger.Info("gateway.skill.unloaded", slog.String("skill", id))
	return true
}

func (g *Gateway) lookup(id string) (*loadedSkill, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ls, ok := g.skills[id]
	return ls, ok
}

// Skill returns the manifest of a loaded skill.
func (g *Gateway) Skill(id string) (*manifest.Manifest, bool) {
	ls, ok := g.lookup(id)
	if !ok {
		return nil, false
	}
	return ls.manifest, true
}

// Skills returns the loaded manifests sorted by id.
func (g *Gateway) Skills() []*manifest.Manifest {
	g.mu.RLock()
	out := make([]*manifest.Manifest, 0, len(g.skills))
	for _, ls := range g.skills {
		out = append(out, ls.manifest)
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ToolDefinition describes one action as a callable tool.
type ToolDefinition struct {
	Name         string                `json:"name"`
	Description  string                `json:"description"`
	InputSchema  manifest.Schema       `json:"inputSchema"`
	ResponseMode manifest.ResponseMode `json:"responseMode"`
}

// ToolSeparator joins skill id and action name in tool names.
const ToolSeparator = ":"

// ToolName builds the tool name for an action.
func ToolName(skillID, action string) string {
	return skillID + ToolSeparator + action
}

// ToolDefinitions lists every action of every loaded skill, sorted by name.
func (g *Gateway) ToolDefinitions() []ToolDefinition {
	var defs []ToolDefinition
	for _, m := range g.Skills() {
		for _, name := range m.ActionNames() {
			action := m.Actions[name]
			desc := action.Description
			if desc == "" {
				desc = m.Description
			}
			defs = append(defs, ToolDefinition{
				Name:         ToolName(m.ID, name),
				Description:  desc,
				InputSchema:  action.InputSchema,
				ResponseMode: action.Mode(),
			})
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// DeliverContent redeems a content reference once.
func (g *Gateway) DeliverContent(ctx context.Context, ref string) (*content.Delivery, bool) {
	d, ok := g.content.Deliver(ref)
	g.metrics.RecordDelivery(ctx, ok)
	g.logger.DebugContext(ctx, "gateway.content.deliver", slog.String("ref", ref), slog.Bool("delivered", ok))
	return d, ok
}

// PeekContent inspects a content reference without consuming it.
func (g *Gateway) PeekContent(ref string) (*content.Receipt, bool) {
	return g.content.Peek(ref)
}

// ResolveTemplate fills {{field}} placeholders from data. Missing fields
// stay verbatim.
func (g *Gateway) ResolveTemplate(text string, data map[string]any) string {
	return template.Resolve(text, data)
}
