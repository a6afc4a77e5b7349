// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"

	"github.com/knadh/koanf/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jllopis/skillgate/pkg/capability"
	"github.com/jllopis/skillgate/pkg/errors"
	"github.com/jllopis/skillgate/pkg/governance"
	"github.com/jllopis/skillgate/pkg/manifest"
	"github.com/jllopis/skillgate/pkg/skill"
)

func TestLoadRejectsTemplateActionWithoutTemplates(t *testing.T) {
	g := newTestGateway(t)
	_, err := g.LoadSkill(context.Background(), "../manifest/testdata/missing-templates")
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidManifest, errors.CodeOf(err))
	assert.Empty(t, g.Skills())
}

func TestLoadSkill(t *testing.T) {
	g := newArticleGateway(t)

	m, ok := g.Skill("article-search")
	require.True(t, ok)
	assert.Equal(t, "1.2.0", m.Version)
	assert.Len(t, g.Skills(), 1)

	_, err := g.LoadSkill(context.Background(), articleFixture)
	require.NoError(t, err, "reloading replaces the skill")
	assert.Len(t, g.Skills(), 1)

	assert.True(t, g.UnloadSkill("article-search"))
	assert.False(t, g.UnloadSkill("article-search"))
	_, ok = g.Skill("article-search")
	assert.False(t, ok)
}

func TestLoadSkillMissingEntryPoint(t *testing.T) {
	g := New(WithLoader(skill.NewLoader(skill.WithRegistry(skill.NewRegistry()))), WithLogger(discardLogger()))
	_, err := g.LoadSkill(context.Background(), articleFixture)
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidManifest, errors.CodeOf(err))
	assert.Contains(t, err.Error(), "entry point")
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	copyFixture(t, articleFixture, dir)
	copyFixture(t, "../manifest/testdata/missing-templates", dir)

	g := newTestGateway(t)
	loaded, errs := g.LoadDir(context.Background(), dir)
	require.Len(t, loaded, 1)
	assert.Equal(t, "article-search", loaded[0].ID)
	assert.Len(t, errs, 1)

	_, errs = g.LoadDir(context.Background(), dir+"/missing")
	assert.Len(t, errs, 1)
}

func TestRegisterRunsSameChecks(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	inv := skill.InvokableFunc(func(context.Context, *skill.Request) (*skill.Response, error) {
		return skill.Template(map[string]any{"count": 1}), nil
	})

	bad := testManifest("bad-version", map[string]*manifest.Action{"count": countAction()})
	bad.Version = "latest"
	err := g.Register(ctx, bad, inv)
	assert.Equal(t, errors.CodeInvalidManifest, errors.CodeOf(err))

	err = g.Register(ctx, testManifest("no-invokable", map[string]*manifest.Action{"count": countAction()}), nil)
	assert.Error(t, err)

	require.NoError(t, g.Register(ctx, testManifest("counter", map[string]*manifest.Action{"count": countAction()}), inv))
	_, ok := g.Skill("counter")
	assert.True(t, ok)
}

func TestPrivilegeSeparationEnforcedOnLoad(t *testing.T) {
	leaky := manifest.NewTemplateAction("leaks", manifest.Schema{"type": "object"},
		manifest.Schema{
			"type": "object",
			"properties": map[string]any{
				"summary": map[string]any{"type": "string"},
			},
		},
		map[string]manifest.ResponseTemplate{"ok": {Text: "{{summary}} {{missing}}"}},
	)
	inv := skill.InvokableFunc(func(context.Context, *skill.Request) (*skill.Response, error) {
		return skill.Template(map[string]any{"summary": "free text"}), nil
	})
	ctx := context.Background()

	strict := newTestGateway(t)
	err := strict.Register(ctx, testManifest("leaky", map[string]*manifest.Action{"leak": leaky}), inv)
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidManifest, errors.CodeOf(err))
	var ge *errors.GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Len(t, ge.Details, 2, "one unconstrained string and one unknown placeholder")

	lenient := newTestGateway(t, WithEnforcePolicy(false))
	assert.NoError(t, lenient.Register(ctx, testManifest("leaky", map[string]*manifest.Action{"leak": leaky}), inv))
}

func TestGovernance(t *testing.T) {
	ctx := context.Background()

	denied := newTestGateway(t, WithPolicy(governance.AllowList("weather")))
	_, err := denied.LoadSkill(ctx, articleFixture)
	require.Error(t, err)
	assert.Equal(t, errors.CodeNotAllowed, errors.CodeOf(err))

	rules := governance.NewReloadable(nil)
	g := newArticleGateway(t, WithPolicy(rules))
	assert.True(t, g.Execute(ctx, "article-search", "search", map[string]any{"topic": "AI"}, ExecuteOptions{}).Success())

	rules.Swap(governance.NewRuleSet([]governance.Rule{
		{ID: "no-search", Effect: "deny", Type: governance.ActionExecute, Name: "article-*", Reason: "maintenance"},
	}))
	res := g.Execute(ctx, "article-search", "search", map[string]any{"topic": "AI"}, ExecuteOptions{})
	er, ok := res.(*ErrorResult)
	require.True(t, ok)
	assert.Equal(t, errors.CodeNotAllowed, er.Code)
	assert.Contains(t, er.Message, "maintenance")
}

func TestConfigCapability(t *testing.T) {
	ctx := context.Background()
	k := koanf.New(".")
	src := func() *koanf.Koanf { return k }

	m := testManifest("configured", map[string]*manifest.Action{"count": countAction()})
	m.Config = &manifest.ConfigRequirements{
		Required: []manifest.ConfigRequirement{{Key: "api_key"}},
	}
	var seen atomic.Value
	inv := skill.InvokableFunc(func(_ context.Context, req *skill.Request) (*skill.Response, error) {
		v, _ := req.Config.Get("api_key")
		seen.Store(v)
		return skill.Template(map[string]any{"count": 1}), nil
	})

	g := newTestGateway(t, WithConfigSource(src))
	err := g.Register(ctx, m, inv)
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidManifest, errors.CodeOf(err))
	assert.Contains(t, err.Error(), "api_key")

	require.NoError(t, k.Set("skills.configured.api_key", "s3cret"))
	require.NoError(t, g.Register(ctx, m, inv))
	require.True(t, g.Execute(ctx, "configured", "count", nil, ExecuteOptions{}).Success())
	assert.Equal(t, "s3cret", seen.Load())

	// Without a config source required keys are not checked.
	assert.NoError(t, newTestGateway(t).Register(ctx, m, inv))
}

func TestStorageCapability(t *testing.T) {
	ctx := context.Background()
	m := testManifest("stateful", map[string]*manifest.Action{"count": countAction()})
	m.Capabilities.Storage = &manifest.StorageCapability{Enabled: true}

	inv := skill.InvokableFunc(func(ctx context.Context, req *skill.Request) (*skill.Response, error) {
		n := 0
		if v, ok, err := req.Storage.Get(ctx, "calls"); err != nil {
			return nil, err
		} else if ok {
			n = int(v.(float64))
		}
		n++
		if err := req.Storage.Set(ctx, "calls", n, 0); err != nil {
			return nil, err
		}
		return skill.Template(map[string]any{"count": n}), nil
	})

	g := newTestGateway(t, WithStorageProvider(capability.NewProvider(nil, capability.ProviderOptions{})))
	require.NoError(t, g.Register(ctx, m, inv))

	g.Execute(ctx, "stateful", "count", nil, ExecuteOptions{})
	res := g.Execute(ctx, "stateful", "count", nil, ExecuteOptions{})
	tr, ok := res.(*TemplateResult)
	require.True(t, ok, "got %#v", res)
	assert.Equal(t, 2, tr.AgentData["count"])
}

func TestToolDefinitions(t *testing.T) {
	g := newArticleGateway(t)
	defs := g.ToolDefinitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "article-search:details", defs[0].Name)
	assert.Equal(t, manifest.ModePassthrough, defs[0].ResponseMode)
	assert.Equal(t, "article-search:search", defs[1].Name)
	assert.Equal(t, manifest.ModeTemplate, defs[1].ResponseMode)
	assert.Equal(t, "Search articles by topic", defs[1].Description)
	assert.Equal(t, "object", defs[1].InputSchema["type"])

	raw, err := json.Marshal(defs[1])
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"name":"article-search:search"`)
	assert.Contains(t, string(raw), `"responseMode":"template"`)
}

func TestResolveTemplate(t *testing.T) {
	g := New(WithLogger(discardLogger()))
	assert.Equal(t, "Found 3, {{missing}}", g.ResolveTemplate("Found {{count}}, {{missing}}", map[string]any{"count": 3}))
}
