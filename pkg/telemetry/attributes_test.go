// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestSkillAttributes(t *testing.T) {
	attrs := SkillAttributes("article-search", "1.0.0", "search")
	assertAttributes(t, attrs, map[string]any{
		AttrSkillID:      "article-search",
		AttrSkillVersion: "1.0.0",
		AttrSkillAction:  "search",
	})

	assert.Len(t, SkillAttributes("x", "", ""), 1)
}

func TestExecutionAttributes(t *testing.T) {
	attrs := ExecutionAttributes("template", OutcomeSuccess, "", 12.5)
	assertAttributes(t, attrs, map[string]any{
		AttrOutcome:      OutcomeSuccess,
		AttrResponseMode: "template",
		AttrDurationMs:   12.5,
	})
	assertMissing(t, attrs, AttrErrorCode)

	attrs = ExecutionAttributes("", OutcomeError, "TIMEOUT", 5000)
	assertAttributes(t, attrs, map[string]any{
		AttrOutcome:   OutcomeError,
		AttrErrorCode: "TIMEOUT",
	})
	assertMissing(t, attrs, AttrResponseMode)
}

func TestSessionAttributes(t *testing.T) {
	assert.Nil(t, SessionAttributes("", 3))
	assertAttributes(t, SessionAttributes("sess-1", 3), map[string]any{
		AttrSessionID:      "sess-1",
		AttrSessionHistory: 3,
	})
}

func TestContentAttributes(t *testing.T) {
	assertAttributes(t, ContentAttributes("text/markdown", "ref_abc"), map[string]any{
		AttrContentType: "text/markdown",
		AttrContentRef:  "ref_abc",
	})
	assert.Empty(t, ContentAttributes("", ""))
}

func TestPolicyAttributes(t *testing.T) {
	attrs := PolicyAttributes(true, false, "no-beta", "retired")
	assertAttributes(t, attrs, map[string]any{
		AttrPolicyEvaluated: true,
		AttrPolicyAllowed:   false,
		AttrPolicyRule:      "no-beta",
		AttrPolicyReason:    "retired",
	})

	attrs = PolicyAttributes(false, false, "", "")
	assert.Len(t, attrs, 1)
}

func assertAttributes(t *testing.T, attrs []attribute.KeyValue, expected map[string]any) {
	t.Helper()

	found := make(map[string]attribute.KeyValue)
	for _, attr := range attrs {
		found[string(attr.Key)] = attr
	}

	for key, expectedVal := range expected {
		attr, ok := found[key]
		if !assert.True(t, ok, "missing attribute %s", key) {
			continue
		}

		var actualVal any
		switch attr.Value.Type() {
		case attribute.STRING:
			actualVal = attr.Value.AsString()
		case attribute.INT64:
			actualVal = int(attr.Value.AsInt64())
		case attribute.FLOAT64:
			actualVal = attr.Value.AsFloat64()
		case attribute.BOOL:
			actualVal = attr.Value.AsBool()
		}
		assert.Equal(t, expectedVal, actualVal, "attribute %s", key)
	}
}

func assertMissing(t *testing.T, attrs []attribute.KeyValue, key string) {
	t.Helper()
	for _, attr := range attrs {
		assert.NotEqual(t, key, string(attr.Key))
	}
}
