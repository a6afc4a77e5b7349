// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jllopis/skillgate/pkg/clarify"
	"github.com/jllopis/skillgate/pkg/errors"
)

func TestWireShapes(t *testing.T) {
	tests := []struct {
		name string
		res  Result
		want string
	}{
		{
			name: "template",
			res:  &TemplateResult{AgentData: map[string]any{"count": 2}, Template: "ok", TemplateText: "count=2", SessionID: "s1"},
			want: `{"success":true,"responseMode":"template","agentData":{"count":2},"template":"ok","response":"count=2","sessionId":"s1"}`,
		},
		{
			name: "passthrough",
			res:  &PassthroughResult{UserContentRef: "ref_1", ContentType: "article"},
			want: `{"success":true,"responseMode":"passthrough","userContentRef":"ref_1","contentType":"article"}`,
		},
		{
			name: "clarification",
			res: &ClarificationResult{SessionID: "s2", Questions: []clarify.Question{
				{QuestionID: "q", QuestionText: "Which?", QuestionType: clarify.TypeText},
			}},
			want: `{"success":true,"sessionId":"s2","needsClarification":true,"questions":[{"questionId":"q","questionText":"Which?","questionType":"text"}],"code":"CLARIFICATION_NEEDED"}`,
		},
		{
			name: "error",
			res:  &ErrorResult{Code: errors.CodeTimeout, Message: "too slow"},
			want: `{"success":false,"code":"TIMEOUT","error":"too slow"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := Encode(tt.res)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(raw))

			var w Wire
			require.NoError(t, json.Unmarshal(raw, &w))
			back := FromWire(w)
			assert.IsType(t, tt.res, back)
			assert.Equal(t, tt.res.Success(), back.Success())
			assert.Equal(t, SessionIDOf(tt.res), SessionIDOf(back))
		})
	}
}

func TestFromWireDefaultsErrorCode(t *testing.T) {
	res := FromWire(Wire{Success: false, Error: "broken"})
	er, ok := res.(*ErrorResult)
	require.True(t, ok)
	assert.Equal(t, errors.CodeInternal, er.Code)
	assert.Equal(t, "[INTERNAL_ERROR] broken", er.Error())
}

func TestErrorResultErr(t *testing.T) {
	er := &ErrorResult{Code: errors.CodeNotAllowed, Message: "denied", Details: []string{"rule=r1"}}
	err := er.Err()
	assert.Equal(t, errors.CodeNotAllowed, errors.CodeOf(err))
	var ge *errors.GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, []string{"rule=r1"}, ge.Details)
}
