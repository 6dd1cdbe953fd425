package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "QueryPilot/internal/errors"
)

func TestFromMapNormalisesShapes(t *testing.T) {
	res, err := FromMap(map[string]any{
		"answer":         "found",
		"confidence":     json.Number("7.5"),
		"focusKey":       " retail ",
		"discovered_ids": []any{"d1", 2, nil, " "},
		"evidence":       "not a list",
		"rows":           3,
	})
	require.NoError(t, err)

	assert.Equal(t, "found", res.AnswerText())
	c, ok := res.ConfidenceValue()
	assert.True(t, ok)
	assert.Equal(t, 7.5, c)
	assert.Equal(t, "retail", res.FocusKey)
	assert.Equal(t, []string{"d1", "2"}, res.DiscoveredIDs)
	assert.Nil(t, res.Evidence)
	assert.Equal(t, 3, res.Data["rows"])
}

func TestFromMapRejectsUnstructuredValues(t *testing.T) {
	_, err := FromMap(nil)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidToolResult))

	_, err = FromMap(map[string]any{"answer": []any{"x"}})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidToolResult))

	_, err = DecodeJSON([]byte(`["not", "an", "object"]`))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidToolResult))
}

func TestFromMapIgnoresNonNumericConfidence(t *testing.T) {
	res, err := FromMap(map[string]any{"confidence": "high"})
	require.NoError(t, err)
	_, ok := res.ConfidenceValue()
	assert.False(t, ok)
}

func TestErrorResultShape(t *testing.T) {
	res := ErrorResult(xerrors.CodeOutOfSequence, "nope")
	assert.Nil(t, res.Answer)
	c, ok := res.ConfidenceValue()
	assert.True(t, ok)
	assert.Zero(t, c)
	assert.True(t, res.Failed())
	assert.Equal(t, string(xerrors.CodeOutOfSequence), res.ErrorCode)
}

func TestRegistry(t *testing.T) {
	scope := Func{ToolName: "Scope", ToolTier: TierScope}
	detail := Func{ToolName: "Detail", ToolTier: TierDetail}
	reg, err := NewRegistry(scope, detail)
	require.NoError(t, err)

	assert.Equal(t, []string{"Detail", "Scope"}, reg.Names())
	assert.Equal(t, []string{"Scope"}, reg.ByTier(TierScope))
	assert.Error(t, reg.Register(Func{ToolName: "Scope"}))

	_, ok := reg.Get("missing")
	assert.False(t, ok)
}

func TestParseTier(t *testing.T) {
	tier, err := ParseTier("Candidate")
	require.NoError(t, err)
	assert.Equal(t, TierCandidate, tier)

	_, err = ParseTier("tier-9")
	assert.Error(t, err)
}

func TestHTTPToolCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req httpToolRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Search", req.Tool)
		assert.Equal(t, "s-1", req.Context.SessionID)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"answer":         "ok " + req.Input,
			"confidence":     4,
			"discovered_ids": []string{"a", "b"},
		})
	}))
	defer srv.Close()

	tool, err := NewHTTPTool("Search", TierCandidate, "search", srv.URL, 0)
	require.NoError(t, err)
	tool.Client = srv.Client()

	res, err := tool.Call(context.Background(), "q", Context{SessionID: "s-1"})
	require.NoError(t, err)
	assert.Equal(t, "ok q", res.AnswerText())
	assert.Equal(t, []string{"a", "b"}, res.DiscoveredIDs)
}

func TestHTTPToolStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	tool, err := NewHTTPTool("Search", TierCandidate, "", srv.URL, 0)
	require.NoError(t, err)
	_, err = tool.Call(context.Background(), "q", Context{})
	assert.Error(t, err)
}
