package reasoning

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "QueryPilot/internal/errors"
)

func TestParseCanonicalToolInvocation(t *testing.T) {
	out := "Thought: need the scope first\nAction: CategoryFinder\nAction Input: \"revenue 2023\"\n"
	d, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, KindToolInvocation, d.Kind)
	assert.Equal(t, "CategoryFinder", d.Tool)
	assert.Equal(t, "revenue 2023", d.Input)
	assert.Equal(t, "need the scope first", d.Thought)
	assert.False(t, d.Recovered)
}

func TestParseFinalAnswerTakesPrecedence(t *testing.T) {
	cases := []string{
		"Thought: done\nAction: DocumentSearch\nAction Input: q\nFinal Answer: 42 units",
		"Final Answer: 42 units\nAction: DocumentSearch\nAction Input: q",
		"final answer:   42 units  \n",
		"**Final Answer:** 42 units",
	}
	for _, c := range cases {
		d, err := Parse(c)
		require.NoError(t, err, c)
		assert.Equal(t, KindFinalAnswer, d.Kind, c)
		assert.Equal(t, "42 units", d.Answer, c)
	}
}

func TestParseEmptyFinalAnswerFallsThrough(t *testing.T) {
	d, err := Parse("Final Answer:\nAction: DocumentSearch\nAction Input: pricing")
	require.NoError(t, err)
	assert.Equal(t, KindToolInvocation, d.Kind)
	assert.Equal(t, "DocumentSearch", d.Tool)
}

func TestParseMixedCaseAndMultilineInput(t *testing.T) {
	out := "THOUGHT: look closer\naction: DocumentAnalyzer\nACTION INPUT: doc-1\ndoc-2\n\nObservation: previous output"
	d, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, "DocumentAnalyzer", d.Tool)
	assert.Equal(t, "doc-1\ndoc-2", d.Input)
	assert.NotContains(t, d.Input, "Observation")
}

func TestParseMissingActionInputRule(t *testing.T) {
	out := "Thought: search\nAction: DocumentSearch\nquarterly revenue\nObservation: ignored"
	d, err := Parse(out)
	require.NoError(t, err)
	assert.True(t, d.Recovered)
	assert.Equal(t, RuleMissingActionInput, d.Rule)
	assert.Equal(t, "DocumentSearch", d.Tool)
	assert.Equal(t, "quarterly revenue", d.Input)

	d, err = Parse("Action: search\nrevenue 2023 Observation: cached")
	require.NoError(t, err)
	assert.Equal(t, RuleMissingActionInput, d.Rule)
	assert.Equal(t, "search", d.Tool)
	assert.Equal(t, "revenue 2023", d.Input)
}

func TestParseInlineFinalAnswer(t *testing.T) {
	cases := map[string]string{
		"Thought: I now know the answer. Final Answer: revenue grew 12%": "revenue grew 12%",
		"Thought: checked both sources final answer: 42 units":           "42 units",
		"Thought: done! **Final Answer:** 42 units":                      "42 units",
	}
	for out, want := range cases {
		d, err := Parse(out)
		require.NoError(t, err, out)
		assert.Equal(t, KindFinalAnswer, d.Kind, out)
		assert.Equal(t, want, d.Answer, out)
		assert.NotContains(t, d.Thought, "nswer:", out)
	}
}

func TestParseCallExpressionRule(t *testing.T) {
	d, err := Parse("Action: DocumentSearch(\"churn by region\")")
	require.NoError(t, err)
	assert.True(t, d.Recovered)
	assert.Equal(t, RuleCallExpression, d.Rule)
	assert.Equal(t, "DocumentSearch", d.Tool)
	assert.Equal(t, "churn by region", d.Input)
}

func TestParseThoughtOnlyFails(t *testing.T) {
	_, err := Parse("Thought: I should think more about this")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeParseError, xerrors.CodeOf(err))
	coded, ok := xerrors.From(err)
	require.True(t, ok)
	assert.Equal(t, string(RuleThoughtOnly), coded.Meta(MetaReason))
	assert.Contains(t, coded.Meta(MetaExcerpt), "think more")
}

func TestParseNeverInventsAction(t *testing.T) {
	inputs := []string{
		"",
		"just some prose without labels",
		"Action: DocumentSearch\nAction Input:   \n",
		"Action:\nAction Input: something",
	}
	for _, in := range inputs {
		d, err := Parse(in)
		assert.Nil(t, d, in)
		assert.True(t, xerrors.HasCode(err, xerrors.CodeParseError), in)
	}
}

func TestParseErrorExcerptTruncated(t *testing.T) {
	long := strings.Repeat("x", 1000)
	_, err := Parse(long)
	coded, ok := xerrors.From(err)
	require.True(t, ok)
	assert.LessOrEqual(t, len([]rune(coded.Meta(MetaExcerpt))), excerptLimit+3)
}

func TestStripValueIdempotent(t *testing.T) {
	values := []string{
		"  plain  ",
		"\"quoted\"",
		"'single'",
		"\n\"\"nested\"\"\n",
		"```json\n{\"a\":1}\n```",
		"`tick`",
		"\"unbalanced",
		"",
	}
	for _, v := range values {
		once := StripValue(v)
		assert.Equal(t, once, StripValue(once), v)
	}
	assert.Equal(t, "nested", StripValue("\n\"\"nested\"\"\n"))
	assert.Equal(t, "{\"a\":1}", StripValue("```json\n{\"a\":1}\n```"))
}

func TestRepairRulesOrder(t *testing.T) {
	assert.Equal(t, []RuleName{RuleMissingActionInput, RuleCallExpression, RuleThoughtOnly}, RepairRules())
}
