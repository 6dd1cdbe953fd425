// Package reasoning turns one turn of free-text model output into a
// structured decision: invoke a named tool, or finish with an answer.
//
// Output in the canonical Thought / Action / Action Input / Final Answer
// layout is parsed directly. Common formatting deviations are handled by an
// ordered list of named repair rules; each recovered decision records the
// rule that produced it. Text that no rule accepts yields a PARSE_ERROR and
// never an invented action.
package reasoning
