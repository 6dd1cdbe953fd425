// Package pipeline runs one conversational turn through
// Guardrail → Plan → Confirm → Execute → Synthesize.
//
// Every collaborator (guardrail, planner, reply classifier, synthesizer and
// the user channel) is injected, so the controller itself holds no model or
// transport logic. Each terminal path of a turn carries a distinct Outcome.
package pipeline
