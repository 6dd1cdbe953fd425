// Package llm defines the provider-neutral model client used by the planner,
// guardrail, classifier, synthesizer and reasoning loop. Concrete providers
// live in subpackages.
package llm
