// Package tools defines the uniform contract between the orchestration layer
// and concrete tools (SQL generation, document retrieval, web search, ...).
// Tools are resolved by name through a Registry and always answer with a
// structured Result.
package tools
