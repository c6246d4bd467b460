// Package llm defines the provider-neutral model contract used by the agent
// loop: a transcript of user/assistant turns with tool calls and tool results,
// the tool catalog, and a response carrying text, tool calls, the stop reason
// and token usage. Provider adapters live in the anthropic and openai
// subpackages.
package llm
