package prompts

import "fmt"

// CompactionSystem instructs the model that writes the summary used by
// active context compression.
const CompactionSystem = "You are a context compression assistant. " +
	"Summarize the following conversation context according to the instructions provided. " +
	"Preserve key information, decisions, and any ongoing task state."

// CompactionRequest returns the user message carrying the caller's
// instructions and the transcript text to summarize.
func CompactionRequest(instructions, context string) string {
	return fmt.Sprintf("Instructions: %s\n\n---\nContext to compress:\n%s", instructions, context)
}
