// Package prompts contains the prompt text nakari sends to models.
//
// Prompt text is Go code rather than config files because it is program logic:
// the loop and the tools depend on its exact wording, and tests pin it.
// User-supplied persona text lives in a file named by config and is appended
// to the system prompt by SystemPrompt.
//
// Convention: each prompt category gets its own file with an exported
// constant for fixed text or a function that accepts the dynamic parts.
package prompts
