package prompts

import "fmt"

// NoToolCallsNudge is appended as a user message when the model answers
// with text and no tool calls. The loop only acts through tools.
const NoToolCallsNudge = "You must use tools to take actions. " +
	"Use mailbox_list to see your queue, mailbox_pick to start an event, " +
	"mailbox_done when finished, or mailbox_wait if idle. " +
	"Do not output text without tool calls."

// SeedEventContent is the content of the system event enqueued at
// startup so the loop has something to pick.
const SeedEventContent = "System started. You are now active. Call mailbox_list to see your queue."

// SeedEventMaxToolCalls is the budget of the startup event.
const SeedEventMaxToolCalls = 5

// LoopError is the user message that reports a failed iteration back to
// the model.
func LoopError(err error) string {
	return fmt.Sprintf("[System Error] An error occurred: %v. Please continue.", err)
}

// BudgetExceeded is the synthetic tool result returned instead of
// running a tool once the current event's budget is spent.
func BudgetExceeded(count, budget int) string {
	return fmt.Sprintf("BUDGET EXCEEDED: %d/%d tool calls used. You MUST call mailbox_done now.", count, budget)
}
