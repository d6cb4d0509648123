package tools

import "errors"

// Sentinel errors for the registry's failure taxonomy. All of them are
// reported back to the model as tool-result error content; none terminate
// the conversation.
var (
	// ErrUnknownTool means no registered provider declares the tool.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrDuplicateTool means two providers declared the same tool name.
	ErrDuplicateTool = errors.New("duplicate tool")

	// ErrInvalidArgs means the call arguments failed schema validation.
	ErrInvalidArgs = errors.New("invalid arguments")
)
