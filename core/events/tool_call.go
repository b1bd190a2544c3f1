package events

const KindToolResult Kind = "extension.middle_tier_tool_response"

// ToolResult carries the output of a tool the middle tier executed. Payload
// is the tool's raw JSON text.
type ToolResult struct {
	Base
	ToolName       string
	PreviousItemID string
	Payload        string
}

func NewToolResult(toolName, previousItemID, payload string) ToolResult {
	return ToolResult{
		Base:           NewBase(KindToolResult),
		ToolName:       toolName,
		PreviousItemID: previousItemID,
		Payload:        payload,
	}
}
