// Package history reconstructs logical conversations from the Claude Code
// session log, independent of any live stream.
package history

import (
	"encoding/json"
	"fmt"
)

// PartType discriminates message parts.
type PartType string

const (
	PartText      PartType = "text"
	PartReasoning PartType = "reasoning"
	PartStepStart PartType = "step-start"
	PartTool      PartType = "tool"
)

// Tool part states, matching the live stream's terminal chunk for the call.
const (
	ToolInputStreaming  = "input-streaming"
	ToolInputAvailable  = "input-available"
	ToolOutputAvailable = "output-available"
	ToolOutputError     = "output-error"
)

// Part is one ordered element of a logical message.
type Part struct {
	Type PartType
	Text string

	// Tool call fields, populated when Type == PartTool.
	ToolCallID string
	ToolName   string
	State      string
	Input      json.RawMessage
	Output     json.RawMessage
	ErrorText  string
}

// Message is the client-facing consolidated representation of one user
// prompt or one full assistant turn. An assistant Message may fold several
// on-disk records from a single agentic turn.
type Message struct {
	ID    string
	Role  string
	Parts []Part
}

// MarshalJSON renders the UI message shape the web client consumes:
// {id, role, parts:[...]} with tool parts typed "tool-<name>".
func (m Message) MarshalJSON() ([]byte, error) {
	parts := make([]map[string]any, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case PartText:
			parts = append(parts, map[string]any{"type": "text", "text": p.Text})
		case PartReasoning:
			parts = append(parts, map[string]any{"type": "reasoning", "text": p.Text})
		case PartStepStart:
			parts = append(parts, map[string]any{"type": "step-start"})
		case PartTool:
			part := map[string]any{
				"type":       fmt.Sprintf("tool-%s", p.ToolName),
				"toolCallId": p.ToolCallID,
				"state":      p.State,
			}
			if len(p.Input) > 0 {
				part["input"] = json.RawMessage(p.Input)
			}
			if len(p.Output) > 0 {
				part["output"] = json.RawMessage(p.Output)
			}
			if p.ErrorText != "" {
				part["errorText"] = p.ErrorText
			}
			parts = append(parts, part)
		}
	}
	return json.Marshal(map[string]any{
		"id":    m.ID,
		"role":  m.Role,
		"parts": parts,
	})
}

// ToolPart returns the message's tool part with the given call id, if any.
func (m *Message) ToolPart(callID string) *Part {
	for i := range m.Parts {
		if m.Parts[i].Type == PartTool && m.Parts[i].ToolCallID == callID {
			return &m.Parts[i]
		}
	}
	return nil
}
