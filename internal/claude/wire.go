// Package claude defines the wire formats consumed from the Claude Code CLI:
// the NDJSON stream emitted with --output-format stream-json, and the
// append-only session log the CLI writes under ~/.claude/projects.
package claude

import "encoding/json"

// MessageType discriminates top-level NDJSON records on the CLI stdout stream.
type MessageType string

const (
	TypeSystem      MessageType = "system"
	TypeAssistant   MessageType = "assistant"
	TypeUser        MessageType = "user"
	TypeResult      MessageType = "result"
	TypeStreamEvent MessageType = "stream_event"
)

// Result subtypes.
const (
	ResultSubtypeSuccess = "success"
	ResultSubtypeError   = "error_during_execution"
	ResultSubtypeMaxTurn = "error_max_turns"
)

// StreamMessage is one decoded NDJSON record from the CLI stdout stream.
// Exactly one of the payload fields is populated, keyed by Type.
type StreamMessage struct {
	Type      MessageType `json:"type"`
	Subtype   string      `json:"subtype,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	UUID      string      `json:"uuid,omitempty"`

	// Assistant and user records carry a nested message.
	Message json.RawMessage `json:"message,omitempty"`

	// ParentToolUseID is set for subagent traffic; such records are skipped.
	ParentToolUseID *string `json:"parent_tool_use_id,omitempty"`

	// Stream event payload (partial deltas).
	Event json.RawMessage `json:"event,omitempty"`

	// Result fields.
	IsError    bool    `json:"is_error,omitempty"`
	Result     string  `json:"result,omitempty"`
	StopReason *string `json:"stop_reason,omitempty"`
	NumTurns   int     `json:"num_turns,omitempty"`
	Usage      *Usage  `json:"usage,omitempty"`

	// System init fields.
	CWD   string `json:"cwd,omitempty"`
	Model string `json:"model,omitempty"`
}

// ParseStreamMessage decodes a single NDJSON line. Unknown record types decode
// fine and are handled as no-ops downstream.
func ParseStreamMessage(line []byte) (*StreamMessage, error) {
	var msg StreamMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// AssistantMessage is the nested message object of an assistant record.
type AssistantMessage struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   *string        `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// UserMessage is the nested message object of a user record. Content is
// either a plain string or an array of content blocks (tool results).
type UserMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// Text returns the plain-string content, or "" when content is block-shaped.
func (m *UserMessage) Text() string {
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	return ""
}

// Blocks returns the block-shaped content, or nil when content is a string.
func (m *UserMessage) Blocks() []ContentBlock {
	var blocks []ContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil
	}
	return blocks
}

// Content block types shared by the stream and the session log.
const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// ContentBlock is one element of a message content array.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking
	Thinking string `json:"thinking,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ResultText flattens a tool_result content payload to display text. The
// payload is either a string or an array of text blocks.
func (b *ContentBlock) ResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(b.Content, &blocks); err == nil {
		out := ""
		for _, inner := range blocks {
			if inner.Type == BlockText {
				out += inner.Text
			}
		}
		return out
	}
	return string(b.Content)
}

// Usage carries token accounting from assistant and result records.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// Stream event types nested inside a stream_event record. These mirror the
// Anthropic streaming API event vocabulary.
const (
	EventMessageStart      = "message_start"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
)

// StreamEvent is the decoded payload of a stream_event record.
type StreamEvent struct {
	Type         string        `json:"type"`
	Index        int           `json:"index,omitempty"`
	ContentBlock *ContentBlock `json:"content_block,omitempty"`
	Delta        *EventDelta   `json:"delta,omitempty"`
}

// EventDelta is the delta payload of content_block_delta and message_delta.
type EventDelta struct {
	Type        string  `json:"type,omitempty"`
	Text        string  `json:"text,omitempty"`
	Thinking    string  `json:"thinking,omitempty"`
	PartialJSON string  `json:"partial_json,omitempty"`
	StopReason  *string `json:"stop_reason,omitempty"`
}

// DecodeEvent unwraps the nested stream event of a stream_event record.
func (m *StreamMessage) DecodeEvent() (*StreamEvent, error) {
	var ev StreamEvent
	if err := json.Unmarshal(m.Event, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// DecodeAssistant unwraps the nested assistant message.
func (m *StreamMessage) DecodeAssistant() (*AssistantMessage, error) {
	var am AssistantMessage
	if err := json.Unmarshal(m.Message, &am); err != nil {
		return nil, err
	}
	return &am, nil
}

// DecodeUser unwraps the nested user message.
func (m *StreamMessage) DecodeUser() (*UserMessage, error) {
	var um UserMessage
	if err := json.Unmarshal(m.Message, &um); err != nil {
		return nil, err
	}
	return &um, nil
}
