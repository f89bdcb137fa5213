// Package stream translates the Claude Code NDJSON event stream into the
// UI message-stream chunk protocol the web client renders incrementally.
package stream

import "encoding/json"

// ChunkType discriminates normalized output chunks.
type ChunkType string

const (
	ChunkStart      ChunkType = "start"
	ChunkStartStep  ChunkType = "start-step"
	ChunkFinishStep ChunkType = "finish-step"

	ChunkTextStart ChunkType = "text-start"
	ChunkTextDelta ChunkType = "text-delta"
	ChunkTextEnd   ChunkType = "text-end"

	ChunkReasoningStart ChunkType = "reasoning-start"
	ChunkReasoningDelta ChunkType = "reasoning-delta"
	ChunkReasoningEnd   ChunkType = "reasoning-end"

	ChunkToolInputStart      ChunkType = "tool-input-start"
	ChunkToolInputDelta      ChunkType = "tool-input-delta"
	ChunkToolInputAvailable  ChunkType = "tool-input-available"
	ChunkToolOutputAvailable ChunkType = "tool-output-available"
	ChunkToolOutputError     ChunkType = "tool-output-error"

	ChunkFinish ChunkType = "finish"
	ChunkError  ChunkType = "error"
)

// FinishReason classifies how a turn ended.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishToolCalls FinishReason = "tool-calls"
	FinishError     FinishReason = "error"
	FinishOther     FinishReason = "other"
)

// Chunk is one normalized output event. Chunks are immutable once produced;
// only the fields relevant to Type are populated.
type Chunk struct {
	Type ChunkType `json:"type"`

	// start
	MessageID string `json:"messageId,omitempty"`

	// text/reasoning block events
	ID    string `json:"id,omitempty"`
	Delta string `json:"delta,omitempty"`

	// tool events
	ToolCallID     string          `json:"toolCallId,omitempty"`
	ToolName       string          `json:"toolName,omitempty"`
	InputTextDelta string          `json:"inputTextDelta,omitempty"`
	Input          json.RawMessage `json:"input,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`

	// error / finish
	ErrorText    string       `json:"errorText,omitempty"`
	FinishReason FinishReason `json:"finishReason,omitempty"`
}

// MapStopReason maps an upstream stop reason onto the chunk vocabulary.
func MapStopReason(stopReason string) FinishReason {
	switch stopReason {
	case "end_turn", "stop_sequence":
		return FinishStop
	case "max_tokens":
		return FinishLength
	case "tool_use":
		return FinishToolCalls
	case "":
		return FinishStop
	default:
		return FinishOther
	}
}
