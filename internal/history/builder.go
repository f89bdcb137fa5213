package history

import (
	"agentd/internal/stream"
)

// Builder folds a live chunk stream into the same consolidated Message shape
// Reconstruct produces from disk, so the live overlay and a later cold read
// agree on structure. One Builder serves one turn.
type Builder struct {
	msg  Message
	open int // index of the open text/reasoning part, -1 when none
}

// NewBuilder creates a builder for the assistant message of one turn.
func NewBuilder() *Builder {
	return &Builder{
		msg:  Message{Role: "assistant"},
		open: -1,
	}
}

// Apply folds one chunk into the message under construction. Reports whether
// the message changed, so callers can skip redundant overlay writes.
func (b *Builder) Apply(chunk stream.Chunk) bool {
	switch chunk.Type {
	case stream.ChunkStart:
		b.msg.ID = chunk.MessageID
		return true

	case stream.ChunkStartStep:
		b.msg.Parts = append(b.msg.Parts, Part{Type: PartStepStart})
		return true

	case stream.ChunkTextStart:
		b.open = len(b.msg.Parts)
		b.msg.Parts = append(b.msg.Parts, Part{Type: PartText})
		return true
	case stream.ChunkReasoningStart:
		b.open = len(b.msg.Parts)
		b.msg.Parts = append(b.msg.Parts, Part{Type: PartReasoning})
		return true

	case stream.ChunkTextDelta, stream.ChunkReasoningDelta:
		if b.open < 0 {
			return false
		}
		b.msg.Parts[b.open].Text += chunk.Delta
		return true

	case stream.ChunkTextEnd, stream.ChunkReasoningEnd:
		b.open = -1
		return false

	case stream.ChunkToolInputStart:
		if b.msg.ToolPart(chunk.ToolCallID) != nil {
			return false
		}
		b.msg.Parts = append(b.msg.Parts, Part{
			Type:       PartTool,
			ToolCallID: chunk.ToolCallID,
			ToolName:   chunk.ToolName,
			State:      ToolInputStreaming,
		})
		return true

	case stream.ChunkToolInputAvailable:
		part := b.toolPart(chunk)
		part.State = ToolInputAvailable
		part.Input = chunk.Input
		return true

	case stream.ChunkToolOutputAvailable:
		part := b.toolPart(chunk)
		part.State = ToolOutputAvailable
		part.Output = chunk.Output
		return true

	case stream.ChunkToolOutputError:
		part := b.toolPart(chunk)
		part.State = ToolOutputError
		part.ErrorText = chunk.ErrorText
		return true
	}
	return false
}

// toolPart finds the part for a tool chunk, creating it when the lifecycle
// skipped tool-input-start.
func (b *Builder) toolPart(chunk stream.Chunk) *Part {
	if part := b.msg.ToolPart(chunk.ToolCallID); part != nil {
		if chunk.ToolName != "" {
			part.ToolName = chunk.ToolName
		}
		return part
	}
	b.msg.Parts = append(b.msg.Parts, Part{
		Type:       PartTool,
		ToolCallID: chunk.ToolCallID,
		ToolName:   chunk.ToolName,
	})
	return &b.msg.Parts[len(b.msg.Parts)-1]
}

// Message returns a copy of the message built so far.
func (b *Builder) Message() Message {
	out := b.msg
	out.Parts = make([]Part, len(b.msg.Parts))
	copy(out.Parts, b.msg.Parts)
	return out
}
