package stream

import (
	"log"

	"agentd/internal/claude"
)

// Translate maps one upstream record to zero or more normalized chunks,
// mutating the turn state. It performs no I/O and never fails: malformed or
// unknown records are skipped with a diagnostic.
func (s *State) Translate(msg *claude.StreamMessage) []Chunk {
	if msg == nil {
		return nil
	}
	switch msg.Type {
	case claude.TypeStreamEvent:
		ev, err := msg.DecodeEvent()
		if err != nil {
			log.Printf("translate: skipping malformed stream event: %v", err)
			return nil
		}
		return s.handleStreamEvent(ev)
	case claude.TypeAssistant:
		if msg.ParentToolUseID != nil {
			// Subagent traffic renders inside the parent tool call.
			return nil
		}
		am, err := msg.DecodeAssistant()
		if err != nil {
			log.Printf("translate: skipping malformed assistant record: %v", err)
			return nil
		}
		return s.handleAssistant(am)
	case claude.TypeUser:
		if msg.ParentToolUseID != nil {
			return nil
		}
		um, err := msg.DecodeUser()
		if err != nil {
			log.Printf("translate: skipping malformed user record: %v", err)
			return nil
		}
		return s.handleToolResults(um)
	case claude.TypeResult:
		return s.handleResult(msg)
	default:
		// system/init and anything newer are no-ops here.
		return nil
	}
}

// startTurn emits the message-start for the first step, or a step boundary
// for later ones. The deferred finish-step from the previous step flushes
// first so step chunks nest correctly.
func (s *State) startTurn() []Chunk {
	if !s.started {
		s.started = true
		return []Chunk{{Type: ChunkStart, MessageID: s.messageID}}
	}
	chunks := s.flushPendingStep()
	s.resetStep()
	return append(chunks, Chunk{Type: ChunkStartStep})
}

func (s *State) flushPendingStep() []Chunk {
	if s.pending != pendingFinishStep {
		return nil
	}
	s.pending = pendingNone
	return []Chunk{{Type: ChunkFinishStep}}
}

// closeOpenBlocks ends whichever text or reasoning block is open. At most one
// is open at any time.
func (s *State) closeOpenBlocks() []Chunk {
	var chunks []Chunk
	if s.textBlockID != "" {
		chunks = append(chunks, Chunk{Type: ChunkTextEnd, ID: s.textBlockID})
		s.textBlockID = ""
	}
	if s.reasoningBlockID != "" {
		chunks = append(chunks, Chunk{Type: ChunkReasoningEnd, ID: s.reasoningBlockID})
		s.reasoningBlockID = ""
	}
	return chunks
}

// ensureText opens a text block if none is open, closing an open reasoning
// block first. Switching content kinds always mints a fresh id so the live
// stream and the disk reconstruction (which only ever sees complete blocks)
// agree on block structure.
func (s *State) ensureText() []Chunk {
	if s.textBlockID != "" {
		return nil
	}
	var chunks []Chunk
	if s.reasoningBlockID != "" {
		chunks = append(chunks, Chunk{Type: ChunkReasoningEnd, ID: s.reasoningBlockID})
		s.reasoningBlockID = ""
	}
	s.textBlockID = s.nextTextID()
	return append(chunks, Chunk{Type: ChunkTextStart, ID: s.textBlockID})
}

func (s *State) ensureReasoning() []Chunk {
	if s.reasoningBlockID != "" {
		return nil
	}
	var chunks []Chunk
	if s.textBlockID != "" {
		chunks = append(chunks, Chunk{Type: ChunkTextEnd, ID: s.textBlockID})
		s.textBlockID = ""
	}
	s.reasoningBlockID = s.nextReasoningID()
	return append(chunks, Chunk{Type: ChunkReasoningStart, ID: s.reasoningBlockID})
}

func (s *State) handleStreamEvent(ev *claude.StreamEvent) []Chunk {
	switch ev.Type {
	case claude.EventMessageStart:
		return s.startTurn()

	case claude.EventContentBlockStart:
		if ev.ContentBlock == nil {
			return nil
		}
		chunks := s.ensureStarted()
		switch ev.ContentBlock.Type {
		case claude.BlockText:
			return append(chunks, s.ensureText()...)
		case claude.BlockThinking:
			return append(chunks, s.ensureReasoning()...)
		case claude.BlockToolUse:
			return append(chunks, s.openToolBlock(ev.Index, ev.ContentBlock)...)
		}
		return chunks

	case claude.EventContentBlockDelta:
		if ev.Delta == nil {
			return nil
		}
		chunks := s.ensureStarted()
		switch ev.Delta.Type {
		case "text_delta":
			chunks = append(chunks, s.ensureText()...)
			s.textStreamed = true
			return append(chunks, Chunk{Type: ChunkTextDelta, ID: s.textBlockID, Delta: ev.Delta.Text})
		case "thinking_delta":
			chunks = append(chunks, s.ensureReasoning()...)
			s.reasoningStreamed = true
			return append(chunks, Chunk{Type: ChunkReasoningDelta, ID: s.reasoningBlockID, Delta: ev.Delta.Thinking})
		case "input_json_delta":
			id, ok := s.blockIndex[ev.Index]
			if !ok {
				return chunks
			}
			call := s.tool(id)
			call.partialJSON = append(call.partialJSON, ev.Delta.PartialJSON...)
			return append(chunks, Chunk{Type: ChunkToolInputDelta, ToolCallID: id, InputTextDelta: ev.Delta.PartialJSON})
		}
		return chunks

	case claude.EventContentBlockStop:
		if id, ok := s.blockIndex[ev.Index]; ok {
			call := s.tool(id)
			if call == nil || call.inputSent {
				return nil
			}
			return []Chunk{s.emitInputAvailable(id, call)}
		}
		return s.closeOpenBlocks()

	case claude.EventMessageDelta:
		if ev.Delta != nil && ev.Delta.StopReason != nil {
			s.stopReason = MapStopReason(*ev.Delta.StopReason)
		}
		return nil

	case claude.EventMessageStop:
		// Step end. Defer finish-step: the tool-result that completes this
		// step's last call arrives after the stop signal.
		chunks := s.closeOpenBlocks()
		s.pending = pendingFinishStep
		return chunks
	}
	return nil
}

func (s *State) ensureStarted() []Chunk {
	if s.started {
		return nil
	}
	return s.startTurn()
}

// openToolBlock registers the first observation of a tool call and reports
// it to the client. A repeated start for a known call emits nothing.
func (s *State) openToolBlock(index int, block *claude.ContentBlock) []Chunk {
	s.blockIndex[index] = block.ID
	if !s.observeTool(block.ID, block.Name, nil) {
		return nil
	}
	chunks := s.closeOpenBlocks()
	return append(chunks, Chunk{Type: ChunkToolInputStart, ToolCallID: block.ID, ToolName: block.Name})
}

func (s *State) emitInputAvailable(id string, call *toolCall) Chunk {
	if call.phase == ToolPending {
		call.phase = ToolInProgress
	}
	call.inputSent = true
	return Chunk{
		Type:       ChunkToolInputAvailable,
		ToolCallID: id,
		ToolName:   call.name,
		Input:      call.toolInput(),
	}
}

// handleAssistant folds a complete step snapshot into the stream. Snapshots
// duplicate content already delivered as deltas, so streamed block kinds are
// skipped; in non-streaming sessions the snapshot is the only source.
func (s *State) handleAssistant(am *claude.AssistantMessage) []Chunk {
	// Records sharing the current step's API message id (per-block records,
	// the post-stop snapshot) fold into the step; the id is unknown until the
	// first identified record, which adopts it.
	sameStep := s.stepMsgID == "" || am.ID == s.stepMsgID

	var chunks []Chunk
	if !s.started {
		chunks = append(chunks, s.startTurn()...)
	} else if !sameStep {
		// A new id means the previous step ended, with or without a
		// message_start for this one.
		chunks = append(chunks, s.flushPendingStep()...)
		s.resetStep()
		chunks = append(chunks, Chunk{Type: ChunkStartStep})
	}
	if am.ID != "" {
		s.stepMsgID = am.ID
	}

	for _, block := range am.Content {
		switch block.Type {
		case claude.BlockText:
			if s.textStreamed {
				continue
			}
			chunks = append(chunks, s.ensureText()...)
			if block.Text != "" {
				chunks = append(chunks, Chunk{Type: ChunkTextDelta, ID: s.textBlockID, Delta: block.Text})
			}
			chunks = append(chunks, Chunk{Type: ChunkTextEnd, ID: s.textBlockID})
			s.textBlockID = ""
		case claude.BlockThinking:
			if s.reasoningStreamed {
				continue
			}
			chunks = append(chunks, s.ensureReasoning()...)
			if block.Thinking != "" {
				chunks = append(chunks, Chunk{Type: ChunkReasoningDelta, ID: s.reasoningBlockID, Delta: block.Thinking})
			}
			chunks = append(chunks, Chunk{Type: ChunkReasoningEnd, ID: s.reasoningBlockID})
			s.reasoningBlockID = ""
		case claude.BlockToolUse:
			if s.observeTool(block.ID, block.Name, block.Input) {
				chunks = append(chunks, s.closeOpenBlocks()...)
				chunks = append(chunks, Chunk{Type: ChunkToolInputStart, ToolCallID: block.ID, ToolName: block.Name})
			}
			// Input stays accumulated until the call's status advances.
		}
	}

	if am.StopReason != nil {
		s.stopReason = MapStopReason(*am.StopReason)
	}
	chunks = append(chunks, s.closeOpenBlocks()...)
	s.pending = pendingFinishStep
	return chunks
}

// handleToolResults consumes the side-channel user record carrying tool
// results. It flushes the deferred step boundary first so results land in
// the step that issued the call.
func (s *State) handleToolResults(um *claude.UserMessage) []Chunk {
	blocks := um.Blocks()
	if len(blocks) == 0 {
		return nil
	}

	var chunks []Chunk
	flushed := false
	for _, block := range blocks {
		if block.Type != claude.BlockToolResult {
			continue
		}
		call := s.tool(block.ToolUseID)
		if call == nil {
			log.Printf("translate: tool result for unknown call %q ignored", block.ToolUseID)
			continue
		}
		if call.phase.terminal() {
			// Already reported; duplicate results are idempotent.
			continue
		}
		if !flushed {
			chunks = append(chunks, s.flushPendingStep()...)
			flushed = true
		}
		if !call.inputSent {
			// The call never reached in-progress; synthesize the input chunk
			// so output ordering invariants hold.
			chunks = append(chunks, s.emitInputAvailable(block.ToolUseID, call))
		}
		if block.IsError {
			call.phase = ToolErrored
			chunks = append(chunks, Chunk{
				Type:       ChunkToolOutputError,
				ToolCallID: block.ToolUseID,
				ErrorText:  block.ResultText(),
			})
		} else {
			call.phase = ToolCompleted
			chunks = append(chunks, Chunk{
				Type:       ChunkToolOutputAvailable,
				ToolCallID: block.ToolUseID,
				Output:     block.Content,
			})
		}
	}
	return chunks
}

// handleResult ends the turn: flush the deferred step boundary, force-close
// any dangling block, then report the terminal outcome.
func (s *State) handleResult(msg *claude.StreamMessage) []Chunk {
	var chunks []Chunk
	if !s.started {
		// A turn that produced nothing still yields a well-formed envelope.
		chunks = append(chunks, s.startTurn()...)
	}
	chunks = append(chunks, s.flushPendingStep()...)
	chunks = append(chunks, s.closeOpenBlocks()...)

	if msg.IsError {
		errText := msg.Result
		if errText == "" {
			errText = "completion failed"
		}
		chunks = append(chunks, Chunk{Type: ChunkError, ErrorText: errText})
		return append(chunks, Chunk{Type: ChunkFinish, FinishReason: FinishError})
	}
	return append(chunks, Chunk{Type: ChunkFinish, FinishReason: mapResultFinish(msg, s.stopReason)})
}
