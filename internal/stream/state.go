package stream

import (
	"fmt"

	"agentd/internal/claude"
)

// ToolPhase enumerates the lifecycle of one tool call within a turn.
type ToolPhase int

const (
	// ToolPending: invocation observed, input not yet reported to the client.
	ToolPending ToolPhase = iota
	// ToolInProgress: tool-input-available emitted, awaiting the result.
	ToolInProgress
	// ToolCompleted / ToolErrored: terminal, output chunk emitted.
	ToolCompleted
	ToolErrored
)

func (p ToolPhase) terminal() bool { return p == ToolCompleted || p == ToolErrored }

// toolCall tracks per-tool-call progress across a turn. Tool results arrive
// on a side channel after the step that issued the call has ended, so entries
// outlive the step, never the turn.
type toolCall struct {
	name        string
	phase       ToolPhase
	inputSent   bool
	input       []byte // last known complete input
	partialJSON []byte // accumulated input_json_delta fragments
	title       string
}

// pendingAction is the one-slot deferred action gated on the next relevant
// event. Today the only deferred action is finish-step: the upstream process
// signals step-end before the side-channel tool-result that completes that
// step's last call, so emitting finish-step eagerly would orphan the result.
type pendingAction int

const (
	pendingNone pendingAction = iota
	pendingFinishStep
)

// State is the mutable translation state for one logical turn. It must not
// be shared between turns or goroutines.
type State struct {
	messageID string
	started   bool

	// Open block tracking, reset at each step boundary. At most one block
	// kind is open at a time.
	textBlockID      string
	reasoningBlockID string

	// stepMsgID is the API message id of the current step. The upstream
	// process emits one assistant record per content block, all sharing the
	// step's id, and with partial messages the step's complete snapshot
	// arrives after its message_stop; records carrying the current id fold
	// into the step instead of opening a new one.
	stepMsgID string

	// Id counters are monotonic for the whole turn so block ids stay unique
	// across steps.
	textCounter      int
	reasoningCounter int

	// Whether incremental deltas were observed in the current step; used to
	// dedupe the step's complete snapshot against already-streamed content.
	textStreamed      bool
	reasoningStreamed bool

	tools      map[string]*toolCall
	blockIndex map[int]string // stream-event block index -> tool call id

	pending    pendingAction
	stopReason FinishReason
}

// NewState creates translation state for a turn identified by messageID.
func NewState(messageID string) *State {
	return &State{
		messageID:  messageID,
		tools:      make(map[string]*toolCall),
		blockIndex: make(map[int]string),
		stopReason: FinishStop,
	}
}

// MessageID returns the turn's stable message id.
func (s *State) MessageID() string { return s.messageID }

func (s *State) nextTextID() string {
	id := fmt.Sprintf("text-%s-%d", s.messageID, s.textCounter)
	s.textCounter++
	return id
}

func (s *State) nextReasoningID() string {
	id := fmt.Sprintf("reasoning-%s-%d", s.messageID, s.reasoningCounter)
	s.reasoningCounter++
	return id
}

func (s *State) resetStep() {
	s.textBlockID = ""
	s.reasoningBlockID = ""
	s.stepMsgID = ""
	s.textStreamed = false
	s.reasoningStreamed = false
	clear(s.blockIndex)
}

func (s *State) tool(id string) *toolCall { return s.tools[id] }

func (s *State) observeTool(id, name string, input []byte) (created bool) {
	if _, ok := s.tools[id]; ok {
		if len(input) > 0 {
			s.tools[id].input = input
		}
		return false
	}
	s.tools[id] = &toolCall{
		name:  name,
		phase: ToolPending,
		input: input,
		title: name,
	}
	return true
}

// toolInput returns the best known input for a call: the accumulated partial
// JSON if any was streamed, the last snapshot input otherwise, and an empty
// object as a final fallback so the client always gets valid JSON.
func (c *toolCall) toolInput() []byte {
	if len(c.partialJSON) > 0 {
		return c.partialJSON
	}
	if len(c.input) > 0 {
		return c.input
	}
	return []byte("{}")
}

// mapResultFinish folds a terminal result record into a finish reason.
func mapResultFinish(msg *claude.StreamMessage, fallback FinishReason) FinishReason {
	if msg.IsError {
		return FinishError
	}
	if msg.StopReason != nil {
		return MapStopReason(*msg.StopReason)
	}
	if fallback != "" {
		return fallback
	}
	return FinishStop
}
