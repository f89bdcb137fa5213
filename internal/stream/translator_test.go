package stream

import (
	"encoding/json"
	"fmt"
	"testing"

	"agentd/internal/claude"
)

func streamEvent(t *testing.T, event string) *claude.StreamMessage {
	t.Helper()
	return &claude.StreamMessage{
		Type:  claude.TypeStreamEvent,
		Event: json.RawMessage(event),
	}
}

func assistantRecord(t *testing.T, message string) *claude.StreamMessage {
	t.Helper()
	return &claude.StreamMessage{
		Type:    claude.TypeAssistant,
		Message: json.RawMessage(message),
	}
}

func userRecord(t *testing.T, message string) *claude.StreamMessage {
	t.Helper()
	return &claude.StreamMessage{
		Type:    claude.TypeUser,
		Message: json.RawMessage(message),
	}
}

func chunkTypes(chunks []Chunk) []ChunkType {
	types := make([]ChunkType, len(chunks))
	for i, c := range chunks {
		types[i] = c.Type
	}
	return types
}

func expectTypes(t *testing.T, chunks []Chunk, want ...ChunkType) {
	t.Helper()
	got := chunkTypes(chunks)
	if len(got) != len(want) {
		t.Fatalf("got chunk types %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("chunk %d: got %v, want %v (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestMapStopReason(t *testing.T) {
	tests := []struct {
		in   string
		want FinishReason
	}{
		{"end_turn", FinishStop},
		{"stop_sequence", FinishStop},
		{"max_tokens", FinishLength},
		{"tool_use", FinishToolCalls},
		{"", FinishStop},
		{"pause_turn", FinishOther},
		{"something_new", FinishOther},
	}
	for _, tt := range tests {
		if got := MapStopReason(tt.in); got != tt.want {
			t.Errorf("MapStopReason(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestStreamingTextTurn(t *testing.T) {
	s := NewState("msg_1")

	var chunks []Chunk
	chunks = append(chunks, s.Translate(streamEvent(t, `{"type":"message_start"}`))...)
	chunks = append(chunks, s.Translate(streamEvent(t, `{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`))...)
	chunks = append(chunks, s.Translate(streamEvent(t, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`))...)
	chunks = append(chunks, s.Translate(streamEvent(t, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`))...)
	chunks = append(chunks, s.Translate(streamEvent(t, `{"type":"content_block_stop","index":0}`))...)
	chunks = append(chunks, s.Translate(streamEvent(t, `{"type":"message_delta","delta":{"stop_reason":"end_turn"}}`))...)
	chunks = append(chunks, s.Translate(streamEvent(t, `{"type":"message_stop"}`))...)
	chunks = append(chunks, s.Translate(&claude.StreamMessage{Type: claude.TypeResult, Subtype: claude.ResultSubtypeSuccess})...)

	expectTypes(t, chunks,
		ChunkStart, ChunkTextStart, ChunkTextDelta, ChunkTextDelta, ChunkTextEnd,
		ChunkFinishStep, ChunkFinish)

	if chunks[0].MessageID != "msg_1" {
		t.Errorf("start message id = %q, want msg_1", chunks[0].MessageID)
	}
	if chunks[1].ID != "text-msg_1-0" {
		t.Errorf("text block id = %q, want text-msg_1-0", chunks[1].ID)
	}
	if chunks[2].Delta+chunks[3].Delta != "Hello" {
		t.Errorf("deltas = %q + %q, want Hello", chunks[2].Delta, chunks[3].Delta)
	}
	if last := chunks[len(chunks)-1]; last.FinishReason != FinishStop {
		t.Errorf("finish reason = %v, want stop", last.FinishReason)
	}
}

func TestSnapshotDedupesStreamedText(t *testing.T) {
	s := NewState("msg_1")

	s.Translate(streamEvent(t, `{"type":"message_start"}`))
	s.Translate(streamEvent(t, `{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`))
	s.Translate(streamEvent(t, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}`))

	chunks := s.Translate(assistantRecord(t, `{"id":"msg_api_1","role":"assistant","content":[{"type":"text","text":"Hi"}],"stop_reason":"end_turn"}`))
	for _, c := range chunks {
		if c.Type == ChunkTextDelta {
			t.Fatalf("snapshot re-emitted streamed text: %v", chunkTypes(chunks))
		}
	}
}

func TestSnapshotOnlyTurnWithTool(t *testing.T) {
	s := NewState("msg_1")

	first := s.Translate(assistantRecord(t, `{"id":"msg_api_1","role":"assistant","content":[{"type":"text","text":"looking"}],"stop_reason":"tool_use"}`))
	expectTypes(t, first, ChunkStart, ChunkTextStart, ChunkTextDelta, ChunkTextEnd)

	second := s.Translate(assistantRecord(t, `{"id":"msg_api_2","role":"assistant","content":[{"type":"tool_use","id":"toolu_1","name":"Read","input":{"file":"a.txt"}}],"stop_reason":"tool_use"}`))
	expectTypes(t, second, ChunkFinishStep, ChunkStartStep, ChunkToolInputStart)
	if second[2].ToolName != "Read" || second[2].ToolCallID != "toolu_1" {
		t.Errorf("tool-input-start = %+v", second[2])
	}

	// The result arrives on the side channel; the deferred finish-step must
	// flush before it and the input chunk is synthesized.
	results := s.Translate(userRecord(t, `{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_1","content":"contents"}]}`))
	expectTypes(t, results, ChunkFinishStep, ChunkToolInputAvailable, ChunkToolOutputAvailable)
	if string(results[1].Input) != `{"file":"a.txt"}` {
		t.Errorf("synthesized input = %s", results[1].Input)
	}
	if string(results[2].Output) != `"contents"` {
		t.Errorf("output = %s", results[2].Output)
	}

	done := s.Translate(&claude.StreamMessage{Type: claude.TypeResult, Subtype: claude.ResultSubtypeSuccess})
	expectTypes(t, done, ChunkFinish)
	if done[0].FinishReason != FinishToolCalls {
		t.Errorf("finish reason = %v, want tool-calls", done[0].FinishReason)
	}
}

func TestPerBlockRecordsShareOneStep(t *testing.T) {
	s := NewState("msg_1")

	// The CLI emits one assistant record per content block, all carrying the
	// same API message id; they belong to a single step.
	first := s.Translate(assistantRecord(t, `{"id":"msg_api_1","role":"assistant","content":[{"type":"text","text":"looking"}],"stop_reason":"tool_use"}`))
	expectTypes(t, first, ChunkStart, ChunkTextStart, ChunkTextDelta, ChunkTextEnd)

	second := s.Translate(assistantRecord(t, `{"id":"msg_api_1","role":"assistant","content":[{"type":"tool_use","id":"toolu_1","name":"Read","input":{"file":"a.txt"}}],"stop_reason":"tool_use"}`))
	expectTypes(t, second, ChunkToolInputStart)
}

func TestSnapshotAfterStopStaysInStep(t *testing.T) {
	s := NewState("msg_1")

	s.Translate(streamEvent(t, `{"type":"message_start"}`))
	s.Translate(streamEvent(t, `{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`))
	s.Translate(streamEvent(t, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`))
	s.Translate(streamEvent(t, `{"type":"content_block_stop","index":0}`))
	s.Translate(streamEvent(t, `{"type":"message_stop"}`))

	// The step's complete snapshot arrives after its message_stop; everything
	// in it was already streamed, so it must not open a phantom second step.
	snapshot := s.Translate(assistantRecord(t, `{"id":"msg_api_1","role":"assistant","content":[{"type":"text","text":"Hello"}],"stop_reason":"end_turn"}`))
	if len(snapshot) != 0 {
		t.Fatalf("post-stop snapshot produced chunks: %v", chunkTypes(snapshot))
	}

	done := s.Translate(&claude.StreamMessage{Type: claude.TypeResult, Subtype: claude.ResultSubtypeSuccess})
	expectTypes(t, done, ChunkFinishStep, ChunkFinish)
}

func TestStreamedToolInput(t *testing.T) {
	s := NewState("msg_1")

	s.Translate(streamEvent(t, `{"type":"message_start"}`))
	open := s.Translate(streamEvent(t, `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"Bash"}}`))
	expectTypes(t, open, ChunkToolInputStart)

	d1 := s.Translate(streamEvent(t, `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"cmd\":"}}`))
	d2 := s.Translate(streamEvent(t, `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"ls\"}"}}`))
	expectTypes(t, d1, ChunkToolInputDelta)
	expectTypes(t, d2, ChunkToolInputDelta)

	stop := s.Translate(streamEvent(t, `{"type":"content_block_stop","index":0}`))
	expectTypes(t, stop, ChunkToolInputAvailable)
	if string(stop[0].Input) != `{"cmd":"ls"}` {
		t.Errorf("accumulated input = %s", stop[0].Input)
	}
}

func TestToolResultEdgeCases(t *testing.T) {
	s := NewState("msg_1")
	s.Translate(assistantRecord(t, `{"id":"msg_api_1","role":"assistant","content":[{"type":"tool_use","id":"toolu_1","name":"Read","input":{}}],"stop_reason":"tool_use"}`))

	// Unknown call id is skipped outright.
	unknown := s.Translate(userRecord(t, `{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_missing","content":"x"}]}`))
	if len(unknown) != 0 {
		t.Fatalf("unknown tool result produced chunks: %v", chunkTypes(unknown))
	}

	errored := s.Translate(userRecord(t, `{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_1","content":"no such file","is_error":true}]}`))
	expectTypes(t, errored, ChunkFinishStep, ChunkToolInputAvailable, ChunkToolOutputError)
	if errored[2].ErrorText != "no such file" {
		t.Errorf("error text = %q", errored[2].ErrorText)
	}

	// A duplicate result for a settled call is idempotent.
	dup := s.Translate(userRecord(t, `{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_1","content":"no such file","is_error":true}]}`))
	if len(dup) != 0 {
		t.Fatalf("duplicate tool result produced chunks: %v", chunkTypes(dup))
	}
}

func TestErrorResult(t *testing.T) {
	s := NewState("msg_1")
	chunks := s.Translate(&claude.StreamMessage{
		Type:    claude.TypeResult,
		Subtype: claude.ResultSubtypeError,
		IsError: true,
		Result:  "process exited unexpectedly",
	})
	expectTypes(t, chunks, ChunkStart, ChunkError, ChunkFinish)
	if chunks[1].ErrorText != "process exited unexpectedly" {
		t.Errorf("error text = %q", chunks[1].ErrorText)
	}
	if chunks[2].FinishReason != FinishError {
		t.Errorf("finish reason = %v, want error", chunks[2].FinishReason)
	}
}

func TestSubagentRecordsSkipped(t *testing.T) {
	s := NewState("msg_1")
	parent := "toolu_parent"
	msg := &claude.StreamMessage{
		Type:            claude.TypeAssistant,
		ParentToolUseID: &parent,
		Message:         json.RawMessage(`{"id":"msg_sub","role":"assistant","content":[{"type":"text","text":"inner"}]}`),
	}
	if chunks := s.Translate(msg); len(chunks) != 0 {
		t.Fatalf("subagent record produced chunks: %v", chunkTypes(chunks))
	}
}

func TestBlockIDsUniqueAcrossSteps(t *testing.T) {
	s := NewState("msg_1")
	seen := make(map[string]bool)

	for step := 0; step < 3; step++ {
		chunks := s.Translate(assistantRecord(t, fmt.Sprintf(
			`{"id":"msg_api_%d","role":"assistant","content":[{"type":"text","text":"t"},{"type":"thinking","thinking":"r"}]}`, step)))
		for _, c := range chunks {
			if c.Type != ChunkTextStart && c.Type != ChunkReasoningStart {
				continue
			}
			if seen[c.ID] {
				t.Fatalf("block id %q reused", c.ID)
			}
			seen[c.ID] = true
		}
	}
	if len(seen) != 6 {
		t.Fatalf("got %d block ids, want 6", len(seen))
	}
}
