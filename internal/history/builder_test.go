package history

import (
	"encoding/json"
	"strings"
	"testing"

	"agentd/internal/claude"
	"agentd/internal/stream"
)

func TestBuilderFoldsChunkStream(t *testing.T) {
	b := NewBuilder()
	chunks := []stream.Chunk{
		{Type: stream.ChunkStart, MessageID: "msg_1"},
		{Type: stream.ChunkTextStart, ID: "text-msg_1-0"},
		{Type: stream.ChunkTextDelta, ID: "text-msg_1-0", Delta: "Hel"},
		{Type: stream.ChunkTextDelta, ID: "text-msg_1-0", Delta: "lo"},
		{Type: stream.ChunkTextEnd, ID: "text-msg_1-0"},
		{Type: stream.ChunkStartStep},
		{Type: stream.ChunkToolInputStart, ToolCallID: "toolu_1", ToolName: "Read"},
		{Type: stream.ChunkToolInputAvailable, ToolCallID: "toolu_1", ToolName: "Read", Input: json.RawMessage(`{"file":"a.txt"}`)},
		{Type: stream.ChunkToolOutputAvailable, ToolCallID: "toolu_1", Output: json.RawMessage(`"contents"`)},
		{Type: stream.ChunkFinish, FinishReason: stream.FinishStop},
	}
	for _, c := range chunks {
		b.Apply(c)
	}

	msg := b.Message()
	if msg.ID != "msg_1" || msg.Role != "assistant" {
		t.Errorf("message = %+v", msg)
	}
	wantTypes := []PartType{PartText, PartStepStart, PartTool}
	if len(msg.Parts) != len(wantTypes) {
		t.Fatalf("parts = %+v", msg.Parts)
	}
	for i, want := range wantTypes {
		if msg.Parts[i].Type != want {
			t.Errorf("part %d type = %v, want %v", i, msg.Parts[i].Type, want)
		}
	}
	if msg.Parts[0].Text != "Hello" {
		t.Errorf("text = %q, want Hello", msg.Parts[0].Text)
	}
	tool := msg.ToolPart("toolu_1")
	if tool == nil || tool.State != ToolOutputAvailable || string(tool.Output) != `"contents"` {
		t.Errorf("tool part = %+v", tool)
	}
}

func TestBuilderSynthesizesToolPart(t *testing.T) {
	b := NewBuilder()
	b.Apply(stream.Chunk{Type: stream.ChunkStart, MessageID: "msg_1"})
	// No tool-input-start seen: the part appears on the first tool chunk.
	b.Apply(stream.Chunk{Type: stream.ChunkToolOutputError, ToolCallID: "toolu_1", ErrorText: "boom"})

	msg := b.Message()
	tool := msg.ToolPart("toolu_1")
	if tool == nil || tool.State != ToolOutputError || tool.ErrorText != "boom" {
		t.Errorf("tool part = %+v", tool)
	}
}

func TestBuilderMessageIsCopy(t *testing.T) {
	b := NewBuilder()
	b.Apply(stream.Chunk{Type: stream.ChunkStart, MessageID: "msg_1"})
	b.Apply(stream.Chunk{Type: stream.ChunkTextStart, ID: "text-msg_1-0"})
	snapshot := b.Message()
	b.Apply(stream.Chunk{Type: stream.ChunkTextDelta, ID: "text-msg_1-0", Delta: "later"})

	if len(snapshot.Parts) > 0 && snapshot.Parts[0].Text != "" {
		t.Errorf("snapshot mutated: %+v", snapshot.Parts[0])
	}
}

// TestBuilderMatchesReconstruct drives one agentic turn both ways: the live
// NDJSON records through the translator and builder, and the equivalent log
// entries through Reconstruct. The assistant message must come out with the
// same part structure from either path.
func TestBuilderMatchesReconstruct(t *testing.T) {
	toolUse := `[{"type":"tool_use","id":"toolu_1","name":"Read","input":{"file":"a.txt"}}]`

	records := []*claude.StreamMessage{
		{Type: claude.TypeAssistant, Message: json.RawMessage(`{"id":"msg_api_1","role":"assistant","content":[{"type":"text","text":"looking"}],"stop_reason":"tool_use"}`)},
		{Type: claude.TypeAssistant, Message: json.RawMessage(`{"id":"msg_api_1","role":"assistant","content":` + toolUse + `,"stop_reason":"tool_use"}`)},
		{Type: claude.TypeUser, Message: json.RawMessage(`{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_1","content":"contents"}]}`)},
		{Type: claude.TypeAssistant, Message: json.RawMessage(`{"id":"msg_api_2","role":"assistant","content":[{"type":"text","text":"done"}],"stop_reason":"end_turn"}`)},
		{Type: claude.TypeResult, Subtype: claude.ResultSubtypeSuccess},
	}

	state := stream.NewState("msg_live")
	b := NewBuilder()
	for _, rec := range records {
		for _, chunk := range state.Translate(rec) {
			b.Apply(chunk)
		}
	}
	live := b.Message()

	entries := []claude.LogEntry{
		userEntry("u1", "read the file"),
		assistantEntry("a1", "msg_api_1", `[{"type":"text","text":"looking"}]`),
		assistantEntry("a2", "msg_api_1", toolUse),
		toolResultEntry("u2", "toolu_1", "contents", false),
		assistantEntry("a3", "msg_api_2", `[{"type":"text","text":"done"}]`),
	}
	messages := Reconstruct(entries)
	if len(messages) != 2 {
		t.Fatalf("got %d reconstructed messages, want 2", len(messages))
	}
	disk := messages[1]

	if live.Role != disk.Role {
		t.Errorf("roles diverge: live %q, disk %q", live.Role, disk.Role)
	}
	if len(live.Parts) != len(disk.Parts) {
		t.Fatalf("part structures diverge:\nlive %+v\ndisk %+v", live.Parts, disk.Parts)
	}
	for i := range live.Parts {
		l, d := live.Parts[i], disk.Parts[i]
		if l.Type != d.Type || l.Text != d.Text || l.State != d.State ||
			l.ToolCallID != d.ToolCallID || string(l.Output) != string(d.Output) {
			t.Errorf("part %d diverges:\nlive %+v\ndisk %+v", i, l, d)
		}
	}
}

func TestMessageMarshalShape(t *testing.T) {
	msg := Message{
		ID:   "a1",
		Role: "assistant",
		Parts: []Part{
			{Type: PartText, Text: "hello"},
			{Type: PartStepStart},
			{Type: PartTool, ToolCallID: "toolu_1", ToolName: "Read", State: ToolOutputAvailable, Input: json.RawMessage(`{}`), Output: json.RawMessage(`"x"`)},
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	body := string(data)
	for _, want := range []string{
		`"id":"a1"`,
		`"role":"assistant"`,
		`"type":"text"`,
		`"type":"step-start"`,
		`"type":"tool-Read"`,
		`"toolCallId":"toolu_1"`,
		`"state":"output-available"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("marshaled message missing %s: %s", want, body)
		}
	}
}
