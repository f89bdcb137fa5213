package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"agentd/internal/claude"
	"agentd/internal/completion"
	"agentd/internal/session"
	"agentd/internal/stream"
)

// fakeCLI writes a shell script that reads the prompt record and plays back a
// fixed NDJSON stream the way the real CLI would.
func fakeCLI(t *testing.T, lines ...string) string {
	t.Helper()
	script := "#!/bin/sh\nhead -n 1 > /dev/null\n"
	for _, line := range lines {
		script += "echo '" + line + "'\n"
	}

	path := filepath.Join(t.TempDir(), "fake-claude")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func runTurn(t *testing.T, binary string) (*completion.Completion, *session.Session) {
	t.Helper()
	t.Setenv("CLAUDE_CONFIG_DIR", t.TempDir())
	manager := session.NewManager(t.TempDir(), nil, nil)
	sess := manager.Get(context.Background(), "s1")
	questions := completion.NewQuestionChannel()
	r := New(Config{Binary: binary}, manager, questions)

	coord := completion.NewCoordinator()
	cmp, runCtx, err := coord.Start(context.Background(), sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	r.Run(runCtx, sess, cmp, TurnRequest{Prompt: "hi"})
	return cmp, sess
}

func collectTypes(t *testing.T, cmp *completion.Completion) []stream.ChunkType {
	t.Helper()
	var types []stream.ChunkType
	for chunk := range cmp.Stream(context.Background()) {
		types = append(types, chunk.Type)
	}
	return types
}

func TestRunHappyPath(t *testing.T) {
	binary := fakeCLI(t,
		`{"type":"system","subtype":"init","session_id":"ext-123"}`,
		`{"type":"assistant","message":{"id":"msg_api_1","role":"assistant","content":[{"type":"text","text":"hello"}],"stop_reason":"end_turn"}}`,
		`{"type":"result","subtype":"success","is_error":false}`,
	)

	cmp, sess := runTurn(t, binary)

	if got := sess.ExternalID(); got != "ext-123" {
		t.Errorf("external id = %q, want ext-123", got)
	}
	if msg := cmp.Err(); msg != "" {
		t.Fatalf("completion error = %q", msg)
	}

	types := collectTypes(t, cmp)
	want := []stream.ChunkType{
		stream.ChunkStart, stream.ChunkTextStart, stream.ChunkTextDelta, stream.ChunkTextEnd,
		stream.ChunkFinishStep, stream.ChunkFinish,
	}
	if len(types) != len(want) {
		t.Fatalf("chunk types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("chunk %d = %v, want %v (full: %v)", i, types[i], want[i], types)
		}
	}

	// The live overlay holds the prompt and the finished assistant message.
	messages, err := sess.Messages()
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 2 || messages[0].Role != "user" || messages[1].Role != "assistant" {
		t.Fatalf("overlay messages = %+v", messages)
	}
	if messages[1].Parts[0].Text != "hello" {
		t.Errorf("assistant text = %q", messages[1].Parts[0].Text)
	}
}

func TestRunMissingBinary(t *testing.T) {
	cmp, _ := runTurn(t, filepath.Join(t.TempDir(), "does-not-exist"))

	if cmp.Err() == "" {
		t.Fatal("expected completion error")
	}
	types := collectTypes(t, cmp)
	if len(types) < 2 {
		t.Fatalf("chunk types = %v", types)
	}
	if types[len(types)-2] != stream.ChunkError || types[len(types)-1] != stream.ChunkFinish {
		t.Errorf("terminal chunks = %v, want error+finish", types)
	}
}

func TestRunFailureUsesLogError(t *testing.T) {
	cfgDir := t.TempDir()
	t.Setenv("CLAUDE_CONFIG_DIR", cfgDir)
	workDir := t.TempDir()

	// The CLI persisted an API failure to the session log before dying.
	logDir := filepath.Join(cfgDir, "projects", claude.EncodeProjectDir(workDir))
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		t.Fatal(err)
	}
	entry := `{"type":"assistant","uuid":"e1","isApiErrorMessage":true,"message":{"id":"msg_e","role":"assistant","content":[{"type":"text","text":"API Error: 529 overloaded"}]}}`
	if err := os.WriteFile(filepath.Join(logDir, "ext-err.jsonl"), []byte(entry+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	script := "#!/bin/sh\nhead -n 1 > /dev/null\n" +
		"echo '{\"type\":\"system\",\"subtype\":\"init\",\"session_id\":\"ext-err\"}'\n" +
		"exit 3\n"
	binary := filepath.Join(t.TempDir(), "fake-claude")
	if err := os.WriteFile(binary, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	manager := session.NewManager(workDir, nil, nil)
	sess := manager.Get(context.Background(), "s1")
	questions := completion.NewQuestionChannel()
	r := New(Config{Binary: binary}, manager, questions)
	coord := completion.NewCoordinator()
	cmp, runCtx, err := coord.Start(context.Background(), sess.ID)
	if err != nil {
		t.Fatal(err)
	}

	r.Run(runCtx, sess, cmp, TurnRequest{Prompt: "hi"})

	if got := cmp.Err(); got != "API Error: 529 overloaded" {
		t.Errorf("completion error = %q, want the log tail message", got)
	}
	found := false
	for chunk := range cmp.Stream(context.Background()) {
		if chunk.Type == stream.ChunkError && chunk.ErrorText == "API Error: 529 overloaded" {
			found = true
		}
	}
	if !found {
		t.Error("error chunk does not carry the log tail message")
	}
}

func TestRunExitWithoutResult(t *testing.T) {
	binary := fakeCLI(t, `{"type":"system","subtype":"init","session_id":"ext-1"}`)
	cmp, _ := runTurn(t, binary)

	if msg := cmp.Err(); msg != "" {
		t.Fatalf("completion error = %q", msg)
	}
	types := collectTypes(t, cmp)
	if len(types) == 0 || types[len(types)-1] != stream.ChunkFinish {
		t.Errorf("chunk types = %v, want trailing finish", types)
	}
}
