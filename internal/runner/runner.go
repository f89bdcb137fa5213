// Package runner wraps the Claude Code CLI subprocess for one turn: it spawns
// the process, feeds stdout NDJSON through the translator into the completion
// buffer, maintains the session's live overlay, and bridges clarifying
// questions over stdin.
package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"agentd/internal/claude"
	"agentd/internal/completion"
	"agentd/internal/history"
	"agentd/internal/session"
	"agentd/internal/stream"
)

// questionToolName is the tool call the runner intercepts instead of letting
// the CLI resolve it: the user answers over the HTTP side channel.
const questionToolName = "AskUserQuestion"

// maxLineSize bounds one stdout NDJSON line; large tool results can carry
// whole files.
const maxLineSize = 16 * 1024 * 1024

// Config selects the CLI binary and per-turn flags.
type Config struct {
	Binary         string
	Model          string
	PermissionMode string
	ExtraArgs      []string
}

// Runner executes turns against the CLI. Safe for concurrent use across
// distinct sessions; the coordinator serializes turns within one process.
type Runner struct {
	cfg       Config
	manager   *session.Manager
	questions *completion.QuestionChannel
}

func New(cfg Config, manager *session.Manager, questions *completion.QuestionChannel) *Runner {
	if cfg.Binary == "" {
		cfg.Binary = "claude"
	}
	return &Runner{cfg: cfg, manager: manager, questions: questions}
}

// TurnRequest is one prompt to run, with optional per-turn overrides.
type TurnRequest struct {
	Prompt string
	Model  string
}

// Run executes one turn to completion. It always finishes cmp, so readers
// attached to the completion observe a terminated stream no matter how the
// subprocess ends.
func (r *Runner) Run(ctx context.Context, sess *session.Session, cmp *completion.Completion, req TurnRequest) {
	t := &turn{
		runner: r,
		sess:   sess,
		cmp:    cmp,
		state:  stream.NewState(fmt.Sprintf("msg_%s", uuid.NewString())),
		build:  history.NewBuilder(),
	}

	err := t.run(ctx, req)
	r.questions.CancelPending()

	switch {
	case err == nil:
		if t.finished {
			cmp.Finish("")
			return
		}
		// The CLI exited cleanly without a result record; the log tail may
		// still hold the failure it saw.
		if msg, ok := lastLogError(sess); ok {
			cmp.Append(stream.Chunk{Type: stream.ChunkError, ErrorText: msg})
			cmp.Append(stream.Chunk{Type: stream.ChunkFinish, FinishReason: stream.FinishError})
			cmp.Finish(msg)
			return
		}
		cmp.Append(stream.Chunk{Type: stream.ChunkFinish, FinishReason: stream.FinishOther})
		cmp.Finish("")
	case errors.Is(err, context.Canceled):
		if !t.finished {
			cmp.Append(stream.Chunk{Type: stream.ChunkFinish, FinishReason: stream.FinishOther})
		}
		cmp.Finish("")
	default:
		log.Printf("runner: session %s: %v", sess.ID, err)
		msg := err.Error()
		// The last log line often carries the user-facing failure; prefer it
		// over a bare exit status.
		if logMsg, ok := lastLogError(sess); ok {
			msg = logMsg
		}
		if !t.finished {
			cmp.Append(stream.Chunk{Type: stream.ChunkError, ErrorText: msg})
			cmp.Append(stream.Chunk{Type: stream.ChunkFinish, FinishReason: stream.FinishError})
		}
		cmp.Finish(msg)
	}
}

// lastLogError probes the tail of the session log for a failure the CLI
// persisted before exiting.
func lastLogError(sess *session.Session) (string, bool) {
	path := sess.LogPath()
	if path == "" {
		return "", false
	}
	entries, err := claude.ReadLog(path)
	if err != nil {
		return "", false
	}
	return history.LastError(entries)
}

// turn is the per-invocation state of one Run call.
type turn struct {
	runner *Runner
	sess   *session.Session
	cmp    *completion.Completion
	state  *stream.State
	build  *history.Builder

	stdinMu  sync.Mutex
	stdin    io.WriteCloser
	finished bool
}

func (t *turn) run(ctx context.Context, req TurnRequest) error {
	cfg := t.runner.cfg

	args := []string{
		"--print",
		"--verbose",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--include-partial-messages",
	}
	model := cfg.Model
	if req.Model != "" {
		model = req.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if cfg.PermissionMode != "" {
		args = append(args, "--permission-mode", cfg.PermissionMode)
	}
	if ext := t.sess.ExternalID(); ext != "" {
		args = append(args, "--resume", ext)
	}
	args = append(args, cfg.ExtraArgs...)

	cmd := exec.CommandContext(ctx, cfg.Binary, args...)
	cmd.Dir = t.sess.WorkDir
	cmd.Env = os.Environ()
	cmd.WaitDelay = 5 * time.Second
	cmd.Cancel = func() error {
		// SIGTERM first so the CLI can flush its session log.
		return cmd.Process.Signal(syscall.SIGTERM)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("create stderr pipe: %w", err)
	}
	t.stdin = stdin

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", cfg.Binary, err)
	}

	t.sess.BeginTurn()
	t.sess.Overlay(history.Message{
		ID:    fmt.Sprintf("msg_%s", uuid.NewString()),
		Role:  "user",
		Parts: []history.Part{{Type: history.PartText, Text: req.Prompt}},
	})

	if err := t.writeUserText(req.Prompt); err != nil {
		stdin.Close()
		cmd.Wait()
		return fmt.Errorf("send prompt: %w", err)
	}

	var stderrTail tailBuffer
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		io.Copy(&stderrTail, stderr)
	}()

	scanErr := t.consume(ctx, stdout)

	t.closeStdin()
	wg.Wait()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return context.Canceled
	}
	if waitErr != nil {
		if tail := stderrTail.String(); tail != "" {
			return fmt.Errorf("%s exited: %w: %s", cfg.Binary, waitErr, tail)
		}
		return fmt.Errorf("%s exited: %w", cfg.Binary, waitErr)
	}
	return scanErr
}

// consume reads stdout line by line until EOF, translating each record.
func (t *turn) consume(ctx context.Context, stdout io.Reader) error {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := claude.ParseStreamMessage(line)
		if err != nil {
			log.Printf("runner: skipping unparseable line: %v", err)
			continue
		}
		t.handleRecord(ctx, msg)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read stdout: %w", err)
	}
	return nil
}

func (t *turn) handleRecord(ctx context.Context, msg *claude.StreamMessage) {
	if msg.Type == claude.TypeSystem && msg.Subtype == "init" && msg.SessionID != "" {
		t.runner.manager.BindExternal(ctx, t.sess, msg.SessionID)
	}

	changed := false
	for _, chunk := range t.state.Translate(msg) {
		t.cmp.Append(chunk)
		if t.build.Apply(chunk) {
			changed = true
		}
		switch chunk.Type {
		case stream.ChunkFinish:
			t.finished = true
		case stream.ChunkToolInputAvailable:
			if chunk.ToolName == questionToolName {
				t.interceptQuestion(ctx, chunk)
			}
		}
	}
	if changed {
		t.sess.Overlay(t.build.Message())
	}

	// In stream-json input mode the CLI idles for the next prompt after the
	// terminal record; closing stdin lets it exit.
	if msg.Type == claude.TypeResult {
		t.closeStdin()
	}
}

// interceptQuestion arms the pending-question channel for an AskUserQuestion
// call and, once answered over HTTP, feeds the answers back to the CLI as the
// call's tool result.
func (t *turn) interceptQuestion(ctx context.Context, chunk stream.Chunk) {
	var input struct {
		Questions []completion.Question `json:"questions"`
	}
	if err := json.Unmarshal(chunk.Input, &input); err != nil || len(input.Questions) == 0 {
		log.Printf("runner: unrecognized %s input for call %s", questionToolName, chunk.ToolCallID)
		return
	}

	toolUseID := chunk.ToolCallID
	go func() {
		answers, err := t.runner.questions.Ask(ctx, toolUseID, input.Questions)
		if err != nil {
			// Pre-empted or cancelled; the CLI call stays unresolved and the
			// turn's terminal record settles it.
			return
		}
		if err := t.writeToolResult(toolUseID, answers); err != nil {
			log.Printf("runner: delivering answer for call %s: %v", toolUseID, err)
		}
	}()
}

func (t *turn) writeUserText(text string) error {
	return t.writeRecord(map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": text},
			},
		},
	})
}

func (t *turn) writeToolResult(toolUseID string, answers map[string]string) error {
	payload, err := json.Marshal(answers)
	if err != nil {
		return err
	}
	return t.writeRecord(map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]any{
				{"type": "tool_result", "tool_use_id": toolUseID, "content": string(payload)},
			},
		},
	})
}

func (t *turn) writeRecord(record map[string]any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	t.stdinMu.Lock()
	defer t.stdinMu.Unlock()
	if t.stdin == nil {
		return errors.New("stdin closed")
	}
	_, err = t.stdin.Write(append(data, '\n'))
	return err
}

func (t *turn) closeStdin() {
	t.stdinMu.Lock()
	defer t.stdinMu.Unlock()
	if t.stdin != nil {
		t.stdin.Close()
		t.stdin = nil
	}
}

// tailBuffer retains the last chunk of writes for error reporting.
type tailBuffer struct {
	mu   sync.Mutex
	data []byte
}

const tailSize = 4 * 1024

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
	if len(b.data) > tailSize {
		b.data = b.data[len(b.data)-tailSize:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(string(b.data))
}
