// Package completion coordinates the single in-flight turn per process: it
// buffers normalized chunks so any number of readers can replay and tail the
// stream, and owns the pending-question side channel.
package completion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentd/internal/stream"
)

// pollInterval is the fixed backoff readers use while waiting for the
// producer to append more chunks.
const pollInterval = 50 * time.Millisecond

// ConflictError reports a second turn start while one is active. It carries
// the active completion id so clients can attach to the running stream
// instead.
type ConflictError struct {
	ActiveID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("completion %s already in progress", e.ActiveID)
}

// Completion is one in-flight (or finished) turn: an ordered, append-only
// chunk buffer plus lifecycle state.
type Completion struct {
	ID        string
	SessionID string
	StartedAt time.Time

	cancel context.CancelFunc

	mu     sync.Mutex
	chunks []stream.Chunk
	done   bool
	errMsg string
}

// Coordinator enforces at most one completion in flight per process.
type Coordinator struct {
	mu     sync.Mutex
	active *Completion
	last   *Completion
}

func NewCoordinator() *Coordinator {
	return &Coordinator{}
}

// Start begins a new completion. While one is active it returns a
// *ConflictError carrying the running id; a second turn is rejected, never
// queued. The returned context governs the producing subprocess.
func (c *Coordinator) Start(ctx context.Context, sessionID string) (*Completion, context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil && !c.active.isDone() {
		return nil, nil, &ConflictError{ActiveID: c.active.ID}
	}

	runCtx, cancel := context.WithCancel(ctx)
	cmp := &Completion{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		StartedAt: time.Now().UTC(),
		cancel:    cancel,
	}
	c.active = cmp
	c.last = cmp
	return cmp, runCtx, nil
}

// Active returns the in-flight completion, or nil.
func (c *Coordinator) Active() *Completion {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil && !c.active.isDone() {
		return c.active
	}
	return nil
}

// Last returns the most recent completion, running or finished.
func (c *Coordinator) Last() *Completion {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Cancel signals the active completion's producer to stop. Buffered chunks
// are preserved. Reports whether anything was running.
func (c *Coordinator) Cancel() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil || c.active.isDone() {
		return "", false
	}
	c.active.cancel()
	return c.active.ID, true
}

// Append adds one chunk to the ordered replay buffer.
func (cm *Completion) Append(chunk stream.Chunk) {
	cm.mu.Lock()
	cm.chunks = append(cm.chunks, chunk)
	cm.mu.Unlock()
}

// Finish marks the completion done. errMsg is the terminal failure, if any.
func (cm *Completion) Finish(errMsg string) {
	cm.mu.Lock()
	cm.done = true
	cm.errMsg = errMsg
	cm.mu.Unlock()
	cm.cancel()
}

func (cm *Completion) isDone() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.done
}

// Err returns the terminal failure message, if the completion failed.
func (cm *Completion) Err() string {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.errMsg
}

// snapshot returns the chunks from offset onward and whether the completion
// has finished.
func (cm *Completion) snapshot(from int) ([]stream.Chunk, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if from >= len(cm.chunks) {
		return nil, cm.done
	}
	out := make([]stream.Chunk, len(cm.chunks)-from)
	copy(out, cm.chunks[from:])
	return out, cm.done
}

// Stream attaches a reader: the buffered history replays first (with
// consecutive same-block deltas merged for fast catch-up), then the live
// tail follows chunk by chunk until the turn finishes or ctx is done. Late
// readers always observe a consistent prefix; nothing is ever skipped.
func (cm *Completion) Stream(ctx context.Context) <-chan stream.Chunk {
	out := make(chan stream.Chunk, 64)

	go func() {
		defer close(out)

		replay, done := cm.snapshot(0)
		offset := len(replay)
		for _, chunk := range aggregateDeltas(replay) {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}

		for {
			if done {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}

			var tail []stream.Chunk
			tail, done = cm.snapshot(offset)
			offset += len(tail)
			for _, chunk := range tail {
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

// aggregateDeltas merges runs of text/reasoning deltas for the same block
// into one chunk. Only replayed history is aggregated; the live tail is
// forwarded unmodified.
func aggregateDeltas(chunks []stream.Chunk) []stream.Chunk {
	out := make([]stream.Chunk, 0, len(chunks))
	for _, chunk := range chunks {
		if len(out) > 0 {
			prev := &out[len(out)-1]
			if prev.Type == chunk.Type && prev.ID == chunk.ID &&
				(chunk.Type == stream.ChunkTextDelta || chunk.Type == stream.ChunkReasoningDelta) {
				prev.Delta += chunk.Delta
				continue
			}
		}
		out = append(out, chunk)
	}
	return out
}
