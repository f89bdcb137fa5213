package completion

import (
	"context"
	"errors"
	"sync"
)

// ErrQuestionCancelled tags a question rejected by pre-emption or session
// teardown. It is benign: callers detect it by errors.Is and do not treat
// the turn as failed.
var ErrQuestionCancelled = errors.New("question cancelled")

// QuestionOption is one selectable choice of a clarifying question.
type QuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description"`
}

// Question is a single clarifying question raised by the agent mid-turn.
type Question struct {
	Question    string           `json:"question"`
	Header      string           `json:"header"`
	Options     []QuestionOption `json:"options"`
	MultiSelect bool             `json:"multiSelect"`
}

// PendingQuestion is the payload exposed on the poll endpoint.
type PendingQuestion struct {
	ToolUseID string     `json:"toolUseID"`
	Questions []Question `json:"questions"`
}

type askResult struct {
	answers map[string]string
	err     error
}

type pendingAsk struct {
	question PendingQuestion
	result   chan askResult
}

// QuestionChannel holds at most one pending question per process. A second
// Ask pre-empts the first; Answer resolves by tool-use id; cancellation
// rejects the pending ask with ErrQuestionCancelled.
type QuestionChannel struct {
	mu       sync.Mutex
	pending  *pendingAsk
	answered map[string]map[string]string
}

func NewQuestionChannel() *QuestionChannel {
	return &QuestionChannel{answered: make(map[string]map[string]string)}
}

// Ask blocks until the question is answered or cancelled. The label→answer
// mapping comes back verbatim from the submit endpoint.
func (q *QuestionChannel) Ask(ctx context.Context, toolUseID string, questions []Question) (map[string]string, error) {
	ask := &pendingAsk{
		question: PendingQuestion{ToolUseID: toolUseID, Questions: questions},
		result:   make(chan askResult, 1),
	}

	q.mu.Lock()
	if q.pending != nil {
		// Pre-empt: the newer question wins, the older one is rejected
		// cleanly so its caller can distinguish this from a failure.
		q.pending.result <- askResult{err: ErrQuestionCancelled}
	}
	q.pending = ask
	q.mu.Unlock()

	select {
	case res := <-ask.result:
		return res.answers, res.err
	case <-ctx.Done():
		q.drop(ask)
		return nil, ErrQuestionCancelled
	}
}

func (q *QuestionChannel) drop(ask *pendingAsk) {
	q.mu.Lock()
	if q.pending == ask {
		q.pending = nil
	}
	q.mu.Unlock()
}

// Pending returns the currently pending question, or nil.
func (q *QuestionChannel) Pending() *PendingQuestion {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending == nil {
		return nil
	}
	question := q.pending.question
	return &question
}

// Question statuses reported by Status.
const (
	StatusPending  = "pending"
	StatusAnswered = "answered"
)

// Status reports the lifecycle of a specific question by tool-use id. An
// unknown id yields ok == false ("not found", not an error).
func (q *QuestionChannel) Status(toolUseID string) (status string, question *PendingQuestion, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending != nil && q.pending.question.ToolUseID == toolUseID {
		question := q.pending.question
		return StatusPending, &question, true
	}
	if _, answered := q.answered[toolUseID]; answered {
		return StatusAnswered, nil, true
	}
	return "", nil, false
}

// Answer resolves the pending question. Reports false for an unknown or
// already-resolved tool-use id.
func (q *QuestionChannel) Answer(toolUseID string, answers map[string]string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending == nil || q.pending.question.ToolUseID != toolUseID {
		return false
	}
	ask := q.pending
	q.pending = nil
	q.answered[toolUseID] = answers
	ask.result <- askResult{answers: answers}
	return true
}

// CancelPending rejects any pending question; used on session cancel and
// clear. Safe to call with nothing pending.
func (q *QuestionChannel) CancelPending() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending == nil {
		return
	}
	q.pending.result <- askResult{err: ErrQuestionCancelled}
	q.pending = nil
}

// Reset drops answered history at the start of a new turn.
func (q *QuestionChannel) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	clear(q.answered)
}
