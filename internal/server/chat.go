package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"agentd/internal/completion"
	"agentd/internal/history"
	"agentd/internal/runner"
	"agentd/internal/session"
)

// defaultSessionID names the one conversation this process serves. The
// service runs inside a per-conversation sandbox, so the HTTP surface carries
// no session identifier.
const defaultSessionID = "default"

// ChatService owns the conversation endpoints: one session, one coordinator,
// one question channel per process.
type ChatService struct {
	manager   *session.Manager
	coord     *completion.Coordinator
	questions *completion.QuestionChannel
	runner    *runner.Runner

	// baseCtx parents turn contexts so a client disconnect does not kill the
	// running subprocess; only Cancel or process shutdown does.
	baseCtx context.Context
}

func NewChatService(baseCtx context.Context, manager *session.Manager, coord *completion.Coordinator, questions *completion.QuestionChannel, run *runner.Runner) *ChatService {
	return &ChatService{
		manager:   manager,
		coord:     coord,
		questions: questions,
		runner:    run,
		baseCtx:   baseCtx,
	}
}

func (s *ChatService) session(ctx context.Context) *session.Session {
	return s.manager.Get(ctx, defaultSessionID)
}

// handlePostChat starts a turn and streams its chunks over SSE. A turn
// already in flight yields 409 with the active completion id so the client
// can attach via GET instead.
func (s *ChatService) handlePostChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	prompt := lastUserText(req.Messages)
	if prompt == "" {
		writeError(w, http.StatusBadRequest, "no user message")
		return
	}

	sess := s.session(r.Context())
	cmp, runCtx, err := s.coord.Start(s.baseCtx, sess.ID)
	if err != nil {
		var conflict *completion.ConflictError
		if errors.As(err, &conflict) {
			writeJSON(w, http.StatusConflict, ErrorResponse{
				Error:        "completion already in progress",
				CompletionID: conflict.ActiveID,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.questions.Reset()
	go s.runner.Run(runCtx, sess, cmp, runner.TurnRequest{Prompt: prompt, Model: req.Model})

	s.streamCompletion(w, r, cmp)
}

// handleGetChat serves the cold read of the conversation, or attaches to the
// running stream when the client asks for an event stream.
func (s *ChatService) handleGetChat(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.handleAttach(w, r)
		return
	}

	sess := s.session(r.Context())
	messages, err := sess.Messages()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// While a turn is running the trailing assistant message is in flight;
	// cold readers get only settled messages and attach for the rest.
	if s.coord.Active() != nil {
		if n := len(messages); n > 0 && messages[n-1].Role == "assistant" {
			messages = messages[:n-1]
		}
	}
	if messages == nil {
		messages = []history.Message{}
	}

	writeJSON(w, http.StatusOK, GetMessagesResponse{Messages: messages})
}

// handleAttach replays the current completion's buffer and follows the live
// tail. With nothing running (or finished) it terminates immediately.
func (s *ChatService) handleAttach(w http.ResponseWriter, r *http.Request) {
	cmp := s.coord.Last()
	if cmp == nil {
		beginSSE(w)
		writeDone(w)
		return
	}
	s.streamCompletion(w, r, cmp)
}

// streamCompletion writes the completion's chunk stream as SSE frames,
// closing with the [DONE] sentinel unless the client went away first.
func (s *ChatService) streamCompletion(w http.ResponseWriter, r *http.Request, cmp *completion.Completion) {
	flusher := beginSSE(w)

	for chunk := range cmp.Stream(r.Context()) {
		data, err := json.Marshal(chunk)
		if err != nil {
			log.Printf("server: marshaling chunk: %v", err)
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	if r.Context().Err() == nil {
		writeDone(w)
	}
}

func beginSSE(w http.ResponseWriter) http.Flusher {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, ok := w.(http.Flusher)
	if !ok {
		flusher = noopFlusher{}
	}
	return flusher
}

func writeDone(w http.ResponseWriter) {
	fmt.Fprint(w, "data: [DONE]\n\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

type noopFlusher struct{}

func (noopFlusher) Flush() {}

// handleDeleteChat clears the conversation: cancels any running turn,
// rejects a pending question, and drops all session state.
func (s *ChatService) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	s.coord.Cancel()
	s.questions.CancelPending()
	s.manager.Clear(r.Context(), defaultSessionID)
	writeJSON(w, http.StatusOK, ClearSessionResponse{Success: true})
}

func (s *ChatService) handleStatus(w http.ResponseWriter, r *http.Request) {
	var resp ChatStatusResponse
	if active := s.coord.Active(); active != nil {
		started := active.StartedAt.Format(time.RFC3339)
		resp = ChatStatusResponse{
			IsRunning:    true,
			CompletionID: &active.ID,
			StartedAt:    &started,
		}
	} else if last := s.coord.Last(); last != nil {
		resp.CompletionID = &last.ID
		if msg := last.Err(); msg != "" {
			resp.Error = &msg
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *ChatService) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := s.coord.Cancel()
	if ok {
		s.questions.CancelPending()
	}
	writeJSON(w, http.StatusOK, CancelResponse{Success: ok, CompletionID: id})
}

// handleQuestion polls the pending question. Without a toolUseID it reports
// whatever is pending; with one it reports that call's status, 404 when the
// id was never a question.
func (s *ChatService) handleQuestion(w http.ResponseWriter, r *http.Request) {
	toolUseID := r.URL.Query().Get("toolUseID")
	if toolUseID == "" {
		writeJSON(w, http.StatusOK, PendingQuestionResponse{Question: s.questions.Pending()})
		return
	}

	status, question, ok := s.questions.Status(toolUseID)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, PendingQuestionResponse{Status: status, Question: question})
}

func (s *ChatService) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req AnswerQuestionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ToolUseID == "" {
		writeError(w, http.StatusBadRequest, "toolUseID is required")
		return
	}
	if !s.questions.Answer(req.ToolUseID, req.Answers) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, AnswerQuestionResponse{Success: true})
}

// lastUserText extracts the text of the trailing user message from the
// client's UI-message array.
func lastUserText(messages json.RawMessage) string {
	var parsed []struct {
		Role  string `json:"role"`
		Parts []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"parts"`
	}
	if err := json.Unmarshal(messages, &parsed); err != nil {
		return ""
	}
	for i := len(parsed) - 1; i >= 0; i-- {
		if parsed[i].Role != "user" {
			continue
		}
		var b strings.Builder
		for _, part := range parsed[i].Parts {
			if part.Type == "text" {
				b.WriteString(part.Text)
			}
		}
		return b.String()
	}
	return ""
}
