package server

import (
	"encoding/json"

	"agentd/internal/completion"
)

// ChatRequest is the POST /chat request body. Messages is the client's full
// UI-message array; only the trailing user message is sent upstream, the rest
// lives in the CLI session already.
type ChatRequest struct {
	Messages json.RawMessage `json:"messages"`
	Model    string          `json:"model,omitempty"`
}

// GetMessagesResponse is the GET /chat response.
type GetMessagesResponse struct {
	Messages any `json:"messages"`
}

// ChatStatusResponse is the GET /chat/status response.
type ChatStatusResponse struct {
	IsRunning    bool    `json:"isRunning"`
	CompletionID *string `json:"completionId"`
	StartedAt    *string `json:"startedAt"`
	Error        *string `json:"error"`
}

// ClearSessionResponse is the DELETE /chat response.
type ClearSessionResponse struct {
	Success bool `json:"success"`
}

// CancelResponse is the POST /chat/cancel response.
type CancelResponse struct {
	Success      bool   `json:"success"`
	CompletionID string `json:"completionId,omitempty"`
}

// PendingQuestionResponse is the GET /chat/question response. Status is set
// only when queried with a toolUseID.
type PendingQuestionResponse struct {
	Status   string                      `json:"status,omitempty"`
	Question *completion.PendingQuestion `json:"question"`
}

// AnswerQuestionRequest is the POST /chat/answer request body.
type AnswerQuestionRequest struct {
	ToolUseID string            `json:"toolUseID"`
	Answers   map[string]string `json:"answers"`
}

// AnswerQuestionResponse is the POST /chat/answer response.
type AnswerQuestionResponse struct {
	Success bool `json:"success"`
}

// HealthResponse is the GET /health response.
type HealthResponse struct {
	Healthy   bool `json:"healthy"`
	Connected bool `json:"connected"`
}

// RootResponse is the GET / response.
type RootResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// ErrorResponse is the body of every 4xx/5xx response. CompletionID is set on
// the 409 returned while a completion is already running.
type ErrorResponse struct {
	Error        string `json:"error"`
	CompletionID string `json:"completionId,omitempty"`
}
