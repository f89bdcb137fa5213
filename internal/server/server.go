// Package server exposes the conversation over HTTP: chat SSE streaming,
// cold reads of the reconstructed history, status, cancel, clear, and the
// clarifying-question side channel.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Options configures the HTTP server.
type Options struct {
	Addr        string
	CORSOrigins []string
}

// Server is the HTTP front of the service.
type Server struct {
	http *http.Server
}

// New builds the router around the chat service.
func New(opts Options, chat *ChatService) *Server {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	// No global timeout: the SSE endpoints hold connections open.

	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/", handleRoot)
	r.Get("/health", handleHealth)

	r.Route("/chat", func(r chi.Router) {
		r.Get("/", chat.handleGetChat)
		r.Post("/", chat.handlePostChat)
		r.Delete("/", chat.handleDeleteChat)
		r.Get("/status", chat.handleStatus)
		r.Post("/cancel", chat.handleCancel)
		r.Get("/question", chat.handleQuestion)
		r.Post("/answer", chat.handleAnswer)
	})

	return &Server{
		http: &http.Server{
			Addr:              opts.Addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, RootResponse{Status: "ok", Service: "agent"})
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Healthy: true, Connected: true})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
