// Package session owns per-conversation state: the mapping to the external
// process session, the read-through message cache over the on-disk log, and
// the dirty overlay maintained during a live turn.
package session

import (
	"log"
	"sync"

	"agentd/internal/claude"
	"agentd/internal/history"
)

// Session is the mutable container for one conversation. The message cache
// and dirty overlay are owned by a single turn at a time; callers must not
// drive two turns against the same Session concurrently. The mutex only
// makes concurrent readers safe.
type Session struct {
	ID      string
	WorkDir string

	mu         sync.Mutex
	externalID string
	loaded     bool
	messages   []history.Message
	dirty      map[string]history.Message
	dirtyOrder []string
}

func newSession(id, workDir string) *Session {
	return &Session{
		ID:      id,
		WorkDir: workDir,
		dirty:   make(map[string]history.Message),
	}
}

// ExternalID returns the external process session id, or "" before the first
// turn has started.
func (s *Session) ExternalID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.externalID
}

func (s *Session) setExternalID(id string) {
	s.mu.Lock()
	s.externalID = id
	s.mu.Unlock()
}

// LogPath returns the conversation's on-disk log file, or "" while the
// external session id is still unknown.
func (s *Session) LogPath() string {
	ext := s.ExternalID()
	if ext == "" {
		return ""
	}
	path, err := claude.SessionLogPath(s.WorkDir, ext)
	if err != nil {
		log.Printf("session %s: resolving log path: %v", s.ID, err)
		return ""
	}
	return path
}

// Load populates the cached message array from the on-disk log. A missing
// log file yields an empty conversation, not an error: the external process
// creates the file lazily on the first turn.
func (s *Session) Load() error {
	path := s.LogPath()

	var messages []history.Message
	if path != "" {
		entries, err := claude.ReadLog(path)
		if err == nil {
			messages = history.Reconstruct(entries)
		} else {
			log.Printf("session %s: log not readable yet: %v", s.ID, err)
		}
	}

	s.mu.Lock()
	s.messages = messages
	s.loaded = true
	s.mu.Unlock()
	return nil
}

// Invalidate forces the next read to hit the disk again and drops the dirty
// overlay: once the external process has persisted records, the log is the
// source of truth and a live turn re-overlays its in-flight message on the
// next chunk anyway.
func (s *Session) Invalidate() {
	s.mu.Lock()
	s.loaded = false
	clear(s.dirty)
	s.dirtyOrder = s.dirtyOrder[:0]
	s.mu.Unlock()
}

// BeginTurn clears the dirty overlay at the start of a new live turn.
func (s *Session) BeginTurn() {
	s.mu.Lock()
	clear(s.dirty)
	s.dirtyOrder = s.dirtyOrder[:0]
	s.mu.Unlock()
}

// Overlay records a message changed during the live turn: replace-by-id when
// the cached array already holds it, append otherwise.
func (s *Session) Overlay(msg history.Message) {
	s.mu.Lock()
	if _, ok := s.dirty[msg.ID]; !ok {
		s.dirtyOrder = append(s.dirtyOrder, msg.ID)
	}
	s.dirty[msg.ID] = msg
	s.mu.Unlock()
}

// Messages returns the cached array overlaid with the dirty map. The hot
// path never touches disk once loaded.
func (s *Session) Messages() ([]history.Message, error) {
	s.mu.Lock()
	loaded := s.loaded
	s.mu.Unlock()

	if !loaded {
		if err := s.Load(); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]history.Message, 0, len(s.messages)+len(s.dirtyOrder))
	appended := make(map[string]bool, len(s.dirty))
	for _, msg := range s.messages {
		if dirty, ok := s.dirty[msg.ID]; ok {
			out = append(out, dirty)
			appended[msg.ID] = true
		} else {
			out = append(out, msg)
		}
	}
	for _, id := range s.dirtyOrder {
		if !appended[id] {
			out = append(out, s.dirty[id])
		}
	}
	return out, nil
}

// clearState drops all cached and overlay state, keeping identity fields.
func (s *Session) clearState() {
	s.mu.Lock()
	s.externalID = ""
	s.loaded = false
	s.messages = nil
	clear(s.dirty)
	s.dirtyOrder = nil
	s.mu.Unlock()
}
