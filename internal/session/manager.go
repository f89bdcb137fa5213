package session

import (
	"context"
	"log"
	"sync"
)

// Manager hands out Sessions by id, creating them on first reference, and
// restores persisted external-id mappings from the store. Distinct sessions
// may run turns concurrently; each owns its own state.
type Manager struct {
	workDir string
	store   *Store
	watcher *Watcher

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a manager binding new sessions to workDir. store may be
// nil (no persistence, useful in tests); watcher may be nil likewise.
func NewManager(workDir string, store *Store, watcher *Watcher) *Manager {
	return &Manager{
		workDir:  workDir,
		store:    store,
		watcher:  watcher,
		sessions: make(map[string]*Session),
	}
}

// Get returns the session for id, creating it on first reference. A
// previously persisted external-id mapping is restored transparently.
func (m *Manager) Get(ctx context.Context, id string) *Session {
	m.mu.Lock()
	if sess, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return sess
	}
	sess := newSession(id, m.workDir)
	m.sessions[id] = sess
	m.mu.Unlock()

	if m.store != nil {
		rec, err := m.store.get(ctx, id)
		if err != nil {
			log.Printf("session %s: restoring mapping: %v", id, err)
		} else if rec != nil {
			sess.setExternalID(rec.ExternalID)
			if rec.WorkDir != "" {
				sess.WorkDir = rec.WorkDir
			}
			m.watchSession(sess)
		}
	}
	return sess
}

// BindExternal records the external process session id for a conversation
// and persists the mapping. The watcher starts following the session's log
// file so the cache invalidates once the external process flushes a turn.
func (m *Manager) BindExternal(ctx context.Context, sess *Session, externalID string) {
	if externalID == "" || sess.ExternalID() == externalID {
		return
	}
	sess.setExternalID(externalID)
	if m.store != nil {
		if err := m.store.upsert(ctx, record{ID: sess.ID, ExternalID: externalID, WorkDir: sess.WorkDir}); err != nil {
			log.Printf("session %s: persisting mapping: %v", sess.ID, err)
		}
	}
	m.watchSession(sess)
}

func (m *Manager) watchSession(sess *Session) {
	if m.watcher == nil {
		return
	}
	path := sess.LogPath()
	if path == "" {
		return
	}
	if err := m.watcher.Watch(path, sess.Invalidate); err != nil {
		log.Printf("session %s: watching log: %v", sess.ID, err)
	}
}

// Clear drops all state for a conversation, including the persisted mapping.
func (m *Manager) Clear(ctx context.Context, id string) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if ok {
		if m.watcher != nil {
			if path := sess.LogPath(); path != "" {
				m.watcher.Unwatch(path)
			}
		}
		sess.clearState()
	}
	if m.store != nil {
		if err := m.store.delete(ctx, id); err != nil {
			log.Printf("session %s: deleting mapping: %v", id, err)
		}
	}
}
