package approval

import "sync"

// EditSessions tracks which artifact each chat is currently editing.
// Keys are channel-scoped ("tg:<chatid>", "web:<tenantid>") so the same
// reviewer editing from two surfaces cannot clobber each other. Starting
// a new session for a key overwrites the previous one.
type EditSessions struct {
	mu      sync.Mutex
	pending map[string]int64
}

func NewEditSessions() *EditSessions {
	return &EditSessions{pending: make(map[string]int64)}
}

// Set opens an edit session for key, replacing any existing one.
func (e *EditSessions) Set(key string, artifactID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending[key] = artifactID
}

// Get returns the artifact under edit for key, if any.
func (e *EditSessions) Get(key string) (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.pending[key]
	return id, ok
}

// Delete closes the session for key.
func (e *EditSessions) Delete(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, key)
}
