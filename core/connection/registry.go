package connection

import (
	"context"
	"sync"
)

// Registry tracks live sessions so the process can close them on shutdown.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*trackedSession
	wg       sync.WaitGroup
}

type trackedSession struct {
	close func()
	once  sync.Once
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*trackedSession)}
}

// Register adds a session. close is called by CloseAll; the returned function
// removes the session and is safe to call more than once.
func (r *Registry) Register(sessionID string, close func()) (unregister func()) {
	entry := &trackedSession{close: close}

	r.mu.Lock()
	old := r.sessions[sessionID]
	r.sessions[sessionID] = entry
	r.wg.Add(1)
	r.mu.Unlock()

	if old != nil {
		r.unregister(sessionID, old)
	}
	return func() { r.unregister(sessionID, entry) }
}

func (r *Registry) unregister(sessionID string, entry *trackedSession) {
	entry.once.Do(func() {
		r.mu.Lock()
		if r.sessions[sessionID] == entry {
			delete(r.sessions, sessionID)
		}
		r.mu.Unlock()
		r.wg.Done()
	})
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll asks every registered session to close and returns how many were
// asked.
func (r *Registry) CloseAll() int {
	var closers []func()
	r.mu.Lock()
	for _, entry := range r.sessions {
		if entry.close != nil {
			closers = append(closers, entry.close)
		}
	}
	r.mu.Unlock()

	for _, close := range closers {
		close()
	}
	return len(closers)
}

// Wait blocks until every session has unregistered or ctx is done.
func (r *Registry) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
