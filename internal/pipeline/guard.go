package pipeline

import "sync"

// Guard serializes runs per case.
type Guard struct {
	mu      sync.Mutex
	running map[string]bool
}

// NewGuard creates an empty Guard.
func NewGuard() *Guard {
	return &Guard{running: make(map[string]bool)}
}

// Acquire marks a case as running. It returns false when the case already
// is; otherwise the caller must call the returned release func.
func (g *Guard) Acquire(caseID string) (func(), bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running[caseID] {
		return nil, false
	}
	g.running[caseID] = true
	return func() {
		g.mu.Lock()
		delete(g.running, caseID)
		g.mu.Unlock()
	}, true
}

// Running reports whether a case is mid-run.
func (g *Guard) Running(caseID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running[caseID]
}
