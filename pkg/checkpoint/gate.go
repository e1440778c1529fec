package checkpoint

import "sync"

// Gate makes a checkpoint see the task store and the credential registry at
// the same logical instant. Workers apply each outcome (registry report plus
// task transition) under Apply; Capture briefly excludes them while copying.
type Gate struct {
	mu sync.RWMutex
}

// Apply runs fn as one indivisible outcome
func (g *Gate) Apply(fn func()) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	fn()
}

// Capture runs fn while no outcome is half applied
func (g *Gate) Capture(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn()
}
