package workers

import "sync"

// Gate is a refcounted pause for a worker pool. Several callers may hold the
// gate at once (for example overlapping feed refreshes); the pool resumes
// claiming only when every hold is released.
type Gate struct {
	mu    sync.Mutex
	holds int
}

// Pause takes a hold on the gate and returns the matching release. Release
// is idempotent.
func (g *Gate) Pause() (release func()) {
	g.mu.Lock()
	g.holds++
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.holds--
			g.mu.Unlock()
		})
	}
}

// Paused reports whether any hold is outstanding.
func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holds > 0
}
