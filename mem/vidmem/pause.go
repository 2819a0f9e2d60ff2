package vidmem

import (
	"log"
	"sync"
)

// pauseGate keeps the clearing thread away from the clear list while it is
// paused. Pauses nest. A pause waits for a drain in progress to finish.
type pauseGate struct {
	lock    sync.Mutex
	cond    *sync.Cond
	count   int
	running bool
}

func newPauseGate() *pauseGate {
	g := &pauseGate{}
	g.cond = sync.NewCond(&g.lock)

	return g
}

// pause increments the pause count and returns the new count once no drain
// is in progress.
func (g *pauseGate) pause() int {
	g.lock.Lock()
	defer g.lock.Unlock()

	g.count++
	for g.running {
		g.cond.Wait()
	}

	return g.count
}

// unpause decrements the pause count and returns the new count.
func (g *pauseGate) unpause() int {
	g.lock.Lock()
	defer g.lock.Unlock()

	if g.count == 0 {
		log.Panic("unpausing a clearing thread that is not paused")
	}

	g.count--

	return g.count
}

// tryEnter starts a drain unless the gate is paused.
func (g *pauseGate) tryEnter() bool {
	g.lock.Lock()
	defer g.lock.Unlock()

	if g.count > 0 {
		return false
	}

	g.running = true

	return true
}

func (g *pauseGate) exit() {
	g.lock.Lock()
	g.running = false
	g.lock.Unlock()

	g.cond.Broadcast()
}

func (g *pauseGate) pauseCount() int {
	g.lock.Lock()
	defer g.lock.Unlock()

	return g.count
}
