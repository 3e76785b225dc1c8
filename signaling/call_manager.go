package signaling

import (
	"sort"
	"sync"

	"github.com/moyoez/doorbell-signal/action"
)

// CallManager drives one call session. It receives every inbound action; ignoring the
// ones it does not care about is up to the implementation.
type CallManager interface {
	HandleAction(a action.Action)
}

// CallManagerFunc adapts a function to CallManager.
type CallManagerFunc func(a action.Action)

func (f CallManagerFunc) HandleAction(a action.Action) { f(a) }

type callManagers struct {
	mu     sync.RWMutex
	byName map[string]CallManager
}

func newCallManagers() *callManagers {
	return &callManagers{byName: make(map[string]CallManager)}
}

func (c *callManagers) register(name string, cm CallManager) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byName[name] = cm
}

func (c *callManagers) unregister(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.byName[name]
	delete(c.byName, name)
	return ok
}

// list returns the managers ordered by name.
func (c *callManagers) list() []CallManager {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.byName))
	for name := range c.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]CallManager, 0, len(names))
	for _, name := range names {
		out = append(out, c.byName[name])
	}
	return out
}
