package fanproxy

import (
	"expvar"
	"fmt"
	"sync"
)

// Vars holds the counters of all components of one proxy, organized as
// base -> id -> name. It implements expvar.Var and is served by the admin listener.
type Vars struct {
	mu   sync.Mutex
	root *expvar.Map
}

var _ expvar.Var = &Vars{}

// NewVars returns an empty set of counters.
func NewVars() *Vars {
	return &Vars{root: newVarMap()}
}

// Publish adds the counters of a component. Every base/id pair can only be used once.
func (v *Vars) Publish(base, id string, counters map[string]expvar.Var) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	group, ok := v.root.Get(base).(*expvar.Map)
	if !ok {
		group = newVarMap()
		v.root.Set(base, group)
	}
	if group.Get(id) != nil {
		return fmt.Errorf("duplicate metrics for %s '%s'", base, id)
	}
	m := newVarMap()
	for name, c := range counters {
		m.Set(name, c)
	}
	group.Set(id, m)
	return nil
}

// Get returns the counter with the given path, or nil.
func (v *Vars) Get(base, id, name string) expvar.Var {
	v.mu.Lock()
	defer v.mu.Unlock()
	group, ok := v.root.Get(base).(*expvar.Map)
	if !ok {
		return nil
	}
	m, ok := group.Get(id).(*expvar.Map)
	if !ok {
		return nil
	}
	return m.Get(name)
}

// String returns all counters as JSON.
func (v *Vars) String() string {
	return v.root.String()
}

func newVarMap() *expvar.Map {
	return new(expvar.Map).Init()
}
