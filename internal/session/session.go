// Package session tracks which memory each caller is working in.
package session

import "sync"

// Mode is the selection state of a session.
type Mode int

const (
	// Unset means no memory has been chosen or inherited yet.
	Unset Mode = iota
	// Implicit follows the registry default.
	Implicit
	// Explicit is pinned by the caller and ignores default changes.
	Explicit
)

func (m Mode) String() string {
	switch m {
	case Implicit:
		return "implicit"
	case Explicit:
		return "explicit"
	default:
		return "unset"
	}
}

// State is a snapshot of a session's selection.
type State struct {
	Mode Mode
	Name string
}

// Context is one caller's session. Safe for concurrent use.
type Context struct {
	mu    sync.Mutex
	state State
}

// New returns a session in the Unset state.
func New() *Context {
	return &Context{}
}

// Select pins name. Valid from any state.
func (c *Context) Select(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = State{Mode: Explicit, Name: name}
}

// DefaultChanged moves an Unset or Implicit session to the new default.
// Explicit sessions are untouched.
func (c *Context) DefaultChanged(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Mode == Explicit {
		return
	}
	c.state = State{Mode: Implicit, Name: name}
}

// Reset drops an explicit pin and follows defaultName again.
func (c *Context) Reset(defaultName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = State{Mode: Implicit, Name: defaultName}
}

// Active returns the memory the session routes to and whether it was
// explicitly selected. An Unset session returns "".
func (c *Context) Active() (name string, explicit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Name, c.state.Mode == Explicit
}

// State returns a snapshot of the session state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Registry maps caller IDs to their sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Context
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Context)}
}

// Get returns the caller's session, creating it in Implicit(defaultName) on
// first use.
func (r *Registry) Get(callerID, defaultName string) *Context {
	r.mu.RLock()
	c, ok := r.sessions[callerID]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.sessions[callerID]; ok {
		return c
	}
	c = New()
	c.DefaultChanged(defaultName)
	r.sessions[callerID] = c
	return c
}

// Lookup returns the caller's session without creating one.
func (r *Registry) Lookup(callerID string) (*Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.sessions[callerID]
	return c, ok
}

// Drop forgets the caller's session.
func (r *Registry) Drop(callerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, callerID)
}

// BroadcastDefault applies DefaultChanged to every session.
func (r *Registry) BroadcastDefault(name string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.sessions {
		c.DefaultChanged(name)
	}
}

// Len is the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
