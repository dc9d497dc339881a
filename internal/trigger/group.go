package trigger

// Group starts and stops several triggers together.
type Group struct {
	triggers []*Trigger
}

func NewGroup(triggers ...*Trigger) *Group {
	return &Group{triggers: triggers}
}

// Start starts every stopped member and reports whether any was started.
func (g *Group) Start() bool {
	started := false
	for _, t := range g.triggers {
		if t.Start() {
			started = true
		}
	}
	return started
}

// Stop stops members in reverse order and reports whether any was stopped.
func (g *Group) Stop() bool {
	stopped := false
	for i := len(g.triggers) - 1; i >= 0; i-- {
		if g.triggers[i].Stop() {
			stopped = true
		}
	}
	return stopped
}

// IsRunning reports whether at least one member is running.
func (g *Group) IsRunning() bool {
	for _, t := range g.triggers {
		if t.IsRunning() {
			return true
		}
	}
	return false
}

// Status maps each member name to its running state.
func (g *Group) Status() map[string]bool {
	out := make(map[string]bool, len(g.triggers))
	for _, t := range g.triggers {
		out[t.Name()] = t.IsRunning()
	}
	return out
}
