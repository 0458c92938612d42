package extract

// Registry holds strategies in registration order. Populate it before
// workers start; lookups do not lock.
type Registry struct {
	strategies map[string]Strategy
	order      []string // insertion order for first-match resolution
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]Strategy),
	}
}

// Register adds s. Registering a name twice keeps the first registration and
// its position.
func (r *Registry) Register(s Strategy) {
	name := s.Name()
	if _, ok := r.strategies[name]; ok {
		return
	}
	r.strategies[name] = s
	r.order = append(r.order, name)
}

// Resolve returns the first registered strategy that can handle sender.
func (r *Registry) Resolve(sender string) (Strategy, bool) {
	for _, name := range r.order {
		if s := r.strategies[name]; s.CanHandle(sender) {
			return s, true
		}
	}
	return nil, false
}

// All returns all strategies in registration order.
func (r *Registry) All() []Strategy {
	result := make([]Strategy, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.strategies[name])
	}
	return result
}

// Names returns registered strategy names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Reset removes every strategy.
func (r *Registry) Reset() {
	r.strategies = make(map[string]Strategy)
	r.order = nil
}
