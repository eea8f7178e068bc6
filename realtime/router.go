package realtime

import (
	"sync"

	"github.com/saiset-co/sai-query/query"
)

// Event is one backend change notification, e.g.
// {"type":"message.created","resource":"messages","id":7,"parentId":3}.
type Event struct {
	Type     string `json:"type"`
	Resource string `json:"resource"`
	ID       any    `json:"id,omitempty"`
	ParentID any    `json:"parentId,omitempty"`
}

// Rule maps an event to the key prefixes it makes stale.
type Rule func(Event) []query.Key

// Router resolves events to key prefixes. Events without a rule for their
// type fall back to the rule for their resource, then to nothing.
type Router struct {
	mu        sync.RWMutex
	types     map[string]Rule
	resources map[string]Rule
}

func NewRouter() *Router {
	return &Router{
		types:     make(map[string]Rule),
		resources: make(map[string]Rule),
	}
}

// Handle registers rule for one event type, replacing any previous one.
func (r *Router) Handle(eventType string, rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[eventType] = rule
}

func (r *Router) HandleResource(resource string, rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resources[resource] = rule
}

func (r *Router) Route(e Event) []query.Key {
	r.mu.RLock()
	rule, ok := r.types[e.Type]
	if !ok {
		rule, ok = r.resources[e.Resource]
	}
	r.mu.RUnlock()

	if !ok || rule == nil {
		return nil
	}
	return rule(e)
}

// Prefixes is a Rule that returns fixed prefixes built from the event.
// Each builder may return nil to skip its prefix, e.g. when the event has
// no parent id.
func Prefixes(builders ...func(Event) query.Key) Rule {
	return func(e Event) []query.Key {
		keys := make([]query.Key, 0, len(builders))
		for _, build := range builders {
			if key := build(e); key != nil {
				keys = append(keys, key)
			}
		}
		return keys
	}
}

// Static returns key regardless of the event.
func Static(key query.Key) func(Event) query.Key {
	return func(Event) query.Key {
		return key
	}
}

// WithParent returns root followed by the event's parent id, or nil when
// the event carries none.
func WithParent(root ...any) func(Event) query.Key {
	return func(e Event) query.Key {
		if e.ParentID == nil {
			return nil
		}
		return append(append(query.Key{}, root...), e.ParentID)
	}
}

// WithID returns root followed by the event's id, or nil when absent.
func WithID(root ...any) func(Event) query.Key {
	return func(e Event) query.Key {
		if e.ID == nil {
			return nil
		}
		return append(append(query.Key{}, root...), e.ID)
	}
}
