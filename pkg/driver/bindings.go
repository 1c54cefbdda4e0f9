package driver

import (
	"fmt"
	"sort"

	"github.com/psantana5/jobdriver/pkg/models"
)

// Bindings collects EventKind -> Handler bindings before the dispatcher is
// built. Set calls chain:
//
//	b := driver.NewBindings().
//		Set(models.EventDriverStarted, start).
//		Set(models.EventTaskCompleted, done)
//
// Setting a kind twice keeps the later handler; the replaced kinds are
// reported by Overrides.
type Bindings struct {
	handlers  map[models.EventKind]Handler
	overrides []models.EventKind
	shared    []models.EventKind
	required  []models.EventKind
	errs      []error
}

// NewBindings creates an empty binding set
func NewBindings() *Bindings {
	return &Bindings{handlers: make(map[models.EventKind]Handler)}
}

// Set binds h to kind
func (b *Bindings) Set(kind models.EventKind, h Handler) *Bindings {
	if !kind.Valid() {
		b.errs = append(b.errs, &ConfigurationError{
			Field:  "binding",
			Reason: fmt.Sprintf("unknown event kind %q", kind),
		})
		return b
	}
	if h == nil {
		b.errs = append(b.errs, &ConfigurationError{
			Field:  "binding." + string(kind),
			Reason: "nil handler",
		})
		return b
	}
	if _, exists := b.handlers[kind]; exists {
		b.overrides = append(b.overrides, kind)
	}
	b.handlers[kind] = h
	return b
}

// SetFunc is Set for a plain function
func (b *Bindings) SetFunc(kind models.EventKind, f HandlerFunc) *Bindings {
	if f == nil {
		return b.Set(kind, nil)
	}
	return b.Set(kind, f)
}

// Require makes Build fail unless every listed kind is bound
func (b *Bindings) Require(kinds ...models.EventKind) *Bindings {
	b.required = append(b.required, kinds...)
	return b
}

// Overrides lists kinds that were bound more than once, in override order
func (b *Bindings) Overrides() []models.EventKind {
	return append([]models.EventKind(nil), b.overrides...)
}

// Merge combines binding sets. When two sets bind the same kind the later
// set wins and the kind is recorded as an override.
func Merge(sets ...*Bindings) *Bindings {
	merged := NewBindings()
	for _, set := range sets {
		if set == nil {
			continue
		}
		merged.errs = append(merged.errs, set.errs...)
		merged.overrides = append(merged.overrides, set.overrides...)
		merged.required = append(merged.required, set.required...)
		// Iterate in a fixed order so override reporting is deterministic
		for _, kind := range models.EventKinds {
			if h, ok := set.handlers[kind]; ok {
				merged.Set(kind, h)
			}
		}
	}
	return merged
}

// Compose combines binding sets that each own part of the job, such as
// state tracking and application logic. A kind bound in several sets runs
// every handler, in set order, through Chain. Shared lists those kinds.
func Compose(sets ...*Bindings) *Bindings {
	composed := NewBindings()
	chains := make(map[models.EventKind][]Handler)
	for _, set := range sets {
		if set == nil {
			continue
		}
		composed.errs = append(composed.errs, set.errs...)
		composed.overrides = append(composed.overrides, set.overrides...)
		composed.required = append(composed.required, set.required...)
		for _, kind := range models.EventKinds {
			if h, ok := set.handlers[kind]; ok {
				chains[kind] = append(chains[kind], h)
			}
		}
	}
	for _, kind := range models.EventKinds {
		hs := chains[kind]
		switch len(hs) {
		case 0:
			continue
		case 1:
			composed.handlers[kind] = hs[0]
		default:
			composed.handlers[kind] = Chain(hs...)
			composed.shared = append(composed.shared, kind)
		}
	}
	return composed
}

// Shared lists kinds that Compose chained from more than one set
func (b *Bindings) Shared() []models.EventKind {
	return append([]models.EventKind(nil), b.shared...)
}

// Build validates the bindings and freezes them into a Registry
func (b *Bindings) Build() (*Registry, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	for _, kind := range b.required {
		if _, ok := b.handlers[kind]; !ok {
			return nil, &ConfigurationError{
				Field:  "binding." + string(kind),
				Reason: "required handler is not bound",
			}
		}
	}

	handlers := make(map[models.EventKind]Handler, len(b.handlers))
	for k, h := range b.handlers {
		handlers[k] = h
	}
	return &Registry{handlers: handlers}, nil
}

// Registry is a validated, read-only binding table
type Registry struct {
	handlers map[models.EventKind]Handler
}

// Lookup returns the handler bound to kind
func (r *Registry) Lookup(kind models.EventKind) (Handler, bool) {
	h, ok := r.handlers[kind]
	return h, ok
}

// Kinds returns the bound kinds in sorted order
func (r *Registry) Kinds() []models.EventKind {
	kinds := make([]models.EventKind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
