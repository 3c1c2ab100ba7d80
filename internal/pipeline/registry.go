package pipeline

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/jawr/mailauth/internal/metrics"
)

// Registry holds the loaded handlers in configured order and the
// precomputed per-event callback chains. The configured order is the
// dispatch order; the registry rejects a name loaded twice but never
// re-orders handlers and does not check that a handler's dependencies
// (DMARC after SPF and DKIM) are loaded, so dependency ordering and
// presence are the operator's responsibility.
type Registry struct {
	handlers []Handler
	byName   map[string]Handler

	callbacks map[Event][]Handler
}

// NewRegistry builds the registry and registers handler metrics.
func NewRegistry(handlers []Handler, m *metrics.Registry) (*Registry, error) {
	r := &Registry{
		handlers:  handlers,
		byName:    make(map[string]Handler, len(handlers)),
		callbacks: make(map[Event][]Handler),
	}

	for _, h := range handlers {
		if _, ok := r.byName[h.Name()]; ok {
			return nil, errors.Errorf("handler %q loaded twice", h.Name())
		}
		r.byName[h.Name()] = h

		if reg, ok := h.(MetricsRegistrar); ok && m != nil {
			reg.RegisterMetrics(m)
		}
	}

	for _, ev := range Events {
		r.callbacks[ev] = computeCallbacks(handlers, ev)
	}

	return r, nil
}

func computeCallbacks(handlers []Handler, ev Event) []Handler {
	var out []Handler
	for _, h := range handlers {
		if exposes(h, ev) {
			out = append(out, h)
		}
	}
	return out
}

func exposes(h Handler, ev Event) bool {
	switch ev {
	case EvSetup:
		_, ok := h.(SetupHandler)
		return ok
	case EvConnect:
		_, ok := h.(ConnectHandler)
		return ok
	case EvHelo:
		_, ok := h.(HeloHandler)
		return ok
	case EvMailFrom:
		_, ok := h.(MailFromHandler)
		return ok
	case EvRcptTo:
		_, ok := h.(RcptToHandler)
		return ok
	case EvHeader:
		_, ok := h.(HeaderHandler)
		return ok
	case EvEOH:
		_, ok := h.(EOHHandler)
		return ok
	case EvBody:
		_, ok := h.(BodyHandler)
		return ok
	case EvEOM:
		_, ok := h.(EOMHandler)
		return ok
	case EvAbort:
		_, ok := h.(AbortHandler)
		return ok
	case EvClose:
		_, ok := h.(CloseHandler)
		return ok
	case EvAddHeader:
		_, ok := h.(AddHeaderHandler)
		return ok
	default:
		return false
	}
}

// Callbacks returns the handlers exposing this event, in configured
// order. The slice is shared; callers must not mutate it.
func (r *Registry) Callbacks(ev Event) []Handler {
	return r.callbacks[ev]
}

func (r *Registry) Get(name string) (Handler, bool) {
	h, ok := r.byName[name]
	return h, ok
}

func (r *Registry) Has(name string) bool {
	_, ok := r.byName[name]
	return ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for _, h := range r.handlers {
		names = append(names, h.Name())
	}
	return names
}

// SorterFor scans the loaded handlers, in order, for the first one that
// sorts fragments with the given method key. Nil when none does.
func (r *Registry) SorterFor(key string) func(a, b string) int {
	key = strings.ToLower(key)
	for _, h := range r.handlers {
		s, ok := h.(HeaderSorter)
		if !ok {
			continue
		}
		if s.CanSortHeader(key) {
			return s.HeaderSort
		}
	}
	return nil
}
