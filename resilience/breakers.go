package resilience

import (
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"github.com/ripel-io/ripel/telemetry"
)

// BreakerSet holds one breaker per dependency name
type BreakerSet struct {
	template BreakerConfig
	breakers *xsync.MapOf[string, *CircuitBreaker]
}

// NewBreakerSet creates a set whose breakers share the given settings
func NewBreakerSet(template BreakerConfig) *BreakerSet {
	return &BreakerSet{
		template: template,
		breakers: xsync.NewMapOf[string, *CircuitBreaker](),
	}
}

// Get returns the breaker for a dependency, creating it on first use
func (s *BreakerSet) Get(name string) *CircuitBreaker {
	b, _ := s.breakers.LoadOrCompute(name, func() *CircuitBreaker {
		cfg := s.template
		cfg.Name = name
		user := cfg.OnStateChange
		cfg.OnStateChange = func(name string, from, to State) {
			logStateChange(name, from, to)
			if user != nil {
				user(name, from, to)
			}
		}
		telemetry.BreakerState.With(name).Set(float64(Closed))
		return NewCircuitBreaker(cfg)
	})
	return b
}

// Snapshot returns the state of every known breaker
func (s *BreakerSet) Snapshot() map[string]State {
	out := make(map[string]State)
	s.breakers.Range(func(name string, b *CircuitBreaker) bool {
		out[name] = b.State()
		return true
	})
	return out
}

// Names returns the dependency names in sorted order
func (s *BreakerSet) Names() []string {
	names := make([]string, 0, s.breakers.Size())
	s.breakers.Range(func(name string, _ *CircuitBreaker) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

func logStateChange(name string, from, to State) {
	telemetry.BreakerState.With(name).Set(float64(to))
	telemetry.BreakerTransitionsTotal.With(name, to.String()).Inc()

	ev := log.Info()
	if to == Open {
		ev = log.Warn()
	}
	ev.Str("dependency", name).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("Circuit breaker state changed")
}
