package app

import (
	"fmt"

	"github.com/MrWong99/hyperlive/internal/config"
	"github.com/MrWong99/hyperlive/internal/resilience"
	"github.com/MrWong99/hyperlive/pkg/provider/s2s"
)

// BuildProvider creates the live provider for entry from reg. When entry
// lists fallbacks, the result fails over across them in order, each backend
// guarded by its own circuit breaker.
func BuildProvider(reg *config.Registry, entry config.ProviderEntry, breaker config.BreakerConfig) (s2s.Provider, error) {
	primary, err := reg.CreateS2S(entry)
	if err != nil {
		return nil, fmt.Errorf("app: create provider %q: %w", entry.Name, err)
	}
	if len(entry.Fallbacks) == 0 {
		return primary, nil
	}

	fb := resilience.NewS2SFallback(primary, entry.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  breaker.MaxFailures,
			ResetTimeout: breaker.ResetTimeout,
		},
	})
	for i, fe := range entry.Fallbacks {
		p, err := reg.CreateS2S(fe)
		if err != nil {
			return nil, fmt.Errorf("app: create fallback %d %q: %w", i, fe.Name, err)
		}
		fb.AddFallback(fe.Name, p)
	}
	return fb, nil
}
