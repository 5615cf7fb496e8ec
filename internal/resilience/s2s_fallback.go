package resilience

import (
	"context"

	"github.com/MrWong99/hyperlive/pkg/provider/s2s"
)

// S2SFallback implements [s2s.Provider] with failover across several realtime
// backends. Only Connect fails over: once a session is open it stays on the
// backend that accepted it.
type S2SFallback struct {
	group *FallbackGroup[s2s.Provider]
}

// Compile-time interface assertion.
var _ s2s.Provider = (*S2SFallback)(nil)

// NewS2SFallback creates an [S2SFallback] with primary as the preferred backend.
func NewS2SFallback(primary s2s.Provider, primaryName string, cfg FallbackConfig) *S2SFallback {
	return &S2SFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional realtime provider as a fallback.
func (f *S2SFallback) AddFallback(name string, provider s2s.Provider) {
	f.group.AddFallback(name, provider)
}

// Names returns the backend names in failover order.
func (f *S2SFallback) Names() []string {
	return f.group.Names()
}

// Connect opens a session on the first healthy backend.
func (f *S2SFallback) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p s2s.Provider) (s2s.SessionHandle, error) {
		return p.Connect(ctx, cfg)
	})
}

// Capabilities reports the primary backend's capabilities. Fallbacks are
// expected to accept the same audio formats; their voice catalogues may differ.
func (f *S2SFallback) Capabilities() s2s.Capabilities {
	return f.group.Primary().Capabilities()
}
