package resilience

import (
	"context"

	"github.com/MrWong99/docustudio/internal/observe"
	"github.com/MrWong99/docustudio/pkg/provider/s2s"
)

// S2SFallback implements [s2s.Provider] with failover across several realtime
// backends. Only session setup fails over: once Connect returned a handle, the
// session stays on that backend until it ends.
type S2SFallback struct {
	group *FallbackGroup[s2s.Provider]
}

var _ s2s.Provider = (*S2SFallback)(nil)

// NewS2SFallback creates an [S2SFallback] with primary as the preferred backend.
func NewS2SFallback(primary s2s.Provider, primaryName string, cfg FallbackConfig) *S2SFallback {
	return &S2SFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend, tried after all earlier ones.
func (f *S2SFallback) AddFallback(name string, provider s2s.Provider) {
	f.group.AddFallback(name, provider)
}

// Names returns the backends in the order they are tried.
func (f *S2SFallback) Names() []string { return f.group.Names() }

// States returns each backend's breaker state.
func (f *S2SFallback) States() map[string]State { return f.group.States() }

// Connect opens a session on the first healthy backend.
func (f *S2SFallback) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	handle, name, err := ExecuteWithResult(ctx, f.group, func(p s2s.Provider) (s2s.SessionHandle, error) {
		return p.Connect(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}
	observe.Logger(ctx).Info("s2s session connected", "provider", name)
	return handle, nil
}
