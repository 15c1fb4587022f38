package adapters

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"docketline/internal/config"
)

// UnknownTargetError marks a lookup for a target with no configuration. This is a
// configuration bug, not a delivery failure, and is never retried.
type UnknownTargetError struct {
	Target string
}

func (e UnknownTargetError) Error() string {
	return fmt.Sprintf("no adapter configured for target %s", e.Target)
}

// Registry lazily constructs and caches one adapter per target. Adapters are
// stateless beyond endpoint configuration, so caching instances is safe. The
// registry is injected wherever it is needed; there is no package-level instance.
type Registry struct {
	cfg    *config.Config
	client *http.Client
	now    func() time.Time

	mu       sync.Mutex
	adapters map[string]Adapter
}

func NewRegistry(cfg *config.Config) *Registry {
	return &Registry{
		cfg:      cfg,
		client:   &http.Client{},
		now:      time.Now,
		adapters: make(map[string]Adapter),
	}
}

// Register installs a pre-built adapter, displacing lazy construction for its
// target. Tests use this to substitute fakes without touching global state.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Target()] = a
}

// Adapter resolves a target identifier to its cached adapter, building it on first use.
func (r *Registry) Adapter(target string) (Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.adapters[target]; ok {
		return a, nil
	}
	tc, ok := r.cfg.Targets[target]
	if !ok {
		return nil, UnknownTargetError{Target: target}
	}
	if tc.Enabled != nil && !*tc.Enabled {
		return nil, UnknownTargetError{Target: target}
	}
	timeout := DefaultTimeout
	if r.cfg.Dispatch.TimeoutSeconds > 0 {
		timeout = time.Duration(r.cfg.Dispatch.TimeoutSeconds) * time.Second
	}
	a := &httpAdapter{
		target:         target,
		endpoint:       tc.Endpoint,
		path:           tc.Path,
		serviceName:    r.cfg.Service.Name,
		serviceVersion: r.cfg.Service.Version,
		timeout:        timeout,
		client:         r.client,
		now:            r.now,
		augment:        augmentations[target],
	}
	r.adapters[target] = a
	return a, nil
}
