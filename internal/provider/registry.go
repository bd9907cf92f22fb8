package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// HealthRecord is the cached probe outcome for one (kind, provider) pair.
type HealthRecord struct {
	Name          string    `json:"name"`
	Kind          Kind      `json:"kind"`
	Available     bool      `json:"available"`
	LastLatencyMs int64     `json:"last_latency_ms"`
	CheckedAt     time.Time `json:"checked_at"`
}

type healthKey struct {
	kind Kind
	name string
}

// Registry tracks configured drivers, their priority order per capability
// and a short-lived health cache. Priority is runtime-settable and kept in
// memory only.
type Registry struct {
	mu           sync.RWMutex
	drivers      map[string]Driver
	priority     map[Kind][]string
	health       map[healthKey]HealthRecord
	healthTTL    time.Duration
	probeTimeout time.Duration
	now          func() time.Time
}

func NewRegistry(healthTTL, probeTimeout time.Duration) *Registry {
	if healthTTL <= 0 {
		healthTTL = 30 * time.Second
	}
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	return &Registry{
		drivers:      make(map[string]Driver),
		priority:     make(map[Kind][]string),
		health:       make(map[healthKey]HealthRecord),
		healthTTL:    healthTTL,
		probeTimeout: probeTimeout,
		now:          time.Now,
	}
}

func (r *Registry) Register(d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[d.Name()] = d
}

// SetPriority replaces the candidate order for a capability. Unknown or
// unsupporting driver names are rejected.
func (r *Registry) SetPriority(kind Kind, names []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range names {
		d, ok := r.drivers[n]
		if !ok {
			return fmt.Errorf("unknown provider %q", n)
		}
		if !d.Supports(kind) {
			return fmt.Errorf("provider %q does not support %s", n, kind)
		}
	}
	r.priority[kind] = append([]string(nil), names...)
	return nil
}

func (r *Registry) Priority(kind Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.priority[kind]...)
}

func (r *Registry) driver(name string) (Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[name]
	return d, ok
}

// Healthy reports whether the provider may serve the kind, probing when
// the cached record is stale. Failed probes mark the provider unavailable
// for one cache lifetime.
func (r *Registry) Healthy(ctx context.Context, kind Kind, name string) bool {
	d, ok := r.driver(name)
	if !ok || !d.Supports(kind) {
		return false
	}

	key := healthKey{kind: kind, name: name}
	r.mu.RLock()
	rec, cached := r.health[key]
	ttl := r.healthTTL
	now := r.now()
	r.mu.RUnlock()
	if cached && now.Sub(rec.CheckedAt) < ttl {
		return rec.Available
	}

	available := d.Configured()
	var latency time.Duration
	if available {
		probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
		start := now
		err := d.Probe(probeCtx)
		cancel()
		latency = r.now().Sub(start)
		available = err == nil
	}

	r.mu.Lock()
	r.health[key] = HealthRecord{
		Name:          name,
		Kind:          kind,
		Available:     available,
		LastLatencyMs: latency.Milliseconds(),
		CheckedAt:     r.now(),
	}
	r.mu.Unlock()
	return available
}

// MarkUnhealthy pins the provider unavailable for one cache lifetime,
// typically after a failed request.
func (r *Registry) MarkUnhealthy(kind Kind, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health[healthKey{kind: kind, name: name}] = HealthRecord{
		Name:      name,
		Kind:      kind,
		Available: false,
		CheckedAt: r.now(),
	}
}

// MarkHealthy records a successful request and its latency.
func (r *Registry) MarkHealthy(kind Kind, name string, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health[healthKey{kind: kind, name: name}] = HealthRecord{
		Name:          name,
		Kind:          kind,
		Available:     true,
		LastLatencyMs: latency.Milliseconds(),
		CheckedAt:     r.now(),
	}
}

// HealthSnapshot returns current health records for the admin surface,
// sorted for stable output.
func (r *Registry) HealthSnapshot() []HealthRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]HealthRecord, 0, len(r.health))
	for _, rec := range r.health {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Name < out[j].Name
	})
	return out
}
