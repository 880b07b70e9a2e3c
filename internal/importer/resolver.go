// Package importer drives the per-file import pipeline: parse, resolve
// dimensions, commit, mark. It owns the run loop and the per-run caches.
package importer

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/teleperf/phoneqa/internal/model"
)

// Resolver maps report identifiers to dimension rows. It is shared across
// worker goroutines within one run; the criterion cache only ever grows, and
// a stale miss just costs one extra upsert inside the store transaction.
type Resolver struct {
	mu       sync.Mutex
	roster   map[string]model.Agent
	criteria map[string]int64
}

// NewResolver builds a Resolver over the loaded roster. A nil roster is
// valid: every agent then becomes a placeholder.
func NewResolver(roster map[string]model.Agent) *Resolver {
	return &Resolver{
		roster:   roster,
		criteria: make(map[string]int64),
	}
}

// Agent resolves an extension to a rostered agent, or synthesizes a
// placeholder row for extensions the roster does not know. An empty
// extension gets a unique generated identifier so the evaluation is never
// silently attached to some other agent's row.
func (r *Resolver) Agent(extension string) model.Agent {
	extension = strings.TrimSpace(extension)
	if extension == "" {
		id := "unassigned-" + uuid.NewString()[:8]
		return model.Agent{Extension: id, Name: "Unassigned " + id, Rostered: false}
	}
	if a, ok := r.roster[extension]; ok {
		a.Rostered = true
		return a
	}
	return model.Agent{Extension: extension, Name: "Agent " + extension, Rostered: false}
}

// Criteria returns the cached IDs for the given names; names without a
// cached ID are simply absent and the store resolves them transactionally.
func (r *Resolver) Criteria(names []string) map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(names))
	for _, name := range names {
		if id, ok := r.criteria[name]; ok {
			out[name] = id
		}
	}
	return out
}

// Observe feeds IDs resolved by a committed transaction back into the cache.
func (r *Resolver) Observe(ids map[string]int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, id := range ids {
		r.criteria[name] = id
	}
}
