// Package routing selects the group and key that serve a request.
//
// Group selection filters to usable groups of the right dialect that serve
// the requested model (after alias resolution), then rotates across them.
// Key selection filters out unhealthy keys and applies the group's policy;
// when every key is unhealthy the filter is waived, because a guess at a
// bad key still beats a guaranteed refusal.
package routing

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"

	"mosaic-hq/mosaic/pkg/health"
	"mosaic-hq/mosaic/pkg/registry"
)

// NoViableGroupError means no usable group of the requested dialect serves
// the model.
type NoViableGroupError struct {
	Kind  registry.ProviderKind
	Model string
}

func (e *NoViableGroupError) Error() string {
	return fmt.Sprintf("no viable group for model %q (%s)", e.Model, e.Kind)
}

// NoViableKeyError means the selected group has no keys at all.
type NoViableKeyError struct {
	GroupID string
}

func (e *NoViableKeyError) Error() string {
	return fmt.Sprintf("no viable key in group %s", e.GroupID)
}

// Selection is the outcome of routing one request.
type Selection struct {
	Group *registry.Group

	// CanonicalModel is the model after alias resolution in the chosen
	// group.
	CanonicalModel string

	// Key is the raw API key to use upstream.
	Key string

	// KeyHash identifies the key everywhere outside the dispatch path.
	KeyHash string
}

// Selector picks groups and keys.
type Selector struct {
	tracker *health.Tracker

	mu       sync.Mutex
	counters map[string]*atomic.Uint64
	rng      *rand.Rand
}

// NewSelector creates a selector backed by the given health tracker.
func NewSelector(tracker *health.Tracker, seed int64) *Selector {
	return &Selector{
		tracker:  tracker,
		counters: make(map[string]*atomic.Uint64),
		rng:      rand.New(rand.NewSource(seed)),
	}
}

func (s *Selector) counter(key string) *atomic.Uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[key]
	if !ok {
		c = &atomic.Uint64{}
		s.counters[key] = c
	}
	return c
}

func (s *Selector) intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Intn(n)
}

// SelectGroup picks the group serving a model among those of the given
// dialect. allowedGroups restricts candidates to the named group ids; an
// empty list allows all. The requested model is resolved per group, so the
// same alias may map to different canonical models in different groups.
func (s *Selector) SelectGroup(groups []*registry.Group, kind registry.ProviderKind, model string, allowedGroups []string) (*registry.Group, string, error) {
	allowed := make(map[string]bool, len(allowedGroups))
	for _, id := range allowedGroups {
		allowed[id] = true
	}

	type candidate struct {
		group     *registry.Group
		canonical string
	}
	var candidates []candidate
	var broken []candidate
	for _, g := range groups {
		if g.ProviderKind != kind || !g.Usable() {
			continue
		}
		if len(allowed) > 0 && !allowed[g.ID] {
			continue
		}
		// Resource-style operations (retrieving or cancelling a stored
		// response) carry no model; any usable group of the dialect may
		// hold the resource.
		if model == "" {
			candidates = append(candidates, candidate{group: g})
			continue
		}
		canonical := g.ResolveModel(model)
		if !g.ServesModel(canonical) {
			continue
		}
		// Groups whose declared model stopped showing up in the upstream
		// listing are skipped while a better home exists.
		if s.tracker.ModelBroken(g.ID, canonical) {
			broken = append(broken, candidate{group: g, canonical: canonical})
			continue
		}
		candidates = append(candidates, candidate{group: g, canonical: canonical})
	}

	// Every serving group's model is failing its checks: an attempt still
	// beats a guaranteed refusal, same as the all-unhealthy key fallback.
	if len(candidates) == 0 {
		candidates = broken
	}
	if len(candidates) == 0 {
		return nil, "", &NoViableGroupError{Kind: kind, Model: model}
	}
	if len(candidates) == 1 {
		return candidates[0].group, candidates[0].canonical, nil
	}

	// Multiple groups serve the model: rotate across them per model so
	// load spreads without per-request coordination.
	n := s.counter(string(kind) + "|" + model).Add(1)
	chosen := candidates[int((n-1)%uint64(len(candidates)))]
	return chosen.group, chosen.canonical, nil
}

// SelectKey picks an API key within a group according to its policy.
// Unhealthy keys are excluded unless every key is unhealthy, in which case
// all keys are back on the table.
func (s *Selector) SelectKey(g *registry.Group) (key, keyHash string, err error) {
	if len(g.APIKeys) == 0 {
		return "", "", &NoViableKeyError{GroupID: g.ID}
	}

	type candidate struct {
		raw  string
		hash string
	}
	all := make([]candidate, 0, len(g.APIKeys))
	viable := make([]candidate, 0, len(g.APIKeys))
	for _, raw := range g.APIKeys {
		c := candidate{raw: raw, hash: registry.HashKey(raw)}
		all = append(all, c)
		if s.tracker.Status(g.ID, c.hash) != health.StatusUnhealthy {
			viable = append(viable, c)
		}
	}
	if len(viable) == 0 {
		viable = all
	}

	var chosen candidate
	switch g.Policy {
	case registry.PolicyRandom:
		chosen = viable[s.intn(len(viable))]

	case registry.PolicyLeastLoad:
		chosen = viable[0]
		best := s.tracker.State(g.ID, chosen.hash)
		for _, c := range viable[1:] {
			st := s.tracker.State(g.ID, c.hash)
			if st.AvgResponseMS < best.AvgResponseMS ||
				(st.AvgResponseMS == best.AvgResponseMS && st.InFlight < best.InFlight) {
				chosen, best = c, st
			}
		}

	default: // round_robin
		n := s.counter("key|" + g.ID).Add(1)
		chosen = viable[int((n-1)%uint64(len(viable)))]
	}

	return chosen.raw, chosen.hash, nil
}

// Select routes one request end to end: group, canonical model, key.
func (s *Selector) Select(groups []*registry.Group, kind registry.ProviderKind, model string, allowedGroups []string) (*Selection, error) {
	g, canonical, err := s.SelectGroup(groups, kind, model, allowedGroups)
	if err != nil {
		return nil, err
	}
	key, hash, err := s.SelectKey(g)
	if err != nil {
		return nil, err
	}
	return &Selection{
		Group:          g,
		CanonicalModel: canonical,
		Key:            key,
		KeyHash:        hash,
	}, nil
}
