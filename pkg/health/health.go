// Package health tracks per-key upstream health and derives the statuses
// the selector consumes.
//
// State machine per (group, key): keys start unknown, become healthy on
// success, degrade to warning on intermittent trouble, and become
// unhealthy after three consecutive hard failures. A 401 is special: it
// marks the key unhealthy immediately and stickily, and only a successful
// recovery probe can clear it. Live traffic succeeding on a 401-flagged
// key is not trusted, because an upstream that intermittently accepts a
// revoked key is still a revoked key.
package health

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"mosaic-hq/mosaic/pkg/registry"
)

// Status is the derived health of one key.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusWarning   Status = "warning"
	StatusUnhealthy Status = "unhealthy"
)

// Outcome classifies one observed upstream interaction.
type Outcome string

const (
	// OutcomeSuccess is a 2xx or 3xx response.
	OutcomeSuccess Outcome = "success"
	// OutcomeAuthFailure is a 401: the key is rejected by the upstream.
	OutcomeAuthFailure Outcome = "auth_failure"
	// OutcomeClientError is any other 4xx except 429. It reflects the
	// request, not the key, and does not move health.
	OutcomeClientError Outcome = "client_error"
	// OutcomeRateLimited is a 429.
	OutcomeRateLimited Outcome = "rate_limited"
	// OutcomeServerError is a 5xx.
	OutcomeServerError Outcome = "server_error"
	// OutcomeTimeout is a deadline exceeded before or during the response.
	OutcomeTimeout Outcome = "timeout"
	// OutcomeNetwork is a connect, TLS, or transport failure.
	OutcomeNetwork Outcome = "network"
)

// ClassifyStatusCode maps an upstream HTTP status to an outcome.
func ClassifyStatusCode(code int) Outcome {
	switch {
	case code >= 200 && code < 400:
		return OutcomeSuccess
	case code == http.StatusUnauthorized:
		return OutcomeAuthFailure
	case code == http.StatusTooManyRequests:
		return OutcomeRateLimited
	case code >= 400 && code < 500:
		return OutcomeClientError
	default:
		return OutcomeServerError
	}
}

// failureThreshold is the consecutive hard-failure count that flips a key
// to unhealthy.
const failureThreshold = 3

// ewmaAlpha weights the response-time moving average toward recent calls.
const ewmaAlpha = 0.3

// Observation is one upstream interaction involving a key.
type Observation struct {
	Outcome    Outcome
	StatusCode int
	Duration   time.Duration

	// Probe marks observations produced by a recovery or health probe
	// rather than live traffic. Only probe successes clear a sticky 401.
	Probe bool
}

// KeyState is a snapshot of one key's tracked state.
type KeyState struct {
	Status              Status
	ConsecutiveFailures int
	Sticky401           bool
	TotalChecks         int
	SuccessfulChecks    int
	LastStatusCode      int
	LastCheckedAt       time.Time
	LastSuccessAt       time.Time
	LastFailureAt       time.Time
	AvgResponseMS       float64
	InFlight            int
}

// keyEntry is the mutable tracked state behind its own lock, so two keys
// of the same group never contend.
type keyEntry struct {
	mu sync.Mutex

	consecutiveFailures int
	sticky401           bool
	totalChecks         int
	successfulChecks    int
	lastStatusCode      int
	lastCheckedAt       time.Time
	lastSuccessAt       time.Time
	lastFailureAt       time.Time
	avgResponseMS       float64
	inFlight            int
}

func (e *keyEntry) statusLocked() Status {
	switch {
	case e.sticky401 || e.consecutiveFailures >= failureThreshold:
		return StatusUnhealthy
	case e.consecutiveFailures > 0:
		return StatusWarning
	case e.totalChecks == 0:
		return StatusUnknown
	default:
		return StatusHealthy
	}
}

// Tracker owns the health state of every (group, key) pair, plus the
// per-group model checks the prober feeds it. The optional store makes
// state survive restarts.
type Tracker struct {
	mu     sync.RWMutex
	keys   map[string]*keyEntry // groupID + "\x00" + keyHash
	models map[string]*keyEntry // groupID + "\x00" + model
	store  *registry.Store
	logger *slog.Logger
}

// NewTracker creates a tracker. store may be nil for memory-only tracking.
func NewTracker(store *registry.Store) *Tracker {
	return &Tracker{
		keys:   make(map[string]*keyEntry),
		models: make(map[string]*keyEntry),
		store:  store,
		logger: slog.Default().With("component", "health.tracker"),
	}
}

func trackerKey(groupID, keyHash string) string {
	return groupID + "\x00" + keyHash
}

func (t *Tracker) entry(groupID, keyHash string) *keyEntry {
	k := trackerKey(groupID, keyHash)

	t.mu.RLock()
	e, ok := t.keys[k]
	t.mu.RUnlock()
	if ok {
		return e
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.keys[k]; ok {
		return e
	}
	e = &keyEntry{}
	t.keys[k] = e
	return e
}

// Hydrate loads persisted validation state for a group's keys. Missing
// rows leave keys at unknown.
func (t *Tracker) Hydrate(ctx context.Context, groupID string) error {
	if t.store == nil {
		return nil
	}
	state, err := t.store.KeyValidation(ctx, groupID)
	if err != nil {
		return err
	}
	for hash, rec := range state {
		e := t.entry(groupID, hash)
		e.mu.Lock()
		e.consecutiveFailures = rec.ConsecutiveFailures
		e.sticky401 = rec.LastStatusCode == http.StatusUnauthorized
		e.totalChecks = rec.TotalChecks
		e.successfulChecks = rec.SuccessfulChecks
		e.lastStatusCode = rec.LastStatusCode
		if rec.LastCheckedAt != nil {
			e.lastCheckedAt = *rec.LastCheckedAt
		}
		if rec.LastSuccessAt != nil {
			e.lastSuccessAt = *rec.LastSuccessAt
		}
		if rec.LastFailureAt != nil {
			e.lastFailureAt = *rec.LastFailureAt
		}
		e.avgResponseMS = rec.AvgResponseMS
		e.mu.Unlock()
	}
	return nil
}

// Observe feeds one interaction into the state machine.
func (t *Tracker) Observe(groupID, keyHash string, obs Observation) Status {
	e := t.entry(groupID, keyHash)
	now := time.Now().UTC()

	e.mu.Lock()
	before := e.statusLocked()

	e.totalChecks++
	e.lastCheckedAt = now
	if obs.StatusCode != 0 {
		e.lastStatusCode = obs.StatusCode
	}
	if obs.Duration > 0 {
		ms := float64(obs.Duration.Milliseconds())
		if e.avgResponseMS == 0 {
			e.avgResponseMS = ms
		} else {
			e.avgResponseMS = ewmaAlpha*ms + (1-ewmaAlpha)*e.avgResponseMS
		}
	}

	switch obs.Outcome {
	case OutcomeSuccess:
		e.successfulChecks++
		e.lastSuccessAt = now
		e.consecutiveFailures = 0
		if e.sticky401 && obs.Probe {
			e.sticky401 = false
			e.lastStatusCode = obs.StatusCode
		}

	case OutcomeAuthFailure:
		e.lastFailureAt = now
		e.consecutiveFailures++
		e.sticky401 = true

	case OutcomeRateLimited, OutcomeServerError, OutcomeTimeout, OutcomeNetwork:
		e.lastFailureAt = now
		e.consecutiveFailures++

	case OutcomeClientError:
		// The request was wrong, the key is fine.
	}

	after := e.statusLocked()
	snapshot := e.recordLocked()
	e.mu.Unlock()

	if before != after {
		t.logger.Info("key health transition",
			"group_id", groupID,
			"key_hash", keyHash,
			"from", before,
			"to", after,
			"outcome", obs.Outcome,
			"status_code", obs.StatusCode,
		)
	}

	t.persist(groupID, keyHash, snapshot)
	return after
}

func (e *keyEntry) recordLocked() *registry.ValidationRecord {
	rec := &registry.ValidationRecord{
		ConsecutiveFailures: e.consecutiveFailures,
		TotalChecks:         e.totalChecks,
		SuccessfulChecks:    e.successfulChecks,
		LastStatusCode:      e.lastStatusCode,
		AvgResponseMS:       e.avgResponseMS,
	}
	if !e.lastCheckedAt.IsZero() {
		ts := e.lastCheckedAt
		rec.LastCheckedAt = &ts
	}
	if !e.lastSuccessAt.IsZero() {
		ts := e.lastSuccessAt
		rec.LastSuccessAt = &ts
	}
	if !e.lastFailureAt.IsZero() {
		ts := e.lastFailureAt
		rec.LastFailureAt = &ts
	}
	return rec
}

func (t *Tracker) persist(groupID, keyHash string, rec *registry.ValidationRecord) {
	if t.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.store.UpsertKeyValidation(ctx, groupID, keyHash, rec); err != nil {
		t.logger.Warn("failed to persist key health",
			"group_id", groupID,
			"key_hash", keyHash,
			"error", err,
		)
	}
}

// Status returns the derived status of one key.
func (t *Tracker) Status(groupID, keyHash string) Status {
	t.mu.RLock()
	e, ok := t.keys[trackerKey(groupID, keyHash)]
	t.mu.RUnlock()
	if !ok {
		return StatusUnknown
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

// State returns a snapshot of one key's tracked state.
func (t *Tracker) State(groupID, keyHash string) KeyState {
	t.mu.RLock()
	e, ok := t.keys[trackerKey(groupID, keyHash)]
	t.mu.RUnlock()
	if !ok {
		return KeyState{Status: StatusUnknown}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return KeyState{
		Status:              e.statusLocked(),
		ConsecutiveFailures: e.consecutiveFailures,
		Sticky401:           e.sticky401,
		TotalChecks:         e.totalChecks,
		SuccessfulChecks:    e.successfulChecks,
		LastStatusCode:      e.lastStatusCode,
		LastCheckedAt:       e.lastCheckedAt,
		LastSuccessAt:       e.lastSuccessAt,
		LastFailureAt:       e.lastFailureAt,
		AvgResponseMS:       e.avgResponseMS,
		InFlight:            e.inFlight,
	}
}

// BeginRequest marks a request in flight on a key.
func (t *Tracker) BeginRequest(groupID, keyHash string) {
	e := t.entry(groupID, keyHash)
	e.mu.Lock()
	e.inFlight++
	e.mu.Unlock()
}

// EndRequest releases an in-flight slot.
func (t *Tracker) EndRequest(groupID, keyHash string) {
	e := t.entry(groupID, keyHash)
	e.mu.Lock()
	if e.inFlight > 0 {
		e.inFlight--
	}
	e.mu.Unlock()
}

// ForgetKey discards tracked state for one key, after the key itself was
// removed from its group.
func (t *Tracker) ForgetKey(groupID, keyHash string) {
	t.mu.Lock()
	delete(t.keys, trackerKey(groupID, keyHash))
	t.mu.Unlock()
}

// ForgetGroup discards tracked state for every key and model of a group.
func (t *Tracker) ForgetGroup(groupID string) {
	prefix := groupID + "\x00"
	t.mu.Lock()
	for k := range t.keys {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(t.keys, k)
		}
	}
	for k := range t.models {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(t.models, k)
		}
	}
	t.mu.Unlock()
}

func (t *Tracker) modelEntry(groupID, model string) *keyEntry {
	k := trackerKey(groupID, model)

	t.mu.RLock()
	e, ok := t.models[k]
	t.mu.RUnlock()
	if ok {
		return e
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.models[k]; ok {
		return e
	}
	e = &keyEntry{}
	t.models[k] = e
	return e
}

// ObserveModel feeds one prober verdict for a group's configured model:
// whether the upstream listing still offers it. The accumulated record is
// returned for persistence.
func (t *Tracker) ObserveModel(groupID, model string, ok bool) *registry.ValidationRecord {
	e := t.modelEntry(groupID, model)
	now := time.Now().UTC()

	e.mu.Lock()
	e.totalChecks++
	e.lastCheckedAt = now
	if ok {
		e.successfulChecks++
		e.lastSuccessAt = now
		e.consecutiveFailures = 0
	} else {
		e.lastFailureAt = now
		e.consecutiveFailures++
	}
	rec := e.recordLocked()
	e.mu.Unlock()
	return rec
}

// ModelBroken reports whether a group's declared model has crossed the
// failure threshold. The selector uses it to route around groups whose
// model vanished upstream.
func (t *Tracker) ModelBroken(groupID, model string) bool {
	t.mu.RLock()
	e, ok := t.models[trackerKey(groupID, model)]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked() == StatusUnhealthy
}

// HydrateModels loads persisted model validation state for a group.
func (t *Tracker) HydrateModels(ctx context.Context, groupID string) error {
	if t.store == nil {
		return nil
	}
	state, err := t.store.ModelValidation(ctx, groupID)
	if err != nil {
		return err
	}
	for model, rec := range state {
		e := t.modelEntry(groupID, model)
		e.mu.Lock()
		e.consecutiveFailures = rec.ConsecutiveFailures
		e.totalChecks = rec.TotalChecks
		e.successfulChecks = rec.SuccessfulChecks
		if rec.LastCheckedAt != nil {
			e.lastCheckedAt = *rec.LastCheckedAt
		}
		if rec.LastSuccessAt != nil {
			e.lastSuccessAt = *rec.LastSuccessAt
		}
		if rec.LastFailureAt != nil {
			e.lastFailureAt = *rec.LastFailureAt
		}
		e.mu.Unlock()
	}
	return nil
}

// CountByStatus tallies a group's keys per derived status, for gauges.
func (t *Tracker) CountByStatus(groupID string, keyHashes []string) map[Status]int {
	counts := make(map[Status]int, 4)
	for _, hash := range keyHashes {
		counts[t.Status(groupID, hash)]++
	}
	return counts
}
