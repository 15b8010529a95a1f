package workers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mosaic-hq/mosaic/pkg/config"
	"mosaic-hq/mosaic/pkg/health"
	"mosaic-hq/mosaic/pkg/httppool"
	"mosaic-hq/mosaic/pkg/registry"
)

const (
	goodKey = "sk-good-key-0123456789"
	badKey  = "sk-bad-key-0123456789"
)

func newTestStore(t *testing.T) *registry.Store {
	t.Helper()
	store, err := registry.NewStore(&registry.SQLiteConfig{
		Path:         filepath.Join(t.TempDir(), "registry.db"),
		MaxOpenConns: 2,
		MaxIdleConns: 1,
		WALMode:      true,
	})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// listingUpstream serves an OpenAI-style model listing. Keys other than
// goodKey get a 401.
func listingUpstream(t *testing.T, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		if r.Header.Get("Authorization") != "Bearer "+goodKey {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_api_key"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"object":"list","data":[{"id":"m1"},{"id":"m2"}]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func probeGroupFixture(t *testing.T, store *registry.Store, baseURL string, keys ...string) *registry.Group {
	t.Helper()
	g := &registry.Group{
		Name:               "probe-target",
		ProviderKind:       registry.KindOpenAIChat,
		BaseURL:            baseURL,
		APIKeys:            keys,
		Models:             []string{"m1", "missing-model"},
		Enabled:            true,
		HealthCheckEnabled: true,
	}
	if err := store.CreateGroup(context.Background(), g); err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}
	return g
}

func proberConfig() config.HealthCheckConfig {
	return config.HealthCheckConfig{
		Enabled:             true,
		IntervalMinutes:     30,
		MaxConcurrentGroups: 2,
		CheckTimeoutSeconds: 5,
	}
}

func TestHealthProber_RunOnce(t *testing.T) {
	store := newTestStore(t)
	srv := listingUpstream(t, nil)
	g := probeGroupFixture(t, store, srv.URL, goodKey, badKey)

	tracker := health.NewTracker(store)
	pool := httppool.NewPool()
	defer pool.Close()

	p := NewHealthProber(proberConfig(), store, tracker, pool)
	p.RunOnce(context.Background())

	if got := tracker.Status(g.ID, registry.HashKey(goodKey)); got != health.StatusHealthy {
		t.Errorf("good key status = %v, want healthy", got)
	}
	if got := tracker.Status(g.ID, registry.HashKey(badKey)); got != health.StatusUnhealthy {
		t.Errorf("401 key status = %v, want unhealthy", got)
	}

	prov, err := store.ProviderValidation(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("ProviderValidation() error = %v", err)
	}
	if prov == nil || prov.SuccessfulChecks != 1 || prov.ConsecutiveFailures != 0 {
		t.Errorf("provider validation = %+v, want one success", prov)
	}

	models, err := store.ModelValidation(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("ModelValidation() error = %v", err)
	}
	if rec := models["m1"]; rec == nil || rec.SuccessfulChecks != 1 {
		t.Errorf("m1 validation = %+v, want success", rec)
	}
	if rec := models["missing-model"]; rec == nil || rec.ConsecutiveFailures != 1 {
		t.Errorf("missing-model validation = %+v, want failure", rec)
	}
}

func TestHealthProber_SkipsGroupsWithChecksDisabled(t *testing.T) {
	store := newTestStore(t)
	var hits atomic.Int64
	srv := listingUpstream(t, &hits)

	g := probeGroupFixture(t, store, srv.URL, goodKey)
	g.HealthCheckEnabled = false
	if err := store.UpdateGroup(context.Background(), g); err != nil {
		t.Fatalf("UpdateGroup() error = %v", err)
	}

	tracker := health.NewTracker(store)
	pool := httppool.NewPool()
	defer pool.Close()

	NewHealthProber(proberConfig(), store, tracker, pool).RunOnce(context.Background())

	if hits.Load() != 0 {
		t.Errorf("upstream hits = %d, want 0 for disabled group", hits.Load())
	}
	if got := tracker.Status(g.ID, registry.HashKey(goodKey)); got != health.StatusUnknown {
		t.Errorf("key status = %v, want unknown", got)
	}
}

func TestHealthProber_AllKeysDownMarksProviderFailing(t *testing.T) {
	store := newTestStore(t)
	srv := listingUpstream(t, nil)
	g := probeGroupFixture(t, store, srv.URL, badKey)

	tracker := health.NewTracker(store)
	pool := httppool.NewPool()
	defer pool.Close()

	p := NewHealthProber(proberConfig(), store, tracker, pool)
	p.RunOnce(context.Background())
	p.RunOnce(context.Background())

	prov, err := store.ProviderValidation(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("ProviderValidation() error = %v", err)
	}
	if prov == nil || prov.ConsecutiveFailures != 2 || prov.SuccessfulChecks != 0 {
		t.Errorf("provider validation = %+v, want two consecutive failures", prov)
	}
}

// A key stuck on a 401 must come back through a successful recovery probe
// and only through one.
func TestKeyRecovery_RestoresSticky401Key(t *testing.T) {
	store := newTestStore(t)
	srv := listingUpstream(t, nil)
	g := probeGroupFixture(t, store, srv.URL, goodKey)

	tracker := health.NewTracker(store)
	pool := httppool.NewPool()
	defer pool.Close()

	hash := registry.HashKey(goodKey)
	tracker.Observe(g.ID, hash, health.Observation{
		Outcome:    health.OutcomeAuthFailure,
		StatusCode: http.StatusUnauthorized,
	})
	if got := tracker.Status(g.ID, hash); got != health.StatusUnhealthy {
		t.Fatalf("status after live 401 = %v, want unhealthy", got)
	}

	k := NewKeyRecovery(config.KeyHealthCheckConfig{Enabled: true, IntervalMinutes: 5}, proberConfig(), store, tracker, pool)
	k.RunOnce(context.Background())

	if got := tracker.Status(g.ID, hash); got != health.StatusHealthy {
		t.Errorf("status after recovery probe = %v, want healthy", got)
	}
}

func TestKeyRecovery_FailedProbeKeepsKeyOut(t *testing.T) {
	store := newTestStore(t)
	srv := listingUpstream(t, nil)
	g := probeGroupFixture(t, store, srv.URL, badKey)

	tracker := health.NewTracker(store)
	pool := httppool.NewPool()
	defer pool.Close()

	hash := registry.HashKey(badKey)
	tracker.Observe(g.ID, hash, health.Observation{
		Outcome:    health.OutcomeAuthFailure,
		StatusCode: http.StatusUnauthorized,
	})

	k := NewKeyRecovery(config.KeyHealthCheckConfig{Enabled: true, IntervalMinutes: 5}, proberConfig(), store, tracker, pool)
	k.RunOnce(context.Background())

	if got := tracker.Status(g.ID, hash); got != health.StatusUnhealthy {
		t.Errorf("status after failed recovery probe = %v, want unhealthy", got)
	}
}

func TestKeyRecovery_LeavesHealthyKeysAlone(t *testing.T) {
	store := newTestStore(t)
	var hits atomic.Int64
	srv := listingUpstream(t, &hits)
	g := probeGroupFixture(t, store, srv.URL, goodKey)

	tracker := health.NewTracker(store)
	pool := httppool.NewPool()
	defer pool.Close()

	tracker.Observe(g.ID, registry.HashKey(goodKey), health.Observation{
		Outcome:    health.OutcomeSuccess,
		StatusCode: http.StatusOK,
	})

	k := NewKeyRecovery(config.KeyHealthCheckConfig{Enabled: true, IntervalMinutes: 5}, proberConfig(), store, tracker, pool)
	k.RunOnce(context.Background())

	if hits.Load() != 0 {
		t.Errorf("upstream hits = %d, want 0 for healthy keys", hits.Load())
	}
}

type fakeRetention struct {
	mu       sync.Mutex
	deleted  int64
	cutoffs  []time.Time
	vacuumed int
}

func (f *fakeRetention) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.deleted, nil
}

func (f *fakeRetention) Vacuum(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vacuumed++
	return nil
}

func (f *fakeRetention) snapshot() (passes, vacuums int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs), f.vacuumed
}

func TestLogCleanup_VacuumOnlyAfterDeletions(t *testing.T) {
	withRows := &fakeRetention{deleted: 42}
	empty := &fakeRetention{deleted: 0}

	c := NewLogCleanup(config.LogCleanupConfig{Enabled: true, RetentionDays: 7}, withRows, empty)
	c.RunOnce(context.Background())

	if passes, vacuums := withRows.snapshot(); passes != 1 || vacuums != 1 {
		t.Errorf("target with rows: passes=%d vacuums=%d, want 1/1", passes, vacuums)
	}
	if passes, vacuums := empty.snapshot(); passes != 1 || vacuums != 0 {
		t.Errorf("empty target: passes=%d vacuums=%d, want 1/0", passes, vacuums)
	}

	withRows.mu.Lock()
	cutoff := withRows.cutoffs[0]
	withRows.mu.Unlock()
	want := time.Now().UTC().AddDate(0, 0, -7)
	if diff := want.Sub(cutoff); diff < -time.Minute || diff > time.Minute {
		t.Errorf("cutoff = %v, want about %v", cutoff, want)
	}
}

func TestLogCleanup_StartRunsStartupPass(t *testing.T) {
	target := &fakeRetention{deleted: 1}
	c := NewLogCleanup(config.LogCleanupConfig{
		Enabled:          true,
		IntervalHours:    24,
		CleanupOnStartup: true,
		RetentionDays:    30,
	}, target, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := c.Start(ctx); err == nil {
		t.Error("second Start() should fail while running")
	}
	cancel()
	c.Stop()

	if passes, _ := target.snapshot(); passes != 1 {
		t.Errorf("startup passes = %d, want 1", passes)
	}
}

func TestManager_StopDuringGraceReturns(t *testing.T) {
	store := newTestStore(t)
	tracker := health.NewTracker(store)
	pool := httppool.NewPool()
	defer pool.Close()

	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.HealthCheck.Enabled = true
	cfg.KeyHealthCheck.Enabled = true
	cfg.LogCleanup.Enabled = true

	m := NewManager(cfg, store, tracker, pool, &fakeRetention{}, nil)
	if m.grace < 30*time.Second || m.grace > 60*time.Second {
		t.Errorf("grace = %v, want within [30s, 60s]", m.grace)
	}
	m.grace = time.Hour

	m.Start(context.Background())

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return during grace period")
	}
}

func TestManager_LaunchesWorkersAfterGrace(t *testing.T) {
	store := newTestStore(t)
	srv := listingUpstream(t, nil)
	g := probeGroupFixture(t, store, srv.URL, goodKey)

	tracker := health.NewTracker(store)
	pool := httppool.NewPool()
	defer pool.Close()

	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.HealthCheck.Enabled = true
	cfg.HealthCheck.CheckOnStartup = true
	cfg.HealthCheck.CheckTimeoutSeconds = 5

	m := NewManager(cfg, store, tracker, pool, nil, nil)
	m.grace = 10 * time.Millisecond

	m.Start(context.Background())
	defer m.Stop()

	deadline := time.Now().Add(3 * time.Second)
	hash := registry.HashKey(goodKey)
	for time.Now().Before(deadline) {
		if tracker.Status(g.ID, hash) == health.StatusHealthy {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("key never probed after grace, status = %v", tracker.Status(g.ID, hash))
}

func TestParseModelList(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{
			name: "openai shape",
			body: `{"object":"list","data":[{"id":"gpt-4"},{"id":"gpt-3.5-turbo"}]}`,
			want: []string{"gpt-4", "gpt-3.5-turbo"},
		},
		{
			name: "anthropic shape",
			body: `{"data":[{"id":"claude-sonnet-4"}],"has_more":false}`,
			want: []string{"claude-sonnet-4"},
		},
		{
			name: "gemini shape strips prefix",
			body: `{"models":[{"name":"models/gemini-2.0-flash"}]}`,
			want: []string{"gemini-2.0-flash"},
		},
		{
			name: "garbage",
			body: `not json`,
			want: nil,
		},
		{
			name: "empty listing",
			body: `{"data":[]}`,
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseModelList([]byte(tt.body))
			if len(got) != len(tt.want) {
				t.Fatalf("parseModelList() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("model[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}
