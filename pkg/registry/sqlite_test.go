package registry

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(&SQLiteConfig{
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

func testGroup(name string) *Group {
	return &Group{
		Name:         name,
		ProviderKind: KindOpenAIChat,
		BaseURL:      "https://api.example.com/v1",
		APIKeys:      []string{"sk-alpha-0001", "sk-alpha-0002"},
		Models:       []string{"gpt-4o", "gpt-4o-mini"},
		Enabled:      true,
		Policy:       PolicyRoundRobin,
	}
}

func TestStore_CreateAndGetGroup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	g := testGroup("openai-main")
	g.ModelAliases = map[string]string{"gpt4": "gpt-4o"}
	g.ExtraHeaders = map[string]string{"X-Ratelimit-Tier": "gold"}
	if err := store.CreateGroup(ctx, g); err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}
	if g.ID == "" {
		t.Fatal("CreateGroup() did not assign an id")
	}

	got, err := store.GetGroup(ctx, g.ID)
	if err != nil {
		t.Fatalf("GetGroup() error = %v", err)
	}
	if got.Name != "openai-main" || got.ProviderKind != KindOpenAIChat {
		t.Errorf("round-trip mismatch: %+v", got)
	}
	if len(got.APIKeys) != 2 || got.APIKeys[0] != "sk-alpha-0001" {
		t.Errorf("api keys mismatch: %v", got.APIKeys)
	}
	if got.ModelAliases["gpt4"] != "gpt-4o" {
		t.Errorf("aliases mismatch: %v", got.ModelAliases)
	}
	if got.ExtraHeaders["X-Ratelimit-Tier"] != "gold" {
		t.Errorf("extra headers mismatch: %v", got.ExtraHeaders)
	}
}

func TestStore_CreateGroup_NameConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateGroup(ctx, testGroup("dup")); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	err := store.CreateGroup(ctx, testGroup("dup"))
	if !IsConflict(err) {
		t.Fatalf("second create error = %v, want ConflictError", err)
	}
}

func TestStore_CreateGroup_Validation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*Group)
	}{
		{"empty name", func(g *Group) { g.Name = " " }},
		{"bad kind", func(g *Group) { g.ProviderKind = "ftp-native" }},
		{"bad base url", func(g *Group) { g.BaseURL = "not-a-url" }},
		{"bad policy", func(g *Group) { g.Policy = "fastest" }},
		{"empty key entry", func(g *Group) { g.APIKeys = []string{"ok", ""} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := testGroup("valid-" + tt.name)
			tt.mutate(g)
			if err := store.CreateGroup(ctx, g); !IsValidation(err) {
				t.Errorf("CreateGroup() error = %v, want ValidationError", err)
			}
		})
	}
}

func TestStore_SoftDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	g := testGroup("ephemeral")
	if err := store.CreateGroup(ctx, g); err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}

	if err := store.DeleteGroup(ctx, g.ID); err != nil {
		t.Fatalf("DeleteGroup() error = %v", err)
	}

	// The group is invisible to reads and lists.
	if _, err := store.GetGroup(ctx, g.ID); !IsNotFound(err) {
		t.Errorf("GetGroup() after delete error = %v, want NotFoundError", err)
	}
	groups, err := store.ListGroups(ctx)
	if err != nil {
		t.Fatalf("ListGroups() error = %v", err)
	}
	if len(groups) != 0 {
		t.Errorf("ListGroups() after delete = %d groups, want 0", len(groups))
	}

	// A second delete reports not found rather than succeeding silently.
	if err := store.DeleteGroup(ctx, g.ID); !IsNotFound(err) {
		t.Errorf("second DeleteGroup() error = %v, want NotFoundError", err)
	}

	// The name is free for reuse.
	if err := store.CreateGroup(ctx, testGroup("ephemeral")); err != nil {
		t.Errorf("recreate with deleted name failed: %v", err)
	}
}

func TestStore_AddKeys_Batch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	g := testGroup("batch")
	if err := store.CreateGroup(ctx, g); err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}

	// One genuinely new key, one duplicate of an existing key, one
	// duplicate within the batch itself, one empty entry.
	result, err := store.AddKeys(ctx, g.ID, []string{
		"sk-alpha-0003",
		"sk-alpha-0001",
		"sk-alpha-0003",
		"  ",
	})
	if err != nil {
		t.Fatalf("AddKeys() error = %v", err)
	}
	if result.Added != 1 {
		t.Errorf("Added = %d, want 1", result.Added)
	}
	if result.Skipped != 2 {
		t.Errorf("Skipped = %d, want 2", result.Skipped)
	}
	if len(result.Errors) != 1 {
		t.Errorf("Errors = %v, want 1 entry", result.Errors)
	}

	got, err := store.GetGroup(ctx, g.ID)
	if err != nil {
		t.Fatalf("GetGroup() error = %v", err)
	}
	if len(got.APIKeys) != 3 {
		t.Errorf("group has %d keys, want 3", len(got.APIKeys))
	}
	// Order is preserved: new keys append after the existing ones.
	if got.APIKeys[2] != "sk-alpha-0003" {
		t.Errorf("key order broken: %v", got.APIKeys)
	}
}

func TestStore_RemoveKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	g := testGroup("trim")
	if err := store.CreateGroup(ctx, g); err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}

	if err := store.RemoveKey(ctx, g.ID, HashKey("sk-alpha-0001")); err != nil {
		t.Fatalf("RemoveKey() error = %v", err)
	}
	got, _ := store.GetGroup(ctx, g.ID)
	if len(got.APIKeys) != 1 || got.APIKeys[0] != "sk-alpha-0002" {
		t.Errorf("keys after remove = %v", got.APIKeys)
	}

	if err := store.RemoveKey(ctx, g.ID, HashKey("sk-missing")); !IsNotFound(err) {
		t.Errorf("RemoveKey(missing) error = %v, want NotFoundError", err)
	}
}

func TestStore_ClearInvalidKeys(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	g := testGroup("purge")
	if err := store.CreateGroup(ctx, g); err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}

	// Mark the first key as having last seen a 401.
	badHash := HashKey("sk-alpha-0001")
	err := store.UpsertKeyValidation(ctx, g.ID, badHash, &ValidationRecord{
		ConsecutiveFailures: 3,
		TotalChecks:         3,
		LastStatusCode:      401,
	})
	if err != nil {
		t.Fatalf("UpsertKeyValidation() error = %v", err)
	}

	removed, err := store.ClearInvalidKeys(ctx, g.ID)
	if err != nil {
		t.Fatalf("ClearInvalidKeys() error = %v", err)
	}
	if len(removed) != 1 || removed[0] != badHash {
		t.Errorf("removed = %v, want [%s]", removed, badHash)
	}

	got, _ := store.GetGroup(ctx, g.ID)
	if len(got.APIKeys) != 1 || got.APIKeys[0] != "sk-alpha-0002" {
		t.Errorf("keys after purge = %v", got.APIKeys)
	}

	// The purge also drops the stale validation row.
	state, err := store.KeyValidation(ctx, g.ID)
	if err != nil {
		t.Fatalf("KeyValidation() error = %v", err)
	}
	if _, ok := state[badHash]; ok {
		t.Error("validation row for purged key still present")
	}
}

func TestStore_ProxyKeyBySecret(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	pk := &ProxyKey{Secret: "px-client-secret-1", Name: "team-a", Enabled: true}
	if err := store.CreateProxyKey(ctx, pk); err != nil {
		t.Fatalf("CreateProxyKey() error = %v", err)
	}

	got, err := store.ProxyKeyBySecret(ctx, "px-client-secret-1")
	if err != nil {
		t.Fatalf("ProxyKeyBySecret() error = %v", err)
	}
	if got.ID != pk.ID || got.Name != "team-a" {
		t.Errorf("lookup mismatch: %+v", got)
	}

	if _, err := store.ProxyKeyBySecret(ctx, "px-wrong"); !IsNotFound(err) {
		t.Errorf("wrong secret error = %v, want NotFoundError", err)
	}
}

func TestStore_KeyValidationRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	g := testGroup("validated")
	if err := store.CreateGroup(ctx, g); err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}

	hash := HashKey("sk-alpha-0001")
	rec := &ValidationRecord{
		ConsecutiveFailures: 2,
		TotalChecks:         10,
		SuccessfulChecks:    8,
		LastStatusCode:      503,
		AvgResponseMS:       412.5,
	}
	if err := store.UpsertKeyValidation(ctx, g.ID, hash, rec); err != nil {
		t.Fatalf("UpsertKeyValidation() error = %v", err)
	}

	// Upsert again to exercise the conflict branch.
	rec.ConsecutiveFailures = 0
	rec.SuccessfulChecks = 9
	if err := store.UpsertKeyValidation(ctx, g.ID, hash, rec); err != nil {
		t.Fatalf("second UpsertKeyValidation() error = %v", err)
	}

	state, err := store.KeyValidation(ctx, g.ID)
	if err != nil {
		t.Fatalf("KeyValidation() error = %v", err)
	}
	got := state[hash]
	if got == nil {
		t.Fatal("no validation row for key")
	}
	if got.ConsecutiveFailures != 0 || got.SuccessfulChecks != 9 || got.LastStatusCode != 503 {
		t.Errorf("validation round-trip mismatch: %+v", got)
	}
}

func TestStore_ExportImport(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := testGroup("export-a")
	b := testGroup("export-b")
	b.ProviderKind = KindAnthropic
	b.BaseURL = "https://api.anthropic.com"
	for _, g := range []*Group{a, b} {
		if err := store.CreateGroup(ctx, g); err != nil {
			t.Fatalf("CreateGroup() error = %v", err)
		}
	}

	blob, err := store.Export(ctx, nil)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	// Importing into a fresh store recreates both groups.
	dst := newTestStore(t)
	result, err := dst.Import(ctx, blob)
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if result.Added != 2 || result.Skipped != 0 {
		t.Errorf("import result = %+v, want 2 added", result)
	}

	// Importing the same blob again skips on the name conflicts.
	result, err = dst.Import(ctx, blob)
	if err != nil {
		t.Fatalf("second Import() error = %v", err)
	}
	if result.Added != 0 || result.Skipped != 2 {
		t.Errorf("second import result = %+v, want 2 skipped", result)
	}

	got, err := dst.GetGroupByName(ctx, "export-b")
	if err != nil {
		t.Fatalf("GetGroupByName() error = %v", err)
	}
	if got.ProviderKind != KindAnthropic || len(got.APIKeys) != 2 {
		t.Errorf("imported group mismatch: %+v", got)
	}
}

func TestGroup_ResolveModel(t *testing.T) {
	g := &Group{
		Models: []string{"gpt-4o", "gpt-4o-mini"},
		ModelAliases: map[string]string{
			"gpt4":   "gpt-4o",
			"broken": "no-such-model",
		},
	}

	tests := []struct {
		requested string
		want      string
	}{
		{"gpt4", "gpt-4o"},
		{"gpt-4o", "gpt-4o"},          // canonical passes through
		{"broken", "broken"},          // alias to unknown model is ignored
		{"unlisted", "unlisted"},      // unknown names pass through
	}
	for _, tt := range tests {
		if got := g.ResolveModel(tt.requested); got != tt.want {
			t.Errorf("ResolveModel(%q) = %q, want %q", tt.requested, got, tt.want)
		}
	}

	// Idempotence: resolving a resolved name is a no-op.
	if got := g.ResolveModel(g.ResolveModel("gpt4")); got != "gpt-4o" {
		t.Errorf("resolution not idempotent: %q", got)
	}
}

// recordingEvictor captures eviction callbacks for inspection.
type recordingEvictor struct {
	keys   []string
	groups []string
}

func (e *recordingEvictor) ForgetKey(groupID, keyHash string) {
	e.keys = append(e.keys, groupID+"/"+keyHash)
}

func (e *recordingEvictor) ForgetGroup(groupID string) {
	e.groups = append(e.groups, groupID)
}

func TestStore_RemovalNotifiesEvictor(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ev := &recordingEvictor{}
	store.SetHealthEvictor(ev)

	g := testGroup("evict")
	if err := store.CreateGroup(ctx, g); err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}

	badHash := HashKey("sk-alpha-0001")
	if err := store.RemoveKey(ctx, g.ID, badHash); err != nil {
		t.Fatalf("RemoveKey() error = %v", err)
	}
	if len(ev.keys) != 1 || ev.keys[0] != g.ID+"/"+badHash {
		t.Errorf("key evictions = %v, want [%s]", ev.keys, g.ID+"/"+badHash)
	}

	if err := store.DeleteGroup(ctx, g.ID); err != nil {
		t.Fatalf("DeleteGroup() error = %v", err)
	}
	if len(ev.groups) != 1 || ev.groups[0] != g.ID {
		t.Errorf("group evictions = %v, want [%s]", ev.groups, g.ID)
	}
}

func TestStore_ClearInvalidKeysNotifiesEvictor(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ev := &recordingEvictor{}
	store.SetHealthEvictor(ev)

	g := testGroup("evict-invalid")
	if err := store.CreateGroup(ctx, g); err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}

	badHash := HashKey("sk-alpha-0002")
	if err := store.UpsertKeyValidation(ctx, g.ID, badHash, &ValidationRecord{
		ConsecutiveFailures: 3,
		TotalChecks:         3,
		LastStatusCode:      401,
	}); err != nil {
		t.Fatalf("UpsertKeyValidation() error = %v", err)
	}

	removed, err := store.ClearInvalidKeys(ctx, g.ID)
	if err != nil {
		t.Fatalf("ClearInvalidKeys() error = %v", err)
	}
	if len(removed) != 1 || removed[0] != badHash {
		t.Fatalf("removed = %v", removed)
	}
	if len(ev.keys) != 1 || ev.keys[0] != g.ID+"/"+badHash {
		t.Errorf("key evictions = %v, want the cleared key", ev.keys)
	}
}
