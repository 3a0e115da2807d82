package v0_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unisync/unisync/internal/api"
	v0 "github.com/unisync/unisync/internal/api/v0"
	"github.com/unisync/unisync/internal/change"
	"github.com/unisync/unisync/internal/config"
	"github.com/unisync/unisync/internal/conflict"
	"github.com/unisync/unisync/internal/engine"
	"github.com/unisync/unisync/internal/entity"
	"github.com/unisync/unisync/internal/state"
	"github.com/unisync/unisync/internal/target"
)

type apiFixture struct {
	server   *httptest.Server
	store    entity.Store
	resolver conflict.Resolver
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	cfg := config.Default()
	store := entity.NewMemoryStore()
	detector := change.NewDetector(store, cfg)
	resolver := conflict.NewResolver(cfg, conflict.WithDependencyChecker(func(*entity.UnifiedEntity) []string {
		return []string{"child-1"}
	}))
	states := state.NewManager(cfg.State.SnapshotInterval, cfg.State.SnapshotRetention)

	targets := target.NewRegistry()
	require.NoError(t, targets.Register(target.NewCalendarSystem()))
	require.NoError(t, targets.Register(target.NewV2System()))
	require.NoError(t, targets.Register(target.NewBuildupSystem()))

	eng := engine.New(cfg, store, detector, resolver, targets, states)

	srv := httptest.NewServer(api.NewServer(eng, states, resolver, store))
	t.Cleanup(srv.Close)

	return &apiFixture{server: srv, store: store, resolver: resolver}
}

func (f *apiFixture) get(t *testing.T, path string, out any) int {
	t.Helper()

	resp, err := http.Get(f.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (f *apiFixture) post(t *testing.T, path string, body, out any) int {
	t.Helper()

	payload, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(f.server.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func apiEntity(id string) *entity.UnifiedEntity {
	now := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	return &entity.UnifiedEntity{
		ID:        id,
		Type:      entity.TypeProject,
		Title:     "Project " + id,
		Status:    entity.StatusActive,
		Priority:  entity.PriorityMedium,
		CreatedAt: now,
		UpdatedAt: now,
		UpdatedBy: "alice",
		Provenance: entity.Provenance{
			SourceID:   "src-" + id,
			SourceType: entity.SystemV2,
			Version:    1,
		},
	}
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	var health v0.HealthResponse
	code := f.get(t, "/health", &health)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, state.StatusHealthy, health.Status)
	assert.Equal(t, 100, health.HealthScore)
}

func TestVersionEndpoint(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	var info map[string]any
	code := f.get(t, "/version", &info)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, info, "version")
}

func TestGetState(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	var overview state.Overview
	code := f.get(t, "/v0/state", &overview)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 100, overview.HealthScore)
	assert.Len(t, overview.Systems, 3)
}

func TestGetSystemStates(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	var systems map[string]*state.SystemState
	code := f.get(t, "/v0/state/systems", &systems)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, systems, "calendar")
	assert.Contains(t, systems, "v2")
	assert.Contains(t, systems, "buildup")
}

func TestListConflictsEmpty(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	var conflicts []*conflict.Conflict
	code := f.get(t, "/v0/conflicts", &conflicts)
	assert.Equal(t, http.StatusOK, code)
	assert.NotNil(t, conflicts)
	assert.Empty(t, conflicts)
}

func TestTriggerSync(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	require.NoError(t, f.store.Put(apiEntity("ent-1")))

	var resp v0.TriggerSyncResponse
	code := f.post(t, "/v0/sync", v0.TriggerSyncRequest{Source: "v2"}, &resp)
	assert.Equal(t, http.StatusAccepted, code)
	assert.Len(t, resp.OperationIDs, 1)
}

func TestTriggerSyncUnknownTarget(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	var errResp v0.ErrorResponse
	code := f.post(t, "/v0/sync", v0.TriggerSyncRequest{Target: "mainframe"}, &errResp)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.NotEmpty(t, errResp.Error)
}

func TestResolveConflictFlow(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	// escalate a conflict: the target's copy is completed, the proposal is draft
	source := apiEntity("ent-1")
	source.Status = entity.StatusDraft
	targetCopy := apiEntity("ent-1")
	targetCopy.Status = entity.StatusCompleted
	targetCopy.Title = "Target title"

	p := &conflict.Proposal{
		OperationID:  "op-1",
		Operation:    change.OperationUpdate,
		TargetSystem: "buildup",
		Source:       source,
		Target:       targetCopy,
	}
	conflicts := f.resolver.DetectConflicts(p)
	require.NotEmpty(t, conflicts)
	_, ok := f.resolver.ResolveConflicts(p, conflicts)
	require.False(t, ok)

	var open []*conflict.Conflict
	code := f.get(t, "/v0/conflicts", &open)
	require.Equal(t, http.StatusOK, code)
	require.NotEmpty(t, open)
	id := open[0].ID

	// invalid winner
	var errResp v0.ErrorResponse
	code = f.post(t, "/v0/conflicts/"+id+"/resolve", v0.ResolveConflictRequest{Winner: "neither"}, &errResp)
	assert.Equal(t, http.StatusBadRequest, code)

	// resolving with the target's version makes it canonical
	var resolved entity.UnifiedEntity
	code = f.post(t, "/v0/conflicts/"+id+"/resolve", v0.ResolveConflictRequest{Winner: "target"}, &resolved)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Target title", resolved.Title)

	stored, found := f.store.Get("ent-1")
	require.True(t, found)
	assert.Equal(t, "Target title", stored.Title)
}

func TestResolveConflictMissingWinnerSide(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	// a delete against a target holding no copy leaves the target side nil
	p := &conflict.Proposal{
		OperationID:  "op-1",
		Operation:    change.OperationDelete,
		TargetSystem: "buildup",
		Source:       apiEntity("ent-1"),
	}
	conflicts := f.resolver.DetectConflicts(p)
	require.Len(t, conflicts, 1)
	_, ok := f.resolver.ResolveConflicts(p, conflicts)
	require.False(t, ok)

	var open []*conflict.Conflict
	require.Equal(t, http.StatusOK, f.get(t, "/v0/conflicts", &open))
	require.Len(t, open, 1)

	var errResp v0.ErrorResponse
	code := f.post(t, "/v0/conflicts/"+open[0].ID+"/resolve", v0.ResolveConflictRequest{Winner: "target"}, &errResp)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.NotEmpty(t, errResp.Error)
}

func TestResolveConflictUnknownID(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	var errResp v0.ErrorResponse
	code := f.post(t, "/v0/conflicts/missing/resolve", v0.ResolveConflictRequest{Winner: "source"}, &errResp)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.NotEmpty(t, errResp.Error)
}
