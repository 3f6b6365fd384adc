package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/calfield/fieldsync/internal/connectivity"
	"github.com/calfield/fieldsync/internal/remote"
	"github.com/calfield/fieldsync/internal/store"
)

// fakeCatalog serves a canned reference catalog and records the scopes it
// was queried with.
type fakeCatalog struct {
	types  []remote.OrderType
	steps  []remote.Step
	fields []remote.Field

	typeCalls  int
	stepScopes [][]int64
	failFetch  bool
}

func (f *fakeCatalog) FetchOrderTypes(ctx context.Context) ([]remote.OrderType, error) {
	f.typeCalls++
	if f.failFetch {
		return nil, fmt.Errorf("catalog unavailable")
	}
	return f.types, nil
}

func (f *fakeCatalog) FetchSteps(ctx context.Context, typeIDs []int64, limit, offset int) ([]remote.Step, error) {
	if f.failFetch {
		return nil, fmt.Errorf("catalog unavailable")
	}
	f.stepScopes = append(f.stepScopes, typeIDs)
	want := make(map[int64]bool)
	for _, id := range typeIDs {
		want[id] = true
	}
	var matched []remote.Step
	for _, s := range f.steps {
		if want[s.OrderTypeID] {
			matched = append(matched, s)
		}
	}
	return page(matched, limit, offset), nil
}

func (f *fakeCatalog) FetchFields(ctx context.Context, stepIDs []int64, limit, offset int) ([]remote.Field, error) {
	if f.failFetch {
		return nil, fmt.Errorf("catalog unavailable")
	}
	want := make(map[int64]bool)
	for _, id := range stepIDs {
		want[id] = true
	}
	var matched []remote.Field
	for _, fl := range f.fields {
		if want[fl.StepID] {
			matched = append(matched, fl)
		}
	}
	return page(matched, limit, offset), nil
}

func page[T any](all []T, limit, offset int) []T {
	if offset >= len(all) {
		return nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end]
}

func (f *fakeCatalog) SubmitPhotoStart(ctx context.Context, sub remote.PhotoSubmission) error {
	return nil
}
func (f *fakeCatalog) SubmitPhotoFinal(ctx context.Context, sub remote.PhotoSubmission) error {
	return nil
}
func (f *fakeCatalog) SubmitFinalAudit(ctx context.Context, sub remote.AuditSubmission) error {
	return nil
}
func (f *fakeCatalog) SubmitComment(ctx context.Context, sub remote.CommentSubmission) error {
	return nil
}

// smallCatalog builds 2 order types with 2 steps each and 2 fields per step.
func smallCatalog() *fakeCatalog {
	cat := &fakeCatalog{
		types: []remote.OrderType{
			{ID: 1, Name: "Installation", Active: true},
			{ID: 2, Name: "Maintenance", Active: true},
		},
	}
	var stepID, fieldID int64
	for _, ot := range cat.types {
		for seq := 1; seq <= 2; seq++ {
			stepID++
			cat.steps = append(cat.steps, remote.Step{
				ID: stepID, OrderTypeID: ot.ID,
				Name: fmt.Sprintf("%s step %d", ot.Name, seq), Seq: seq, Active: true,
			})
			for n := 0; n < 2; n++ {
				fieldID++
				cat.fields = append(cat.fields, remote.Field{
					ID: fieldID, StepID: stepID,
					Name: fmt.Sprintf("field %d", fieldID), Kind: "text",
				})
			}
		}
	}
	return cat
}

func setupCache(t *testing.T, cat *fakeCatalog, cfg Config) (*Cache, *store.Adapter, *connectivity.Manual) {
	t.Helper()

	tmpDir := t.TempDir()
	logger := log.New(os.Stderr, "[test] ", 0)

	db, err := store.Open(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}
	kv, err := store.NewKV(filepath.Join(tmpDir, "kv"))
	if err != nil {
		t.Fatalf("failed to create kv store: %v", err)
	}

	state := store.NewAdapter(db, kv, logger)
	monitor := connectivity.NewManual(true)
	return New(state, cat, monitor, cfg, logger), state, monitor
}

// ageBundle rewrites the persisted metadata with an old sync time.
func ageBundle(t *testing.T, state *store.Adapter, age time.Duration) {
	t.Helper()
	raw, err := state.Get(context.Background(), metaKey)
	if err != nil || raw == nil {
		t.Fatalf("no metadata to age: %v", err)
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		t.Fatalf("failed to decode metadata: %v", err)
	}
	meta.SyncTime = time.Now().UTC().Add(-age)
	aged, _ := json.Marshal(meta)
	if err := state.Set(context.Background(), metaKey, aged, store.CategoryMarker); err != nil {
		t.Fatalf("failed to write aged metadata: %v", err)
	}
}

func TestEnsureAvailableDownloadsOnFirstUse(t *testing.T) {
	cache, _, _ := setupCache(t, smallCatalog(), Config{})
	ctx := context.Background()

	avail, err := cache.EnsureAvailable(ctx, nil)
	if err != nil {
		t.Fatalf("EnsureAvailable failed: %v", err)
	}
	if !avail.Available || !avail.Fresh {
		t.Errorf("availability = %+v, want available and fresh", avail)
	}

	meta, err := cache.Meta(ctx)
	if err != nil || meta == nil {
		t.Fatalf("no metadata after download: %v", err)
	}
	if meta.SizeBytes <= 0 {
		t.Errorf("metadata size = %d", meta.SizeBytes)
	}
}

func TestOfflineServesStaleBundle(t *testing.T) {
	cat := smallCatalog()
	cache, state, monitor := setupCache(t, cat, Config{})
	ctx := context.Background()

	if _, err := cache.EnsureAvailable(ctx, nil); err != nil {
		t.Fatalf("initial download failed: %v", err)
	}
	ageBundle(t, state, 48*time.Hour)
	monitor.SetOnline(false)
	callsBefore := cat.typeCalls

	avail, err := cache.EnsureAvailable(ctx, nil)
	if err != nil {
		t.Fatalf("EnsureAvailable failed: %v", err)
	}
	if !avail.Available || avail.Fresh {
		t.Errorf("offline stale availability = %+v, want available but not fresh", avail)
	}
	if cat.typeCalls != callsBefore {
		t.Error("download attempted while offline")
	}
}

func TestOfflineWithoutBundle(t *testing.T) {
	cache, _, monitor := setupCache(t, smallCatalog(), Config{})
	monitor.SetOnline(false)

	avail, err := cache.EnsureAvailable(context.Background(), nil)
	if err != nil {
		t.Fatalf("EnsureAvailable failed: %v", err)
	}
	if avail.Available {
		t.Errorf("availability = %+v, want unavailable", avail)
	}
}

func TestStaleBundleRefreshedOnline(t *testing.T) {
	cat := smallCatalog()
	cache, state, _ := setupCache(t, cat, Config{})
	ctx := context.Background()

	if _, err := cache.EnsureAvailable(ctx, nil); err != nil {
		t.Fatalf("initial download failed: %v", err)
	}
	ageBundle(t, state, 48*time.Hour)
	callsBefore := cat.typeCalls

	avail, err := cache.EnsureAvailable(ctx, nil)
	if err != nil {
		t.Fatalf("EnsureAvailable failed: %v", err)
	}
	if !avail.Available || !avail.Fresh {
		t.Errorf("availability after refresh = %+v", avail)
	}
	if cat.typeCalls != callsBefore+1 {
		t.Errorf("stale bundle was not refreshed")
	}
}

func TestRefreshFailureKeepsStaleBundle(t *testing.T) {
	cat := smallCatalog()
	cache, state, _ := setupCache(t, cat, Config{})
	ctx := context.Background()

	if _, err := cache.EnsureAvailable(ctx, nil); err != nil {
		t.Fatalf("initial download failed: %v", err)
	}
	ageBundle(t, state, 48*time.Hour)
	cat.failFetch = true

	avail, err := cache.EnsureAvailable(ctx, nil)
	if err != nil {
		t.Fatalf("EnsureAvailable failed: %v", err)
	}
	if !avail.Available || avail.Fresh {
		t.Errorf("availability = %+v, want stale bundle served", avail)
	}
}

func TestRelevanceScopeFromUsage(t *testing.T) {
	cat := smallCatalog()
	cache, _, _ := setupCache(t, cat, Config{})
	ctx := context.Background()

	if err := cache.RecordUsage(ctx, 2); err != nil {
		t.Fatalf("RecordUsage failed: %v", err)
	}
	if err := cache.Refresh(ctx, nil); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	if len(cat.stepScopes) == 0 {
		t.Fatal("no step fetches recorded")
	}
	scope := cat.stepScopes[0]
	if len(scope) != 1 || scope[0] != 2 {
		t.Errorf("step scope = %v, want [2]", scope)
	}

	meta, _ := cache.Meta(ctx)
	if meta == nil || !meta.UserScoped {
		t.Errorf("metadata = %+v, want user-scoped", meta)
	}
}

func TestFallbackScopeCapped(t *testing.T) {
	cat := smallCatalog()
	for i := int64(3); i <= 10; i++ {
		cat.types = append(cat.types, remote.OrderType{ID: i, Name: fmt.Sprintf("Type %d", i), Active: true})
	}
	cache, _, _ := setupCache(t, cat, Config{ScopeCap: 3})
	ctx := context.Background()

	if err := cache.Refresh(ctx, nil); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if len(cat.stepScopes) == 0 {
		t.Fatal("no step fetches recorded")
	}
	if got := len(cat.stepScopes[0]); got != 3 {
		t.Errorf("fallback scope size = %d, want 3", got)
	}

	meta, _ := cache.Meta(ctx)
	if meta == nil || meta.UserScoped {
		t.Errorf("metadata = %+v, want not user-scoped", meta)
	}
}

func TestOversizedSnapshotTruncatedDeterministically(t *testing.T) {
	// 3 types, 50 steps, 600 fields with padded names, against a ceiling
	// the serialized set clearly exceeds.
	cat := &fakeCatalog{
		types: []remote.OrderType{
			{ID: 1, Name: "Installation", Active: true},
			{ID: 2, Name: "Maintenance", Active: true},
			{ID: 3, Name: "Inspection", Active: true},
		},
	}
	padding := strings.Repeat("x", 200)
	var fieldID int64
	for i := int64(1); i <= 50; i++ {
		cat.steps = append(cat.steps, remote.Step{
			ID: i, OrderTypeID: (i % 3) + 1,
			Name: fmt.Sprintf("step %d %s", i, padding), Seq: int(i), Active: true,
		})
		for n := 0; n < 12; n++ {
			fieldID++
			cat.fields = append(cat.fields, remote.Field{
				ID: fieldID, StepID: i,
				Name: fmt.Sprintf("field %d %s", fieldID, padding), Kind: "text",
			})
		}
	}

	ceiling := 64 << 10
	cache, state, _ := setupCache(t, cat, Config{SizeCeiling: ceiling, ScopeCap: 10})
	ctx := context.Background()

	if err := cache.Refresh(ctx, nil); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	raw, err := state.Get(ctx, bundleKey)
	if err != nil || raw == nil {
		t.Fatalf("no persisted bundle: %v", err)
	}
	if len(raw) > ceiling {
		t.Errorf("persisted bundle is %d bytes, ceiling %d", len(raw), ceiling)
	}

	var bundle Bundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		t.Fatalf("failed to decode bundle: %v", err)
	}
	if len(bundle.Steps) == 0 || len(bundle.Steps) >= 50 {
		t.Errorf("steps after truncation = %d, want some dropped", len(bundle.Steps))
	}
	if len(bundle.OrderTypes) != 3 {
		t.Errorf("order types truncated: %d left", len(bundle.OrderTypes))
	}

	meta, _ := cache.Meta(ctx)
	if meta == nil || meta.SizeBytes != len(raw) {
		t.Errorf("metadata size mismatch: %+v vs %d bytes", meta, len(raw))
	}

	// Truncation must be deterministic: a second refresh of the same
	// catalog persists an identical bundle.
	first := string(raw)
	if err := cache.Refresh(ctx, nil); err != nil {
		t.Fatalf("second Refresh failed: %v", err)
	}
	raw, _ = state.Get(ctx, bundleKey)
	if string(raw) != first {
		t.Error("truncation is not deterministic across refreshes")
	}
}

// A catalog whose type list alone exceeds the ceiling has no steps left to
// drop; the size bound must still hold.
func TestOversizedTypeListStillBounded(t *testing.T) {
	padding := strings.Repeat("x", 200)
	cat := &fakeCatalog{}
	for i := int64(1); i <= 30; i++ {
		cat.types = append(cat.types, remote.OrderType{
			ID: i, Name: fmt.Sprintf("type %d %s", i, padding), Active: true,
		})
	}

	ceiling := 2 << 10
	cache, state, _ := setupCache(t, cat, Config{SizeCeiling: ceiling, ScopeCap: 40})
	ctx := context.Background()

	if err := cache.Refresh(ctx, nil); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	raw, err := state.Get(ctx, bundleKey)
	if err != nil || raw == nil {
		t.Fatalf("no persisted bundle: %v", err)
	}
	if len(raw) > ceiling {
		t.Errorf("persisted bundle is %d bytes, ceiling %d", len(raw), ceiling)
	}

	var bundle Bundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		t.Fatalf("failed to decode bundle: %v", err)
	}
	if len(bundle.OrderTypes) == 0 || len(bundle.OrderTypes) >= 30 {
		t.Fatalf("order types after truncation = %d, want some dropped", len(bundle.OrderTypes))
	}
	// Types drop from the tail, so the survivors are the lowest ids.
	for i, ot := range bundle.OrderTypes {
		if ot.ID != int64(i+1) {
			t.Errorf("type %d has id %d, want %d", i, ot.ID, i+1)
		}
	}
}

func TestLookupChildrenProvenance(t *testing.T) {
	cat := smallCatalog()
	cache, state, monitor := setupCache(t, cat, Config{})
	ctx := context.Background()

	if err := cache.Refresh(ctx, nil); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	details, prov, err := cache.LookupChildren(ctx, 1)
	if err != nil {
		t.Fatalf("LookupChildren failed: %v", err)
	}
	if prov != FromSubCache {
		t.Errorf("provenance = %s, want %s", prov, FromSubCache)
	}
	if len(details) != 2 {
		t.Errorf("steps for type 1 = %d, want 2", len(details))
	}
	if details[0].Step.Seq > details[1].Step.Seq {
		t.Error("steps not in sequence order")
	}
	if len(details[0].Fields) != 2 {
		t.Errorf("fields on first step = %d, want 2", len(details[0].Fields))
	}

	// Without the sub-cache the full bundle answers.
	if err := state.Remove(ctx, fmt.Sprintf("%s%d", subCachePrefix, 1)); err != nil {
		t.Fatalf("failed to remove sub-cache: %v", err)
	}
	_, prov, err = cache.LookupChildren(ctx, 1)
	if err != nil {
		t.Fatalf("LookupChildren failed: %v", err)
	}
	if prov != FromBundle {
		t.Errorf("provenance = %s, want %s", prov, FromBundle)
	}

	// No local copy at all: online lookups reach the remote.
	if err := cache.PurgeUserScoped(ctx); err != nil {
		t.Fatalf("PurgeUserScoped failed: %v", err)
	}
	_, prov, err = cache.LookupChildren(ctx, 1)
	if err != nil {
		t.Fatalf("LookupChildren failed: %v", err)
	}
	if prov != FromRemote {
		t.Errorf("provenance = %s, want %s", prov, FromRemote)
	}

	// Offline with nothing cached: an explicit placeholder, never
	// indistinguishable from catalog data.
	monitor.SetOnline(false)
	details, prov, err = cache.LookupChildren(ctx, 1)
	if err != nil {
		t.Fatalf("LookupChildren failed: %v", err)
	}
	if prov != FromPlaceholder {
		t.Errorf("provenance = %s, want %s", prov, FromPlaceholder)
	}
	if len(details) == 0 {
		t.Error("placeholder set is empty")
	}
}

func TestEnsureInitialByRole(t *testing.T) {
	cat := smallCatalog()
	cache, _, _ := setupCache(t, cat, Config{})
	ctx := context.Background()

	// Reviewer roles need no catalog.
	avail, err := cache.EnsureInitial(ctx, "auditor")
	if err != nil {
		t.Fatalf("EnsureInitial failed: %v", err)
	}
	if avail.Available || cat.typeCalls != 0 {
		t.Errorf("catalog populated for a reviewer role")
	}

	avail, err = cache.EnsureInitial(ctx, "technician")
	if err != nil {
		t.Fatalf("EnsureInitial failed: %v", err)
	}
	if !avail.Available {
		t.Errorf("availability = %+v", avail)
	}

	// Idempotent: a second sign-in does not re-download.
	callsBefore := cat.typeCalls
	if _, err := cache.EnsureInitial(ctx, "technician"); err != nil {
		t.Fatalf("EnsureInitial failed: %v", err)
	}
	if cat.typeCalls != callsBefore {
		t.Error("fresh bundle re-downloaded on sign-in")
	}
}

func TestPurgeUserScoped(t *testing.T) {
	cache, _, monitor := setupCache(t, smallCatalog(), Config{})
	ctx := context.Background()

	if err := cache.Refresh(ctx, nil); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if err := cache.RecordUsage(ctx, 1); err != nil {
		t.Fatalf("RecordUsage failed: %v", err)
	}

	if err := cache.PurgeUserScoped(ctx); err != nil {
		t.Fatalf("PurgeUserScoped failed: %v", err)
	}

	meta, err := cache.Meta(ctx)
	if err != nil {
		t.Fatalf("Meta failed: %v", err)
	}
	if meta != nil {
		t.Errorf("metadata survived purge: %+v", meta)
	}

	monitor.SetOnline(false)
	avail, _ := cache.EnsureAvailable(ctx, nil)
	if avail.Available {
		t.Error("bundle survived purge")
	}
}
