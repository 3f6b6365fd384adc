// Package snapshot maintains a bounded local copy of the shared reference
// catalog: order types, the steps belonging to each type, and the data
// entry fields belonging to each step.
//
// The bundle is freshness-tracked and size-bounded. When offline, an
// existing bundle of any age is served; availability wins over freshness.
// The download is scoped by relevance so a device never pulls the whole
// catalog: recently used order types first, falling back to a capped set
// of the most broadly used ones.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/calfield/fieldsync/internal/connectivity"
	"github.com/calfield/fieldsync/internal/remote"
	"github.com/calfield/fieldsync/internal/store"
)

const (
	// bundleKey holds the full serialized bundle in the structured backend.
	bundleKey = "snapshot.bundle"

	// metaKey holds the small bundle metadata in the KV backend so
	// freshness checks never deserialize the payload.
	metaKey = "snapshot.meta"

	// subCachePrefix namespaces the per-order-type sub-caches.
	subCachePrefix = "snapshot.sub."

	// usagePrefix namespaces the per-order-type usage markers that feed
	// the relevance scope.
	usagePrefix = "snapshot.usage."

	// bundleVersion is bumped when the bundle layout changes; a mismatched
	// version is treated as no bundle.
	bundleVersion = 2
)

// Config holds snapshot cache tuning. Zero values pick the defaults.
type Config struct {
	// SizeCeiling is the maximum serialized bundle size in bytes.
	SizeCeiling int

	// Freshness is the maximum bundle age before a refresh is attempted.
	Freshness time.Duration

	// BatchSize is the page size for step and field downloads.
	BatchSize int

	// ScopeCap bounds the fallback relevance scope when no usage history
	// exists.
	ScopeCap int

	// UsageWindow is how far back usage markers count toward relevance.
	UsageWindow time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SizeCeiling: 10 << 20,
		Freshness:   24 * time.Hour,
		BatchSize:   100,
		ScopeCap:    5,
		UsageWindow: 30 * 24 * time.Hour,
	}
}

// Bundle is the full reference snapshot.
type Bundle struct {
	OrderTypes []remote.OrderType `json:"order_types"`
	Steps      []remote.Step      `json:"steps"`
	Fields     []remote.Field     `json:"fields"`
}

// Meta describes a persisted bundle without its payload.
type Meta struct {
	SyncTime   time.Time `json:"sync_time"`
	Version    int       `json:"version"`
	SizeBytes  int       `json:"size_bytes"`
	UserScoped bool      `json:"user_scoped"`
}

// Availability is the result of EnsureAvailable.
type Availability struct {
	// Available reports whether a bundle can be served, fresh or not.
	Available bool

	// Fresh reports whether the bundle is within the freshness window.
	Fresh bool
}

// StepDetail is one step with its data entry fields, the unit returned by
// scoped lookups.
type StepDetail struct {
	Step   remote.Step    `json:"step"`
	Fields []remote.Field `json:"fields"`
}

// Provenance identifies which source answered a lookup. Callers can always
// tell synthesized placeholder data from real catalog data.
type Provenance string

const (
	FromSubCache    Provenance = "sub-cache"
	FromBundle      Provenance = "bundle"
	FromRemote      Provenance = "remote"
	FromPlaceholder Provenance = "placeholder"
)

// Cache is the snapshot cache over the tiered store and the remote catalog.
type Cache struct {
	state   *store.Adapter
	backend remote.Backend
	monitor connectivity.Monitor
	cfg     Config
	logger  *log.Logger
}

// New creates a Cache. If logger is nil, a default logger writing to
// stderr is used.
func New(state *store.Adapter, backend remote.Backend, monitor connectivity.Monitor, cfg Config, logger *log.Logger) *Cache {
	def := DefaultConfig()
	if cfg.SizeCeiling <= 0 {
		cfg.SizeCeiling = def.SizeCeiling
	}
	if cfg.Freshness <= 0 {
		cfg.Freshness = def.Freshness
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.ScopeCap <= 0 {
		cfg.ScopeCap = def.ScopeCap
	}
	if cfg.UsageWindow <= 0 {
		cfg.UsageWindow = def.UsageWindow
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[snapshot] ", log.LstdFlags)
	}
	return &Cache{state: state, backend: backend, monitor: monitor, cfg: cfg, logger: logger}
}

// Meta returns the persisted bundle metadata, or nil if no valid bundle
// exists. Only the small KV record is read.
func (c *Cache) Meta(ctx context.Context) (*Meta, error) {
	raw, err := c.state.Get(ctx, metaKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot metadata: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot metadata: %w", err)
	}
	if meta.Version != bundleVersion {
		return nil, nil
	}
	return &meta, nil
}

// EnsureAvailable makes sure a reference bundle can be served, refreshing
// it when stale or missing and connectivity permits. Offline, an existing
// bundle of any age is available.
//
// scopeHint, if non-empty, overrides the relevance heuristic with an
// explicit set of order type ids.
func (c *Cache) EnsureAvailable(ctx context.Context, scopeHint []int64) (Availability, error) {
	meta, err := c.Meta(ctx)
	if err != nil {
		return Availability{}, err
	}

	hasBundle := meta != nil
	fresh := hasBundle && time.Since(meta.SyncTime) < c.cfg.Freshness

	if fresh {
		return Availability{Available: true, Fresh: true}, nil
	}
	if !c.monitor.Online() {
		return Availability{Available: hasBundle, Fresh: false}, nil
	}

	if err := c.Refresh(ctx, scopeHint); err != nil {
		if hasBundle {
			// A failed refresh must not take away the stale bundle.
			c.logger.Printf("Refresh failed, serving stale bundle: %v", err)
			return Availability{Available: true, Fresh: false}, nil
		}
		return Availability{}, err
	}
	return Availability{Available: true, Fresh: true}, nil
}

// Refresh downloads the catalog for the relevance scope and persists the
// bundle, its sub-caches, and its metadata.
func (c *Cache) Refresh(ctx context.Context, scopeHint []int64) error {
	types, err := c.backend.FetchOrderTypes(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch order types: %w", err)
	}

	scope, userScoped, err := c.resolveScope(ctx, scopeHint, types)
	if err != nil {
		return err
	}

	steps, err := c.fetchSteps(ctx, scope)
	if err != nil {
		return err
	}
	fields, err := c.fetchFields(ctx, steps)
	if err != nil {
		return err
	}

	bundle := &Bundle{OrderTypes: types, Steps: steps, Fields: fields}
	payload, err := c.truncateToCeiling(bundle)
	if err != nil {
		return err
	}

	return c.persist(ctx, bundle, payload, userScoped)
}

// resolveScope returns the order type ids worth downloading. Explicit hints
// win; then recent usage markers; then a capped set of active types.
func (c *Cache) resolveScope(ctx context.Context, hint []int64, types []remote.OrderType) ([]int64, bool, error) {
	if len(hint) > 0 {
		return hint, true, nil
	}

	used, err := c.recentlyUsed(ctx)
	if err != nil {
		return nil, false, err
	}
	if len(used) > 0 {
		return used, true, nil
	}

	// No history: take the first active types up to the cap. The remote
	// returns them ordered by overall usage.
	var scope []int64
	for _, ot := range types {
		if !ot.Active {
			continue
		}
		scope = append(scope, ot.ID)
		if len(scope) >= c.cfg.ScopeCap {
			break
		}
	}
	return scope, false, nil
}

// RecordUsage marks an order type as recently used by the current actor.
// Usage markers feed the relevance scope of future refreshes.
func (c *Cache) RecordUsage(ctx context.Context, orderTypeID int64) error {
	value, err := json.Marshal(map[string]string{
		"last_used": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s%d", usagePrefix, orderTypeID)
	return c.state.Set(ctx, key, value, store.CategoryMarker)
}

// recentlyUsed returns order type ids with a usage marker inside the
// usage window, sorted for determinism.
func (c *Cache) recentlyUsed(ctx context.Context) ([]int64, error) {
	keys, err := c.state.KeysByPrefix(ctx, usagePrefix)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-c.cfg.UsageWindow)
	var ids []int64
	for _, key := range keys {
		var id int64
		if _, err := fmt.Sscanf(key, usagePrefix+"%d", &id); err != nil {
			continue
		}
		raw, err := c.state.Get(ctx, key)
		if err != nil || raw == nil {
			continue
		}
		var marker struct {
			LastUsed string `json:"last_used"`
		}
		if err := json.Unmarshal(raw, &marker); err != nil {
			continue
		}
		at, err := time.Parse(time.RFC3339, marker.LastUsed)
		if err != nil || at.Before(cutoff) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// fetchSteps pages through the steps of the scoped order types.
func (c *Cache) fetchSteps(ctx context.Context, scope []int64) ([]remote.Step, error) {
	if len(scope) == 0 {
		return nil, nil
	}
	var all []remote.Step
	for offset := 0; ; offset += c.cfg.BatchSize {
		page, err := c.backend.FetchSteps(ctx, scope, c.cfg.BatchSize, offset)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch steps at offset %d: %w", offset, err)
		}
		all = append(all, page...)
		if len(page) < c.cfg.BatchSize {
			return all, nil
		}
	}
}

// fetchFields pages through the fields of the downloaded steps.
func (c *Cache) fetchFields(ctx context.Context, steps []remote.Step) ([]remote.Field, error) {
	if len(steps) == 0 {
		return nil, nil
	}
	stepIDs := make([]int64, len(steps))
	for i, s := range steps {
		stepIDs[i] = s.ID
	}
	var all []remote.Field
	for offset := 0; ; offset += c.cfg.BatchSize {
		page, err := c.backend.FetchFields(ctx, stepIDs, c.cfg.BatchSize, offset)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch fields at offset %d: %w", offset, err)
		}
		all = append(all, page...)
		if len(page) < c.cfg.BatchSize {
			return all, nil
		}
	}
}

// truncateToCeiling shrinks the bundle until its serialized size fits the
// ceiling, dropping steps from the tail (highest sequence numbers of the
// last order types first) together with their fields, then order types
// once the steps are exhausted. Truncation is logged, never silent.
// Returns the serialized payload.
func (c *Cache) truncateToCeiling(bundle *Bundle) ([]byte, error) {
	// Deterministic step order: by order type, then sequence, then id.
	sort.Slice(bundle.Steps, func(i, j int) bool {
		a, b := bundle.Steps[i], bundle.Steps[j]
		if a.OrderTypeID != b.OrderTypeID {
			return a.OrderTypeID < b.OrderTypeID
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.ID < b.ID
	})

	payload, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize bundle: %w", err)
	}
	if len(payload) <= c.cfg.SizeCeiling {
		return payload, nil
	}

	originalSteps := len(bundle.Steps)
	for len(payload) > c.cfg.SizeCeiling && len(bundle.Steps) > 0 {
		dropped := bundle.Steps[len(bundle.Steps)-1]
		bundle.Steps = bundle.Steps[:len(bundle.Steps)-1]
		bundle.Fields = fieldsWithoutStep(bundle.Fields, dropped.ID)

		payload, err = json.Marshal(bundle)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize bundle: %w", err)
		}
	}
	if droppedSteps := originalSteps - len(bundle.Steps); droppedSteps > 0 {
		c.logger.Printf("Snapshot exceeded %d byte ceiling, truncated %d of %d steps",
			c.cfg.SizeCeiling, droppedSteps, originalSteps)
	}

	// The type list itself can exceed the ceiling once the steps are
	// exhausted. The size bound holds regardless, so drop types from the
	// tail too, in the same deterministic order.
	if len(payload) > c.cfg.SizeCeiling {
		sort.Slice(bundle.OrderTypes, func(i, j int) bool {
			return bundle.OrderTypes[i].ID < bundle.OrderTypes[j].ID
		})
		originalTypes := len(bundle.OrderTypes)
		for len(payload) > c.cfg.SizeCeiling && len(bundle.OrderTypes) > 0 {
			bundle.OrderTypes = bundle.OrderTypes[:len(bundle.OrderTypes)-1]
			payload, err = json.Marshal(bundle)
			if err != nil {
				return nil, fmt.Errorf("failed to serialize bundle: %w", err)
			}
		}
		c.logger.Printf("Snapshot still exceeded %d byte ceiling, truncated %d of %d order types",
			c.cfg.SizeCeiling, originalTypes-len(bundle.OrderTypes), originalTypes)
	}

	if len(payload) > c.cfg.SizeCeiling {
		return nil, fmt.Errorf("empty bundle of %d bytes exceeds %d byte ceiling", len(payload), c.cfg.SizeCeiling)
	}
	return payload, nil
}

func fieldsWithoutStep(fields []remote.Field, stepID int64) []remote.Field {
	kept := fields[:0]
	for _, f := range fields {
		if f.StepID != stepID {
			kept = append(kept, f)
		}
	}
	return kept
}

// persist writes the bundle, rebuilds every per-type sub-cache from it,
// and writes the metadata last. The metadata is the commit point: sub-
// caches are never newer than the bundle the metadata describes.
func (c *Cache) persist(ctx context.Context, bundle *Bundle, payload []byte, userScoped bool) error {
	if err := c.state.Set(ctx, bundleKey, payload, store.CategorySnapshot); err != nil {
		return fmt.Errorf("failed to persist bundle: %w", err)
	}

	// Drop stale sub-caches before rebuilding so types that left the scope
	// do not linger with outdated content.
	oldKeys, err := c.state.KeysByPrefix(ctx, subCachePrefix)
	if err != nil {
		return err
	}
	if err := c.state.RemoveMany(ctx, oldKeys); err != nil {
		return err
	}

	for _, ot := range bundle.OrderTypes {
		details := childrenFromBundle(bundle, ot.ID)
		if len(details) == 0 {
			continue
		}
		sub, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("failed to serialize sub-cache for type %d: %w", ot.ID, err)
		}
		key := fmt.Sprintf("%s%d", subCachePrefix, ot.ID)
		if err := c.state.Set(ctx, key, sub, store.CategorySnapshot); err != nil {
			return fmt.Errorf("failed to persist sub-cache for type %d: %w", ot.ID, err)
		}
	}

	meta, err := json.Marshal(Meta{
		SyncTime:   time.Now().UTC(),
		Version:    bundleVersion,
		SizeBytes:  len(payload),
		UserScoped: userScoped,
	})
	if err != nil {
		return err
	}
	if err := c.state.Set(ctx, metaKey, meta, store.CategoryMarker); err != nil {
		return fmt.Errorf("failed to persist snapshot metadata: %w", err)
	}

	c.logger.Printf("Persisted snapshot: %d types, %d steps, %d fields, %d bytes",
		len(bundle.OrderTypes), len(bundle.Steps), len(bundle.Fields), len(payload))
	return nil
}

// LookupChildren returns the steps and fields of one order type, trying
// the per-type sub-cache, then the full bundle, then the remote backend
// when online. If every source comes up empty a minimal generic step set
// is synthesized so data entry remains possible; the returned provenance
// always identifies the source.
func (c *Cache) LookupChildren(ctx context.Context, orderTypeID int64) ([]StepDetail, Provenance, error) {
	subKey := fmt.Sprintf("%s%d", subCachePrefix, orderTypeID)
	if raw, err := c.state.Get(ctx, subKey); err == nil && raw != nil {
		var details []StepDetail
		if err := json.Unmarshal(raw, &details); err == nil && len(details) > 0 {
			return details, FromSubCache, nil
		}
	}

	if raw, err := c.state.Get(ctx, bundleKey); err == nil && raw != nil {
		var bundle Bundle
		if err := json.Unmarshal(raw, &bundle); err == nil {
			if details := childrenFromBundle(&bundle, orderTypeID); len(details) > 0 {
				return details, FromBundle, nil
			}
		}
	}

	if c.monitor.Online() {
		details, err := c.fetchChildren(ctx, orderTypeID)
		if err != nil {
			c.logger.Printf("Remote lookup for order type %d failed: %v", orderTypeID, err)
		} else if len(details) > 0 {
			return details, FromRemote, nil
		}
	}

	c.logger.Printf("No catalog source for order type %d, serving placeholder steps", orderTypeID)
	return placeholderChildren(orderTypeID), FromPlaceholder, nil
}

// fetchChildren pulls one order type's steps and fields directly from the
// remote backend, bypassing the persisted bundle.
func (c *Cache) fetchChildren(ctx context.Context, orderTypeID int64) ([]StepDetail, error) {
	steps, err := c.fetchSteps(ctx, []int64{orderTypeID})
	if err != nil {
		return nil, err
	}
	fields, err := c.fetchFields(ctx, steps)
	if err != nil {
		return nil, err
	}
	bundle := Bundle{Steps: steps, Fields: fields}
	return childrenFromBundle(&bundle, orderTypeID), nil
}

// childrenFromBundle assembles the step details for one order type from a
// bundle, preserving step sequence order.
func childrenFromBundle(bundle *Bundle, orderTypeID int64) []StepDetail {
	byStep := make(map[int64][]remote.Field)
	for _, f := range bundle.Fields {
		byStep[f.StepID] = append(byStep[f.StepID], f)
	}

	var details []StepDetail
	for _, s := range bundle.Steps {
		if s.OrderTypeID != orderTypeID {
			continue
		}
		details = append(details, StepDetail{Step: s, Fields: byStep[s.ID]})
	}
	sort.Slice(details, func(i, j int) bool {
		if details[i].Step.Seq != details[j].Step.Seq {
			return details[i].Step.Seq < details[j].Step.Seq
		}
		return details[i].Step.ID < details[j].Step.ID
	})
	return details
}

// placeholderChildren synthesizes a minimal generic step so a technician
// can still record work when no catalog source is reachable.
func placeholderChildren(orderTypeID int64) []StepDetail {
	return []StepDetail{
		{
			Step: remote.Step{ID: -1, OrderTypeID: orderTypeID, Name: "General service", Seq: 1, Active: true},
			Fields: []remote.Field{
				{ID: -1, StepID: -1, Name: "Notes", Kind: "text", Required: false},
				{ID: -2, StepID: -1, Name: "Photo", Kind: "photo", Required: false},
			},
		},
	}
}

// EnsureInitial runs the first-time snapshot population on sign-in for
// roles that produce work orders. Roles that only review need no catalog.
func (c *Cache) EnsureInitial(ctx context.Context, role string) (Availability, error) {
	switch role {
	case "technician", "supervisor":
	default:
		return Availability{}, nil
	}

	meta, err := c.Meta(ctx)
	if err != nil {
		return Availability{}, err
	}
	if meta != nil {
		return Availability{Available: true, Fresh: time.Since(meta.SyncTime) < c.cfg.Freshness}, nil
	}
	return c.EnsureAvailable(ctx, nil)
}

// PurgeUserScoped removes every snapshot record and usage marker. Invoked
// on sign-out so the next user starts from their own relevance scope.
func (c *Cache) PurgeUserScoped(ctx context.Context) error {
	for _, prefix := range []string{subCachePrefix, usagePrefix} {
		keys, err := c.state.KeysByPrefix(ctx, prefix)
		if err != nil {
			return err
		}
		if err := c.state.RemoveMany(ctx, keys); err != nil {
			return err
		}
	}
	if err := c.state.Remove(ctx, bundleKey); err != nil {
		return err
	}
	if err := c.state.Remove(ctx, metaKey); err != nil {
		return err
	}
	c.logger.Printf("Purged snapshot state")
	return nil
}
