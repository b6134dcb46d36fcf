package featureflags

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rupaya/backend/pkg/logger"
)

// Deployment event types emitted on every definition change.
const (
	EventFlagUpdated   = "flag_updated"
	EventStageAdvanced = "canary_stage_advanced"
	EventRollback      = "canary_rollback"
)

type Event struct {
	Type        string                 `json:"type"`
	Key         string                 `json:"flagKey"`
	Environment string                 `json:"environment"`
	UpdatedBy   string                 `json:"updatedBy,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// Registry resolves flag definitions through cache, repository and the
// in-process copy of the seeded set, in that order. Both repo and cache
// are optional; without a repo the in-process copy is authoritative.
type Registry struct {
	env   string
	repo  Repository
	cache Cache

	mu    sync.RWMutex
	flags map[string]Definition

	// serializes read-modify-write of definitions
	writeMu sync.Mutex

	listenersMu sync.RWMutex
	listeners   []func(Event)

	now func() time.Time
	log zerolog.Logger
}

func NewRegistry(env string, repo Repository, cache Cache) *Registry {
	r := &Registry{
		env:   env,
		repo:  repo,
		cache: cache,
		flags: make(map[string]Definition),
		now:   time.Now,
		log:   logger.Component("featureflags"),
	}
	for _, def := range Defaults() {
		r.flags[def.Key] = def
	}
	return r
}

func (r *Registry) Environment() string { return r.env }

// OnChange registers fn to receive every deployment event.
func (r *Registry) OnChange(fn func(Event)) {
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, fn)
	r.listenersMu.Unlock()
}

// Seed writes the seeded definitions missing from the repository.
func (r *Registry) Seed(ctx context.Context) error {
	if r.repo == nil {
		return nil
	}
	n, err := r.repo.SeedMissing(ctx, Defaults())
	if err != nil {
		return err
	}
	if n > 0 {
		r.log.Info().Int("count", n).Msg("seeded feature flags")
	}
	return nil
}

// Get returns the base definition for key.
func (r *Registry) Get(ctx context.Context, key string) (*Definition, error) {
	if r.cache != nil {
		def, err := r.cache.Get(ctx, key)
		if err != nil {
			r.log.Warn().Err(err).Str("flag", key).Msg("flag cache read failed")
		} else if def != nil {
			return def, nil
		}
	}

	def, err := r.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		if err := r.cache.Set(ctx, *def); err != nil {
			r.log.Warn().Err(err).Str("flag", key).Msg("flag cache write failed")
		}
	}
	return def, nil
}

// load skips the cache; writes always start from here.
func (r *Registry) load(ctx context.Context, key string) (*Definition, error) {
	if r.repo != nil {
		def, err := r.repo.Get(ctx, key)
		switch {
		case err == nil:
			return def, nil
		case errors.Is(err, ErrUnknownFlag):
			return nil, fmt.Errorf("%w: %s", ErrUnknownFlag, key)
		default:
			r.log.Warn().Err(err).Str("flag", key).Msg("flag repository read failed, using in-process copy")
		}
	}

	r.mu.RLock()
	def, ok := r.flags[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFlag, key)
	}
	cp := def.Clone()
	return &cp, nil
}

// List returns every base definition ordered by key.
func (r *Registry) List(ctx context.Context) ([]Definition, error) {
	if r.cache != nil {
		defs, err := r.cache.GetAll(ctx)
		if err != nil {
			r.log.Warn().Err(err).Msg("flag cache read failed")
		} else if defs != nil {
			return defs, nil
		}
	}

	var defs []Definition
	if r.repo != nil {
		var err error
		defs, err = r.repo.List(ctx)
		if err != nil {
			r.log.Warn().Err(err).Msg("flag repository list failed, using in-process copy")
			defs = nil
		}
	}
	if defs == nil {
		r.mu.RLock()
		defs = make([]Definition, 0, len(r.flags))
		for _, def := range r.flags {
			defs = append(defs, def.Clone())
		}
		r.mu.RUnlock()
		sort.Slice(defs, func(i, j int) bool { return defs[i].Key < defs[j].Key })
	}

	if r.cache != nil {
		if err := r.cache.SetAll(ctx, defs); err != nil {
			r.log.Warn().Err(err).Msg("flag cache write failed")
		}
	}
	return defs, nil
}

// GetEffectiveDefinition resolves key and applies env's override.
func (r *Registry) GetEffectiveDefinition(ctx context.Context, key, env string) (*Definition, error) {
	base, err := r.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	eff := Merge(*base, env)
	return &eff, nil
}

// Effective is GetEffectiveDefinition for the registry's own environment.
func (r *Registry) Effective(ctx context.Context, key string) (*Definition, error) {
	return r.GetEffectiveDefinition(ctx, key, r.env)
}

// EffectiveAll resolves every flag for the registry's environment.
func (r *Registry) EffectiveAll(ctx context.Context) ([]Definition, error) {
	defs, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Definition, 0, len(defs))
	for _, def := range defs {
		out = append(out, Merge(def, r.env))
	}
	return out, nil
}

// Update shallow-merges patch onto the stored definition, validates the
// result and persists it. The key and creation time cannot be patched.
func (r *Registry) Update(ctx context.Context, key string, patch map[string]json.RawMessage, updatedBy string) (*Definition, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	current, err := r.load(ctx, key)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(current)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	for field, value := range patch {
		switch field {
		case "key", "createdAt", "updatedAt":
			continue
		}
		fields[field] = value
	}
	if err := ValidateRaw(fields); err != nil {
		return nil, err
	}

	merged, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	var next Definition
	if err := json.Unmarshal(merged, &next); err != nil {
		return nil, &SchemaError{Field: "definition", Reason: err.Error()}
	}
	next.Key = current.Key
	next.CreatedAt = current.CreatedAt
	if next.Type == TypeCanary && current.Type == TypeCanary {
		if next.CurrentStage < current.CurrentStage {
			return nil, &SchemaError{Field: "currentStage", Reason: "cannot move backwards"}
		}
		if next.CurrentStage != current.CurrentStage {
			t := r.now().UTC()
			next.StageStartedAt = &t
		}
	}
	if err := Validate(&next); err != nil {
		return nil, err
	}

	if err := r.store(ctx, next, updatedBy); err != nil {
		return nil, err
	}
	r.emit(Event{Type: EventFlagUpdated, Key: key, UpdatedBy: updatedBy, Details: map[string]interface{}{
		"fields": patchedFields(patch),
	}})
	return &next, nil
}

// AdvanceCanary moves a canary flag to its next stage.
func (r *Registry) AdvanceCanary(ctx context.Context, key, updatedBy string) (*Definition, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	def, err := r.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if def.Type != TypeCanary {
		return nil, fmt.Errorf("%w: %s", ErrNotCanary, key)
	}
	if def.CurrentStage >= len(def.Stages)-1 {
		return nil, fmt.Errorf("%w: %s", ErrFinalStage, key)
	}

	from := def.CurrentStage
	def.CurrentStage++
	t := r.now().UTC()
	def.StageStartedAt = &t

	if err := r.store(ctx, *def, updatedBy); err != nil {
		return nil, err
	}
	stage := def.Stages[def.CurrentStage]
	r.log.Info().Str("flag", key).Int("from", from).Int("to", def.CurrentStage).
		Int("percentage", stage.Percentage).Msg("canary stage advanced")
	r.emit(Event{Type: EventStageAdvanced, Key: key, UpdatedBy: updatedBy, Details: map[string]interface{}{
		"fromStage": from,
		"toStage":   def.CurrentStage,
		"stage":     stage,
	}})
	return def, nil
}

// RollbackCanary is the kill switch: it disables the flag in the base
// definition and in the current environment. The stage index is kept so a
// re-enable resumes where the rollout stopped.
func (r *Registry) RollbackCanary(ctx context.Context, key, reason, updatedBy string) (*Definition, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	def, err := r.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if def.Type != TypeCanary {
		return nil, fmt.Errorf("%w: %s", ErrNotCanary, key)
	}

	def.Enabled = false
	if def.Environments == nil {
		def.Environments = map[string]Override{}
	}
	o := def.Environments[r.env]
	o.Enabled = boolPtr(false)
	def.Environments[r.env] = o

	if err := r.store(ctx, *def, updatedBy); err != nil {
		return nil, err
	}
	r.log.Warn().Str("flag", key).Str("reason", reason).Int("stage", def.CurrentStage).Msg("canary rolled back")
	r.emit(Event{Type: EventRollback, Key: key, UpdatedBy: updatedBy, Details: map[string]interface{}{
		"reason": reason,
		"stage":  def.CurrentStage,
	}})
	return def, nil
}

// InProgressCanaries lists canary flags enabled in the current environment
// whose current stage is not yet full exposure.
func (r *Registry) InProgressCanaries(ctx context.Context) ([]string, error) {
	defs, err := r.EffectiveAll(ctx)
	if err != nil {
		return nil, err
	}
	var keys []string
	for i := range defs {
		stage := defs[i].CurrentStageDef()
		if stage == nil || !defs[i].Enabled {
			continue
		}
		if stage.Percentage < 100 {
			keys = append(keys, defs[i].Key)
		}
	}
	return keys, nil
}

func (r *Registry) store(ctx context.Context, def Definition, updatedBy string) error {
	def.UpdatedAt = r.now().UTC()
	if r.repo != nil {
		if err := r.repo.Save(ctx, def, updatedBy); err != nil {
			return fmt.Errorf("save flag %s: %w", def.Key, err)
		}
	}

	r.mu.Lock()
	r.flags[def.Key] = def.Clone()
	r.mu.Unlock()

	if r.cache != nil {
		if err := r.cache.Invalidate(ctx, def.Key); err != nil {
			r.log.Warn().Err(err).Str("flag", def.Key).Msg("flag cache invalidation failed")
		}
	}
	return nil
}

func (r *Registry) emit(ev Event) {
	ev.Environment = r.env
	ev.Timestamp = r.now().UTC()

	r.listenersMu.RLock()
	listeners := append([]func(Event){}, r.listeners...)
	r.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

func patchedFields(patch map[string]json.RawMessage) []string {
	fields := make([]string, 0, len(patch))
	for field := range patch {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}
