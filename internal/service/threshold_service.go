package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opsledger/be-validation-workflow/internal/errors"
	"github.com/opsledger/be-validation-workflow/internal/logger"
	"github.com/opsledger/be-validation-workflow/internal/repository"
)

// ThresholdService manages validation threshold configurations: the ordered
// ladder of amount boundaries that decides how many approval levels a request
// needs. The ladder invariant (0 <= autoApproveBelow < level1 < level2 <
// level3) is enforced on every write and never clamped silently.
//
// Reads go through a per-instance cache keyed by (workspace, entity type,
// category), invalidated on every write to the same key.
type ThresholdService struct {
	store ThresholdStore
	stats StatsStore
	log   *logger.Logger

	mu    sync.RWMutex
	cache map[string]*repository.ValidationThreshold
}

// NewThresholdService creates a new ThresholdService.
func NewThresholdService(store ThresholdStore, stats StatsStore, log *logger.Logger) *ThresholdService {
	return &ThresholdService{
		store: store,
		stats: stats,
		log:   log,
		cache: make(map[string]*repository.ValidationThreshold),
	}
}

// CreateThresholdRequest carries a new threshold configuration.
type CreateThresholdRequest struct {
	WorkspaceID      string
	EntityType       string
	Category         *string
	Level1           int64
	Level2           int64
	Level3           int64
	AutoApproveBelow int64
	RequireAllLevels bool
}

// UpdateThresholdRequest carries a partial update. Nil fields keep their
// stored value; the resulting full ladder is re-validated before committing.
type UpdateThresholdRequest struct {
	Level1           *int64
	Level2           *int64
	Level3           *int64
	AutoApproveBelow *int64
	RequireAllLevels *bool
}

// CreateThreshold stores a new configuration. Fails with CONFLICT when the
// exact (entity type, category) key already exists and with
// INVALID_THRESHOLDS when the ladder ordering does not hold.
func (s *ThresholdService) CreateThreshold(ctx context.Context, req *CreateThresholdRequest) (*repository.ValidationThreshold, error) {
	if req.WorkspaceID == "" {
		return nil, errors.InvalidInput("workspace_id", "workspace is required")
	}
	if req.EntityType == "" {
		return nil, errors.InvalidInput("entity_type", "entity type is required")
	}
	if req.Category != nil && *req.Category == "" {
		return nil, errors.InvalidInput("category", "category must not be empty when supplied")
	}
	if err := validateLadder(req.AutoApproveBelow, req.Level1, req.Level2, req.Level3); err != nil {
		return nil, err
	}

	t := &repository.ValidationThreshold{
		WorkspaceID:      req.WorkspaceID,
		EntityType:       req.EntityType,
		Category:         req.Category,
		Level1:           req.Level1,
		Level2:           req.Level2,
		Level3:           req.Level3,
		AutoApproveBelow: req.AutoApproveBelow,
		RequireAllLevels: req.RequireAllLevels,
	}

	if err := s.store.Create(ctx, t); err != nil {
		return nil, err
	}

	s.cacheSet(t)
	s.log.Info().
		Str("workspace_id", t.WorkspaceID).
		Str("entity_type", t.EntityType).
		Str("threshold_id", t.ID).
		Msg("Threshold configuration created")
	return t, nil
}

// UpdateThreshold applies a partial update. The merged result is validated
// before any write, so an update cannot transiently break the invariant; a
// rejected update leaves the stored configuration unchanged.
func (s *ThresholdService) UpdateThreshold(ctx context.Context, id string, req *UpdateThresholdRequest) (*repository.ValidationThreshold, error) {
	t, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Level1 != nil {
		t.Level1 = *req.Level1
	}
	if req.Level2 != nil {
		t.Level2 = *req.Level2
	}
	if req.Level3 != nil {
		t.Level3 = *req.Level3
	}
	if req.AutoApproveBelow != nil {
		t.AutoApproveBelow = *req.AutoApproveBelow
	}
	if req.RequireAllLevels != nil {
		t.RequireAllLevels = *req.RequireAllLevels
	}

	if err := validateLadder(t.AutoApproveBelow, t.Level1, t.Level2, t.Level3); err != nil {
		return nil, err
	}

	if err := s.store.Update(ctx, t); err != nil {
		return nil, err
	}

	s.cacheSet(t)
	s.log.Info().
		Str("threshold_id", t.ID).
		Str("entity_type", t.EntityType).
		Msg("Threshold configuration updated")
	return t, nil
}

// GetThreshold returns the configuration for the exact key. Category-less
// lookups never fall back to a category-specific row and vice versa.
func (s *ThresholdService) GetThreshold(ctx context.Context, workspaceID, entityType string, category *string) (*repository.ValidationThreshold, error) {
	key := cacheKey(workspaceID, entityType, category)

	s.mu.RLock()
	cached, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return copyThreshold(cached), nil
	}

	t, err := s.store.GetByKey(ctx, workspaceID, entityType, category)
	if err != nil {
		return nil, err
	}
	s.cacheSet(t)
	return t, nil
}

// GetOrCreateDefault returns the category-less configuration for an entity
// type, materializing the built-in default ladder when none is stored yet.
func (s *ThresholdService) GetOrCreateDefault(ctx context.Context, workspaceID, entityType string) (*repository.ValidationThreshold, error) {
	t, err := s.GetThreshold(ctx, workspaceID, entityType, nil)
	if err == nil {
		return t, nil
	}
	if !errors.IsCode(err, errors.ErrCodeNotFound) {
		return nil, err
	}

	def := defaultLadder(entityType)
	created, err := s.CreateThreshold(ctx, &CreateThresholdRequest{
		WorkspaceID:      workspaceID,
		EntityType:       entityType,
		Level1:           def.Level1,
		Level2:           def.Level2,
		Level3:           def.Level3,
		AutoApproveBelow: def.AutoApproveBelow,
		RequireAllLevels: def.RequireAllLevels,
	})
	if errors.IsCode(err, errors.ErrCodeConflict) {
		// Another instance materialized it first.
		return s.GetThreshold(ctx, workspaceID, entityType, nil)
	}
	if err != nil {
		return nil, err
	}
	return created, nil
}

// CloneThreshold copies the numeric configuration of an existing threshold
// under a new category key. Fails with CONFLICT when the new key exists.
func (s *ThresholdService) CloneThreshold(ctx context.Context, sourceID, newCategory string) (*repository.ValidationThreshold, error) {
	if newCategory == "" {
		return nil, errors.InvalidInput("category", "new category is required")
	}

	src, err := s.store.GetByID(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	return s.CreateThreshold(ctx, &CreateThresholdRequest{
		WorkspaceID:      src.WorkspaceID,
		EntityType:       src.EntityType,
		Category:         &newCategory,
		Level1:           src.Level1,
		Level2:           src.Level2,
		Level3:           src.Level3,
		AutoApproveBelow: src.AutoApproveBelow,
		RequireAllLevels: src.RequireAllLevels,
	})
}

// ValidateWorkspaceThresholds scans every stored configuration in a workspace
// and returns the ones that violate the ladder invariant. Out-of-band data
// edits are the only way such rows can exist.
func (s *ThresholdService) ValidateWorkspaceThresholds(ctx context.Context, workspaceID string) ([]*repository.ValidationThreshold, error) {
	all, err := s.store.ListByWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	var invalid []*repository.ValidationThreshold
	for _, t := range all {
		if validateLadder(t.AutoApproveBelow, t.Level1, t.Level2, t.Level3) != nil {
			invalid = append(invalid, t)
		}
	}
	return invalid, nil
}

// GetThresholdUsageStats aggregates request resolutions over [from, to).
func (s *ThresholdService) GetThresholdUsageStats(ctx context.Context, workspaceID string, from, to time.Time) (*repository.ThresholdUsageStats, error) {
	if !to.After(from) {
		return nil, errors.InvalidInput("period", "end of period must be after its start")
	}
	return s.stats.UsageStats(ctx, workspaceID, from, to)
}

// ── ladder invariant ──────────────────────────────────────────────────────────

// validateLadder enforces 0 <= autoApproveBelow < level1 < level2 < level3.
func validateLadder(autoApproveBelow, level1, level2, level3 int64) error {
	if autoApproveBelow < 0 {
		return errors.InvalidThresholds("auto-approve floor must not be negative")
	}
	if autoApproveBelow >= level1 {
		return errors.InvalidThresholds(
			fmt.Sprintf("auto-approve floor (%d) must be below level 1 threshold (%d)", autoApproveBelow, level1))
	}
	if level1 >= level2 {
		return errors.InvalidThresholds(
			fmt.Sprintf("level 1 threshold (%d) must be below level 2 threshold (%d)", level1, level2))
	}
	if level2 >= level3 {
		return errors.InvalidThresholds(
			fmt.Sprintf("level 2 threshold (%d) must be below level 3 threshold (%d)", level2, level3))
	}
	return nil
}

// ── built-in defaults ─────────────────────────────────────────────────────────

type ladderDefaults struct {
	Level1           int64
	Level2           int64
	Level3           int64
	AutoApproveBelow int64
	RequireAllLevels bool
}

// defaultLadders differ by domain risk: high-control entity types require
// every level to sign off and have no auto-approval floor.
var defaultLadders = map[string]ladderDefaults{
	"expense":          {Level1: 50_000, Level2: 200_000, Level3: 1_000_000, AutoApproveBelow: 5_000},
	"purchase_order":   {Level1: 100_000, Level2: 500_000, Level3: 2_000_000, AutoApproveBelow: 10_000},
	"leave_request":    {Level1: 3, Level2: 7, Level3: 14, AutoApproveBelow: 1},
	"price_adjustment": {Level1: 5, Level2: 15, Level3: 30, AutoApproveBelow: 2},
	"production_order": {Level1: 50_000, Level2: 200_000, Level3: 1_000_000, RequireAllLevels: true},
	"stock_transfer":   {Level1: 50_000, Level2: 200_000, Level3: 1_000_000, RequireAllLevels: true},
	"credit_approval":  {Level1: 100_000, Level2: 500_000, Level3: 2_000_000, RequireAllLevels: true},
}

// fallbackLadder covers entity types without a tailored default.
var fallbackLadder = ladderDefaults{Level1: 50_000, Level2: 200_000, Level3: 1_000_000, AutoApproveBelow: 0}

func defaultLadder(entityType string) ladderDefaults {
	if def, ok := defaultLadders[entityType]; ok {
		return def
	}
	return fallbackLadder
}

// ── cache ─────────────────────────────────────────────────────────────────────

func cacheKey(workspaceID, entityType string, category *string) string {
	cat := ""
	if category != nil {
		cat = *category
	}
	return workspaceID + "\x00" + entityType + "\x00" + cat
}

// cacheSet stores a private copy so callers holding the original (or a value
// returned from a cache hit) can never mutate the cached entry.
func (s *ThresholdService) cacheSet(t *repository.ValidationThreshold) {
	s.mu.Lock()
	s.cache[cacheKey(t.WorkspaceID, t.EntityType, t.Category)] = copyThreshold(t)
	s.mu.Unlock()
}

func copyThreshold(t *repository.ValidationThreshold) *repository.ValidationThreshold {
	cp := *t
	if t.Category != nil {
		c := *t.Category
		cp.Category = &c
	}
	return &cp
}
