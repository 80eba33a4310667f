package service

import (
	"context"
	"time"

	"github.com/opsledger/be-validation-workflow/internal/repository"
)

// ThresholdStore is the storage surface the threshold service needs.
// Implemented by repository.ThresholdRepository.
type ThresholdStore interface {
	Create(ctx context.Context, t *repository.ValidationThreshold) error
	GetByID(ctx context.Context, id string) (*repository.ValidationThreshold, error)
	GetByKey(ctx context.Context, workspaceID, entityType string, category *string) (*repository.ValidationThreshold, error)
	Update(ctx context.Context, t *repository.ValidationThreshold) error
	ListByWorkspace(ctx context.Context, workspaceID string) ([]*repository.ValidationThreshold, error)
}

// RequestStore is the storage surface the workflow engine needs.
// Implemented by repository.RequestRepository.
type RequestStore interface {
	Create(ctx context.Context, req *repository.ValidationRequest) error
	GetByID(ctx context.Context, id string) (*repository.ValidationRequest, error)
	ApplyDecision(ctx context.Context, requestID string, expectedVersion int, newStatus string, newCurrentLevel repository.Level, v *repository.Validation) (*repository.ValidationRequest, error)
	ListPendingByLevel(ctx context.Context, workspaceID string, level repository.Level) ([]*repository.ValidationRequest, error)
	ListByEntity(ctx context.Context, workspaceID, entityType, entityID string) ([]*repository.ValidationRequest, error)
}

// StatsStore computes reporting aggregates. Implemented by repository.StatsRepository.
type StatsStore interface {
	UsageStats(ctx context.Context, workspaceID string, from, to time.Time) (*repository.ThresholdUsageStats, error)
	ValidatorStats(ctx context.Context, workspaceID, validatorID string, from, to time.Time) (*repository.ValidatorStats, error)
}

// ThresholdLookup is the read surface the workflow engine uses to consult the
// configured ladder. Implemented by ThresholdService (cached reads).
type ThresholdLookup interface {
	GetThreshold(ctx context.Context, workspaceID, entityType string, category *string) (*repository.ValidationThreshold, error)
}

// Geocoder resolves coordinates to an address, best-effort. May return
// ("", nil) when no address is known.
type Geocoder interface {
	ReverseGeocode(ctx context.Context, lat, lon float64) (string, error)
}

// Notifier is invoked after every committed request transition with the
// request and the validation entry that caused it (nil on request creation).
// Implementations must swallow their own failures.
type Notifier interface {
	Notify(ctx context.Context, req *repository.ValidationRequest, latest *repository.Validation)
}
