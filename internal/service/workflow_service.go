package service

import (
	"context"
	"time"

	"github.com/opsledger/be-validation-workflow/internal/errors"
	"github.com/opsledger/be-validation-workflow/internal/logger"
	"github.com/opsledger/be-validation-workflow/internal/repository"
)

// autoApproveComment is the comment on the synthetic system validation entry.
const autoApproveComment = "auto-approved by configured rule"

// notifyTimeout bounds the detached notification publish after a commit.
const notifyTimeout = 10 * time.Second

// WorkflowService is the validation workflow engine. It opens requests,
// computes the required approval level from the configured ladder, records
// validator decisions and drives the escalate/approve/reject state machine.
//
// Every decision write re-reads the current request state and commits with a
// compare-and-swap on its version, so concurrent decisions on the same
// request resolve to exactly one winner.
type WorkflowService struct {
	requests   RequestStore
	thresholds ThresholdLookup
	stats      StatsStore
	geocoder   Geocoder
	notifier   Notifier
	log        *logger.Logger
}

// NewWorkflowService creates a new WorkflowService. Geocoder and notifier may
// be nil; both capabilities are best-effort.
func NewWorkflowService(
	requests RequestStore,
	thresholds ThresholdLookup,
	stats StatsStore,
	geocoder Geocoder,
	notifier Notifier,
	log *logger.Logger,
) *WorkflowService {
	return &WorkflowService{
		requests:   requests,
		thresholds: thresholds,
		stats:      stats,
		geocoder:   geocoder,
		notifier:   notifier,
		log:        log,
	}
}

// CreateValidationRequestInput carries a new gate request. Snapshot must be a
// full, self-contained copy of the entity data under review; the engine never
// re-reads the originating entity.
type CreateValidationRequestInput struct {
	WorkspaceID string
	EntityType  string
	EntityID    string
	Snapshot    map[string]interface{}
	Amount      *int64
	Reason      *string
	Priority    int
	Tags        []string
	ExpiresAt   *time.Time
}

// GeolocationInput carries raw coordinates captured with a decision.
type GeolocationInput struct {
	Latitude  float64
	Longitude float64
	Accuracy  *float64
}

// ProcessValidationInput carries one validator decision.
type ProcessValidationInput struct {
	RequestID   string
	ValidatedBy string
	Decision    string
	Comment     *string
	Geolocation *GeolocationInput
	Signature   *string
}

// ── Open a gate ───────────────────────────────────────────────────────────────

// CreateValidationRequest opens a request and computes its required level from
// the threshold ladder of (workspace, entity type). Amounts strictly below the
// configured auto-approve floor yield a request born auto_approved with one
// synthetic system validation entry. All other requests start pending at
// level_1; escalation is how higher levels get involved, even when the
// required level is the owner.
func (s *WorkflowService) CreateValidationRequest(ctx context.Context, input *CreateValidationRequestInput) (*repository.ValidationRequest, error) {
	if input.WorkspaceID == "" {
		return nil, errors.InvalidInput("workspace_id", "workspace is required")
	}
	if input.EntityType == "" {
		return nil, errors.InvalidInput("entity_type", "entity type is required")
	}
	if input.EntityID == "" {
		return nil, errors.InvalidInput("entity_id", "entity id is required")
	}
	if len(input.Snapshot) == 0 {
		return nil, errors.InvalidInput("snapshot", "a self-contained data snapshot is required")
	}
	if input.Amount != nil && *input.Amount < 0 {
		return nil, errors.InvalidInput("amount", "amount must not be negative")
	}

	ladder, err := s.lookupLadder(ctx, input.WorkspaceID, input.EntityType)
	if err != nil {
		return nil, err
	}

	req := &repository.ValidationRequest{
		WorkspaceID:  input.WorkspaceID,
		EntityType:   input.EntityType,
		EntityID:     input.EntityID,
		Snapshot:     input.Snapshot,
		Amount:       input.Amount,
		Reason:       input.Reason,
		Priority:     input.Priority,
		Tags:         input.Tags,
		ExpiresAt:    input.ExpiresAt,
		CurrentLevel: repository.LevelOne,
	}

	if ladder != nil && input.Amount != nil && *input.Amount < ladder.AutoApproveBelow {
		comment := autoApproveComment
		req.Status = repository.StatusAutoApproved
		req.RequiredLevel = repository.LevelOne
		req.Validations = []*repository.Validation{{
			ValidatedBy: repository.SystemValidator,
			Decision:    repository.DecisionApproved,
			Level:       repository.LevelOne,
			Comment:     &comment,
		}}
	} else {
		req.Status = repository.StatusPending
		req.RequiredLevel = requiredLevelFor(ladder, input.Amount)
	}

	if err := s.requests.Create(ctx, req); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("request_id", req.ID).
		Str("workspace_id", req.WorkspaceID).
		Str("entity_type", req.EntityType).
		Str("entity_id", req.EntityID).
		Str("status", req.Status).
		Str("required_level", string(req.RequiredLevel)).
		Msg("Validation request created")

	var latest *repository.Validation
	if len(req.Validations) > 0 {
		latest = req.Validations[len(req.Validations)-1]
	}
	s.notifyAsync(req, latest)
	return req, nil
}

// lookupLadder returns the category-less ladder for the entity type, or nil
// when none is configured.
func (s *WorkflowService) lookupLadder(ctx context.Context, workspaceID, entityType string) (*repository.ValidationThreshold, error) {
	ladder, err := s.thresholds.GetThreshold(ctx, workspaceID, entityType, nil)
	if errors.IsCode(err, errors.ErrCodeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ladder, nil
}

// requiredLevelFor maps an amount onto the ladder: the first rung whose
// upper bound covers the amount, the owner level above level 3.
// RequireAllLevels forces the top of the level order so every rung must
// approve. A missing ladder or absent amount routes to level_1.
func requiredLevelFor(ladder *repository.ValidationThreshold, amount *int64) repository.Level {
	if ladder == nil {
		return repository.LevelOne
	}
	if ladder.RequireAllLevels {
		return repository.LevelOwner
	}
	if amount == nil {
		return repository.LevelOne
	}
	switch {
	case *amount <= ladder.Level1:
		return repository.LevelOne
	case *amount <= ladder.Level2:
		return repository.LevelTwo
	case *amount <= ladder.Level3:
		return repository.LevelThree
	default:
		return repository.LevelOwner
	}
}

// ── Act on a gate ─────────────────────────────────────────────────────────────

// ProcessValidation records one validator decision at the request's current
// level and transitions the state machine: rejection is immediately terminal,
// approval escalates until the required level has signed off. The write is
// conditioned on the version read here; a losing concurrent writer observes
// ALREADY_PROCESSED or CONCURRENT_MODIFICATION, never a silent overwrite.
func (s *WorkflowService) ProcessValidation(ctx context.Context, input *ProcessValidationInput) (*repository.ValidationRequest, error) {
	if input.RequestID == "" {
		return nil, errors.InvalidInput("request_id", "request id is required")
	}
	if input.ValidatedBy == "" {
		return nil, errors.InvalidInput("validated_by", "validator identity is required")
	}
	if input.Decision != repository.DecisionApproved && input.Decision != repository.DecisionRejected {
		return nil, errors.InvalidInput("decision", "decision must be approved or rejected")
	}

	req, err := s.requests.GetByID(ctx, input.RequestID)
	if err != nil {
		return nil, err
	}
	if repository.IsTerminalStatus(req.Status) {
		return nil, errors.AlreadyProcessed(req.ID, req.Status)
	}

	v := &repository.Validation{
		ValidatedBy: input.ValidatedBy,
		Decision:    input.Decision,
		Level:       req.CurrentLevel,
		Comment:     input.Comment,
		Signature:   input.Signature,
	}
	s.attachGeolocation(ctx, v, input.Geolocation)

	newStatus, newLevel := nextState(req, input.Decision)

	updated, err := s.requests.ApplyDecision(ctx, req.ID, req.Version, newStatus, newLevel, v)
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("request_id", updated.ID).
		Str("validated_by", input.ValidatedBy).
		Str("decision", input.Decision).
		Str("decided_at_level", string(v.Level)).
		Str("status", updated.Status).
		Str("current_level", string(updated.CurrentLevel)).
		Msg("Validation decision recorded")

	s.notifyAsync(updated, v)
	return updated, nil
}

// nextState computes the transition for a decision cast at the request's
// current level.
func nextState(req *repository.ValidationRequest, decision string) (status string, level repository.Level) {
	if decision == repository.DecisionRejected {
		return repository.StatusRejected, req.CurrentLevel
	}
	if req.CurrentLevel.Rank() < req.RequiredLevel.Rank() {
		return repository.StatusEscalated, req.CurrentLevel.Next()
	}
	return repository.StatusApproved, req.CurrentLevel
}

// attachGeolocation copies raw coordinates onto the entry and tries a
// best-effort reverse geocode. A failed lookup keeps the coordinates and
// leaves the address empty; it never fails the decision.
func (s *WorkflowService) attachGeolocation(ctx context.Context, v *repository.Validation, geo *GeolocationInput) {
	if geo == nil {
		return
	}
	lat, lon := geo.Latitude, geo.Longitude
	v.Latitude = &lat
	v.Longitude = &lon
	v.Accuracy = geo.Accuracy

	if s.geocoder == nil {
		return
	}
	address, err := s.geocoder.ReverseGeocode(ctx, lat, lon)
	if err != nil {
		s.log.Warn().Err(err).
			Float64("latitude", lat).
			Float64("longitude", lon).
			Msg("Reverse geocoding failed; keeping raw coordinates")
		return
	}
	if address != "" {
		v.Address = &address
	}
}

// ── Observe ───────────────────────────────────────────────────────────────────

// GetValidationRequest returns one request with its full validation trail.
func (s *WorkflowService) GetValidationRequest(ctx context.Context, requestID string) (*repository.ValidationRequest, error) {
	if requestID == "" {
		return nil, errors.InvalidInput("request_id", "request id is required")
	}
	return s.requests.GetByID(ctx, requestID)
}

// GetPendingValidations returns the work queue for one validator level:
// every pending or escalated request currently parked at that level, highest
// priority first, oldest first within a priority.
func (s *WorkflowService) GetPendingValidations(ctx context.Context, workspaceID string, level repository.Level) ([]*repository.ValidationRequest, error) {
	if workspaceID == "" {
		return nil, errors.InvalidInput("workspace_id", "workspace is required")
	}
	if !level.Valid() {
		return nil, errors.InvalidInput("level", "unknown validation level")
	}
	return s.requests.ListPendingByLevel(ctx, workspaceID, level)
}

// GetValidationHistory returns every request ever opened against an entity in
// chronological order. An entity may be re-submitted after rejection, so the
// history can hold several terminal requests.
func (s *WorkflowService) GetValidationHistory(ctx context.Context, workspaceID, entityType, entityID string) ([]*repository.ValidationRequest, error) {
	if workspaceID == "" {
		return nil, errors.InvalidInput("workspace_id", "workspace is required")
	}
	if entityType == "" || entityID == "" {
		return nil, errors.InvalidInput("entity", "entity type and id are required")
	}
	return s.requests.ListByEntity(ctx, workspaceID, entityType, entityID)
}

// GetValidatorStats summarizes a validator's decisions over [from, to).
func (s *WorkflowService) GetValidatorStats(ctx context.Context, workspaceID, validatorID string, from, to time.Time) (*repository.ValidatorStats, error) {
	if validatorID == "" {
		return nil, errors.InvalidInput("validator_id", "validator id is required")
	}
	if !to.After(from) {
		return nil, errors.InvalidInput("period", "end of period must be after its start")
	}
	return s.stats.ValidatorStats(ctx, workspaceID, validatorID, from, to)
}

// ── notification hook ─────────────────────────────────────────────────────────

// notifyAsync fires the notification hook detached from the request context,
// so a slow or failing delivery can never roll back or block a committed
// decision.
func (s *WorkflowService) notifyAsync(req *repository.ValidationRequest, latest *repository.Validation) {
	if s.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		s.notifier.Notify(ctx, req, latest)
	}()
}
