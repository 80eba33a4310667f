package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opsledger/be-validation-workflow/internal/errors"
	"github.com/opsledger/be-validation-workflow/internal/logger"
	"github.com/opsledger/be-validation-workflow/internal/repository"
)

type engineEnv struct {
	requests   *fakeRequestStore
	thresholds *ThresholdService
	geocoder   *fakeGeocoder
	notifier   *fakeNotifier
	engine     *WorkflowService
}

func newEngineEnv(t *testing.T) *engineEnv {
	t.Helper()
	env := &engineEnv{
		requests:   newFakeRequestStore(),
		thresholds: newThresholdService(newFakeThresholdStore()),
		geocoder:   &fakeGeocoder{},
		notifier:   newFakeNotifier(),
	}
	env.engine = NewWorkflowService(env.requests, env.thresholds, &fakeStatsStore{}, env.geocoder, env.notifier, logger.Nop())
	return env
}

// configureLadder stores the ladder used by the end-to-end scenarios:
// autoApproveBelow 5000, level1 50000, level2 200000, level3 1000000.
func (env *engineEnv) configureLadder(t *testing.T, requireAll bool) {
	t.Helper()
	_, err := env.thresholds.CreateThreshold(context.Background(), &CreateThresholdRequest{
		WorkspaceID:      "ws-1",
		EntityType:       "expense",
		Level1:           50_000,
		Level2:           200_000,
		Level3:           1_000_000,
		AutoApproveBelow: 5_000,
		RequireAllLevels: requireAll,
	})
	if err != nil {
		t.Fatalf("configure ladder: %v", err)
	}
}

func (env *engineEnv) open(t *testing.T, amount int64) *repository.ValidationRequest {
	t.Helper()
	req, err := env.engine.CreateValidationRequest(context.Background(), &CreateValidationRequestInput{
		WorkspaceID: "ws-1",
		EntityType:  "expense",
		EntityID:    "exp-42",
		Snapshot:    map[string]interface{}{"description": "office supplies", "amount": amount},
		Amount:      &amount,
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	return req
}

func (env *engineEnv) decide(t *testing.T, requestID, validator, decision string) (*repository.ValidationRequest, error) {
	t.Helper()
	return env.engine.ProcessValidation(context.Background(), &ProcessValidationInput{
		RequestID:   requestID,
		ValidatedBy: validator,
		Decision:    decision,
	})
}

func TestAutoApprovalBelowFloor(t *testing.T) {
	env := newEngineEnv(t)
	env.configureLadder(t, false)

	req := env.open(t, 3_000)

	if req.Status != repository.StatusAutoApproved {
		t.Fatalf("status = %s, want auto_approved", req.Status)
	}
	if len(req.Validations) != 1 {
		t.Fatalf("validations = %d, want exactly one synthetic entry", len(req.Validations))
	}
	v := req.Validations[0]
	if v.ValidatedBy != repository.SystemValidator || v.Decision != repository.DecisionApproved {
		t.Fatalf("synthetic entry = %s/%s, want system/approved", v.ValidatedBy, v.Decision)
	}
	if v.Level != repository.LevelOne {
		t.Fatalf("synthetic entry level = %s, want level_1", v.Level)
	}

	// No human decision can succeed afterwards.
	_, err := env.decide(t, req.ID, "manager-1", repository.DecisionApproved)
	if !errors.IsCode(err, errors.ErrCodeAlreadyProcessed) {
		t.Fatalf("expected ALREADY_PROCESSED, got %v", err)
	}

	stored, _ := env.requests.GetByID(context.Background(), req.ID)
	if len(stored.Validations) != 1 {
		t.Fatalf("a rejected decision call must not append an entry")
	}
}

func TestLadderBoundariesAreExact(t *testing.T) {
	env := newEngineEnv(t)
	env.configureLadder(t, false)

	// The auto-approve floor is exclusive: an amount equal to it goes through
	// the normal flow.
	atFloor := env.open(t, 5_000)
	if atFloor.Status != repository.StatusPending {
		t.Fatalf("amount at floor: status = %s, want pending", atFloor.Status)
	}
	if len(atFloor.Validations) != 0 {
		t.Fatalf("amount at floor must not get a synthetic entry")
	}

	// Level upper bounds are inclusive: an amount equal to a threshold stays
	// at that threshold's level.
	cases := []struct {
		amount int64
		want   repository.Level
	}{
		{50_000, repository.LevelOne},
		{50_001, repository.LevelTwo},
		{200_000, repository.LevelTwo},
		{200_001, repository.LevelThree},
		{1_000_000, repository.LevelThree},
		{1_000_001, repository.LevelOwner},
	}
	for _, tc := range cases {
		req := env.open(t, tc.amount)
		if req.RequiredLevel != tc.want {
			t.Errorf("amount %d: required level = %s, want %s", tc.amount, req.RequiredLevel, tc.want)
		}
	}
}

func TestEscalationToRequiredLevel(t *testing.T) {
	env := newEngineEnv(t)
	env.configureLadder(t, false)

	// 75000 sits between level1 and level2 bounds.
	req := env.open(t, 75_000)
	if req.Status != repository.StatusPending {
		t.Fatalf("status = %s, want pending", req.Status)
	}
	if req.CurrentLevel != repository.LevelOne {
		t.Fatalf("entry level = %s, want level_1", req.CurrentLevel)
	}
	if req.RequiredLevel != repository.LevelTwo {
		t.Fatalf("required level = %s, want level_2", req.RequiredLevel)
	}

	after1, err := env.decide(t, req.ID, "manager-1", repository.DecisionApproved)
	if err != nil {
		t.Fatalf("level 1 approval: %v", err)
	}
	if after1.Status != repository.StatusEscalated {
		t.Fatalf("status after level 1 = %s, want escalated", after1.Status)
	}
	if after1.CurrentLevel != repository.LevelTwo {
		t.Fatalf("current level after escalation = %s, want level_2", after1.CurrentLevel)
	}

	after2, err := env.decide(t, req.ID, "director-1", repository.DecisionApproved)
	if err != nil {
		t.Fatalf("level 2 approval: %v", err)
	}
	if after2.Status != repository.StatusApproved {
		t.Fatalf("status after level 2 = %s, want approved", after2.Status)
	}
	if len(after2.Validations) != 2 {
		t.Fatalf("validations = %d, want 2", len(after2.Validations))
	}
	if after2.Validations[0].Level != repository.LevelOne || after2.Validations[1].Level != repository.LevelTwo {
		t.Fatalf("audit trail levels out of order: %s then %s",
			after2.Validations[0].Level, after2.Validations[1].Level)
	}
}

func TestRejectionIsTerminalAtAnyLevel(t *testing.T) {
	env := newEngineEnv(t)
	env.configureLadder(t, false)

	req := env.open(t, 75_000)
	if _, err := env.decide(t, req.ID, "manager-1", repository.DecisionApproved); err != nil {
		t.Fatalf("level 1 approval: %v", err)
	}

	after, err := env.decide(t, req.ID, "director-1", repository.DecisionRejected)
	if err != nil {
		t.Fatalf("level 2 rejection: %v", err)
	}
	if after.Status != repository.StatusRejected {
		t.Fatalf("status = %s, want rejected", after.Status)
	}

	_, err = env.decide(t, req.ID, "owner-1", repository.DecisionApproved)
	if !errors.IsCode(err, errors.ErrCodeAlreadyProcessed) {
		t.Fatalf("expected ALREADY_PROCESSED after rejection, got %v", err)
	}
}

func TestRequireAllLevelsForcesFullChain(t *testing.T) {
	env := newEngineEnv(t)
	env.configureLadder(t, true)

	// Amount above the auto-approve floor so the full chain runs.
	req := env.open(t, 6_000)
	if req.RequiredLevel != repository.LevelOwner {
		t.Fatalf("required level = %s, want owner", req.RequiredLevel)
	}

	validators := []string{"manager-1", "director-1", "vp-1", "owner-1"}
	wantLevels := []repository.Level{
		repository.LevelTwo, repository.LevelThree, repository.LevelOwner, repository.LevelOwner,
	}
	current := req
	for i, validator := range validators {
		after, err := env.decide(t, current.ID, validator, repository.DecisionApproved)
		if err != nil {
			t.Fatalf("approval %d by %s: %v", i+1, validator, err)
		}
		if i < len(validators)-1 {
			if after.Status != repository.StatusEscalated {
				t.Fatalf("after approval %d status = %s, want escalated", i+1, after.Status)
			}
		} else if after.Status != repository.StatusApproved {
			t.Fatalf("final status = %s, want approved", after.Status)
		}
		if after.CurrentLevel != wantLevels[i] {
			t.Fatalf("after approval %d current level = %s, want %s", i+1, after.CurrentLevel, wantLevels[i])
		}
		current = after
	}
	if len(current.Validations) != 4 {
		t.Fatalf("validations = %d, want one per level", len(current.Validations))
	}
}

func TestNoLadderDefaultsToLevelOne(t *testing.T) {
	env := newEngineEnv(t)
	// No threshold configured for this entity type.
	amount := int64(10_000_000)
	req, err := env.engine.CreateValidationRequest(context.Background(), &CreateValidationRequestInput{
		WorkspaceID: "ws-1",
		EntityType:  "price_adjustment",
		EntityID:    "pa-1",
		Snapshot:    map[string]interface{}{"old": 10, "new": 14},
		Amount:      &amount,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if req.RequiredLevel != repository.LevelOne {
		t.Fatalf("required level without ladder = %s, want level_1", req.RequiredLevel)
	}

	after, err := env.decide(t, req.ID, "manager-1", repository.DecisionApproved)
	if err != nil {
		t.Fatalf("approval: %v", err)
	}
	if after.Status != repository.StatusApproved {
		t.Fatalf("status = %s, want approved", after.Status)
	}
}

func TestIdempotenceSecondDecisionRejected(t *testing.T) {
	env := newEngineEnv(t)
	env.configureLadder(t, false)

	req := env.open(t, 10_000) // required level_1, one approval finalizes

	if _, err := env.decide(t, req.ID, "manager-1", repository.DecisionApproved); err != nil {
		t.Fatalf("first decision: %v", err)
	}
	_, err := env.decide(t, req.ID, "manager-1", repository.DecisionApproved)
	if !errors.IsCode(err, errors.ErrCodeAlreadyProcessed) {
		t.Fatalf("second decision: expected ALREADY_PROCESSED, got %v", err)
	}

	stored, _ := env.requests.GetByID(context.Background(), req.ID)
	if len(stored.Validations) != 1 {
		t.Fatalf("validations = %d, want 1 after duplicate submit", len(stored.Validations))
	}
}

func TestConcurrentDecisionsOneWinner(t *testing.T) {
	env := newEngineEnv(t)
	env.configureLadder(t, false)

	req := env.open(t, 10_000)

	const racers = 2
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, errs[n] = env.decide(t, req.ID, fmt.Sprintf("manager-%d", n+1), repository.DecisionApproved)
		}(i)
	}
	wg.Wait()

	var wins, losses int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.IsCode(err, errors.ErrCodeAlreadyProcessed),
			errors.IsCode(err, errors.ErrCodeConcurrent):
			losses++
		default:
			t.Fatalf("unexpected race outcome: %v", err)
		}
	}
	if wins != 1 || losses != 1 {
		t.Fatalf("wins = %d losses = %d, want exactly one of each", wins, losses)
	}

	stored, _ := env.requests.GetByID(context.Background(), req.ID)
	if len(stored.Validations) != 1 {
		t.Fatalf("validations = %d after race, want 1", len(stored.Validations))
	}
}

func TestGeolocationBestEffort(t *testing.T) {
	env := newEngineEnv(t)
	env.configureLadder(t, false)
	env.geocoder.address = "12 Rue de la Paix, Paris"

	req := env.open(t, 10_000)
	accuracy := 8.5
	after, err := env.engine.ProcessValidation(context.Background(), &ProcessValidationInput{
		RequestID:   req.ID,
		ValidatedBy: "manager-1",
		Decision:    repository.DecisionApproved,
		Geolocation: &GeolocationInput{Latitude: 48.8698, Longitude: 2.3311, Accuracy: &accuracy},
	})
	if err != nil {
		t.Fatalf("decision with geolocation: %v", err)
	}

	v := after.Validations[0]
	if v.Latitude == nil || *v.Latitude != 48.8698 {
		t.Fatalf("latitude not recorded")
	}
	if v.Address == nil || *v.Address != "12 Rue de la Paix, Paris" {
		t.Fatalf("address = %v, want resolved display name", v.Address)
	}
}

func TestGeocodingFailureKeepsRawCoordinates(t *testing.T) {
	env := newEngineEnv(t)
	env.configureLadder(t, false)
	env.geocoder.err = fmt.Errorf("geocoder unreachable")

	req := env.open(t, 10_000)
	after, err := env.engine.ProcessValidation(context.Background(), &ProcessValidationInput{
		RequestID:   req.ID,
		ValidatedBy: "manager-1",
		Decision:    repository.DecisionApproved,
		Geolocation: &GeolocationInput{Latitude: 48.87, Longitude: 2.33},
	})
	if err != nil {
		t.Fatalf("decision must not fail on geocoding error: %v", err)
	}

	v := after.Validations[0]
	if v.Latitude == nil || v.Longitude == nil {
		t.Fatalf("raw coordinates must be kept")
	}
	if v.Address != nil {
		t.Fatalf("address must stay empty when geocoding fails")
	}
}

func TestNotificationsFiredOnTransitions(t *testing.T) {
	env := newEngineEnv(t)
	env.configureLadder(t, false)

	req := env.open(t, 75_000)
	call, ok := env.notifier.wait(time.Second)
	if !ok {
		t.Fatalf("no notification on request creation")
	}
	if call.status != repository.StatusPending {
		t.Fatalf("creation event status = %s, want pending", call.status)
	}

	if _, err := env.decide(t, req.ID, "manager-1", repository.DecisionApproved); err != nil {
		t.Fatalf("decision: %v", err)
	}
	call, ok = env.notifier.wait(time.Second)
	if !ok {
		t.Fatalf("no notification on escalation")
	}
	if call.status != repository.StatusEscalated || call.decision != repository.DecisionApproved {
		t.Fatalf("escalation event = %+v", call)
	}
}

func TestPendingQueueOrdering(t *testing.T) {
	env := newEngineEnv(t)
	env.configureLadder(t, false)

	low := env.open(t, 10_000)
	urgent, err := env.engine.CreateValidationRequest(context.Background(), &CreateValidationRequestInput{
		WorkspaceID: "ws-1",
		EntityType:  "expense",
		EntityID:    "exp-43",
		Snapshot:    map[string]interface{}{"description": "repair"},
		Amount:      low.Amount,
		Priority:    5,
	})
	if err != nil {
		t.Fatalf("create urgent: %v", err)
	}

	queue, err := env.engine.GetPendingValidations(context.Background(), "ws-1", repository.LevelOne)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(queue) != 2 {
		t.Fatalf("queue length = %d, want 2", len(queue))
	}
	if queue[0].ID != urgent.ID {
		t.Fatalf("highest priority must come first")
	}
}

func TestValidationHistoryAcrossResubmission(t *testing.T) {
	env := newEngineEnv(t)
	env.configureLadder(t, false)

	first := env.open(t, 10_000)
	if _, err := env.decide(t, first.ID, "manager-1", repository.DecisionRejected); err != nil {
		t.Fatalf("reject first: %v", err)
	}

	// Same entity re-submitted after rejection.
	second := env.open(t, 10_000)

	history, err := env.engine.GetValidationHistory(context.Background(), "ws-1", "expense", "exp-42")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].ID != first.ID || history[1].ID != second.ID {
		t.Fatalf("history must be chronological")
	}
	if history[0].Status != repository.StatusRejected {
		t.Fatalf("first request status = %s, want rejected", history[0].Status)
	}
}

func TestCreateValidationRequestInputValidation(t *testing.T) {
	env := newEngineEnv(t)

	_, err := env.engine.CreateValidationRequest(context.Background(), &CreateValidationRequestInput{
		WorkspaceID: "ws-1",
		EntityType:  "expense",
		EntityID:    "exp-1",
	})
	if !errors.IsCode(err, errors.ErrCodeInvalidInput) {
		t.Fatalf("missing snapshot: expected INVALID_INPUT, got %v", err)
	}

	_, err = env.engine.ProcessValidation(context.Background(), &ProcessValidationInput{
		RequestID:   "request-1",
		ValidatedBy: "manager-1",
		Decision:    "maybe",
	})
	if !errors.IsCode(err, errors.ErrCodeInvalidInput) {
		t.Fatalf("bad decision: expected INVALID_INPUT, got %v", err)
	}
}
