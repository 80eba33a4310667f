package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opsledger/be-validation-workflow/internal/errors"
	"github.com/opsledger/be-validation-workflow/internal/repository"
)

// In-memory doubles for the storage interfaces. The request store honors the
// same version compare-and-swap contract as the Postgres repository, so race
// semantics are exercisable without a database.

type fakeThresholdStore struct {
	mu         sync.Mutex
	nextID     int
	byID       map[string]*repository.ValidationThreshold
	byKey      map[string]string
	failCreate error
}

func newFakeThresholdStore() *fakeThresholdStore {
	return &fakeThresholdStore{
		byID:  make(map[string]*repository.ValidationThreshold),
		byKey: make(map[string]string),
	}
}

func thresholdKey(workspaceID, entityType string, category *string) string {
	cat := "\x00"
	if category != nil {
		cat = *category
	}
	return workspaceID + "|" + entityType + "|" + cat
}

func (s *fakeThresholdStore) Create(ctx context.Context, t *repository.ValidationThreshold) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate != nil {
		return s.failCreate
	}
	key := thresholdKey(t.WorkspaceID, t.EntityType, t.Category)
	if _, exists := s.byKey[key]; exists {
		return errors.New(errors.ErrCodeConflict, "threshold configuration already exists for this entity type and category")
	}
	s.nextID++
	t.ID = fmt.Sprintf("threshold-%d", s.nextID)
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt
	cp := *t
	s.byID[t.ID] = &cp
	s.byKey[key] = t.ID
	return nil
}

func (s *fakeThresholdStore) GetByID(ctx context.Context, id string) (*repository.ValidationThreshold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return nil, errors.NotFound("validation_threshold", id)
	}
	cp := *t
	return &cp, nil
}

func (s *fakeThresholdStore) GetByKey(ctx context.Context, workspaceID, entityType string, category *string) (*repository.ValidationThreshold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[thresholdKey(workspaceID, entityType, category)]
	if !ok {
		return nil, errors.NotFound("validation_threshold", entityType)
	}
	cp := *s.byID[id]
	return &cp, nil
}

func (s *fakeThresholdStore) Update(ctx context.Context, t *repository.ValidationThreshold) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.byID[t.ID]
	if !ok {
		return errors.NotFound("validation_threshold", t.ID)
	}
	stored.Level1 = t.Level1
	stored.Level2 = t.Level2
	stored.Level3 = t.Level3
	stored.AutoApproveBelow = t.AutoApproveBelow
	stored.RequireAllLevels = t.RequireAllLevels
	stored.UpdatedAt = time.Now()
	return nil
}

func (s *fakeThresholdStore) ListByWorkspace(ctx context.Context, workspaceID string) ([]*repository.ValidationThreshold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.ValidationThreshold
	for _, t := range s.byID {
		if t.WorkspaceID == workspaceID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

// stored returns the raw stored row, bypassing any caching layer above.
func (s *fakeThresholdStore) stored(id string) *repository.ValidationThreshold {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byID[id]
}

type fakeRequestStore struct {
	mu     sync.Mutex
	nextID int
	byID   map[string]*repository.ValidationRequest
}

func newFakeRequestStore() *fakeRequestStore {
	return &fakeRequestStore{byID: make(map[string]*repository.ValidationRequest)}
}

func copyRequest(r *repository.ValidationRequest) *repository.ValidationRequest {
	cp := *r
	cp.Validations = make([]*repository.Validation, len(r.Validations))
	for i, v := range r.Validations {
		vc := *v
		cp.Validations[i] = &vc
	}
	return &cp
}

func (s *fakeRequestStore) Create(ctx context.Context, req *repository.ValidationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	req.ID = fmt.Sprintf("request-%d", s.nextID)
	req.Version = 1
	req.CreatedAt = time.Now()
	req.UpdatedAt = req.CreatedAt
	for i, v := range req.Validations {
		v.ID = fmt.Sprintf("%s-v%d", req.ID, i+1)
		v.RequestID = req.ID
		v.CreatedAt = req.CreatedAt
	}
	s.byID[req.ID] = copyRequest(req)
	return nil
}

func (s *fakeRequestStore) GetByID(ctx context.Context, id string) (*repository.ValidationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.byID[id]
	if !ok {
		return nil, errors.NotFound("validation_request", id)
	}
	return copyRequest(req), nil
}

func (s *fakeRequestStore) ApplyDecision(
	ctx context.Context,
	requestID string,
	expectedVersion int,
	newStatus string,
	newCurrentLevel repository.Level,
	v *repository.Validation,
) (*repository.ValidationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.byID[requestID]
	if !ok {
		return nil, errors.NotFound("validation_request", requestID)
	}
	if repository.IsTerminalStatus(req.Status) {
		return nil, errors.AlreadyProcessed(requestID, req.Status)
	}
	if req.Version != expectedVersion {
		return nil, errors.ConcurrentModification(requestID)
	}

	req.Status = newStatus
	req.CurrentLevel = newCurrentLevel
	req.Version++
	req.UpdatedAt = time.Now()
	vc := *v
	vc.ID = fmt.Sprintf("%s-v%d", requestID, len(req.Validations)+1)
	vc.RequestID = requestID
	vc.CreatedAt = req.UpdatedAt
	req.Validations = append(req.Validations, &vc)
	return copyRequest(req), nil
}

func (s *fakeRequestStore) ListPendingByLevel(ctx context.Context, workspaceID string, level repository.Level) ([]*repository.ValidationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.ValidationRequest
	for _, req := range s.byID {
		if req.WorkspaceID == workspaceID && req.CurrentLevel == level && !repository.IsTerminalStatus(req.Status) {
			out = append(out, copyRequest(req))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *fakeRequestStore) ListByEntity(ctx context.Context, workspaceID, entityType, entityID string) ([]*repository.ValidationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.ValidationRequest
	for _, req := range s.byID {
		if req.WorkspaceID == workspaceID && req.EntityType == entityType && req.EntityID == entityID {
			out = append(out, copyRequest(req))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type fakeStatsStore struct {
	usage     *repository.ThresholdUsageStats
	validator *repository.ValidatorStats
}

func (s *fakeStatsStore) UsageStats(ctx context.Context, workspaceID string, from, to time.Time) (*repository.ThresholdUsageStats, error) {
	return s.usage, nil
}

func (s *fakeStatsStore) ValidatorStats(ctx context.Context, workspaceID, validatorID string, from, to time.Time) (*repository.ValidatorStats, error) {
	return s.validator, nil
}

type fakeGeocoder struct {
	address string
	err     error
	calls   int
}

func (g *fakeGeocoder) ReverseGeocode(ctx context.Context, lat, lon float64) (string, error) {
	g.calls++
	return g.address, g.err
}

type notifyCall struct {
	status   string
	decision string
}

type fakeNotifier struct {
	events chan notifyCall
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{events: make(chan notifyCall, 16)}
}

func (n *fakeNotifier) Notify(ctx context.Context, req *repository.ValidationRequest, latest *repository.Validation) {
	call := notifyCall{status: req.Status}
	if latest != nil {
		call.decision = latest.Decision
	}
	n.events <- call
}

func (n *fakeNotifier) wait(timeout time.Duration) (notifyCall, bool) {
	select {
	case call := <-n.events:
		return call, true
	case <-time.After(timeout):
		return notifyCall{}, false
	}
}
