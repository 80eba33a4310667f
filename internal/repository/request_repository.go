package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/opsledger/be-validation-workflow/internal/database"
	"github.com/opsledger/be-validation-workflow/internal/errors"
)

// RequestRepository stores validation requests and their append-only
// validation entries. Decision writes are conditioned on the version last
// read, so a losing writer in a race never overwrites a committed decision.
type RequestRepository struct {
	db *database.DB
}

// NewRequestRepository creates a new RequestRepository.
func NewRequestRepository(db *database.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

const requestColumns = `
	id, workspace_id, entity_type, entity_id, snapshot,
	amount, reason, priority, tags, expires_at,
	current_level, required_level, status, version,
	created_at, updated_at`

// Create inserts a request and any initial validation entries (the synthetic
// auto-approval entry) in one transaction.
func (r *RequestRepository) Create(ctx context.Context, req *ValidationRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.Version = 1

	snapshotJSON, err := json.Marshal(req.Snapshot)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal request snapshot")
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO validation_requests
			    (id, workspace_id, entity_type, entity_id, snapshot,
			     amount, reason, priority, tags, expires_at,
			     current_level, required_level, status, version)
			VALUES ($1, $2, $3, $4, $5,
			        $6, $7, $8, $9, $10,
			        $11, $12, $13, $14)
			RETURNING created_at, updated_at
		`

		err := tx.QueryRow(ctx, query,
			req.ID,
			req.WorkspaceID,
			req.EntityType,
			req.EntityID,
			snapshotJSON,
			req.Amount,
			req.Reason,
			req.Priority,
			req.Tags,
			req.ExpiresAt,
			string(req.CurrentLevel),
			string(req.RequiredLevel),
			req.Status,
			req.Version,
		).Scan(&req.CreatedAt, &req.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create validation request")
		}

		for _, v := range req.Validations {
			v.RequestID = req.ID
			if err := r.insertValidation(ctx, tx, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetByID returns a request with its full validation trail.
func (r *RequestRepository) GetByID(ctx context.Context, id string) (*ValidationRequest, error) {
	query := `SELECT` + requestColumns + `
		FROM validation_requests
		WHERE id = $1
	`

	req, err := r.scanRequest(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("validation_request", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get validation request")
	}

	if err := r.loadValidations(ctx, []*ValidationRequest{req}); err != nil {
		return nil, err
	}
	return req, nil
}

// ApplyDecision appends a validation entry and transitions the request in one
// transaction. The UPDATE is a compare-and-swap on the version read by the
// caller: when it matches no row, the failure is classified by re-reading the
// request: terminal status means the request was already decided, anything
// else means a concurrent writer won.
func (r *RequestRepository) ApplyDecision(
	ctx context.Context,
	requestID string,
	expectedVersion int,
	newStatus string,
	newCurrentLevel Level,
	v *Validation,
) (*ValidationRequest, error) {
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE validation_requests
			SET status        = $3,
			    current_level = $4,
			    version       = version + 1,
			    updated_at    = NOW()
			WHERE id = $1
			  AND version = $2
			  AND status IN ('pending', 'escalated')
			RETURNING id
		`

		var returnedID string
		err := tx.QueryRow(ctx, query, requestID, expectedVersion, newStatus, string(newCurrentLevel)).Scan(&returnedID)
		if err == pgx.ErrNoRows {
			return r.classifyConflict(ctx, tx, requestID)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update validation request")
		}

		v.RequestID = requestID
		return r.insertValidation(ctx, tx, v)
	})
	if err != nil {
		return nil, err
	}

	return r.GetByID(ctx, requestID)
}

// classifyConflict decides why a conditional decision write matched no row.
func (r *RequestRepository) classifyConflict(ctx context.Context, tx pgx.Tx, requestID string) error {
	var status string
	err := tx.QueryRow(ctx,
		`SELECT status FROM validation_requests WHERE id = $1`, requestID,
	).Scan(&status)
	if err == pgx.ErrNoRows {
		return errors.NotFound("validation_request", requestID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to re-read validation request")
	}
	if IsTerminalStatus(status) {
		return errors.AlreadyProcessed(requestID, status)
	}
	return errors.ConcurrentModification(requestID)
}

// ListPendingByLevel returns all requests awaiting a decision at the given
// level, highest priority first, oldest first within a priority. Validation
// trails are not loaded for the queue view.
func (r *RequestRepository) ListPendingByLevel(ctx context.Context, workspaceID string, level Level) ([]*ValidationRequest, error) {
	query := `SELECT` + requestColumns + `
		FROM validation_requests
		WHERE workspace_id = $1
		  AND current_level = $2
		  AND status IN ('pending', 'escalated')
		ORDER BY priority DESC, created_at ASC
	`

	rows, err := r.db.Query(ctx, query, workspaceID, string(level))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending validations")
	}
	defer rows.Close()

	return r.collectRequests(rows)
}

// ListByEntity returns every request ever opened against an entity in
// chronological order, with full validation trails.
func (r *RequestRepository) ListByEntity(ctx context.Context, workspaceID, entityType, entityID string) ([]*ValidationRequest, error) {
	query := `SELECT` + requestColumns + `
		FROM validation_requests
		WHERE workspace_id = $1
		  AND entity_type = $2
		  AND entity_id = $3
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(ctx, query, workspaceID, entityType, entityID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get validation history")
	}
	defer rows.Close()

	requests, err := r.collectRequests(rows)
	if err != nil {
		return nil, err
	}
	if err := r.loadValidations(ctx, requests); err != nil {
		return nil, err
	}
	return requests, nil
}

// ── validation entries ────────────────────────────────────────────────────────

func (r *RequestRepository) insertValidation(ctx context.Context, tx pgx.Tx, v *Validation) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}

	query := `
		INSERT INTO validations
		    (id, request_id, validated_by, decision, level,
		     comment, latitude, longitude, accuracy, address, signature)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9, $10, $11)
		RETURNING created_at
	`

	err := tx.QueryRow(ctx, query,
		v.ID,
		v.RequestID,
		v.ValidatedBy,
		v.Decision,
		string(v.Level),
		v.Comment,
		v.Latitude,
		v.Longitude,
		v.Accuracy,
		v.Address,
		v.Signature,
	).Scan(&v.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append validation entry")
	}
	return nil
}

// loadValidations attaches validation trails to the given requests in one query.
func (r *RequestRepository) loadValidations(ctx context.Context, requests []*ValidationRequest) error {
	if len(requests) == 0 {
		return nil
	}

	byID := make(map[string]*ValidationRequest, len(requests))
	ids := make([]string, 0, len(requests))
	for _, req := range requests {
		byID[req.ID] = req
		ids = append(ids, req.ID)
	}

	query := `
		SELECT id, request_id, validated_by, decision, level,
		       comment, latitude, longitude, accuracy, address, signature,
		       created_at
		FROM validations
		WHERE request_id = ANY($1)
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, ids)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to load validation entries")
	}
	defer rows.Close()

	for rows.Next() {
		v := &Validation{}
		var level string
		err := rows.Scan(
			&v.ID,
			&v.RequestID,
			&v.ValidatedBy,
			&v.Decision,
			&level,
			&v.Comment,
			&v.Latitude,
			&v.Longitude,
			&v.Accuracy,
			&v.Address,
			&v.Signature,
			&v.CreatedAt,
		)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to scan validation entry")
		}
		v.Level = Level(level)
		if req, ok := byID[v.RequestID]; ok {
			req.Validations = append(req.Validations, v)
		}
	}
	return rows.Err()
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type requestScanner interface {
	Scan(dest ...any) error
}

func (r *RequestRepository) scanRequest(row requestScanner) (*ValidationRequest, error) {
	req := &ValidationRequest{}
	var snapshotJSON []byte
	var currentLevel, requiredLevel string

	err := row.Scan(
		&req.ID,
		&req.WorkspaceID,
		&req.EntityType,
		&req.EntityID,
		&snapshotJSON,
		&req.Amount,
		&req.Reason,
		&req.Priority,
		&req.Tags,
		&req.ExpiresAt,
		&currentLevel,
		&requiredLevel,
		&req.Status,
		&req.Version,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	req.CurrentLevel = Level(currentLevel)
	req.RequiredLevel = Level(requiredLevel)

	if snapshotJSON != nil {
		if err := json.Unmarshal(snapshotJSON, &req.Snapshot); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal request snapshot")
		}
	}
	return req, nil
}

func (r *RequestRepository) collectRequests(rows pgx.Rows) ([]*ValidationRequest, error) {
	var requests []*ValidationRequest
	for rows.Next() {
		req, err := r.scanRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan validation request")
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}
