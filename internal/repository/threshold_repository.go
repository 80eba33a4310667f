package repository

import (
	"context"
	stderrors "errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/opsledger/be-validation-workflow/internal/database"
	"github.com/opsledger/be-validation-workflow/internal/errors"
)

const pgUniqueViolation = "23505"

// ThresholdRepository handles storage of validation threshold configurations.
// The ordering invariant on the ladder is enforced by the service layer before
// any write reaches this repository.
type ThresholdRepository struct {
	db *database.DB
}

// NewThresholdRepository creates a new ThresholdRepository.
func NewThresholdRepository(db *database.DB) *ThresholdRepository {
	return &ThresholdRepository{db: db}
}

const thresholdColumns = `
	id, workspace_id, entity_type, category,
	level1, level2, level3, auto_approve_below, require_all_levels,
	created_at, updated_at`

// Create inserts a new threshold configuration. A duplicate
// (workspace, entity_type, category) key surfaces as a CONFLICT error from the
// unique index rather than a racy pre-check.
func (r *ThresholdRepository) Create(ctx context.Context, t *ValidationThreshold) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	query := `
		INSERT INTO validation_thresholds
		    (id, workspace_id, entity_type, category,
		     level1, level2, level3, auto_approve_below, require_all_levels)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		t.ID,
		t.WorkspaceID,
		t.EntityType,
		t.Category,
		t.Level1,
		t.Level2,
		t.Level3,
		t.AutoApproveBelow,
		t.RequireAllLevels,
	).Scan(&t.CreatedAt, &t.UpdatedAt)

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return errors.New(errors.ErrCodeConflict,
			"threshold configuration already exists for this entity type and category")
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create threshold")
	}
	return nil
}

// GetByID retrieves a configuration by primary key.
func (r *ThresholdRepository) GetByID(ctx context.Context, id string) (*ValidationThreshold, error) {
	query := `SELECT` + thresholdColumns + `
		FROM validation_thresholds
		WHERE id = $1
	`

	t, err := r.scanThreshold(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("validation_threshold", id)
	}
	return t, err
}

// GetByKey retrieves the configuration for the exact
// (workspace, entity type, category) key. A nil category matches only the
// category-less row; there is no fallback in either direction.
func (r *ThresholdRepository) GetByKey(ctx context.Context, workspaceID, entityType string, category *string) (*ValidationThreshold, error) {
	query := `SELECT` + thresholdColumns + `
		FROM validation_thresholds
		WHERE workspace_id = $1
		  AND entity_type = $2
		  AND category IS NOT DISTINCT FROM $3
	`

	t, err := r.scanThreshold(r.db.QueryRow(ctx, query, workspaceID, entityType, category))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("validation_threshold", entityType)
	}
	return t, err
}

// Update persists the full resulting numeric configuration of a threshold.
func (r *ThresholdRepository) Update(ctx context.Context, t *ValidationThreshold) error {
	query := `
		UPDATE validation_thresholds
		SET level1             = $2,
		    level2             = $3,
		    level3             = $4,
		    auto_approve_below = $5,
		    require_all_levels = $6,
		    updated_at         = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.db.QueryRow(ctx, query,
		t.ID,
		t.Level1,
		t.Level2,
		t.Level3,
		t.AutoApproveBelow,
		t.RequireAllLevels,
	).Scan(&t.UpdatedAt)

	if err == pgx.ErrNoRows {
		return errors.NotFound("validation_threshold", t.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update threshold")
	}
	return nil
}

// ListByWorkspace returns every configuration stored for a workspace.
func (r *ThresholdRepository) ListByWorkspace(ctx context.Context, workspaceID string) ([]*ValidationThreshold, error) {
	query := `SELECT` + thresholdColumns + `
		FROM validation_thresholds
		WHERE workspace_id = $1
		ORDER BY entity_type ASC, category ASC NULLS FIRST
	`

	rows, err := r.db.Query(ctx, query, workspaceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list thresholds")
	}
	defer rows.Close()

	var thresholds []*ValidationThreshold
	for rows.Next() {
		t, err := r.scanThreshold(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan threshold")
		}
		thresholds = append(thresholds, t)
	}
	return thresholds, rows.Err()
}

// ── scan helper ───────────────────────────────────────────────────────────────

type thresholdScanner interface {
	Scan(dest ...any) error
}

func (r *ThresholdRepository) scanThreshold(row thresholdScanner) (*ValidationThreshold, error) {
	t := &ValidationThreshold{}
	err := row.Scan(
		&t.ID,
		&t.WorkspaceID,
		&t.EntityType,
		&t.Category,
		&t.Level1,
		&t.Level2,
		&t.Level3,
		&t.AutoApproveBelow,
		&t.RequireAllLevels,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}
