package repository

import "time"

// ── Domain types for the validation workflow ─────────────────────────────────

// Level is one rung of the approval ladder.
type Level string

const (
	LevelOne   Level = "level_1"
	LevelTwo   Level = "level_2"
	LevelThree Level = "level_3"
	LevelOwner Level = "owner"
)

// levelRank fixes the order level_1 < level_2 < level_3 < owner.
var levelRank = map[Level]int{
	LevelOne:   1,
	LevelTwo:   2,
	LevelThree: 3,
	LevelOwner: 4,
}

// Rank returns the position of the level in the fixed order, 0 for unknown.
func (l Level) Rank() int {
	return levelRank[l]
}

// Valid reports whether l is one of the four defined levels.
func (l Level) Valid() bool {
	return levelRank[l] != 0
}

// Next returns the level above l. Owner has no next level and returns itself.
func (l Level) Next() Level {
	switch l {
	case LevelOne:
		return LevelTwo
	case LevelTwo:
		return LevelThree
	case LevelThree:
		return LevelOwner
	default:
		return LevelOwner
	}
}

// Request statuses. Approved, rejected and auto_approved are terminal.
const (
	StatusPending      = "pending"
	StatusEscalated    = "escalated"
	StatusApproved     = "approved"
	StatusRejected     = "rejected"
	StatusAutoApproved = "auto_approved"
)

// IsTerminalStatus reports whether no further decisions are accepted.
func IsTerminalStatus(status string) bool {
	return status == StatusApproved || status == StatusRejected || status == StatusAutoApproved
}

// Decision values recorded on a Validation entry.
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// SystemValidator is the synthetic author of auto-approval entries.
const SystemValidator = "system"

// ValidationThreshold is the configurable approval ladder for one
// (workspace, entity type, optional category) key.
//
// Invariant enforced at every write: 0 <= AutoApproveBelow < Level1 < Level2 < Level3.
// Amounts are integer minor units; quantity/percentage ladders use the same columns.
type ValidationThreshold struct {
	ID               string
	WorkspaceID      string
	EntityType       string
	Category         *string
	Level1           int64
	Level2           int64
	Level3           int64
	AutoApproveBelow int64
	RequireAllLevels bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ValidationRequest is one gated business action awaiting (or past) review.
// It is never deleted; terminal requests are permanent records. Version backs
// the optimistic-concurrency check on every decision write.
type ValidationRequest struct {
	ID            string
	WorkspaceID   string
	EntityType    string
	EntityID      string
	Snapshot      map[string]interface{}
	Amount        *int64
	Reason        *string
	Priority      int
	Tags          []string
	ExpiresAt     *time.Time
	CurrentLevel  Level
	RequiredLevel Level
	Status        string
	Version       int
	Validations   []*Validation
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Validation is one immutable audit entry on a request. Entries are only ever
// appended; the table has an update/delete prevention trigger.
type Validation struct {
	ID          string
	RequestID   string
	ValidatedBy string
	Decision    string
	Level       Level
	Comment     *string
	Latitude    *float64
	Longitude   *float64
	Accuracy    *float64
	Address     *string
	Signature   *string
	CreatedAt   time.Time
}

// ThresholdUsageStats aggregates how requests resolved over a period.
type ThresholdUsageStats struct {
	WorkspaceID     string
	From            time.Time
	To              time.Time
	TotalRequests   int
	AutoApproved    int
	AutoApproveRate float64
	ResolvedByLevel map[Level]int
	Rejected        int
	StillOpen       int
}

// ValidatorStats summarizes one validator's decisions over a period.
type ValidatorStats struct {
	WorkspaceID        string
	ValidatorID        string
	From               time.Time
	To                 time.Time
	Approved           int
	Rejected           int
	AvgResponseSeconds float64
	ByEntityType       map[string]int
}
