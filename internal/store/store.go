// Package store defines the persistence contract for positions and the
// append-only trade operations log. Every persisted write happens before
// the broker call it describes; a store that cannot take writes makes the
// engine refuse new work.
package store

import (
	"context"
	"errors"
	"time"

	"traderelay/internal/position"
)

// ErrNotFound is returned when no position matches the given id.
var ErrNotFound = errors.New("position not found")

// OpOutcome labels one row in the operations log.
type OpOutcome string

const (
	OpAttempted OpOutcome = "attempted"
	OpConfirmed OpOutcome = "confirmed"
	OpFailed    OpOutcome = "failed"
)

// OperationRecord is one append-only audit row: a broker call about to be
// made, or the confirmation/failure of one already made.
type OperationRecord struct {
	ID         uint      `json:"id"`
	PositionID string    `json:"position_id"`
	Op         string    `json:"op"`
	Outcome    OpOutcome `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store persists positions and the operations log. Implementations must
// make SavePosition durable before returning; SaveWithOp commits the
// position snapshot and its operation row in one transaction.
type Store interface {
	SavePosition(ctx context.Context, p *position.Position) error
	SaveWithOp(ctx context.Context, p *position.Position, rec OperationRecord) error
	GetPosition(ctx context.Context, id string) (*position.Position, error)
	ListPositions(ctx context.Context) ([]*position.Position, error)
	ListActive(ctx context.Context) ([]*position.Position, error)
	DeletePosition(ctx context.Context, id string) error
	AppendOp(ctx context.Context, rec OperationRecord) error
	ListOps(ctx context.Context, positionID string, limit int) ([]OperationRecord, error)
	Close() error
}
