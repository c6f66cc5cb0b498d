// Package memstore keeps positions and the operations log in process
// memory. It backs tests and dry runs; production uses gormstore.
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"traderelay/internal/position"
	"traderelay/internal/store"
)

// Store is a mutex-guarded in-memory store.Store.
type Store struct {
	mu        sync.Mutex
	positions map[string]*position.Position
	ops       []store.OperationRecord
	nextOpID  uint

	// FailWrites makes every write return this error, for exercising the
	// engine's refuse-new-work behavior.
	FailWrites error
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{positions: make(map[string]*position.Position), nextOpID: 1}
}

func (s *Store) SavePosition(_ context.Context, p *position.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	s.positions[p.ID] = clonePosition(p)
	return nil
}

func (s *Store) SaveWithOp(_ context.Context, p *position.Position, rec store.OperationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	s.positions[p.ID] = clonePosition(p)
	s.appendLocked(rec)
	return nil
}

func (s *Store) GetPosition(_ context.Context, id string) (*position.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clonePosition(p), nil
}

func (s *Store) ListPositions(_ context.Context) ([]*position.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(false), nil
}

func (s *Store) ListActive(_ context.Context) ([]*position.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(true), nil
}

func (s *Store) listLocked(activeOnly bool) []*position.Position {
	out := make([]*position.Position, 0, len(s.positions))
	for _, p := range s.positions {
		if activeOnly && p.LifecycleState.Terminal() {
			continue
		}
		out = append(out, clonePosition(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

func (s *Store) DeletePosition(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	delete(s.positions, id)
	return nil
}

func (s *Store) AppendOp(_ context.Context, rec store.OperationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	s.appendLocked(rec)
	return nil
}

func (s *Store) appendLocked(rec store.OperationRecord) {
	rec.ID = s.nextOpID
	s.nextOpID++
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	s.ops = append(s.ops, rec)
}

func (s *Store) ListOps(_ context.Context, positionID string, limit int) ([]store.OperationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []store.OperationRecord
	for i := len(s.ops) - 1; i >= 0 && len(out) < limit; i-- {
		if s.ops[i].PositionID == positionID {
			out = append(out, s.ops[i])
		}
	}
	return out, nil
}

func (s *Store) Close() error { return nil }

// clonePosition deep-copies through JSON so callers never share ledger
// slices with the stored snapshot.
func clonePosition(p *position.Position) *position.Position {
	b, _ := json.Marshal(p)
	var out position.Position
	_ = json.Unmarshal(b, &out)
	return &out
}
