// Package gormstore persists positions and the operations log in SQLite
// through Gorm. One file, WAL mode, at most two connections so the HTTP
// status reads never starve the engine's write-ahead persistence.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/shopspring/decimal"

	"traderelay/internal/broker"
	"traderelay/internal/position"
	"traderelay/internal/signal"
	"traderelay/internal/store"
)

// GormStore implements store.Store on SQLite.
type GormStore struct {
	db *gorm.DB
}

var _ store.Store = (*GormStore)(nil)

// New opens (or creates) the database file at path and migrates the schema.
func New(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: database path is empty")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&positionModel{}, &operationModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: a little read parallelism, low lock contention.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &GormStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) SavePosition(ctx context.Context, p *position.Position) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	model, err := newPositionModel(p)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns(positionUpdateCols),
		}).
		Create(model).Error
}

// SaveWithOp writes the position snapshot and the operation row atomically,
// so the audit log never references a state that was not durably persisted.
func (s *GormStore) SaveWithOp(ctx context.Context, p *position.Position, rec store.OperationRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	model, err := newPositionModel(p)
	if err != nil {
		return err
	}
	op := newOperationModel(rec)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns(positionUpdateCols),
		}).Create(model).Error; err != nil {
			return err
		}
		return tx.Create(&op).Error
	})
}

func (s *GormStore) GetPosition(ctx context.Context, id string) (*position.Position, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store not initialized")
	}
	var model positionModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return positionModelToRecord(model)
}

func (s *GormStore) ListPositions(ctx context.Context) ([]*position.Position, error) {
	return s.list(ctx, nil)
}

// ListActive returns positions in non-terminal lifecycle states, the set the
// engine rehydrates and the reconciler sweeps.
func (s *GormStore) ListActive(ctx context.Context) ([]*position.Position, error) {
	terminal := []string{string(position.StateClosed), string(position.StateAborted)}
	return s.list(ctx, func(q *gorm.DB) *gorm.DB {
		return q.Where("lifecycle_state NOT IN ?", terminal)
	})
}

func (s *GormStore) list(ctx context.Context, scope func(*gorm.DB) *gorm.DB) ([]*position.Position, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store not initialized")
	}
	query := s.db.WithContext(ctx).Model(&positionModel{})
	if scope != nil {
		query = scope(query)
	}
	var models []positionModel
	if err := query.Order("opened_at ASC, id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*position.Position, 0, len(models))
	for _, m := range models {
		p, err := positionModelToRecord(m)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *GormStore) DeletePosition(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&positionModel{}).Error
}

func (s *GormStore) AppendOp(ctx context.Context, rec store.OperationRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	model := newOperationModel(rec)
	return s.db.WithContext(ctx).Create(&model).Error
}

func (s *GormStore) ListOps(ctx context.Context, positionID string, limit int) ([]store.OperationRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store not initialized")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var models []operationModel
	if err := s.db.WithContext(ctx).
		Where("position_id = ?", positionID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]store.OperationRecord, 0, len(models))
	for _, m := range models {
		out = append(out, operationModelToRecord(m))
	}
	return out, nil
}

// --------------------------- Models ------------------------------------

type positionModel struct {
	ID               string         `gorm:"column:id;primaryKey"`
	Symbol           string         `gorm:"column:symbol;index"`
	Venue            string         `gorm:"column:venue;index"`
	Side             string         `gorm:"column:side"`
	SignalJSON       datatypes.JSON `gorm:"column:signal_json"`
	VenueRefsJSON    datatypes.JSON `gorm:"column:venue_refs_json"`
	FilledQty        string         `gorm:"column:filled_qty"`
	RemainingQty     string         `gorm:"column:remaining_qty"`
	LedgerJSON       datatypes.JSON `gorm:"column:ledger_json"`
	CurrentStop      string         `gorm:"column:current_stop"`
	LifecycleState   string         `gorm:"column:lifecycle_state;index"`
	Restored         bool           `gorm:"column:restored"`
	OpenedAt         int64          `gorm:"column:opened_at"`
	LastReconciledAt int64          `gorm:"column:last_reconciled_at"`
	UpdatedAt        int64          `gorm:"column:updated_at"`
}

func (positionModel) TableName() string { return "positions" }

var positionUpdateCols = []string{
	"symbol", "venue", "side", "signal_json", "venue_refs_json",
	"filled_qty", "remaining_qty", "ledger_json", "current_stop", "lifecycle_state",
	"restored", "opened_at", "last_reconciled_at", "updated_at",
}

type operationModel struct {
	ID         uint           `gorm:"column:id;primaryKey"`
	PositionID string         `gorm:"column:position_id;index"`
	Op         string         `gorm:"column:op"`
	Outcome    string         `gorm:"column:outcome"`
	Detail     datatypes.JSON `gorm:"column:detail"`
	CreatedAt  int64          `gorm:"column:created_at;index"`
}

func (operationModel) TableName() string { return "trade_operations" }

func newPositionModel(p *position.Position) (*positionModel, error) {
	sigJSON, err := json.Marshal(p.Signal)
	if err != nil {
		return nil, err
	}
	refsJSON, err := json.Marshal(p.VenueOrderRefs)
	if err != nil {
		return nil, err
	}
	ledgerJSON, err := json.Marshal(p.TPLedger)
	if err != nil {
		return nil, err
	}
	return &positionModel{
		ID:               p.ID,
		Symbol:           strings.ToUpper(p.Signal.Symbol),
		Venue:            string(p.Signal.Venue),
		Side:             string(p.Signal.Side),
		SignalJSON:       datatypes.JSON(sigJSON),
		VenueRefsJSON:    datatypes.JSON(refsJSON),
		FilledQty:        p.FilledQuantity.String(),
		RemainingQty:     p.RemainingQty.String(),
		LedgerJSON:       datatypes.JSON(ledgerJSON),
		CurrentStop:      p.CurrentStop.String(),
		LifecycleState:   string(p.LifecycleState),
		Restored:         p.Restored,
		OpenedAt:         p.OpenedAt.UnixMilli(),
		LastReconciledAt: timeToMillis(p.LastReconciledAt),
		UpdatedAt:        p.UpdatedAt.UnixMilli(),
	}, nil
}

func positionModelToRecord(m positionModel) (*position.Position, error) {
	var sig signal.Signal
	if err := json.Unmarshal(m.SignalJSON, &sig); err != nil {
		return nil, fmt.Errorf("position %s: decode signal: %w", m.ID, err)
	}
	var refs []broker.VenueRef
	if len(m.VenueRefsJSON) > 0 {
		if err := json.Unmarshal(m.VenueRefsJSON, &refs); err != nil {
			return nil, fmt.Errorf("position %s: decode refs: %w", m.ID, err)
		}
	}
	var ledger []position.LedgerEntry
	if len(m.LedgerJSON) > 0 {
		if err := json.Unmarshal(m.LedgerJSON, &ledger); err != nil {
			return nil, fmt.Errorf("position %s: decode ledger: %w", m.ID, err)
		}
	}
	filled, err := decimal.NewFromString(m.FilledQty)
	if err != nil {
		return nil, fmt.Errorf("position %s: decode filled_qty: %w", m.ID, err)
	}
	remaining, err := decimal.NewFromString(m.RemainingQty)
	if err != nil {
		return nil, fmt.Errorf("position %s: decode remaining_qty: %w", m.ID, err)
	}
	currentStop := decimal.Zero
	if strings.TrimSpace(m.CurrentStop) != "" {
		currentStop, err = decimal.NewFromString(m.CurrentStop)
		if err != nil {
			return nil, fmt.Errorf("position %s: decode current_stop: %w", m.ID, err)
		}
	}
	return &position.Position{
		ID:               m.ID,
		Signal:           sig,
		VenueOrderRefs:   refs,
		FilledQuantity:   filled,
		RemainingQty:     remaining,
		TPLedger:         ledger,
		CurrentStop:      currentStop,
		LifecycleState:   position.State(m.LifecycleState),
		Restored:         m.Restored,
		OpenedAt:         time.UnixMilli(m.OpenedAt),
		LastReconciledAt: millisToTime(m.LastReconciledAt),
		UpdatedAt:        time.UnixMilli(m.UpdatedAt),
	}, nil
}

func newOperationModel(rec store.OperationRecord) operationModel {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	detail := strings.TrimSpace(rec.Detail)
	if detail == "" {
		detail = "{}"
	} else if !json.Valid([]byte(detail)) {
		b, _ := json.Marshal(detail)
		detail = string(b)
	}
	return operationModel{
		PositionID: rec.PositionID,
		Op:         rec.Op,
		Outcome:    string(rec.Outcome),
		Detail:     datatypes.JSON([]byte(detail)),
		CreatedAt:  rec.CreatedAt.UnixMilli(),
	}
}

func operationModelToRecord(m operationModel) store.OperationRecord {
	return store.OperationRecord{
		ID:         m.ID,
		PositionID: m.PositionID,
		Op:         m.Op,
		Outcome:    store.OpOutcome(m.Outcome),
		Detail:     string(m.Detail),
		CreatedAt:  time.UnixMilli(m.CreatedAt),
	}
}

func timeToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func millisToTime(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}
