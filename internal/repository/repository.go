// Package repository implements the Strategy Repository interface
// (spec.md §6) over gorm/postgres: strategy-record lifecycle plus an
// append-only audit log, each lifecycle call wrapped in a transaction
// that also inserts its audit row.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// Repository is the Strategy Repository interface the orchestrator
// depends on (spec.md §6).
type Repository interface {
	FindPending(ctx context.Context, userID string) ([]types.StrategyRecord, error)
	FindActive(ctx context.Context, userID string) ([]types.StrategyRecord, error)
	Activate(ctx context.Context, strategyID string) (types.StrategyRecord, error)
	Close(ctx context.Context, strategyID, reason string) (types.StrategyRecord, error)
	Reopen(ctx context.Context, strategyID string) (types.StrategyRecord, error)
	MarkFailed(ctx context.Context, strategyID, reason string) (types.StrategyRecord, error)
}

// strategyRow is the gorm model backing types.StrategyRecord.
type strategyRow struct {
	ID          string `gorm:"primaryKey"`
	UserID      string `gorm:"index"`
	Symbol      string
	Timeframe   string
	Status      string `gorm:"index"`
	YAMLContent string
	ActivatedAt *time.Time
	ClosedAt    *time.Time
	CloseReason string
	DeletedAt   *time.Time `gorm:"index"`
}

func (strategyRow) TableName() string { return "strategy_records" }

type auditRow struct {
	ID         string `gorm:"primaryKey"`
	StrategyID string `gorm:"index"`
	Kind       string
	Message    string
	Detail     string // JSON-encoded map[string]any
	CreatedAt  time.Time
}

func (auditRow) TableName() string { return "audit_events" }

// PostgresRepository is the gorm/postgres-backed Repository.
type PostgresRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewPostgresRepository opens dsn and auto-migrates the schema.
func NewPostgresRepository(dsn string, logger *zap.Logger) (*PostgresRepository, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("repository: open postgres: %w", err)
	}
	if err := db.AutoMigrate(&strategyRow{}, &auditRow{}); err != nil {
		return nil, fmt.Errorf("repository: automigrate: %w", err)
	}
	return &PostgresRepository{db: db, logger: logger}, nil
}

// DB exposes the underlying gorm handle so other tier-2 storage
// components (internal/barcache's bar store) can share this process's
// connection pool instead of opening a second one.
func (p *PostgresRepository) DB() *gorm.DB { return p.db }

func toRecord(r strategyRow) types.StrategyRecord {
	return types.StrategyRecord{
		ID:          r.ID,
		UserID:      r.UserID,
		Symbol:      r.Symbol,
		Timeframe:   types.Timeframe(r.Timeframe),
		Status:      types.StrategyStatus(r.Status),
		YAMLContent: r.YAMLContent,
		ActivatedAt: r.ActivatedAt,
		ClosedAt:    r.ClosedAt,
		CloseReason: r.CloseReason,
		DeletedAt:   r.DeletedAt,
	}
}

func (p *PostgresRepository) FindPending(ctx context.Context, userID string) ([]types.StrategyRecord, error) {
	return p.findByStatus(ctx, userID, types.StrategyStatusPending)
}

func (p *PostgresRepository) FindActive(ctx context.Context, userID string) ([]types.StrategyRecord, error) {
	return p.findByStatus(ctx, userID, types.StrategyStatusActive)
}

func (p *PostgresRepository) findByStatus(ctx context.Context, userID string, status types.StrategyStatus) ([]types.StrategyRecord, error) {
	var rows []strategyRow
	err := p.db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND deleted_at IS NULL", userID, string(status)).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("repository: find by status %q: %w", status, err)
	}
	records := make([]types.StrategyRecord, len(rows))
	for i, r := range rows {
		records[i] = toRecord(r)
	}
	return records, nil
}

// transition loads the row, applies mutate, persists it, and inserts an
// audit row, all inside one transaction (spec.md §6 "Every lifecycle call
// produces an audit-log row").
func (p *PostgresRepository) transition(ctx context.Context, strategyID, auditKind, auditMessage string, mutate func(*strategyRow) error) (types.StrategyRecord, error) {
	var result strategyRow
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row strategyRow
		if err := tx.Where("id = ?", strategyID).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("repository: strategy %q not found", strategyID)
			}
			return fmt.Errorf("repository: load strategy %q: %w", strategyID, err)
		}
		if err := mutate(&row); err != nil {
			return err
		}
		if err := tx.Save(&row).Error; err != nil {
			return fmt.Errorf("repository: save strategy %q: %w", strategyID, err)
		}
		audit := auditRow{
			ID:         strategyID + ":" + auditKind + ":" + time.Now().Format(time.RFC3339Nano),
			StrategyID: strategyID,
			Kind:       auditKind,
			Message:    auditMessage,
			CreatedAt:  time.Now(),
		}
		if err := tx.Create(&audit).Error; err != nil {
			return fmt.Errorf("repository: insert audit row: %w", err)
		}
		result = row
		return nil
	})
	if err != nil {
		return types.StrategyRecord{}, err
	}
	return toRecord(result), nil
}

func (p *PostgresRepository) Activate(ctx context.Context, strategyID string) (types.StrategyRecord, error) {
	return p.transition(ctx, strategyID, "activated", "strategy activated", func(row *strategyRow) error {
		row.Status = string(types.StrategyStatusActive)
		now := time.Now()
		row.ActivatedAt = &now
		return nil
	})
}

func (p *PostgresRepository) Close(ctx context.Context, strategyID, reason string) (types.StrategyRecord, error) {
	return p.transition(ctx, strategyID, "closed", reason, func(row *strategyRow) error {
		row.Status = string(types.StrategyStatusClosed)
		now := time.Now()
		row.ClosedAt = &now
		row.CloseReason = reason
		return nil
	})
}

func (p *PostgresRepository) Reopen(ctx context.Context, strategyID string) (types.StrategyRecord, error) {
	return p.transition(ctx, strategyID, "reopened", "strategy reopened", func(row *strategyRow) error {
		if row.Status != string(types.StrategyStatusClosed) {
			return fmt.Errorf("repository: cannot reopen strategy %q from status %q", strategyID, row.Status)
		}
		row.Status = string(types.StrategyStatusPending)
		row.ClosedAt = nil
		row.CloseReason = ""
		return nil
	})
}

func (p *PostgresRepository) MarkFailed(ctx context.Context, strategyID, reason string) (types.StrategyRecord, error) {
	return p.transition(ctx, strategyID, "failed", reason, func(row *strategyRow) error {
		row.Status = string(types.StrategyStatusFailed)
		return nil
	})
}
