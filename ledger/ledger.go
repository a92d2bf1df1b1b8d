package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Status tracks a liquidation attempt through its lifecycle.
type Status string

// All attempt states.
const (
	StatusSubmitted  Status = "SUBMITTED"
	StatusConfirmed  Status = "CONFIRMED"
	StatusReverted   Status = "REVERTED"
	StatusBenignRace Status = "BENIGN_RACE"
	StatusError      Status = "ERROR"
)

// Liquidation modes recorded with each attempt.
const (
	ModeFull    = "full"
	ModePartial = "partial"
)

// Attempt is the audit row persisted for every liquidation the engine
// commits to, successful or not.
type Attempt struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	PositionKey     string    `gorm:"size:20;index"`
	PoolID          string    `gorm:"size:80;index"`
	UserAddress     string    `gorm:"size:80;index"`
	CollateralName  string    `gorm:"size:16"`
	DebtName        string    `gorm:"size:16"`
	Mode            string    `gorm:"size:8"`
	LTV             string    `gorm:"size:40"`
	LLTV            string    `gorm:"size:40"`
	DebtRepay       string    `gorm:"size:80"`
	CollateralSeize string    `gorm:"size:80"`
	FeeEstimate     string    `gorm:"size:80"`
	TxHash          string    `gorm:"size:80;index"`
	Status          Status    `gorm:"size:16;index"`
	FailureReason   string    `gorm:"type:text"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AutoMigrate performs the schema migrations for the ledger.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Attempt{})
}

// Ledger records liquidation attempts and their outcomes.
type Ledger struct {
	db *gorm.DB
}

// Open connects to the ledger database selected by the DSN: postgres URLs
// go through the postgres driver, anything else is treated as a sqlite
// path or DSN. The schema is migrated on open.
func Open(dsn string) (*Ledger, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("ledger dsn required")
	}
	var dialector gorm.Dialector
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		dialector = postgres.Open(trimmed)
	} else {
		dialector = sqlite.Open(trimmed)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return &Ledger{db: db}, nil
}

// NewLedger wraps an already-open database. Used by tests.
func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// Close releases the underlying database handle.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordSubmitted persists a freshly submitted attempt. The attempt must
// carry the transaction hash; the ID is assigned here when unset.
func (l *Ledger) RecordSubmitted(ctx context.Context, attempt *Attempt) error {
	if l == nil || l.db == nil {
		return fmt.Errorf("ledger not initialised")
	}
	if attempt == nil {
		return fmt.Errorf("nil attempt")
	}
	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}
	attempt.Status = StatusSubmitted
	return l.db.WithContext(ctx).Create(attempt).Error
}

// RecordFailure persists an attempt that died before submission, with the
// stage error as the failure reason.
func (l *Ledger) RecordFailure(ctx context.Context, attempt *Attempt, reason string) error {
	if l == nil || l.db == nil {
		return fmt.Errorf("ledger not initialised")
	}
	if attempt == nil {
		return fmt.Errorf("nil attempt")
	}
	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}
	attempt.Status = StatusError
	attempt.FailureReason = reason
	return l.db.WithContext(ctx).Create(attempt).Error
}

// MarkConfirmed finalises an attempt whose transaction was accepted.
func (l *Ledger) MarkConfirmed(ctx context.Context, id uuid.UUID) error {
	return l.setStatus(ctx, id, StatusConfirmed, "")
}

// MarkReverted finalises an attempt whose transaction reverted for a real
// failure.
func (l *Ledger) MarkReverted(ctx context.Context, id uuid.UUID, reason string) error {
	return l.setStatus(ctx, id, StatusReverted, reason)
}

// MarkBenignRace finalises an attempt that lost the liquidation race.
func (l *Ledger) MarkBenignRace(ctx context.Context, id uuid.UUID, reason string) error {
	return l.setStatus(ctx, id, StatusBenignRace, reason)
}

// MarkError records a post-submission failure such as a finality timeout.
func (l *Ledger) MarkError(ctx context.Context, id uuid.UUID, reason string) error {
	return l.setStatus(ctx, id, StatusError, reason)
}

func (l *Ledger) setStatus(ctx context.Context, id uuid.UUID, status Status, reason string) error {
	if l == nil || l.db == nil {
		return fmt.Errorf("ledger not initialised")
	}
	updates := map[string]any{"status": status}
	if reason != "" {
		updates["failure_reason"] = reason
	}
	res := l.db.WithContext(ctx).Model(&Attempt{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("attempt %s not found", id)
	}
	return nil
}

// ListWindow returns the attempts created inside the window, oldest first.
func (l *Ledger) ListWindow(ctx context.Context, start, end time.Time) ([]Attempt, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("ledger not initialised")
	}
	var out []Attempt
	err := l.db.WithContext(ctx).
		Where("created_at BETWEEN ? AND ?", start, end).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	return out, nil
}
