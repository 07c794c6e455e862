package fundindexer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store persists indexed ledger activity.
type Store struct {
	db *gorm.DB
}

// OpenStore connects to the relational backend named by the DSN and runs
// migrations. postgres:// DSNs select the Postgres driver; anything else is
// treated as a SQLite path.
func OpenStore(dsn string) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, errors.New("database DSN required")
	}
	var dialector gorm.Dialector
	lowered := strings.ToLower(trimmed)
	if strings.HasPrefix(lowered, "postgres://") || strings.HasPrefix(lowered, "postgresql://") {
		dialector = postgres.Open(trimmed)
	} else {
		dialector = sqlite.Open(trimmed)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return NewStore(db)
}

// NewStore wraps an existing gorm handle and runs migrations.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// RecordContribution inserts the row unless its receipt or sequence was
// already indexed. The boolean reports whether a new row landed.
func (s *Store) RecordContribution(ctx context.Context, row Contribution) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("store not initialised")
	}
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if result.Error != nil {
		return false, fmt.Errorf("record contribution: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// RecordWithdrawal inserts the row unless it was already indexed.
func (s *Store) RecordWithdrawal(ctx context.Context, row Withdrawal) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("store not initialised")
	}
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if result.Error != nil {
		return false, fmt.Errorf("record withdrawal: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// RecordOracleRotation inserts the row unless it was already indexed.
func (s *Store) RecordOracleRotation(ctx context.Context, row OracleRotation) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("store not initialised")
	}
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if result.Error != nil {
		return false, fmt.Errorf("record oracle rotation: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ContributionsBetween returns contributions emitted inside the window in
// sequence order.
func (s *Store) ContributionsBetween(ctx context.Context, start, end time.Time) ([]Contribution, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialised")
	}
	var rows []Contribution
	err := s.db.WithContext(ctx).
		Where("emitted_at BETWEEN ? AND ?", start, end).
		Order("sequence ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load contributions: %w", err)
	}
	return rows, nil
}

// WithdrawalsBetween returns withdrawals emitted inside the window in
// sequence order.
func (s *Store) WithdrawalsBetween(ctx context.Context, start, end time.Time) ([]Withdrawal, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialised")
	}
	var rows []Withdrawal
	err := s.db.WithContext(ctx).
		Where("emitted_at BETWEEN ? AND ?", start, end).
		Order("sequence ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load withdrawals: %w", err)
	}
	return rows, nil
}

// OracleRotationsBetween returns feed rebinds emitted inside the window in
// sequence order.
func (s *Store) OracleRotationsBetween(ctx context.Context, start, end time.Time) ([]OracleRotation, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialised")
	}
	var rows []OracleRotation
	err := s.db.WithContext(ctx).
		Where("emitted_at BETWEEN ? AND ?", start, end).
		Order("sequence ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load oracle rotations: %w", err)
	}
	return rows, nil
}
