package fundindexer

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Contribution is one accepted vault contribution as observed on the event
// stream. Amounts stay base-10 strings so 18-decimal values survive intact.
type Contribution struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Sequence  uint64    `gorm:"uniqueIndex"`
	Receipt   string    `gorm:"size:66;uniqueIndex"`
	Funder    string    `gorm:"size:90;index"`
	Amount    string    `gorm:"size:80"`
	USDValue  string    `gorm:"size:80"`
	EmittedAt time.Time `gorm:"index"`
	CreatedAt time.Time
}

// Withdrawal records an owner drain and how many funder entries it reset.
type Withdrawal struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Sequence     uint64    `gorm:"uniqueIndex"`
	Receipt      string    `gorm:"size:66;uniqueIndex"`
	To           string    `gorm:"size:90;index"`
	Amount       string    `gorm:"size:80"`
	FundersReset uint64
	EmittedAt    time.Time `gorm:"index"`
	CreatedAt    time.Time
}

// OracleRotation records a price-feed rebind.
type OracleRotation struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Sequence  uint64    `gorm:"uniqueIndex"`
	Previous  string    `gorm:"size:255"`
	Next      string    `gorm:"size:255"`
	Version   uint64    `gorm:"index"`
	EmittedAt time.Time `gorm:"index"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the indexer.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Contribution{},
		&Withdrawal{},
		&OracleRotation{},
	)
}
