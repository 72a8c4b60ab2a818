package history

import (
	"time"

	"gorm.io/gorm"
)

// Settlement mirrors one ledger event in relational form so operators can run
// reporting and reconciliation queries without replaying the journal.
type Settlement struct {
	ID        uint   `gorm:"primaryKey"`
	Sequence  uint64 `gorm:"uniqueIndex"`
	Kind      string `gorm:"size:64;index"`
	Address   string `gorm:"size:64;index"`
	Amount    string `gorm:"size:80"`
	Reference string `gorm:"size:128"`
	Timestamp int64
	CreatedAt time.Time
}

// Cursor tracks the highest stream sequence the recorder has durably applied.
type Cursor struct {
	Name      string `gorm:"primaryKey;size:32"`
	Sequence  uint64
	UpdatedAt time.Time
}

// AutoMigrate performs all schema migrations for the recorder.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Settlement{}, &Cursor{})
}
