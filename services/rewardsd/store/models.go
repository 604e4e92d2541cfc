package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AttemptStatus tracks a settlement attempt through its lifecycle. An attempt
// is created pending, transitions to exactly one of confirmed or failed, and
// never transitions again.
type AttemptStatus string

// Attempt lifecycle states.
const (
	StatusPending   AttemptStatus = "pending"
	StatusConfirmed AttemptStatus = "confirmed"
	StatusFailed    AttemptStatus = "failed"
)

// RewardAttempt is one row per settlement attempt, not per logical reward.
// Multiple failed attempts may exist for the same logical key; at most one
// confirmed attempt may ever exist for it, enforced by the ledger's issued
// key set rather than by this store.
type RewardAttempt struct {
	ID            uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	LogicalKey    string        `gorm:"size:66;index" json:"logical_key"`
	EventID       string        `gorm:"size:128" json:"event_id"`
	RewardType    string        `gorm:"size:32;index" json:"reward_type"`
	Recipient     string        `gorm:"size:42;index" json:"recipient"`
	Amount        string        `gorm:"size:80" json:"amount"`
	Status        AttemptStatus `gorm:"size:16;index" json:"status"`
	SettlementRef string        `gorm:"size:66" json:"settlement_ref,omitempty"`
	Error         string        `gorm:"size:512" json:"error,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// AutoMigrate applies the record store schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&RewardAttempt{})
}
