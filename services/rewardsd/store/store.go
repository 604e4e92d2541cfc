package store

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
)

var (
	// ErrAttemptNotFound marks lookups for unknown attempt IDs.
	ErrAttemptNotFound = errors.New("store: attempt not found")
	// ErrAttemptFinal is returned when marking an attempt that already left
	// the pending state. Attempt rows transition exactly once.
	ErrAttemptFinal = errors.New("store: attempt already finalised")
)

// Store is the durable append-only log of settlement attempts. It is written
// exclusively by the orchestrator; the admin surface only reads it.
type Store struct {
	db    *gorm.DB
	nowFn func() time.Time
}

// Open connects to the record store. URLs with a postgres scheme use the
// postgres driver; anything else is treated as a sqlite DSN, which also
// covers in-memory test databases.
func Open(databaseURL string) (*Store, error) {
	trimmed := strings.TrimSpace(databaseURL)
	if trimmed == "" {
		return nil, fmt.Errorf("store: database url required")
	}
	var dialector gorm.Dialector
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		dialector = postgres.Open(trimmed)
	} else {
		dialector = sqlite.Open(trimmed)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return New(db), nil
}

// New wraps an existing gorm handle. Used by tests that supply their own
// database.
func New(db *gorm.DB) *Store {
	return &Store{db: db, nowFn: time.Now}
}

// SetNowFunc overrides the clock used for attempt timestamps in tests.
func (s *Store) SetNowFunc(now func() time.Time) {
	if now == nil {
		s.nowFn = time.Now
		return
	}
	s.nowFn = now
}

// NewAttempt captures the logical inputs of a settlement attempt.
type NewAttempt struct {
	LogicalKey string
	EventID    string
	RewardType string
	Recipient  string
	Amount     string
}

// CreatePending appends a pending attempt row. Called immediately before the
// ledger call so a crash mid-call leaves a recoverable trace.
func (s *Store) CreatePending(ctx context.Context, in NewAttempt) (uuid.UUID, error) {
	attempt := RewardAttempt{
		ID:         uuid.New(),
		LogicalKey: in.LogicalKey,
		EventID:    in.EventID,
		RewardType: in.RewardType,
		Recipient:  in.Recipient,
		Amount:     in.Amount,
		Status:     StatusPending,
		CreatedAt:  s.nowFn().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&attempt).Error; err != nil {
		return uuid.Nil, fmt.Errorf("store: create attempt: %w", err)
	}
	return attempt.ID, nil
}

// MarkConfirmed transitions a pending attempt to confirmed with the ledger's
// settlement reference.
func (s *Store) MarkConfirmed(ctx context.Context, id uuid.UUID, settlementRef string) error {
	return s.finalise(ctx, id, map[string]interface{}{
		"status":         StatusConfirmed,
		"settlement_ref": settlementRef,
		"updated_at":     s.nowFn().UTC(),
	})
}

// MarkFailed transitions a pending attempt to failed with the rejection
// reason.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	if len(reason) > 512 {
		reason = reason[:512]
	}
	return s.finalise(ctx, id, map[string]interface{}{
		"status":     StatusFailed,
		"error":      reason,
		"updated_at": s.nowFn().UTC(),
	})
}

func (s *Store) finalise(ctx context.Context, id uuid.UUID, updates map[string]interface{}) error {
	result := s.db.WithContext(ctx).
		Model(&RewardAttempt{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("store: update attempt: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&RewardAttempt{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return fmt.Errorf("store: update attempt: %w", err)
		}
		if count == 0 {
			return ErrAttemptNotFound
		}
		return ErrAttemptFinal
	}
	return nil
}

// FindConfirmed returns the confirmed attempt for a logical key, or nil when
// none exists. This is the orchestrator's fast-path idempotency check.
func (s *Store) FindConfirmed(ctx context.Context, logicalKey string) (*RewardAttempt, error) {
	var attempt RewardAttempt
	err := s.db.WithContext(ctx).
		Where("logical_key = ? AND status = ?", logicalKey, StatusConfirmed).
		First(&attempt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: find confirmed: %w", err)
	}
	return &attempt, nil
}

// Get returns a single attempt row by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*RewardAttempt, error) {
	var attempt RewardAttempt
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&attempt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAttemptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get attempt: %w", err)
	}
	return &attempt, nil
}

// UnsettledFilter bounds a ListUnsettled query.
type UnsettledFilter struct {
	// PendingOlderThan includes pending attempts stuck for at least this
	// long. Pending rows younger than this are presumed in flight.
	PendingOlderThan time.Duration
	// Limit caps the result size. Zero means the default of 100.
	Limit int
}

// ListUnsettled returns failed attempts and stuck pending attempts whose
// logical key has no confirmed sibling. These are the rows an operator can
// safely resubmit.
func (s *Store) ListUnsettled(ctx context.Context, filter UnsettledFilter) ([]RewardAttempt, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	cutoff := s.nowFn().UTC().Add(-filter.PendingOlderThan)

	confirmedKeys := s.db.Model(&RewardAttempt{}).
		Select("logical_key").
		Where("status = ?", StatusConfirmed)

	var attempts []RewardAttempt
	err := s.db.WithContext(ctx).
		Where("(status = ? OR (status = ? AND created_at <= ?)) AND logical_key NOT IN (?)",
			StatusFailed, StatusPending, cutoff, confirmedKeys).
		Order("created_at DESC").
		Limit(limit).
		Find(&attempts).Error
	if err != nil {
		return nil, fmt.Errorf("store: list unsettled: %w", err)
	}
	return attempts, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
