package rewards

import (
	"fmt"
	"math/big"
	"strings"
)

// Ledger roles. An address may hold several at once.
const (
	// RoleAdmin may mutate configuration, pause issuance, grant roles, and
	// issue special contribution rewards.
	RoleAdmin = "ROLE_REWARD_ADMIN"
	// RoleRewarder may call Issue and IssueBatch.
	RoleRewarder = "ROLE_REWARDER"
	// RoleOracle is reserved for automated threshold detection feeds.
	RoleOracle = "ROLE_REWARD_ORACLE"
)

// MaxBatchSize is the hard cap on IssueBatch items.
const MaxBatchSize = 50

// RewardType enumerates the reward categories the ledger pays out.
type RewardType uint8

const (
	// AcceptedAnswer rewards the author of an answer marked as accepted.
	AcceptedAnswer RewardType = iota + 1
	// UpvoteThreshold rewards an answer crossing the configured vote count.
	UpvoteThreshold
	// QuestionerBonus rewards the asker once their question is answered.
	QuestionerBonus
	// SpecialContribution carries an explicit, admin-approved amount.
	SpecialContribution
)

// String implements fmt.Stringer.
func (t RewardType) String() string {
	switch t {
	case AcceptedAnswer:
		return "accepted_answer"
	case UpvoteThreshold:
		return "upvote_threshold"
	case QuestionerBonus:
		return "questioner_bonus"
	case SpecialContribution:
		return "special_contribution"
	default:
		return fmt.Sprintf("reward_type(%d)", uint8(t))
	}
}

// Valid reports whether the value is one of the defined reward types.
func (t RewardType) Valid() bool {
	return t >= AcceptedAnswer && t <= SpecialContribution
}

// ParseRewardType resolves the wire representation of a reward type.
func ParseRewardType(raw string) (RewardType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "accepted_answer":
		return AcceptedAnswer, nil
	case "upvote_threshold":
		return UpvoteThreshold, nil
	case "questioner_bonus":
		return QuestionerBonus, nil
	case "special_contribution":
		return SpecialContribution, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidRewardType, raw)
	}
}

// Config captures the admin-mutable issuance parameters. Changes never affect
// already-issued keys.
type Config struct {
	AcceptedAnswerAmount  *big.Int
	UpvoteAmount          *big.Int
	QuestionerBonusAmount *big.Int
	UpvoteThreshold       uint64
	MaxDailyReward        *big.Int
	CooldownSeconds       uint64
	MinSpecial            *big.Int
	MaxSpecial            *big.Int
}

// DefaultConfig returns the parameters applied until an admin writes its own.
func DefaultConfig() *Config {
	return &Config{
		AcceptedAnswerAmount:  big.NewInt(50),
		UpvoteAmount:          big.NewInt(5),
		QuestionerBonusAmount: big.NewInt(10),
		UpvoteThreshold:       10,
		MaxDailyReward:        big.NewInt(100),
		CooldownSeconds:       300,
		MinSpecial:            big.NewInt(1),
		MaxSpecial:            big.NewInt(100),
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := &Config{
		UpvoteThreshold: c.UpvoteThreshold,
		CooldownSeconds: c.CooldownSeconds,
	}
	clone.AcceptedAnswerAmount = cloneBig(c.AcceptedAnswerAmount)
	clone.UpvoteAmount = cloneBig(c.UpvoteAmount)
	clone.QuestionerBonusAmount = cloneBig(c.QuestionerBonusAmount)
	clone.MaxDailyReward = cloneBig(c.MaxDailyReward)
	clone.MinSpecial = cloneBig(c.MinSpecial)
	clone.MaxSpecial = cloneBig(c.MaxSpecial)
	return clone
}

// Normalize replaces nil amounts with zero so callers can rely on non-nil
// fields.
func (c *Config) Normalize() *Config {
	if c == nil {
		return nil
	}
	if c.AcceptedAnswerAmount == nil {
		c.AcceptedAnswerAmount = big.NewInt(0)
	}
	if c.UpvoteAmount == nil {
		c.UpvoteAmount = big.NewInt(0)
	}
	if c.QuestionerBonusAmount == nil {
		c.QuestionerBonusAmount = big.NewInt(0)
	}
	if c.MaxDailyReward == nil {
		c.MaxDailyReward = big.NewInt(0)
	}
	if c.MinSpecial == nil {
		c.MinSpecial = big.NewInt(0)
	}
	if c.MaxSpecial == nil {
		c.MaxSpecial = big.NewInt(0)
	}
	return c
}

// Validate enforces the write-time bounds: every amount and threshold must be
// positive, the special band must be ordered, and no single reward may exceed
// the daily cap (it could otherwise never be paid).
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	normalized := c.Clone().Normalize()
	for name, amount := range map[string]*big.Int{
		"accepted answer amount":  normalized.AcceptedAnswerAmount,
		"upvote amount":           normalized.UpvoteAmount,
		"questioner bonus amount": normalized.QuestionerBonusAmount,
		"max daily reward":        normalized.MaxDailyReward,
		"min special":             normalized.MinSpecial,
		"max special":             normalized.MaxSpecial,
	} {
		if amount.Sign() <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, name)
		}
	}
	if normalized.UpvoteThreshold == 0 {
		return fmt.Errorf("%w: upvote threshold must be positive", ErrInvalidConfig)
	}
	if normalized.CooldownSeconds == 0 {
		return fmt.Errorf("%w: cooldown must be positive", ErrInvalidConfig)
	}
	if normalized.MinSpecial.Cmp(normalized.MaxSpecial) > 0 {
		return fmt.Errorf("%w: special bounds inverted", ErrInvalidConfig)
	}
	for name, amount := range map[string]*big.Int{
		"accepted answer amount":  normalized.AcceptedAnswerAmount,
		"upvote amount":           normalized.UpvoteAmount,
		"questioner bonus amount": normalized.QuestionerBonusAmount,
		"max special":             normalized.MaxSpecial,
	} {
		if amount.Cmp(normalized.MaxDailyReward) > 0 {
			return fmt.Errorf("%w: %s exceeds max daily reward", ErrInvalidConfig, name)
		}
	}
	return nil
}

// AmountFor resolves the fixed amount configured for the supplied type.
// SpecialContribution has no fixed amount and is rejected.
func (c *Config) AmountFor(t RewardType) (*big.Int, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	switch t {
	case AcceptedAnswer:
		return cloneBig(c.AcceptedAnswerAmount), nil
	case UpvoteThreshold:
		return cloneBig(c.UpvoteAmount), nil
	case QuestionerBonus:
		return cloneBig(c.QuestionerBonusAmount), nil
	default:
		return nil, fmt.Errorf("%w: %s has no fixed amount", ErrInvalidRewardType, t)
	}
}

// RecipientState tracks the ledger-owned rate-limit counters for one address.
type RecipientState struct {
	// LastRewardAt is the unix timestamp of the most recent successful
	// issuance across all reward types.
	LastRewardAt uint64
	// DailyAccumulated is the amount issued within the current day window.
	DailyAccumulated *big.Int
	// Day identifies the UTC calendar day the accumulator covers.
	Day string
}

// Normalize replaces nil amounts with zero.
func (r *RecipientState) Normalize() *RecipientState {
	if r == nil {
		return nil
	}
	if r.DailyAccumulated == nil {
		r.DailyAccumulated = big.NewInt(0)
	}
	return r
}

// IssuedReward is the ledger-side record for a paid logical key. Its presence
// in state is what makes issuance idempotent.
type IssuedReward struct {
	Recipient  [20]byte
	RewardType uint8
	Amount     *big.Int
	Ref        string
	EventID    string
	IssuedAt   uint64
}

// IssueReceipt is returned to callers after a successful issuance.
type IssueReceipt struct {
	Amount *big.Int
	Ref    string
}

// Totals aggregates global issuance counters.
type Totals struct {
	TotalAmount              *big.Int
	Count                    uint64
	AcceptedAnswerCount      uint64
	UpvoteThresholdCount     uint64
	QuestionerBonusCount     uint64
	SpecialContributionCount uint64
}

// Normalize replaces nil amounts with zero.
func (t *Totals) Normalize() *Totals {
	if t == nil {
		return nil
	}
	if t.TotalAmount == nil {
		t.TotalAmount = big.NewInt(0)
	}
	return t
}

// BatchStatus reports the per-item outcome of a batch issuance.
type BatchStatus string

const (
	// BatchOK marks an item that was issued.
	BatchOK BatchStatus = "ok"
	// BatchSkipped marks an item whose logical key was already issued. It is
	// a no-op, not a failure.
	BatchSkipped BatchStatus = "skipped"
	// BatchFailed marks an item rejected by a precondition other than
	// idempotency.
	BatchFailed BatchStatus = "failed"
)

// BatchRequest is one issuance inside an IssueBatch call. Amount is only
// consulted for SpecialContribution items.
type BatchRequest struct {
	Recipient  [20]byte
	LogicalKey [32]byte
	RewardType RewardType
	Amount     *big.Int
	EventID    string
}

// BatchResult reports the independent outcome of one batch item. Err carries
// the engine sentinel (possibly wrapped) for failed items so callers can
// classify with errors.Is.
type BatchResult struct {
	LogicalKey [32]byte
	Status     BatchStatus
	Amount     *big.Int
	Ref        string
	Err        error
}

func cloneBig(in *big.Int) *big.Int {
	if in == nil {
		return nil
	}
	return new(big.Int).Set(in)
}
