package rewardsd

import (
	"context"
	"math/big"
	"time"

	"karmachain/native/rewards"
)

// Ledger is the narrow settlement authority surface the orchestrator depends
// on. Production wiring binds the in-process ledger engine; tests bind fakes.
// Implementations must totally order issuance: two concurrent calls for the
// same logical key must never both succeed.
type Ledger interface {
	Issue(ctx context.Context, caller, recipient [20]byte, key [32]byte, t rewards.RewardType, eventID string) (*rewards.IssueReceipt, error)
	IssueSpecial(ctx context.Context, caller, recipient [20]byte, key [32]byte, amount *big.Int, eventID string) (*rewards.IssueReceipt, error)
	IssueBatch(ctx context.Context, caller [20]byte, reqs []rewards.BatchRequest) ([]rewards.BatchResult, error)

	IsIssued(ctx context.Context, key [32]byte) (bool, error)
	CanReceive(ctx context.Context, recipient [20]byte) (bool, time.Time, error)
	RemainingDailyAllowance(ctx context.Context, recipient [20]byte) (*big.Int, error)
	Config(ctx context.Context) (*rewards.Config, error)
	Totals(ctx context.Context) (*rewards.Totals, error)
	BalanceOf(ctx context.Context, addr [20]byte) (*big.Int, error)
	Paused(ctx context.Context) (bool, error)

	SetConfig(ctx context.Context, caller [20]byte, cfg *rewards.Config) error
	Pause(ctx context.Context, caller [20]byte) error
	Unpause(ctx context.Context, caller [20]byte) error
	GrantRole(ctx context.Context, caller [20]byte, role string, addr [20]byte) error
	RevokeRole(ctx context.Context, caller [20]byte, role string, addr [20]byte) error
}

// engineLedger adapts the in-process rewards engine to the Ledger interface.
// The engine serialises internally, so the adapter is a thin passthrough.
type engineLedger struct {
	eng *rewards.Engine
}

// NewEngineLedger wraps a rewards engine as a Ledger.
func NewEngineLedger(eng *rewards.Engine) Ledger {
	return &engineLedger{eng: eng}
}

func (l *engineLedger) Issue(_ context.Context, caller, recipient [20]byte, key [32]byte, t rewards.RewardType, eventID string) (*rewards.IssueReceipt, error) {
	return l.eng.Issue(caller, recipient, key, t, eventID)
}

func (l *engineLedger) IssueSpecial(_ context.Context, caller, recipient [20]byte, key [32]byte, amount *big.Int, eventID string) (*rewards.IssueReceipt, error) {
	return l.eng.IssueSpecial(caller, recipient, key, amount, eventID)
}

func (l *engineLedger) IssueBatch(_ context.Context, caller [20]byte, reqs []rewards.BatchRequest) ([]rewards.BatchResult, error) {
	return l.eng.IssueBatch(caller, reqs)
}

func (l *engineLedger) IsIssued(_ context.Context, key [32]byte) (bool, error) {
	return l.eng.IsIssued(key)
}

func (l *engineLedger) CanReceive(_ context.Context, recipient [20]byte) (bool, time.Time, error) {
	return l.eng.CanReceive(recipient)
}

func (l *engineLedger) RemainingDailyAllowance(_ context.Context, recipient [20]byte) (*big.Int, error) {
	return l.eng.RemainingDailyAllowance(recipient)
}

func (l *engineLedger) Config(_ context.Context) (*rewards.Config, error) {
	return l.eng.Config()
}

func (l *engineLedger) Totals(_ context.Context) (*rewards.Totals, error) {
	return l.eng.Totals()
}

func (l *engineLedger) BalanceOf(_ context.Context, addr [20]byte) (*big.Int, error) {
	return l.eng.BalanceOf(addr)
}

func (l *engineLedger) Paused(_ context.Context) (bool, error) {
	return l.eng.Paused(), nil
}

func (l *engineLedger) SetConfig(_ context.Context, caller [20]byte, cfg *rewards.Config) error {
	return l.eng.SetConfig(caller, cfg)
}

func (l *engineLedger) Pause(_ context.Context, caller [20]byte) error {
	return l.eng.Pause(caller)
}

func (l *engineLedger) Unpause(_ context.Context, caller [20]byte) error {
	return l.eng.Unpause(caller)
}

func (l *engineLedger) GrantRole(_ context.Context, caller [20]byte, role string, addr [20]byte) error {
	return l.eng.GrantRole(caller, role, addr)
}

func (l *engineLedger) RevokeRole(_ context.Context, caller [20]byte, role string, addr [20]byte) error {
	return l.eng.RevokeRole(caller, role, addr)
}
