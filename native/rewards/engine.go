package rewards

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"karmachain/core/events"
	nativecommon "karmachain/native/common"
)

// ModuleName identifies the rewards module to the pause registry.
const ModuleName = "rewards"

const dayFormat = "2006-01-02"

// State describes the functionality the settlement ledger needs from the
// surrounding state implementation.
type State interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	HasRole(role string, addr []byte) bool
	SetRole(role string, addr []byte) error
	UnsetRole(role string, addr []byte) error
	SetPaused(module string, paused bool) error
}

// Engine is the settlement ledger authority. Every issuance it accepts is
// totally ordered relative to every other issuance: an internal mutex makes
// the idempotency, cooldown, and daily-cap checks atomic with the mutation
// they guard.
type Engine struct {
	mu      sync.Mutex
	st      State
	emitter events.Emitter
	pauses  nativecommon.PauseView
	nowFn   func() time.Time
}

// NewEngine constructs a ledger engine bound to the provided state backend.
func NewEngine(st State) *Engine {
	return &Engine{
		st:      st,
		emitter: events.NoopEmitter{},
		nowFn:   time.Now,
	}
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetPauses wires the pause registry consulted before every mutation.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	e.pauses = p
}

// SetNowFunc overrides the wall clock. Primarily leveraged in tests to
// provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = time.Now
		return
	}
	e.nowFn = now
}

// Issue credits the configured amount for the reward type to the recipient.
// The logical key must never have been issued, the recipient must be outside
// their cooldown window, and the payout must fit under the daily cap.
// Issuance is all-or-nothing: a failed precondition leaves no state behind.
func (e *Engine) Issue(caller, recipient [20]byte, key [32]byte, t RewardType, eventID string) (*IssueReceipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !t.Valid() || t == SpecialContribution {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRewardType, t)
	}
	if err := nativecommon.Guard(e.pauses, ModuleName); err != nil {
		e.emitSkip(key, recipient, t, "paused")
		return nil, ErrPaused
	}
	if !e.st.HasRole(RoleRewarder, caller[:]) {
		e.emitSkip(key, recipient, t, "unauthorized")
		return nil, ErrUnauthorized
	}
	cfg, err := e.loadConfig()
	if err != nil {
		return nil, err
	}
	amount, err := cfg.AmountFor(t)
	if err != nil {
		return nil, err
	}
	return e.credit(recipient, key, t, amount, eventID, cfg)
}

// IssueSpecial credits an explicit amount bounded by the configured special
// band. Arbitrary amounts are higher risk, so the caller must hold the admin
// role rather than the rewarder role.
func (e *Engine) IssueSpecial(caller, recipient [20]byte, key [32]byte, amount *big.Int, eventID string) (*IssueReceipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := nativecommon.Guard(e.pauses, ModuleName); err != nil {
		e.emitSkip(key, recipient, SpecialContribution, "paused")
		return nil, ErrPaused
	}
	if !e.st.HasRole(RoleAdmin, caller[:]) {
		e.emitSkip(key, recipient, SpecialContribution, "unauthorized")
		return nil, ErrUnauthorized
	}
	cfg, err := e.loadConfig()
	if err != nil {
		return nil, err
	}
	if amount == nil || amount.Cmp(cfg.MinSpecial) < 0 || amount.Cmp(cfg.MaxSpecial) > 0 {
		e.emitSkip(key, recipient, SpecialContribution, "amount_out_of_bounds")
		return nil, ErrAmountOutOfBounds
	}
	return e.credit(recipient, key, SpecialContribution, cloneBig(amount), eventID, cfg)
}

// IssueBatch processes up to MaxBatchSize requests sequentially. A batch is a
// convenience wrapper over independent issuances, not a transaction: an
// already-issued key is reported as skipped, any other precondition failure
// is reported per item, and neither aborts the remaining requests.
func (e *Engine) IssueBatch(caller [20]byte, reqs []BatchRequest) ([]BatchResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(reqs) > MaxBatchSize {
		return nil, fmt.Errorf("%w: %d items (max %d)", ErrBatchTooLarge, len(reqs), MaxBatchSize)
	}
	if err := nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return nil, ErrPaused
	}
	if !e.st.HasRole(RoleRewarder, caller[:]) {
		return nil, ErrUnauthorized
	}
	cfg, err := e.loadConfig()
	if err != nil {
		return nil, err
	}

	results := make([]BatchResult, 0, len(reqs))
	for _, req := range reqs {
		results = append(results, e.batchItem(caller, req, cfg))
	}
	return results, nil
}

func (e *Engine) batchItem(caller [20]byte, req BatchRequest, cfg *Config) BatchResult {
	result := BatchResult{LogicalKey: req.LogicalKey}

	var amount *big.Int
	switch {
	case req.RewardType == SpecialContribution:
		if !e.st.HasRole(RoleAdmin, caller[:]) {
			result.Status = BatchFailed
			result.Err = ErrUnauthorized
			return result
		}
		if req.Amount == nil || req.Amount.Cmp(cfg.MinSpecial) < 0 || req.Amount.Cmp(cfg.MaxSpecial) > 0 {
			result.Status = BatchFailed
			result.Err = ErrAmountOutOfBounds
			return result
		}
		amount = cloneBig(req.Amount)
	case req.RewardType.Valid():
		fixed, err := cfg.AmountFor(req.RewardType)
		if err != nil {
			result.Status = BatchFailed
			result.Err = err
			return result
		}
		amount = fixed
	default:
		result.Status = BatchFailed
		result.Err = ErrInvalidRewardType
		return result
	}

	receipt, err := e.credit(req.Recipient, req.LogicalKey, req.RewardType, amount, req.EventID, cfg)
	switch {
	case err == nil:
		result.Status = BatchOK
		result.Amount = receipt.Amount
		result.Ref = receipt.Ref
	case errors.Is(err, ErrAlreadyIssued):
		result.Status = BatchSkipped
	default:
		result.Status = BatchFailed
		result.Err = err
	}
	return result
}

// credit performs the checked mutation shared by all issuance paths. Callers
// hold the engine mutex.
func (e *Engine) credit(recipient [20]byte, key [32]byte, t RewardType, amount *big.Int, eventID string, cfg *Config) (*IssueReceipt, error) {
	issued, err := e.st.KVGet(issuedKey(key), nil)
	if err != nil {
		return nil, err
	}
	if issued {
		e.emitSkip(key, recipient, t, "already_issued")
		return nil, ErrAlreadyIssued
	}

	now := e.nowFn().UTC()
	rs, err := e.recipientState(recipient)
	if err != nil {
		return nil, err
	}
	day := now.Format(dayFormat)
	if rs.Day != day {
		rs.Day = day
		rs.DailyAccumulated = big.NewInt(0)
	}
	if rs.LastRewardAt != 0 && uint64(now.Unix()) < rs.LastRewardAt+cfg.CooldownSeconds {
		e.emitSkip(key, recipient, t, "cooldown_active")
		return nil, ErrCooldownActive
	}
	projected := new(big.Int).Add(rs.DailyAccumulated, amount)
	if projected.Cmp(cfg.MaxDailyReward) > 0 {
		e.emitSkip(key, recipient, t, "daily_limit_exceeded")
		return nil, ErrDailyLimitExceeded
	}

	balance, err := e.balance(recipient)
	if err != nil {
		return nil, err
	}
	issuedAt := uint64(now.Unix())
	ref := settlementRef(key, recipient, issuedAt)
	record := &IssuedReward{
		Recipient:  recipient,
		RewardType: uint8(t),
		Amount:     cloneBig(amount),
		Ref:        ref,
		EventID:    eventID,
		IssuedAt:   issuedAt,
	}
	if err := e.st.KVPut(issuedKey(key), record); err != nil {
		return nil, err
	}
	if err := e.st.KVPut(balanceKey(recipient), new(big.Int).Add(balance, amount)); err != nil {
		return nil, err
	}
	rs.LastRewardAt = issuedAt
	rs.DailyAccumulated = projected
	if err := e.st.KVPut(recipientKey(recipient), rs); err != nil {
		return nil, err
	}
	if err := e.bumpTotals(t, amount); err != nil {
		return nil, err
	}

	e.emitter.Emit(events.RewardIssued{
		LogicalKey:    key,
		Recipient:     recipient,
		RewardType:    t.String(),
		Amount:        cloneBig(amount),
		SettlementRef: ref,
		Day:           day,
	})
	return &IssueReceipt{Amount: cloneBig(amount), Ref: ref}, nil
}

// IsIssued reports whether the logical key has ever been paid out. Reads are
// available while paused.
func (e *Engine) IsIssued(key [32]byte) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.KVGet(issuedKey(key), nil)
}

// IssuedRecord returns the ledger-side record for a logical key, when present.
func (e *Engine) IssuedRecord(key [32]byte) (*IssuedReward, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	record := new(IssuedReward)
	ok, err := e.st.KVGet(issuedKey(key), record)
	if err != nil || !ok {
		return nil, false, err
	}
	return record, true, nil
}

// RemainingDailyAllowance reports how much the recipient may still receive
// within the current day window.
func (e *Engine) RemainingDailyAllowance(recipient [20]byte) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, err := e.loadConfig()
	if err != nil {
		return nil, err
	}
	rs, err := e.recipientState(recipient)
	if err != nil {
		return nil, err
	}
	if rs.Day != e.nowFn().UTC().Format(dayFormat) {
		return cloneBig(cfg.MaxDailyReward), nil
	}
	remaining := new(big.Int).Sub(cfg.MaxDailyReward, rs.DailyAccumulated)
	if remaining.Sign() < 0 {
		remaining = big.NewInt(0)
	}
	return remaining, nil
}

// CanReceive reports whether the recipient is outside their cooldown window
// and, when they are not, when the window ends.
func (e *Engine) CanReceive(recipient [20]byte) (bool, time.Time, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, err := e.loadConfig()
	if err != nil {
		return false, time.Time{}, err
	}
	rs, err := e.recipientState(recipient)
	if err != nil {
		return false, time.Time{}, err
	}
	if rs.LastRewardAt == 0 {
		return true, time.Time{}, nil
	}
	endsAt := time.Unix(int64(rs.LastRewardAt+cfg.CooldownSeconds), 0).UTC()
	if e.nowFn().UTC().Before(endsAt) {
		return false, endsAt, nil
	}
	return true, endsAt, nil
}

// Config returns the active issuance parameters.
func (e *Engine) Config() (*Config, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadConfig()
}

// SetConfig replaces the issuance parameters after validating them. Admin
// only; changes never touch already-issued keys.
func (e *Engine) SetConfig(caller [20]byte, cfg *Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.st.HasRole(RoleAdmin, caller[:]) {
		return ErrUnauthorized
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := e.st.KVPut(configKey, cfg.Clone().Normalize()); err != nil {
		return err
	}
	e.emitter.Emit(events.RewardConfigUpdated{Caller: caller})
	return nil
}

// Totals returns the global issuance counters.
func (e *Engine) Totals() (*Totals, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadTotals()
}

// BalanceOf returns the credited balance of the supplied address.
func (e *Engine) BalanceOf(addr [20]byte) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balance(addr)
}

// Paused reports whether issuance is currently halted.
func (e *Engine) Paused() bool {
	return e.pauses != nil && e.pauses.IsPaused(ModuleName)
}

// Pause halts all issuance. Reads remain available.
func (e *Engine) Pause(caller [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.st.HasRole(RoleAdmin, caller[:]) {
		return ErrUnauthorized
	}
	if err := e.st.SetPaused(ModuleName, true); err != nil {
		return err
	}
	e.emitter.Emit(events.RewardPaused{Caller: caller})
	return nil
}

// Unpause re-enables issuance.
func (e *Engine) Unpause(caller [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.st.HasRole(RoleAdmin, caller[:]) {
		return ErrUnauthorized
	}
	if err := e.st.SetPaused(ModuleName, false); err != nil {
		return err
	}
	e.emitter.Emit(events.RewardResumed{Caller: caller})
	return nil
}

// GrantRole adds an address to a role. Admin only.
func (e *Engine) GrantRole(caller [20]byte, role string, addr [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.st.HasRole(RoleAdmin, caller[:]) {
		return ErrUnauthorized
	}
	if !knownRole(role) {
		return fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	if err := e.st.SetRole(role, addr[:]); err != nil {
		return err
	}
	e.emitter.Emit(events.RewardRoleGranted{Role: role, Address: addr})
	return nil
}

// RevokeRole removes an address from a role. Admin only.
func (e *Engine) RevokeRole(caller [20]byte, role string, addr [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.st.HasRole(RoleAdmin, caller[:]) {
		return ErrUnauthorized
	}
	if !knownRole(role) {
		return fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	if err := e.st.UnsetRole(role, addr[:]); err != nil {
		return err
	}
	e.emitter.Emit(events.RewardRoleRevoked{Role: role, Address: addr})
	return nil
}

func knownRole(role string) bool {
	switch role {
	case RoleAdmin, RoleRewarder, RoleOracle:
		return true
	}
	return false
}

func (e *Engine) loadConfig() (*Config, error) {
	cfg := new(Config)
	ok, err := e.st.KVGet(configKey, cfg)
	if err != nil {
		return nil, err
	}
	if !ok {
		return DefaultConfig(), nil
	}
	return cfg.Normalize(), nil
}

func (e *Engine) loadTotals() (*Totals, error) {
	totals := new(Totals)
	ok, err := e.st.KVGet(totalsKey, totals)
	if err != nil {
		return nil, err
	}
	if !ok {
		return (&Totals{}).Normalize(), nil
	}
	return totals.Normalize(), nil
}

func (e *Engine) bumpTotals(t RewardType, amount *big.Int) error {
	totals, err := e.loadTotals()
	if err != nil {
		return err
	}
	totals.TotalAmount = new(big.Int).Add(totals.TotalAmount, amount)
	totals.Count++
	switch t {
	case AcceptedAnswer:
		totals.AcceptedAnswerCount++
	case UpvoteThreshold:
		totals.UpvoteThresholdCount++
	case QuestionerBonus:
		totals.QuestionerBonusCount++
	case SpecialContribution:
		totals.SpecialContributionCount++
	}
	return e.st.KVPut(totalsKey, totals)
}

func (e *Engine) recipientState(addr [20]byte) (*RecipientState, error) {
	rs := new(RecipientState)
	ok, err := e.st.KVGet(recipientKey(addr), rs)
	if err != nil {
		return nil, err
	}
	if !ok {
		return (&RecipientState{}).Normalize(), nil
	}
	return rs.Normalize(), nil
}

func (e *Engine) balance(addr [20]byte) (*big.Int, error) {
	balance := new(big.Int)
	ok, err := e.st.KVGet(balanceKey(addr), balance)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return balance, nil
}

func (e *Engine) emitSkip(key [32]byte, recipient [20]byte, t RewardType, reason string) {
	e.emitter.Emit(events.RewardSkipped{
		LogicalKey: key,
		Recipient:  recipient,
		RewardType: t.String(),
		Reason:     reason,
	})
}

func settlementRef(key [32]byte, recipient [20]byte, issuedAt uint64) string {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], issuedAt)
	return fmt.Sprintf("0x%x", ethcrypto.Keccak256(key[:], recipient[:], ts[:]))
}
