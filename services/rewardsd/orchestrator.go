package rewardsd

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"karmachain/native/rewards"
	"karmachain/services/rewardsd/store"
)

// OutcomeStatus is the settlement result surfaced back to the Q&A layer.
type OutcomeStatus string

// Settlement outcomes.
const (
	OutcomeIssued        OutcomeStatus = "issued"
	OutcomeAlreadyIssued OutcomeStatus = "already_issued"
	OutcomeRateLimited   OutcomeStatus = "rate_limited"
	OutcomeFailed        OutcomeStatus = "failed"
)

// Outcome is the per-settlement result. The Q&A layer never sees raw ledger
// errors, only an outcome plus a human-readable reason.
type Outcome struct {
	Status            OutcomeStatus `json:"status"`
	SettlementRef     string        `json:"settlement_ref,omitempty"`
	Amount            *big.Int      `json:"amount,omitempty"`
	Reason            string        `json:"reason,omitempty"`
	Retryable         bool          `json:"retryable"`
	RetryAfterSeconds int64         `json:"retry_after_seconds,omitempty"`
}

// AcceptedAnswerResult bundles the two independent settlements an accepted
// answer triggers. A failure of one leg never rolls back the other.
type AcceptedAnswerResult struct {
	Answerer Outcome `json:"answerer"`
	Asker    Outcome `json:"asker"`
}

// SettleRequest carries the logical inputs of one settlement. Amount is only
// consulted for SpecialContribution.
type SettleRequest struct {
	RewardType rewards.RewardType
	EventID    string
	Recipient  [20]byte
	Amount     *big.Int
}

// UnsettledAttempt annotates a record-store row with the ledger's view of its
// logical key, exposing drift between the two stores.
type UnsettledAttempt struct {
	store.RewardAttempt
	LedgerIssued bool `json:"ledger_issued"`
}

// Orchestrator turns domain events into ledger calls, tracks every attempt
// durably, and maps ledger errors into retry guidance. It is stateless and
// safe to invoke concurrently; races on the same logical key are resolved by
// the ledger rejecting the loser.
type Orchestrator struct {
	ledger    Ledger
	store     *store.Store
	metrics   *Metrics
	logger    *slog.Logger
	operator  [20]byte
	admin     [20]byte
	staleness time.Duration
	nowFn     func() time.Time
}

// OrchestratorConfig wires an Orchestrator.
type OrchestratorConfig struct {
	Ledger Ledger
	Store  *store.Store
	Logger *slog.Logger
	// Operator is the address holding the rewarder role; it signs all
	// issuance calls.
	Operator [20]byte
	// Admin is the address holding the admin role; it signs configuration
	// mutations, pause toggles, and special contribution issuances.
	Admin [20]byte
	// StalenessBound is how long a confirmed record-store row is trusted
	// without re-verification against the ledger.
	StalenessBound time.Duration
}

// NewOrchestrator validates the wiring and constructs an orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("rewardsd: ledger required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("rewardsd: record store required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	staleness := cfg.StalenessBound
	if staleness <= 0 {
		staleness = 5 * time.Minute
	}
	return &Orchestrator{
		ledger:    cfg.Ledger,
		store:     cfg.Store,
		metrics:   NewMetrics(),
		logger:    logger,
		operator:  cfg.Operator,
		admin:     cfg.Admin,
		staleness: staleness,
		nowFn:     time.Now,
	}, nil
}

// SetNowFunc overrides the clock for deterministic tests.
func (o *Orchestrator) SetNowFunc(now func() time.Time) {
	if now == nil {
		o.nowFn = time.Now
		return
	}
	o.nowFn = now
}

// Settle executes one settlement end to end: fast-path idempotency check,
// pending attempt, ledger call, durable outcome. The returned error is
// reserved for record-store failures; every ledger rejection is expressed as
// an Outcome.
func (o *Orchestrator) Settle(ctx context.Context, req SettleRequest) (Outcome, error) {
	key := rewards.DeriveKey(req.RewardType, req.EventID)
	keyHex := formatKey(key)

	confirmed, err := o.store.FindConfirmed(ctx, keyHex)
	if err != nil {
		o.metrics.RecordError("store")
		return Outcome{}, err
	}
	if confirmed != nil {
		trusted := o.nowFn().Sub(confirmed.CreatedAt) <= o.staleness
		if !trusted {
			issued, verr := o.ledger.IsIssued(ctx, key)
			if verr != nil {
				o.metrics.RecordError("ledger_verify")
				return Outcome{}, fmt.Errorf("verify issued key: %w", verr)
			}
			if !issued {
				// The record store claims a payout the ledger does not hold,
				// likely a crash between call and confirmation. Fall through
				// and let the ledger decide.
				o.logger.Warn("confirmed attempt missing on ledger",
					"logical_key", keyHex, "attempt_id", confirmed.ID)
			}
			trusted = issued
		}
		if trusted {
			out := Outcome{
				Status:        OutcomeAlreadyIssued,
				SettlementRef: confirmed.SettlementRef,
				Amount:        parseAmount(confirmed.Amount),
				Reason:        "reward already issued",
			}
			o.metrics.RecordOutcome(req.RewardType.String(), string(out.Status))
			return out, nil
		}
	}

	amount, invalidReason := o.resolveAmount(ctx, req)
	attemptID, err := o.store.CreatePending(ctx, store.NewAttempt{
		LogicalKey: keyHex,
		EventID:    req.EventID,
		RewardType: req.RewardType.String(),
		Recipient:  FormatAddress(req.Recipient),
		Amount:     amountString(amount),
	})
	if err != nil {
		o.metrics.RecordError("store")
		return Outcome{}, err
	}
	if invalidReason != "" {
		out := Outcome{Status: OutcomeFailed, Reason: invalidReason, Retryable: false}
		o.finalise(ctx, attemptID, req.RewardType, out)
		return out, nil
	}

	start := o.nowFn()
	var receipt *rewards.IssueReceipt
	var issueErr error
	if req.RewardType == rewards.SpecialContribution {
		receipt, issueErr = o.ledger.IssueSpecial(ctx, o.admin, req.Recipient, key, req.Amount, req.EventID)
		o.metrics.ObserveLedgerCall("issue_special", o.nowFn().Sub(start))
	} else {
		receipt, issueErr = o.ledger.Issue(ctx, o.operator, req.Recipient, key, req.RewardType, req.EventID)
		o.metrics.ObserveLedgerCall("issue", o.nowFn().Sub(start))
	}

	if issueErr == nil {
		out := Outcome{Status: OutcomeIssued, SettlementRef: receipt.Ref, Amount: receipt.Amount}
		if err := o.store.MarkConfirmed(ctx, attemptID, receipt.Ref); err != nil {
			// The ledger is authoritative; the issued set will reconcile the
			// missing confirmation during drift detection.
			o.metrics.RecordError("store")
			o.logger.Error("confirm attempt", "attempt_id", attemptID, "err", err)
		}
		o.metrics.RecordOutcome(req.RewardType.String(), string(out.Status))
		return out, nil
	}

	out := o.classify(ctx, req.Recipient, issueErr)
	o.finalise(ctx, attemptID, req.RewardType, out)
	return out, nil
}

func (o *Orchestrator) finalise(ctx context.Context, attemptID uuid.UUID, t rewards.RewardType, out Outcome) {
	if err := o.store.MarkFailed(ctx, attemptID, out.Reason); err != nil {
		o.metrics.RecordError("store")
		o.logger.Error("fail attempt", "attempt_id", attemptID, "err", err)
	}
	o.metrics.RecordOutcome(t.String(), string(out.Status))
}

// resolveAmount determines the amount recorded for the attempt. A non-empty
// reason marks input the ledger would reject outright.
func (o *Orchestrator) resolveAmount(ctx context.Context, req SettleRequest) (*big.Int, string) {
	if strings.TrimSpace(req.EventID) == "" {
		return nil, "event id required"
	}
	if !req.RewardType.Valid() {
		return nil, rewards.ErrInvalidRewardType.Error()
	}
	if req.RewardType == rewards.SpecialContribution {
		if req.Amount == nil || req.Amount.Sign() <= 0 {
			return req.Amount, "special contribution amount must be positive"
		}
		return req.Amount, ""
	}
	cfg, err := o.ledger.Config(ctx)
	if err != nil {
		return nil, ""
	}
	amount, err := cfg.AmountFor(req.RewardType)
	if err != nil {
		return nil, err.Error()
	}
	return amount, ""
}

// classify maps a ledger rejection onto the outcome taxonomy: conflicts are
// success observed late, rate limits carry the exact delay, and everything
// unrecognised is a retryable transient failure.
func (o *Orchestrator) classify(ctx context.Context, recipient [20]byte, err error) Outcome {
	now := o.nowFn()
	switch {
	case errors.Is(err, rewards.ErrAlreadyIssued):
		return Outcome{Status: OutcomeAlreadyIssued, Reason: "reward already issued"}
	case errors.Is(err, rewards.ErrCooldownActive):
		out := Outcome{Status: OutcomeRateLimited, Reason: err.Error(), Retryable: true}
		if _, endsAt, cerr := o.ledger.CanReceive(ctx, recipient); cerr == nil && endsAt.After(now) {
			out.RetryAfterSeconds = int64(endsAt.Sub(now).Seconds()) + 1
			out.Reason = fmt.Sprintf("cooldown active until %s", endsAt.UTC().Format(time.RFC3339))
		}
		return out
	case errors.Is(err, rewards.ErrDailyLimitExceeded):
		out := Outcome{Status: OutcomeRateLimited, Reason: err.Error(), Retryable: true}
		if remaining, rerr := o.ledger.RemainingDailyAllowance(ctx, recipient); rerr == nil {
			out.Reason = fmt.Sprintf("daily limit exceeded, remaining allowance %s", remaining.String())
		}
		out.RetryAfterSeconds = int64(nextUTCDay(now).Sub(now).Seconds()) + 1
		return out
	case errors.Is(err, rewards.ErrUnauthorized):
		return Outcome{Status: OutcomeFailed, Reason: err.Error(), Retryable: false}
	case errors.Is(err, rewards.ErrAmountOutOfBounds), errors.Is(err, rewards.ErrInvalidRewardType):
		return Outcome{Status: OutcomeFailed, Reason: err.Error(), Retryable: false}
	case errors.Is(err, rewards.ErrPaused):
		return Outcome{Status: OutcomeFailed, Reason: err.Error(), Retryable: true}
	default:
		return Outcome{Status: OutcomeFailed, Reason: fmt.Sprintf("transient: %v", err), Retryable: true}
	}
}

// SettleAcceptedAnswer settles the answerer and asker rewards for an accepted
// answer. The two legs are operationally independent: each is retryable on
// its own, and only total infrastructure failure of both surfaces as an
// error.
func (o *Orchestrator) SettleAcceptedAnswer(ctx context.Context, ev AnswerAccepted) (AcceptedAnswerResult, error) {
	var result AcceptedAnswerResult

	answerer, errAnswerer := o.Settle(ctx, SettleRequest{
		RewardType: rewards.AcceptedAnswer,
		EventID:    ev.AnswerID,
		Recipient:  ev.Answerer,
	})
	if errAnswerer != nil {
		answerer = infrastructureOutcome(errAnswerer)
	}
	result.Answerer = answerer

	asker, errAsker := o.Settle(ctx, SettleRequest{
		RewardType: rewards.QuestionerBonus,
		EventID:    ev.QuestionID,
		Recipient:  ev.Asker,
	})
	if errAsker != nil {
		asker = infrastructureOutcome(errAsker)
	}
	result.Asker = asker

	if errAnswerer != nil && errAsker != nil {
		return result, errors.Join(errAnswerer, errAsker)
	}
	return result, nil
}

// SettleUpvoteThreshold settles the reward for an answer crossing the vote
// threshold. Duplicate crossings collapse onto the same logical key.
func (o *Orchestrator) SettleUpvoteThreshold(ctx context.Context, ev UpvoteThresholdCrossed) (Outcome, error) {
	return o.Settle(ctx, SettleRequest{
		RewardType: rewards.UpvoteThreshold,
		EventID:    ev.AnswerID,
		Recipient:  ev.Answerer,
	})
}

// SettleSpecialContribution settles an operator-approved discretionary
// reward, keyed by its justification reference.
func (o *Orchestrator) SettleSpecialContribution(ctx context.Context, ev SpecialContributionRequested) (Outcome, error) {
	return o.Settle(ctx, SettleRequest{
		RewardType: rewards.SpecialContribution,
		EventID:    ev.JustificationRef,
		Recipient:  ev.Target,
		Amount:     ev.Amount,
	})
}

// Resubmit replays a recorded attempt through Settle. Safe at any time: the
// idempotency key guarantees no double payment.
func (o *Orchestrator) Resubmit(ctx context.Context, attemptID uuid.UUID) (Outcome, error) {
	attempt, err := o.store.Get(ctx, attemptID)
	if err != nil {
		return Outcome{}, err
	}
	req, err := requestFromAttempt(attempt)
	if err != nil {
		return Outcome{}, err
	}
	return o.Settle(ctx, req)
}

// SettleBatch pushes up to the ledger's batch cap of settlements through one
// IssueBatch call, recording each item's attempt independently.
func (o *Orchestrator) SettleBatch(ctx context.Context, reqs []SettleRequest) ([]Outcome, error) {
	if len(reqs) > rewards.MaxBatchSize {
		return nil, fmt.Errorf("rewardsd: batch of %d exceeds cap of %d", len(reqs), rewards.MaxBatchSize)
	}
	if len(reqs) == 0 {
		return nil, nil
	}

	attemptIDs := make([]uuid.UUID, len(reqs))
	batch := make([]rewards.BatchRequest, len(reqs))
	for i, req := range reqs {
		key := rewards.DeriveKey(req.RewardType, req.EventID)
		amount, _ := o.resolveAmount(ctx, req)
		id, err := o.store.CreatePending(ctx, store.NewAttempt{
			LogicalKey: formatKey(key),
			EventID:    req.EventID,
			RewardType: req.RewardType.String(),
			Recipient:  FormatAddress(req.Recipient),
			Amount:     amountString(amount),
		})
		if err != nil {
			o.metrics.RecordError("store")
			return nil, err
		}
		attemptIDs[i] = id
		batch[i] = rewards.BatchRequest{
			Recipient:  req.Recipient,
			LogicalKey: key,
			RewardType: req.RewardType,
			Amount:     req.Amount,
			EventID:    req.EventID,
		}
	}

	start := o.nowFn()
	results, err := o.ledger.IssueBatch(ctx, o.operator, batch)
	o.metrics.ObserveLedgerCall("issue_batch", o.nowFn().Sub(start))
	if err != nil {
		// The whole batch was rejected before any item ran.
		out := o.classify(ctx, [20]byte{}, err)
		outcomes := make([]Outcome, len(reqs))
		for i := range reqs {
			o.finalise(ctx, attemptIDs[i], reqs[i].RewardType, out)
			outcomes[i] = out
		}
		return outcomes, nil
	}

	outcomes := make([]Outcome, len(results))
	for i, res := range results {
		switch res.Status {
		case rewards.BatchOK:
			outcomes[i] = Outcome{Status: OutcomeIssued, SettlementRef: res.Ref, Amount: res.Amount}
			if err := o.store.MarkConfirmed(ctx, attemptIDs[i], res.Ref); err != nil {
				o.metrics.RecordError("store")
				o.logger.Error("confirm batch attempt", "attempt_id", attemptIDs[i], "err", err)
			}
			o.metrics.RecordOutcome(reqs[i].RewardType.String(), string(OutcomeIssued))
		case rewards.BatchSkipped:
			outcomes[i] = Outcome{Status: OutcomeAlreadyIssued, Reason: "reward already issued"}
			o.finalise(ctx, attemptIDs[i], reqs[i].RewardType, outcomes[i])
		default:
			outcomes[i] = o.classify(ctx, reqs[i].Recipient, res.Err)
			o.finalise(ctx, attemptIDs[i], reqs[i].RewardType, outcomes[i])
		}
	}
	return outcomes, nil
}

// Unsettled lists failed and stuck attempts, annotated with whether the
// ledger actually holds their key (drift detection for crashes mid-call).
func (o *Orchestrator) Unsettled(ctx context.Context, filter store.UnsettledFilter) ([]UnsettledAttempt, error) {
	attempts, err := o.store.ListUnsettled(ctx, filter)
	if err != nil {
		return nil, err
	}
	annotated := make([]UnsettledAttempt, 0, len(attempts))
	for _, attempt := range attempts {
		entry := UnsettledAttempt{RewardAttempt: attempt}
		if key, kerr := parseKey(attempt.LogicalKey); kerr == nil {
			if issued, ierr := o.ledger.IsIssued(ctx, key); ierr == nil {
				entry.LedgerIssued = issued
			}
		}
		annotated = append(annotated, entry)
	}
	return annotated, nil
}

// Admin passthroughs. The admin surface never talks to the ledger directly.

func (o *Orchestrator) LedgerConfig(ctx context.Context) (*rewards.Config, error) {
	return o.ledger.Config(ctx)
}

func (o *Orchestrator) UpdateLedgerConfig(ctx context.Context, cfg *rewards.Config) error {
	return o.ledger.SetConfig(ctx, o.admin, cfg)
}

func (o *Orchestrator) Pause(ctx context.Context) error {
	if err := o.ledger.Pause(ctx, o.admin); err != nil {
		return err
	}
	o.metrics.SetPaused(true)
	return nil
}

func (o *Orchestrator) Unpause(ctx context.Context) error {
	if err := o.ledger.Unpause(ctx, o.admin); err != nil {
		return err
	}
	o.metrics.SetPaused(false)
	return nil
}

func (o *Orchestrator) GrantRole(ctx context.Context, role string, addr [20]byte) error {
	return o.ledger.GrantRole(ctx, o.admin, role, addr)
}

func (o *Orchestrator) RevokeRole(ctx context.Context, role string, addr [20]byte) error {
	return o.ledger.RevokeRole(ctx, o.admin, role, addr)
}

func (o *Orchestrator) Paused(ctx context.Context) (bool, error) {
	return o.ledger.Paused(ctx)
}

func (o *Orchestrator) Totals(ctx context.Context) (*rewards.Totals, error) {
	return o.ledger.Totals(ctx)
}

func (o *Orchestrator) Balance(ctx context.Context, addr [20]byte) (*big.Int, error) {
	return o.ledger.BalanceOf(ctx, addr)
}

func infrastructureOutcome(err error) Outcome {
	return Outcome{Status: OutcomeFailed, Reason: fmt.Sprintf("transient: %v", err), Retryable: true}
}

func requestFromAttempt(attempt *store.RewardAttempt) (SettleRequest, error) {
	rewardType, err := rewards.ParseRewardType(attempt.RewardType)
	if err != nil {
		return SettleRequest{}, err
	}
	recipient, err := ParseAddress(attempt.Recipient)
	if err != nil {
		return SettleRequest{}, err
	}
	req := SettleRequest{
		RewardType: rewardType,
		EventID:    attempt.EventID,
		Recipient:  recipient,
	}
	if rewardType == rewards.SpecialContribution {
		req.Amount = parseAmount(attempt.Amount)
	}
	return req, nil
}

func formatKey(key [32]byte) string {
	return fmt.Sprintf("0x%x", key)
}

func parseKey(raw string) ([32]byte, error) {
	var key [32]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return key, fmt.Errorf("rewardsd: invalid logical key %q", raw)
	}
	if len(decoded) != len(key) {
		return key, fmt.Errorf("rewardsd: invalid logical key length %d", len(decoded))
	}
	copy(key[:], decoded)
	return key, nil
}

func amountString(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}

func parseAmount(raw string) *big.Int {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil
	}
	return amount
}

func nextUTCDay(now time.Time) time.Time {
	utc := now.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
