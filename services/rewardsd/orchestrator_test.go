package rewardsd

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"karmachain/native/rewards"
	"karmachain/services/rewardsd/store"
	"karmachain/state"
	"karmachain/storage"
)

var (
	testAdmin    = [20]byte{0xaa}
	testOperator = [20]byte{0xbb}
	alice        = [20]byte{0x01}
	bob          = [20]byte{0x02}
)

type fixture struct {
	orch   *Orchestrator
	engine *rewards.Engine
	store  *store.Store
	now    time.Time
}

func (f *fixture) clock() time.Time { return f.now }

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	manager := state.NewManager(storage.NewMemDB())
	require.NoError(t, manager.SetRole(rewards.RoleAdmin, testAdmin[:]))
	require.NoError(t, manager.SetRole(rewards.RoleRewarder, testOperator[:]))

	engine := rewards.NewEngine(manager)
	engine.SetPauses(manager)

	recordStore, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = recordStore.Close() })

	orch, err := NewOrchestrator(OrchestratorConfig{
		Ledger:         NewEngineLedger(engine),
		Store:          recordStore,
		Operator:       testOperator,
		Admin:          testAdmin,
		StalenessBound: 5 * time.Minute,
	})
	require.NoError(t, err)

	f := &fixture{
		orch:   orch,
		engine: engine,
		store:  recordStore,
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	engine.SetNowFunc(f.clock)
	orch.SetNowFunc(f.clock)
	recordStore.SetNowFunc(f.clock)
	return f
}

func TestSettleIssuesAndConfirms(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	out, err := f.orch.Settle(ctx, SettleRequest{
		RewardType: rewards.AcceptedAnswer,
		EventID:    "answer-1",
		Recipient:  alice,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeIssued, out.Status)
	require.NotEmpty(t, out.SettlementRef)
	require.Equal(t, 0, out.Amount.Cmp(big.NewInt(50)))

	key := rewards.DeriveKey(rewards.AcceptedAnswer, "answer-1")
	confirmed, err := f.store.FindConfirmed(ctx, formatKey(key))
	require.NoError(t, err)
	require.NotNil(t, confirmed)
	require.Equal(t, out.SettlementRef, confirmed.SettlementRef)
	require.Equal(t, "answer-1", confirmed.EventID)
}

func TestSettleDuplicateUsesFastPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	req := SettleRequest{RewardType: rewards.AcceptedAnswer, EventID: "answer-1", Recipient: alice}
	first, err := f.orch.Settle(ctx, req)
	require.NoError(t, err)
	require.Equal(t, OutcomeIssued, first.Status)

	second, err := f.orch.Settle(ctx, req)
	require.NoError(t, err)
	require.Equal(t, OutcomeAlreadyIssued, second.Status)
	require.Equal(t, first.SettlementRef, second.SettlementRef)

	// The fast path answers from the record store without a new attempt row.
	unsettled, err := f.orch.Unsettled(ctx, store.UnsettledFilter{})
	require.NoError(t, err)
	require.Empty(t, unsettled)
}

func TestSettleStaleConfirmationReverifies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	req := SettleRequest{RewardType: rewards.AcceptedAnswer, EventID: "answer-1", Recipient: alice}
	first, err := f.orch.Settle(ctx, req)
	require.NoError(t, err)
	require.Equal(t, OutcomeIssued, first.Status)

	// Past the staleness bound the ledger is consulted; the key is still
	// issued, so the answer is unchanged.
	f.advance(time.Hour)
	out, err := f.orch.Settle(ctx, req)
	require.NoError(t, err)
	require.Equal(t, OutcomeAlreadyIssued, out.Status)
}

func TestSettleRecoversFromPhantomConfirmation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// A confirmed row without a matching ledger entry models a crash between
	// the confirmation write and a ledger rollback.
	key := rewards.DeriveKey(rewards.AcceptedAnswer, "answer-1")
	id, err := f.store.CreatePending(ctx, store.NewAttempt{
		LogicalKey: formatKey(key),
		EventID:    "answer-1",
		RewardType: rewards.AcceptedAnswer.String(),
		Recipient:  FormatAddress(alice),
		Amount:     "50",
	})
	require.NoError(t, err)
	require.NoError(t, f.store.MarkConfirmed(ctx, id, "0xphantom"))

	f.advance(time.Hour)
	out, err := f.orch.Settle(ctx, SettleRequest{
		RewardType: rewards.AcceptedAnswer,
		EventID:    "answer-1",
		Recipient:  alice,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeIssued, out.Status)
	require.NotEqual(t, "0xphantom", out.SettlementRef)
}

func TestSettleCooldownOutcome(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.orch.Settle(ctx, SettleRequest{
		RewardType: rewards.AcceptedAnswer, EventID: "answer-1", Recipient: alice,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeIssued, first.Status)

	f.advance(30 * time.Second)
	out, err := f.orch.Settle(ctx, SettleRequest{
		RewardType: rewards.UpvoteThreshold, EventID: "answer-2", Recipient: alice,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeRateLimited, out.Status)
	require.True(t, out.Retryable)
	require.Equal(t, int64(271), out.RetryAfterSeconds)
	require.Contains(t, out.Reason, "cooldown")

	// The rejection leaves a resubmittable failed attempt behind.
	unsettled, err := f.orch.Unsettled(ctx, store.UnsettledFilter{})
	require.NoError(t, err)
	require.Len(t, unsettled, 1)
	require.Equal(t, store.StatusFailed, unsettled[0].Status)
	require.False(t, unsettled[0].LedgerIssued)
}

func TestSettleDailyLimitOutcome(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for i, event := range []string{"answer-1", "answer-2"} {
		out, err := f.orch.Settle(ctx, SettleRequest{
			RewardType: rewards.AcceptedAnswer, EventID: event, Recipient: alice,
		})
		require.NoError(t, err)
		require.Equal(t, OutcomeIssued, out.Status, "issue %d", i)
		f.advance(301 * time.Second)
	}

	out, err := f.orch.Settle(ctx, SettleRequest{
		RewardType: rewards.UpvoteThreshold, EventID: "answer-3", Recipient: alice,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeRateLimited, out.Status)
	require.True(t, out.Retryable)
	require.Contains(t, out.Reason, "daily limit")
	// Retry guidance points at the next UTC day boundary.
	require.Greater(t, out.RetryAfterSeconds, int64(0))
	require.LessOrEqual(t, out.RetryAfterSeconds, int64(24*60*60))
}

func TestSettleWhilePaused(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.orch.Pause(ctx))

	out, err := f.orch.Settle(ctx, SettleRequest{
		RewardType: rewards.AcceptedAnswer, EventID: "answer-1", Recipient: alice,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, out.Status)
	require.True(t, out.Retryable)

	require.NoError(t, f.orch.Unpause(ctx))
	out, err = f.orch.Settle(ctx, SettleRequest{
		RewardType: rewards.AcceptedAnswer, EventID: "answer-1", Recipient: alice,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeIssued, out.Status)
}

func TestSettleInvalidInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	out, err := f.orch.Settle(ctx, SettleRequest{
		RewardType: rewards.AcceptedAnswer, EventID: "   ", Recipient: alice,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, out.Status)
	require.False(t, out.Retryable)

	out, err = f.orch.Settle(ctx, SettleRequest{
		RewardType: rewards.SpecialContribution, EventID: "grant-1", Recipient: alice,
		Amount: big.NewInt(-5),
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, out.Status)
	require.False(t, out.Retryable)
}

func TestSettleAcceptedAnswerLegsAreIndependent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// The asker's bonus for this question was already settled.
	prior, err := f.orch.Settle(ctx, SettleRequest{
		RewardType: rewards.QuestionerBonus, EventID: "question-1", Recipient: bob,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeIssued, prior.Status)

	result, err := f.orch.SettleAcceptedAnswer(ctx, AnswerAccepted{
		AnswerID:   "answer-1",
		Answerer:   alice,
		QuestionID: "question-1",
		Asker:      bob,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeIssued, result.Answerer.Status)
	require.Equal(t, OutcomeAlreadyIssued, result.Asker.Status)
}

func TestSettleSpecialContribution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	out, err := f.orch.SettleSpecialContribution(ctx, SpecialContributionRequested{
		Target:           alice,
		Amount:           big.NewInt(75),
		JustificationRef: "forum-post-99",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeIssued, out.Status)
	require.Equal(t, 0, out.Amount.Cmp(big.NewInt(75)))

	// Amounts outside the configured band are rejected without retry.
	f.advance(301 * time.Second)
	out, err = f.orch.SettleSpecialContribution(ctx, SpecialContributionRequested{
		Target:           bob,
		Amount:           big.NewInt(5000),
		JustificationRef: "forum-post-100",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, out.Status)
	require.False(t, out.Retryable)
}

func TestResubmitAfterCooldown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.orch.Settle(ctx, SettleRequest{
		RewardType: rewards.AcceptedAnswer, EventID: "answer-1", Recipient: alice,
	})
	require.NoError(t, err)

	out, err := f.orch.Settle(ctx, SettleRequest{
		RewardType: rewards.UpvoteThreshold, EventID: "answer-2", Recipient: alice,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeRateLimited, out.Status)

	unsettled, err := f.orch.Unsettled(ctx, store.UnsettledFilter{})
	require.NoError(t, err)
	require.Len(t, unsettled, 1)

	f.advance(301 * time.Second)
	resubmitted, err := f.orch.Resubmit(ctx, unsettled[0].ID)
	require.NoError(t, err)
	require.Equal(t, OutcomeIssued, resubmitted.Status)

	// The recovered key now has a confirmed sibling, so nothing is unsettled.
	unsettled, err = f.orch.Unsettled(ctx, store.UnsettledFilter{})
	require.NoError(t, err)
	require.Empty(t, unsettled)
}

func TestSettleBatchMixedOutcomes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Seed a duplicate for the second item.
	_, err := f.orch.Settle(ctx, SettleRequest{
		RewardType: rewards.AcceptedAnswer, EventID: "dup", Recipient: alice,
	})
	require.NoError(t, err)
	f.advance(301 * time.Second)

	outcomes, err := f.orch.SettleBatch(ctx, []SettleRequest{
		{RewardType: rewards.AcceptedAnswer, EventID: "fresh", Recipient: bob},
		{RewardType: rewards.AcceptedAnswer, EventID: "dup", Recipient: alice},
		{RewardType: rewards.UpvoteThreshold, EventID: "cooled", Recipient: bob},
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 3)

	require.Equal(t, OutcomeIssued, outcomes[0].Status)
	require.Equal(t, OutcomeAlreadyIssued, outcomes[1].Status)
	// The third item hits bob's cooldown from the first item.
	require.Equal(t, OutcomeRateLimited, outcomes[2].Status)
	require.True(t, outcomes[2].Retryable)
}

func TestSettleBatchClassifiesTypedFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	outcomes, err := f.orch.SettleBatch(ctx, []SettleRequest{
		{RewardType: rewards.RewardType(99), EventID: "weird", Recipient: alice},
		{RewardType: rewards.SpecialContribution, EventID: "grant-1", Recipient: bob, Amount: big.NewInt(75)},
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	// An unknown reward type is a permanent rejection, not a transient one.
	require.Equal(t, OutcomeFailed, outcomes[0].Status)
	require.False(t, outcomes[0].Retryable)

	// Special items need admin authority the batch operator does not hold.
	require.Equal(t, OutcomeFailed, outcomes[1].Status)
	require.False(t, outcomes[1].Retryable)
	require.Contains(t, outcomes[1].Reason, "unauthorized")
}

func TestSettleBatchCap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	reqs := make([]SettleRequest, rewards.MaxBatchSize+1)
	for i := range reqs {
		reqs[i] = SettleRequest{RewardType: rewards.AcceptedAnswer, EventID: "e", Recipient: alice}
	}
	_, err := f.orch.SettleBatch(ctx, reqs)
	require.Error(t, err)
}

func TestUnsettledAnnotatesLedgerDrift(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Issue on the ledger, then record a failed attempt for the same key as
	// if the confirmation write had been lost.
	out, err := f.orch.Settle(ctx, SettleRequest{
		RewardType: rewards.AcceptedAnswer, EventID: "answer-1", Recipient: alice,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeIssued, out.Status)

	key := rewards.DeriveKey(rewards.AcceptedAnswer, "answer-1")
	id, err := f.store.CreatePending(ctx, store.NewAttempt{
		LogicalKey: formatKey(key),
		EventID:    "answer-1",
		RewardType: rewards.AcceptedAnswer.String(),
		Recipient:  FormatAddress(alice),
		Amount:     "50",
	})
	require.NoError(t, err)
	require.NoError(t, f.store.MarkFailed(ctx, id, "connection reset"))

	// The key has a confirmed sibling, so the failed row is filtered out
	// unless the sibling is removed. Use a key with no confirmed row instead.
	orphanKey := rewards.DeriveKey(rewards.UpvoteThreshold, "answer-9")
	f.advance(301 * time.Second)
	receipt, err := f.engine.Issue(testOperator, alice, orphanKey, rewards.UpvoteThreshold, "answer-9")
	require.NoError(t, err)
	require.NotNil(t, receipt)

	orphanID, err := f.store.CreatePending(ctx, store.NewAttempt{
		LogicalKey: formatKey(orphanKey),
		EventID:    "answer-9",
		RewardType: rewards.UpvoteThreshold.String(),
		Recipient:  FormatAddress(alice),
		Amount:     "5",
	})
	require.NoError(t, err)
	require.NoError(t, f.store.MarkFailed(ctx, orphanID, "connection reset"))

	unsettled, err := f.orch.Unsettled(ctx, store.UnsettledFilter{})
	require.NoError(t, err)
	require.Len(t, unsettled, 1)
	require.Equal(t, orphanID, unsettled[0].ID)
	require.True(t, unsettled[0].LedgerIssued)
}
