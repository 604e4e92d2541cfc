package events

import "math/big"

const (
	// TypeRewardIssued is emitted when the ledger credits a reward.
	TypeRewardIssued = "rewards.issued"
	// TypeRewardSkipped is emitted when an issuance request is rejected
	// without side effects.
	TypeRewardSkipped = "rewards.skipped"
	// TypeRewardConfigUpdated is emitted when an admin mutates the reward
	// configuration.
	TypeRewardConfigUpdated = "rewards.config.updated"
	// TypeRewardPaused is emitted when issuance is halted.
	TypeRewardPaused = "rewards.paused"
	// TypeRewardResumed is emitted when issuance resumes.
	TypeRewardResumed = "rewards.resumed"
	// TypeRewardRoleGranted is emitted when an address gains a ledger role.
	TypeRewardRoleGranted = "rewards.role.granted"
	// TypeRewardRoleRevoked is emitted when an address loses a ledger role.
	TypeRewardRoleRevoked = "rewards.role.revoked"
)

// RewardIssued captures a successful issuance.
type RewardIssued struct {
	LogicalKey    [32]byte
	Recipient     [20]byte
	RewardType    string
	Amount        *big.Int
	SettlementRef string
	Day           string
}

// EventType implements the events.Event interface.
func (RewardIssued) EventType() string { return TypeRewardIssued }

// RewardSkipped captures a rejected issuance attempt together with the
// rejection reason.
type RewardSkipped struct {
	LogicalKey [32]byte
	Recipient  [20]byte
	RewardType string
	Reason     string
}

// EventType implements the events.Event interface.
func (RewardSkipped) EventType() string { return TypeRewardSkipped }

// RewardConfigUpdated reports the new configuration after an admin write.
type RewardConfigUpdated struct {
	Caller [20]byte
}

// EventType implements the events.Event interface.
func (RewardConfigUpdated) EventType() string { return TypeRewardConfigUpdated }

// RewardPaused reports an emergency pause.
type RewardPaused struct {
	Caller [20]byte
}

// EventType implements the events.Event interface.
func (RewardPaused) EventType() string { return TypeRewardPaused }

// RewardResumed reports that issuance was re-enabled.
type RewardResumed struct {
	Caller [20]byte
}

// EventType implements the events.Event interface.
func (RewardResumed) EventType() string { return TypeRewardResumed }

// RewardRoleGranted reports a role grant.
type RewardRoleGranted struct {
	Role    string
	Address [20]byte
}

// EventType implements the events.Event interface.
func (RewardRoleGranted) EventType() string { return TypeRewardRoleGranted }

// RewardRoleRevoked reports a role revocation.
type RewardRoleRevoked struct {
	Role    string
	Address [20]byte
}

// EventType implements the events.Event interface.
func (RewardRoleRevoked) EventType() string { return TypeRewardRoleRevoked }
