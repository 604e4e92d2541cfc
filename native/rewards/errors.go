package rewards

import "errors"

var (
	// ErrPaused is returned for every mutating call while the ledger is halted.
	ErrPaused = errors.New("rewards: paused")
	// ErrUnauthorized marks callers missing the role an operation requires.
	ErrUnauthorized = errors.New("rewards: unauthorized")
	// ErrAlreadyIssued marks issuance attempts for a logical key that has
	// already been paid out. It is terminal: the reward exists.
	ErrAlreadyIssued = errors.New("rewards: reward already issued")
	// ErrCooldownActive marks issuance attempts inside the recipient's
	// cooldown window.
	ErrCooldownActive = errors.New("rewards: cooldown active")
	// ErrDailyLimitExceeded marks issuance attempts that would push the
	// recipient past the daily cap.
	ErrDailyLimitExceeded = errors.New("rewards: daily limit exceeded")
	// ErrAmountOutOfBounds marks special contribution amounts outside the
	// configured band.
	ErrAmountOutOfBounds = errors.New("rewards: amount out of bounds")
	// ErrInvalidRewardType marks unknown or inapplicable reward types.
	ErrInvalidRewardType = errors.New("rewards: invalid reward type")
	// ErrInvalidConfig marks configuration writes that fail validation.
	ErrInvalidConfig = errors.New("rewards: invalid config")
	// ErrUnknownRole marks grant or revoke calls for roles the ledger does
	// not define.
	ErrUnknownRole = errors.New("rewards: unknown role")
	// ErrBatchTooLarge marks batches above the hard item cap.
	ErrBatchTooLarge = errors.New("rewards: batch too large")
)
