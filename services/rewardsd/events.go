package rewardsd

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AnswerAccepted is emitted by the Q&A layer when an answer is marked as
// accepted. It settles two operationally independent rewards: one for the
// answerer, one for the asker.
type AnswerAccepted struct {
	AnswerID   string
	Answerer   [20]byte
	QuestionID string
	Asker      [20]byte
}

// UpvoteThresholdCrossed is emitted once per crossing of the configured vote
// count. Ledger idempotency absorbs duplicate deliveries.
type UpvoteThresholdCrossed struct {
	AnswerID string
	Answerer [20]byte
}

// SpecialContributionRequested carries an operator-approved discretionary
// reward.
type SpecialContributionRequested struct {
	Target           [20]byte
	Amount           *big.Int
	JustificationRef string
}

// ParseAddress decodes a 0x-prefixed hex address from an inbound payload.
func ParseAddress(raw string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return addr, fmt.Errorf("rewardsd: invalid address %q", raw)
	}
	addr = common.HexToAddress(trimmed)
	return addr, nil
}

// FormatAddress renders an address the way inbound payloads carry it.
func FormatAddress(addr [20]byte) string {
	return common.Address(addr).Hex()
}
