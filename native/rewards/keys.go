package rewards

import (
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const keyDomain = "karmachain/rewards/v1"

var (
	configKey       = []byte("rewards/config")
	totalsKey       = []byte("rewards/totals")
	recipientPrefix = []byte("rewards/recipient/")
	issuedPrefix    = []byte("rewards/issued/")
	balancePrefix   = []byte("rewards/balance/")
)

// DeriveKey computes the logical reward key for a domain event. The same
// (type, event) pair always maps to the same key, which is the idempotency
// token checked before any payout.
func DeriveKey(t RewardType, eventID string) [32]byte {
	preimage := fmt.Sprintf("%s|%s|%s", keyDomain, t.String(), strings.TrimSpace(eventID))
	var key [32]byte
	copy(key[:], ethcrypto.Keccak256([]byte(preimage)))
	return key
}

func recipientKey(addr [20]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", recipientPrefix, addr))
}

func issuedKey(key [32]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", issuedPrefix, key))
}

func balanceKey(addr [20]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", balancePrefix, addr))
}
