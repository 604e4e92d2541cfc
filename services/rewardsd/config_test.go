package rewardsd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
listen: ":8080"
database_url: "rewards.db"
ledger_path: "/var/lib/rewardsd/ledger"
operator_address: "0x1111111111111111111111111111111111111111"
admin_address: "0x2222222222222222222222222222222222222222"
staleness_bound: "2m"
unsettled_pending_age: "30m"
admin:
  bearer_token: "secret"
rate_limit:
  requests_per_minute: 120
  burst: 20
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.ListenAddress)
	require.Equal(t, 2*time.Minute, cfg.StalenessBound.Duration)
	require.Equal(t, 30*time.Minute, cfg.UnsettledPendingAge.Duration)
	require.Equal(t, "secret", cfg.Admin.BearerToken)
	require.Equal(t, float64(120), cfg.RateLimit.RequestsPerMinute)
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
database_url: "rewards.db"
operator_address: "0x1111111111111111111111111111111111111111"
admin_address: "0x2222222222222222222222222222222222222222"
admin:
  bearer_token: "secret"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":7090", cfg.ListenAddress)
	require.Equal(t, 5*time.Minute, cfg.StalenessBound.Duration)
	require.Equal(t, 10*time.Minute, cfg.UnsettledPendingAge.Duration)
	require.Equal(t, 10, cfg.RateLimit.Burst)
}

func TestLoadConfigBearerTokenFile(t *testing.T) {
	tokenPath := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(tokenPath, []byte("file-secret\n"), 0o600))

	path := writeConfig(t, `
database_url: "rewards.db"
operator_address: "0x1111111111111111111111111111111111111111"
admin_address: "0x2222222222222222222222222222222222222222"
admin:
  bearer_token_file: "`+tokenPath+`"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "file-secret", cfg.Admin.BearerToken)
}

func TestLoadConfigRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"missing database": `
operator_address: "0x1111111111111111111111111111111111111111"
admin_address: "0x2222222222222222222222222222222222222222"
admin:
  bearer_token: "secret"
`,
		"bad operator address": `
database_url: "rewards.db"
operator_address: "nope"
admin_address: "0x2222222222222222222222222222222222222222"
admin:
  bearer_token: "secret"
`,
		"no auth mechanism": `
database_url: "rewards.db"
operator_address: "0x1111111111111111111111111111111111111111"
admin_address: "0x2222222222222222222222222222222222222222"
`,
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, contents))
			require.Error(t, err)
		})
	}
}
