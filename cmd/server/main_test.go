package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gencoord/internal/config"
	"github.com/kiranshivaraju/gencoord/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ─── helpers ────────────────────────────────────────────────────────────────

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DATABASE_URL", "REDIS_URL", "PUBLIC_BASE_URL", "DEFAULT_PROVIDER",
		"REPLICATE_API_TOKEN", "FAL_KEY",
	} {
		t.Setenv(key, "")
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// ─── command tree ───────────────────────────────────────────────────────────

func TestRootCmd_Subcommands(t *testing.T) {
	cmd := rootCmd()
	for _, name := range []string{"serve", "migrate", "reconcile", "apikey", "credits"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, sub.Name())
	}

	f := cmd.PersistentFlags().Lookup("migrations")
	require.NotNil(t, f)
	assert.Equal(t, defaultMigrationsDir, f.DefValue)
}

func TestMigrateCmd_RequiresDatabaseURL(t *testing.T) {
	clearConfigEnv(t)

	for _, sub := range []string{"up", "down", "version"} {
		_, err := execute(t, "migrate", sub)
		require.Error(t, err, sub)
		assert.Contains(t, err.Error(), "DATABASE_URL is required")
	}
}

func TestApikeyCreate_RejectsBadUser(t *testing.T) {
	clearConfigEnv(t)

	_, err := execute(t, "apikey", "create", "--user", "not-a-uuid")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "valid UUID")
}

func TestCreditsTopup_Validation(t *testing.T) {
	clearConfigEnv(t)

	_, err := execute(t, "credits", "topup", "--amount", "10")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--user is required")

	_, err = execute(t, "credits", "topup", "--user", "6f1c1f39-55a4-4c57-a1cb-22b3d4f1b1a1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--amount must be positive")

	_, err = execute(t, "credits", "topup", "--user", "6f1c1f39-55a4-4c57-a1cb-22b3d4f1b1a1", "--amount", "10")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestReconcileCmd_FailsOnMissingConfig(t *testing.T) {
	clearConfigEnv(t)

	_, err := execute(t, "reconcile", "--once")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestParseUser(t *testing.T) {
	id, err := parseUser("", true)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)

	_, err = parseUser("  ", false)
	assert.Error(t, err)

	id, err = parseUser(" 6f1c1f39-55a4-4c57-a1cb-22b3d4f1b1a1 ", false)
	require.NoError(t, err)
	assert.Equal(t, "6f1c1f39-55a4-4c57-a1cb-22b3d4f1b1a1", id.String())
}

// ─── run() config validation tests ──────────────────────────────────────────

func TestRun_FailsOnMissingConfig(t *testing.T) {
	clearConfigEnv(t)

	err := run(defaultMigrationsDir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestRun_FailsOnInvalidDatabaseURL(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("DATABASE_URL", "not-a-valid-url")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("REPLICATE_API_TOKEN", "r8_test")

	err := run(defaultMigrationsDir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect database")
}

// ─── providers ──────────────────────────────────────────────────────────────

func TestBuildProviders(t *testing.T) {
	reg, err := buildProviders(config.ProvidersConfig{
		Default:   "fal",
		Timeout:   time.Second,
		Replicate: config.ReplicateConfig{APIToken: "r8_test", BaseURL: "http://replicate.invalid"},
		Fal:       config.FalConfig{APIKey: "fal_test", BaseURL: "http://fal.invalid"},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"replicate", "fal"}, reg.Names())
}

func TestBuildProviders_DefaultWithoutCredentials(t *testing.T) {
	_, err := buildProviders(config.ProvidersConfig{
		Default:   "fal",
		Timeout:   time.Second,
		Replicate: config.ReplicateConfig{APIToken: "r8_test"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrUnknownProvider)
}

// ─── shutdown timeout constant test ─────────────────────────────────────────

func TestShutdownTimeout(t *testing.T) {
	assert.Equal(t, 30*time.Second, shutdownTimeout)
}
