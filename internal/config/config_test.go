package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultCurrency, cfg.Currency)
	assert.Equal(t, DefaultSettleLease, cfg.SettleLease)
	assert.Equal(t, DefaultReconcileCron, cfg.ReconcileCron)
	assert.Equal(t, DefaultTTL, cfg.DefaultTTL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("CURRENCY", "USD")
	t.Setenv("SETTLE_LEASE", "90s")
	t.Setenv("ADMIN_WALLETS", " 0xAbc , ,0xdef")
	t.Setenv("AUTO_MIGRATE", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "usd", cfg.Currency)
	assert.Equal(t, 90*time.Second, cfg.SettleLease)
	assert.Equal(t, []string{"0xAbc", "0xdef"}, cfg.AdminWallets)
	assert.False(t, cfg.AutoMigrate)
}

func TestLoad_YAMLFileBelowEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "7000"
currency: gbp
sweep_interval: 10s
reconcile_cron: "*/2 * * * *"
admin_wallets: ["0xfile"]
`), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "7001")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "7001", cfg.Port, "env beats file")
	assert.Equal(t, "gbp", cfg.Currency)
	assert.Equal(t, 10*time.Second, cfg.SweepInterval)
	assert.Equal(t, "*/2 * * * *", cfg.ReconcileCron)
	assert.Equal(t, []string{"0xfile"}, cfg.AdminWallets)
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: [unterminated"), 0o600))
	t.Setenv("CONFIG_FILE", path)

	_, err := Load()
	assert.ErrorContains(t, err, "parse config file")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults valid", mutate: func(c *Config) {}},
		{name: "bad currency", mutate: func(c *Config) { c.Currency = "euro" }, wantErr: "CURRENCY"},
		{name: "zero lease", mutate: func(c *Config) { c.SettleLease = 0 }, wantErr: "SETTLE_LEASE"},
		{name: "zero sweep", mutate: func(c *Config) { c.SweepInterval = 0 }, wantErr: "SWEEP_INTERVAL"},
		{name: "missing cron", mutate: func(c *Config) { c.ReconcileCron = "" }, wantErr: "RECONCILE_CRON"},
		{
			name:    "production needs webhook secret",
			mutate:  func(c *Config) { c.Env = "production"; c.AdminWallets = []string{"0xa"} },
			wantErr: "STRIPE_WEBHOOK_SECRET",
		},
		{
			name:    "production needs admins",
			mutate:  func(c *Config) { c.Env = "production"; c.StripeWebhookSecret = "whsec" },
			wantErr: "ADMIN_WALLETS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_INVALID", "not_a_number")
	t.Setenv("TEST_DUR", "3m")

	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99))
	assert.Equal(t, 3*time.Minute, getEnvDuration("TEST_DUR", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("TEST_INVALID", time.Second))
	assert.True(t, getEnvBool("TEST_INVALID", true))
}

type fakeSSM struct {
	out   *ssm.GetParameterOutput
	err   error
	calls int
	in    *ssm.GetParameterInput
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.calls++
	f.in = in
	return f.out, f.err
}

func strPtr(s string) *string { return &s }

func TestResolveSecrets(t *testing.T) {
	t.Run("direct key wins", func(t *testing.T) {
		api := &fakeSSM{}
		cfg := &Config{StripeSecretKey: "sk_test_direct", StripeSecretParam: "/ror/stripe"}
		require.NoError(t, cfg.ResolveSecrets(context.Background(), api))
		assert.Equal(t, 0, api.calls)
		assert.False(t, cfg.NeedsSSM())
	})

	t.Run("resolved from parameter", func(t *testing.T) {
		api := &fakeSSM{out: &ssm.GetParameterOutput{Parameter: &types.Parameter{Value: strPtr(" sk_test_ssm\n")}}}
		cfg := &Config{StripeSecretParam: "/ror/stripe"}
		require.True(t, cfg.NeedsSSM())
		require.NoError(t, cfg.ResolveSecrets(context.Background(), api))
		assert.Equal(t, "sk_test_ssm", cfg.StripeSecretKey)
		require.NotNil(t, api.in.WithDecryption)
		assert.True(t, *api.in.WithDecryption)
	})

	t.Run("missing value", func(t *testing.T) {
		api := &fakeSSM{out: &ssm.GetParameterOutput{Parameter: &types.Parameter{}}}
		cfg := &Config{StripeSecretParam: "/ror/stripe"}
		assert.ErrorContains(t, cfg.ResolveSecrets(context.Background(), api), "missing value")
	})

	t.Run("api error", func(t *testing.T) {
		api := &fakeSSM{err: errors.New("boom")}
		cfg := &Config{StripeSecretParam: "/ror/stripe"}
		assert.ErrorContains(t, cfg.ResolveSecrets(context.Background(), api), "boom")
	})

	t.Run("nil client", func(t *testing.T) {
		cfg := &Config{StripeSecretParam: "/ror/stripe"}
		assert.Error(t, cfg.ResolveSecrets(context.Background(), nil))
	})
}
