package config_test

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veiloq/savekit/config"
)

func TestParseArgs(t *testing.T) {
	f, err := config.ParseArgs([]string{"--reuse-db", "--django-settings", "ci.yaml", "--skip_trans", "--verbosity=2", "--unknown"})
	require.NoError(t, err)
	assert.True(t, f.ReuseDB)
	assert.True(t, f.SkipTrans)
	assert.False(t, f.CreateDB)
	assert.Equal(t, "ci.yaml", f.Settings)
	assert.Equal(t, 2, f.Verbosity)

	base := config.DefaultConfig()
	_, cfg := config.ApplyOptions(&base, f.Options()...)
	assert.True(t, cfg.ReuseDB)
	assert.True(t, cfg.SkipTransactional)
	assert.Equal(t, 2, cfg.Verbosity)
}

func TestSettingsPath(t *testing.T) {
	t.Setenv(config.SettingsEnv, "from-env.yaml")

	f, err := config.ParseArgs(nil)
	require.NoError(t, err)
	assert.Equal(t, "from-env.yaml", f.SettingsPath())

	f, err = config.ParseArgs([]string{"--settings=from-flag.yaml"})
	require.NoError(t, err)
	assert.Equal(t, "from-flag.yaml", f.SettingsPath(), "the flag wins over the environment")
}

func TestBindFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	f := config.BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"--create-db", "--migrate", "--keep-db"}))
	assert.True(t, f.CreateDB)
	assert.True(t, f.Migrate)
	assert.True(t, f.KeepDB)

	base := config.DefaultConfig()
	base.Verbosity = 1
	_, cfg := config.ApplyOptions(&base, f.Options()...)
	assert.True(t, cfg.CreateDB)
	assert.True(t, cfg.KeepDatabase)
	assert.Equal(t, 1, cfg.Verbosity, "an unset verbosity flag keeps the configured value")
}
