package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, AuthNone, cfg.Auth)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, PairingStrict, cfg.Pairing)
	assert.Equal(t, 300*time.Second, cfg.ReadyTimeout)
	assert.Equal(t, 20*time.Minute, cfg.TokenTTL)
	assert.Equal(t, 5*time.Minute, cfg.TokenExtension)
	assert.Equal(t, time.Minute, cfg.TokenSweep)
	assert.Equal(t, ":memory:", cfg.Journal)
	assert.Equal(t, "0.0.0.0:3000", cfg.Addr())
	assert.False(t, cfg.TrustProxy, "X-Forwarded-For must not be trusted by default")
}

func TestLoad_PositionalCredentialsSelectBasic(t *testing.T) {
	cfg, err := Load([]string{"alice", "s3cret"})
	require.NoError(t, err)

	assert.Equal(t, AuthBasic, cfg.Auth)
	assert.Equal(t, "alice", cfg.Username)
	assert.Equal(t, "s3cret", cfg.Password)
	assert.Equal(t, DefaultBasicPort, cfg.Port)
}

func TestLoad_Flags(t *testing.T) {
	cfg, err := Load([]string{
		"--auth", "token",
		"--port", "8081",
		"--pairing", "flexible",
		"--ready-timeout", "2s",
		"--log-format", "json",
		"--trust-proxy",
	})
	require.NoError(t, err)

	assert.Equal(t, AuthToken, cfg.Auth)
	assert.Equal(t, 8081, cfg.Port)
	assert.Equal(t, PairingFlexible, cfg.Pairing)
	assert.Equal(t, 2*time.Second, cfg.ReadyTimeout)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.True(t, cfg.TrustProxy)
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("BEAM_AUTH", "token")
	t.Setenv("BEAM_TOKEN_TTL", "90s")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, AuthToken, cfg.Auth)
	assert.Equal(t, 90*time.Second, cfg.TokenTTL)
}

func TestLoad_FlagBeatsEnv(t *testing.T) {
	t.Setenv("BEAM_PORT", "5000")

	cfg, err := Load([]string{"--port", "6000"})
	require.NoError(t, err)
	assert.Equal(t, 6000, cfg.Port)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beam.yaml")
	yaml := "auth: basic\nusername: bob\npassword: hunter2\nready_timeout: 10s\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load([]string{"--config", path})
	require.NoError(t, err)
	assert.Equal(t, AuthBasic, cfg.Auth)
	assert.Equal(t, "bob", cfg.Username)
	assert.Equal(t, 10*time.Second, cfg.ReadyTimeout)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string][]string{
		"unknown auth":        {"--auth", "ldap"},
		"basic without pass":  {"--auth", "basic", "--username", "alice"},
		"unknown pairing":     {"--pairing", "random"},
		"zero timeout":        {"--ready-timeout", "0s"},
		"one positional arg":  {"alice"},
		"three positionals":   {"a", "b", "c"},
		"negative token rate": {"--token-rate", "-1"},
	}
	for name, args := range cases {
		_, err := Load(args)
		assert.Error(t, err, name)
	}
}
