package config

import (
	"os"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range []string{
		"PBXCORE_DATA_DIR", "PBXCORE_ADDRESS", "PBXCORE_PORT", "PBXCORE_HOST",
		"PBXCORE_NETWORK", "PBXCORE_CONFIG", "PBXCORE_DETACHED",
		"PBXCORE_FOREGROUND", "PBXCORE_DEBUG", "PBXCORE_LOG_LEVEL",
		"PBXCORE_LOG_FORMAT", "PBXCORE_ALIASES",
	} {
		t.Setenv(env, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"pbxcore"}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap := cfg.Current()

	if snap.DataDir != defaultDataDir {
		t.Errorf("DataDir = %q, want %q", snap.DataDir, defaultDataDir)
	}
	if snap.Port != defaultPort {
		t.Errorf("Port = %d, want %d", snap.Port, defaultPort)
	}
	if snap.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", snap.LogLevel, defaultLogLevel)
	}
	if snap.Host == "" {
		t.Error("Host should default to the machine hostname, got empty string")
	}
}

func TestEnvVarOverride(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"pbxcore"}
	t.Setenv("PBXCORE_PORT", "5070")
	t.Setenv("PBXCORE_NETWORK", "example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap := cfg.Current()

	if snap.Port != 5070 {
		t.Errorf("Port = %d, want 5070 from env override", snap.Port)
	}
	if snap.Network != "example.com" {
		t.Errorf("Network = %q, want %q from env override", snap.Network, "example.com")
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"pbxcore", "-port", "3000", "-log-level", "warn"}
	t.Setenv("PBXCORE_PORT", "9090")
	t.Setenv("PBXCORE_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap := cfg.Current()

	if snap.Port != 3000 {
		t.Errorf("Port = %d, want 3000 (CLI should override env)", snap.Port)
	}
	if snap.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should override env)", snap.LogLevel)
	}
}

func TestDebugFlagForcesLogLevel(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"pbxcore", "-debug"}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cfg.Current().LogLevel; got != "debug" {
		t.Errorf("LogLevel = %q, want debug when -debug is set", got)
	}
}

func TestInvalidPortRejected(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"pbxcore", "-port", "99999"}

	if _, err := Load(); err == nil {
		t.Error("expected an error for an out-of-range port")
	}
}

func TestInvalidLogLevelRejected(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"pbxcore", "-log-level", "verbose"}

	if _, err := Load(); err == nil {
		t.Error("expected an error for an invalid log level")
	}
}

func TestReloadSwapsSnapshot(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"pbxcore", "-network", "first.example"}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first := cfg.Current()
	if first.Network != "first.example" {
		t.Fatalf("Network = %q, want first.example", first.Network)
	}

	os.Args = []string{"pbxcore", "-network", "second.example"}
	if err := cfg.Reload(); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}

	second := cfg.Current()
	if second.Network != "second.example" {
		t.Errorf("Network after reload = %q, want second.example", second.Network)
	}
	if first.Network != "first.example" {
		t.Error("Reload must not mutate the previously returned Snapshot")
	}
}

func TestAliasesParsed(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"pbxcore", "-aliases", "pbx.example.com,voip.example.com"}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	aliases := cfg.Current().Aliases
	if len(aliases) != 2 || aliases[0] != "pbx.example.com" || aliases[1] != "voip.example.com" {
		t.Errorf("Aliases = %v, want [pbx.example.com voip.example.com]", aliases)
	}
}
