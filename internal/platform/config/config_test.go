package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnv_helpers(t *testing.T) {
	t.Setenv("RO_STR", "x")
	t.Setenv("RO_INT", "12")
	t.Setenv("RO_BAD_INT", "twelve")
	t.Setenv("RO_BOOL", "true")
	t.Setenv("RO_DUR", "250ms")

	assert.Equal(t, "x", GetEnv("RO_STR", "y"))
	assert.Equal(t, "y", GetEnv("RO_UNSET", "y"))
	assert.Equal(t, 12, GetEnvInt("RO_INT", 1))
	assert.Equal(t, 1, GetEnvInt("RO_BAD_INT", 1))
	assert.True(t, GetEnvBool("RO_BOOL", false))
	assert.Equal(t, 250*time.Millisecond, GetEnvDuration("RO_DUR", time.Second))
	assert.Equal(t, time.Second, GetEnvDuration("RO_UNSET", time.Second))
}

func TestFromEnv_defaults_and_overrides(t *testing.T) {
	t.Setenv("APP_ENV", "Development")
	t.Setenv("LOCK_JOB_TIMEOUT", "5s")

	cfg := FromEnv()
	assert.True(t, cfg.Development)
	assert.Equal(t, 5*time.Second, cfg.LockJobTimeout)
	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.Equal(t, 5*time.Millisecond, cfg.CacheTierYield)
}

func TestLoad_env_file(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("RO_FROM_FILE=yes\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("RO_FROM_FILE") })

	require.NoError(t, Load(path))
	assert.Equal(t, "yes", GetEnv("RO_FROM_FILE", ""))
}

func TestParseStudios(t *testing.T) {
	f, err := ParseStudios([]byte(`
studios:
  - id: studio0
    name: Main
  - id: studio1
    preserveOrphanedSegmentContent: false
    autonextLockout: 2s
`))
	require.NoError(t, err)
	require.Len(t, f.Studios, 2)

	assert.True(t, f.Studios[0].Preserve())
	d, err := f.Studios[0].Lockout()
	require.NoError(t, err)
	assert.Equal(t, DefaultAutonextLockout, d)

	assert.False(t, f.Studios[1].Preserve())
	d, err = f.Studios[1].Lockout()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d)
}

func TestParseStudios_rejects_invalid(t *testing.T) {
	_, err := ParseStudios([]byte("studios:\n  - name: nameless\n"))
	assert.Error(t, err)

	_, err = ParseStudios([]byte("studios:\n  - id: a\n  - id: a\n"))
	assert.Error(t, err)

	_, err = ParseStudios([]byte("studios:\n  - id: a\n    autonextLockout: soon\n"))
	assert.Error(t, err)
}

func TestLoadStudios_default(t *testing.T) {
	f, err := LoadStudios("")
	require.NoError(t, err)
	require.Len(t, f.Studios, 1)
	assert.Equal(t, "studio0", f.Studios[0].ID)
}
