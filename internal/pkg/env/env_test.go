package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func withEnv(t *testing.T, values map[string]string) {
	t.Helper()
	prev := Env
	Env = values
	t.Cleanup(func() { Env = prev })
}

func TestGetEnv_PrefersLoadedFile(t *testing.T) {
	withEnv(t, map[string]string{"HOOKFOX_TEST_KEY": "from-file"})
	t.Setenv("HOOKFOX_TEST_KEY", "from-os")

	assert.Equal(t, "from-file", GetEnv("HOOKFOX_TEST_KEY", "def"))
}

func TestGetEnv_FallsBackToOSAndDefault(t *testing.T) {
	withEnv(t, map[string]string{})
	t.Setenv("HOOKFOX_TEST_OS", "from-os")

	assert.Equal(t, "from-os", GetEnv("HOOKFOX_TEST_OS", "def"))
	assert.Equal(t, "def", GetEnv("HOOKFOX_TEST_MISSING", "def"))
}

func TestGetEnvInt(t *testing.T) {
	withEnv(t, map[string]string{"A": "12", "B": "nope", "C": " 7 "})

	assert.Equal(t, 12, GetEnvInt("A", 1))
	assert.Equal(t, 1, GetEnvInt("B", 1))
	assert.Equal(t, 7, GetEnvInt("C", 1))
	assert.Equal(t, 3, GetEnvInt("MISSING", 3))
}

func TestGetEnvDuration(t *testing.T) {
	withEnv(t, map[string]string{"D1": "250ms", "D2": "30", "D3": "soon"})

	assert.Equal(t, 250*time.Millisecond, GetEnvDuration("D1", time.Second))
	assert.Equal(t, 30*time.Second, GetEnvDuration("D2", time.Second))
	assert.Equal(t, time.Second, GetEnvDuration("D3", time.Second))
	assert.Equal(t, time.Minute, GetEnvDuration("MISSING", time.Minute))
}

func TestGetEnvBool(t *testing.T) {
	withEnv(t, map[string]string{"T": "yes", "F": "0", "X": "maybe"})

	assert.True(t, GetEnvBool("T", false))
	assert.False(t, GetEnvBool("F", true))
	assert.True(t, GetEnvBool("X", true))
	assert.False(t, GetEnvBool("MISSING", false))
}
