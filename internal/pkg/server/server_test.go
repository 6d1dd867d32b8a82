package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/HookFox/internal/pkg/router"
)

func TestRole(t *testing.T) {
	tests := []struct {
		value string
		want  string
	}{
		{"", RoleAll},
		{"api", RoleAPI},
		{"WORKER", RoleWorker},
		{"scheduler", RoleAll},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("HOOKFOX_ROLE", tt.value)
			assert.Equal(t, tt.want, Role())
		})
	}
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	doc := filepath.Join(dir, "openapi.yml")
	assert.NoError(t, os.WriteFile(doc, []byte("openapi: 3.0.3\n"), 0o644))

	assert.True(t, fileExists(doc))
	assert.False(t, fileExists(dir))
	assert.False(t, fileExists(filepath.Join(dir, "missing.yml")))
}

func TestAdminCredentials(t *testing.T) {
	stored, err := router.HashPassword("from-hash")
	require.NoError(t, err)

	t.Run("disabled without user", func(t *testing.T) {
		t.Setenv("ADMIN_USER", "")
		t.Setenv("ADMIN_PASSWORD_HASH", "")
		t.Setenv("ADMIN_PASSWORD", "s3cret")
		user, hash, err := adminCredentials()
		require.NoError(t, err)
		assert.Empty(t, user)
		assert.Empty(t, hash)
	})

	t.Run("plain password is hashed", func(t *testing.T) {
		t.Setenv("ADMIN_USER", "ops")
		t.Setenv("ADMIN_PASSWORD_HASH", "")
		t.Setenv("ADMIN_PASSWORD", "s3cret")
		user, hash, err := adminCredentials()
		require.NoError(t, err)
		assert.Equal(t, "ops", user)
		assert.NotEqual(t, "s3cret", hash)
		assert.True(t, router.CheckPasswordHash("s3cret", hash))
	})

	t.Run("hash wins over plain password", func(t *testing.T) {
		t.Setenv("ADMIN_USER", "ops")
		t.Setenv("ADMIN_PASSWORD_HASH", stored)
		t.Setenv("ADMIN_PASSWORD", "s3cret")
		_, hash, err := adminCredentials()
		require.NoError(t, err)
		assert.Equal(t, stored, hash)
		assert.False(t, router.CheckPasswordHash("s3cret", hash))
	})

	t.Run("invalid hash", func(t *testing.T) {
		t.Setenv("ADMIN_USER", "ops")
		t.Setenv("ADMIN_PASSWORD_HASH", "not-a-hash")
		_, _, err := adminCredentials()
		assert.Error(t, err)
	})

	t.Run("no password", func(t *testing.T) {
		t.Setenv("ADMIN_USER", "ops")
		t.Setenv("ADMIN_PASSWORD_HASH", "")
		t.Setenv("ADMIN_PASSWORD", "")
		_, hash, err := adminCredentials()
		require.NoError(t, err)
		assert.Empty(t, hash)
	})
}
