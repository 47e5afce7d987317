package config

import (
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SUPABASE_JWT_SECRET", "secret")
	t.Setenv("AUTOSAVE_INTERVAL", "")
	t.Setenv("STORE_BACKEND", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, BackendPostgres, cfg.StoreBackend)
	assert.Equal(t, DefaultAutosaveInterval, cfg.AutosaveInterval)
	assert.Equal(t, DefaultPersistTimeout, cfg.PersistTimeout)
}

func TestLoadFromEnvFile(t *testing.T) {
	t.Setenv("SUPABASE_JWT_SECRET", "")
	t.Setenv("AUTOSAVE_INTERVAL", "")
	t.Setenv("STORE_BACKEND", "")
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("SUPABASE_JWT_SECRET=from-file\nAUTOSAVE_INTERVAL=0\nSTORE_BACKEND=memory\n"), 0o600))
	// godotenv never overrides a variable that is already present, even when empty.
	os.Unsetenv("SUPABASE_JWT_SECRET")
	os.Unsetenv("AUTOSAVE_INTERVAL")
	os.Unsetenv("STORE_BACKEND")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.JWTSecret)
	assert.Equal(t, time.Duration(0), cfg.AutosaveInterval, "zero disables autosave")
	assert.Equal(t, BackendMemory, cfg.StoreBackend)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("SUPABASE_JWT_SECRET", "secret")
	t.Setenv("AUTOSAVE_INTERVAL", "often")
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)

	t.Setenv("AUTOSAVE_INTERVAL", "")
	t.Setenv("STORE_BACKEND", "redis")
	_, err = Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestDatabaseURL(t *testing.T) {
	d := Database{User: "u", Password: "p", Host: "db", Port: "5432", Name: "docs", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@db:5432/docs?sslmode=disable", d.URL())
}

func TestDatabaseURLEscapesCredentials(t *testing.T) {
	d := Database{User: "postgres.abc", Password: "p@ss/w?rd:#1", Host: "db", Port: "6543", Name: "postgres", SSLMode: "require"}

	u, err := url.Parse(d.URL())
	require.NoError(t, err)
	assert.Equal(t, "postgres.abc", u.User.Username())
	pw, ok := u.User.Password()
	require.True(t, ok)
	assert.Equal(t, "p@ss/w?rd:#1", pw)
	assert.Equal(t, "db:6543", u.Host)
	assert.Equal(t, "/postgres", u.Path)
	assert.Equal(t, "require", u.Query().Get("sslmode"))
}
