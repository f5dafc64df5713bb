package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	t.Setenv("DB_ADAPTER", "memory")

	c, err := New()
	require.NoError(t, err)
	require.Equal(t, "8080", c.Port)
	require.Equal(t, 12*time.Hour, c.AccessTTL())
	require.Equal(t, 30*24*time.Hour, c.RefreshTTL())
	require.Empty(t, c.APIKeys)
}

func TestNewRejectsOutOfRangeLifetimes(t *testing.T) {
	t.Setenv("DB_ADAPTER", "memory")
	t.Setenv("JWT_ACCESS_TOKEN_EXPIRES_HOURS", "100")

	_, err := New()
	require.Error(t, err)
}

func TestNewRejectsDefaultSecretInProduction(t *testing.T) {
	t.Setenv("DB_ADAPTER", "memory")
	t.Setenv("ENV", "production")

	_, err := New()
	require.Error(t, err)

	t.Setenv("JWT_SECRET_KEY", "a-real-secret")
	_, err = New()
	require.NoError(t, err)
}

func TestNewRejectsUnknownAdapter(t *testing.T) {
	t.Setenv("DB_ADAPTER", "mongo")
	_, err := New()
	require.Error(t, err)
}

func TestAPIKeysFromJSONAndFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api_keys:\n  - key: file-key\n    scopes: [doc]\n"), 0o600))

	t.Setenv("DB_ADAPTER", "memory")
	t.Setenv("API_KEYS_JSON", `{"json-key":["db","doc"]}`)
	t.Setenv("API_KEYS_FILE", path)

	c, err := New()
	require.NoError(t, err)
	require.Equal(t, []string{"db", "doc"}, c.APIKeys["json-key"])
	require.Equal(t, []string{"doc"}, c.APIKeys["file-key"])
}

func TestParseAPIKeysJSONInvalid(t *testing.T) {
	_, err := ParseAPIKeysJSON("{not json")
	require.Error(t, err)
}

func TestBuildPostgresDSN(t *testing.T) {
	c := &Config{PostgresHost: "db", PostgresUser: "lab", PostgresDB: "labkeeper", PostgresPassword: "pw"}
	dsn, err := c.BuildPostgresDSN()
	require.NoError(t, err)
	require.Equal(t, "host=db port=5432 user=lab dbname=labkeeper sslmode=disable password=pw", dsn)

	_, err = (&Config{}).BuildPostgresDSN()
	require.Error(t, err)
}

func TestSplitList(t *testing.T) {
	require.Equal(t, []string{"a", "b"}, splitList(" a, ,b "))
	require.Nil(t, splitList(""))
}
