package database

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLatestVersion(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"000001_init.up.sql",
		"000001_init.down.sql",
		"000003_observations.up.sql",
		"000002_claims.up.sql",
		"README.md",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("--"), 0o600))
	}

	latest, err := getLatestVersion(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, latest)
}

func TestGetLatestVersion_Empty(t *testing.T) {
	_, err := getLatestVersion(t.TempDir())
	assert.Error(t, err)
}

func TestOptionsDSN(t *testing.T) {
	opts := Options{Host: "db", Port: "5432", User: "fern", Password: "pw", Name: "fern", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=fern password=pw dbname=fern sslmode=disable", opts.DSN())
}
