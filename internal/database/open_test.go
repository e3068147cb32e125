package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tejusbharadwaj/solarsync/internal/config"
)

func TestOpenFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	repo, err := Open(context.Background(), config.StateConfig{Driver: "file", Dir: dir})
	require.NoError(t, err)
	defer repo.Close()

	assert.IsType(t, &FileRepo{}, repo)
	assert.DirExists(t, dir)
}

func TestOpenFileSealed(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	keyFile := filepath.Join(t.TempDir(), "key.txt")
	require.NoError(t, os.WriteFile(keyFile, []byte(identity.String()+"\n"), 0o600))

	repo, err := Open(context.Background(), config.StateConfig{
		Driver:          "file",
		Dir:             t.TempDir(),
		AgeIdentityFile: keyFile,
	})
	require.NoError(t, err)
	fileRepo, ok := repo.(*FileRepo)
	require.True(t, ok)
	assert.NotNil(t, fileRepo.sealer)
}

func TestOpenErrors(t *testing.T) {
	_, err := Open(context.Background(), config.StateConfig{Driver: "redis"})
	assert.ErrorContains(t, err, "unknown state driver")

	_, err = Open(context.Background(), config.StateConfig{
		Driver:          "file",
		Dir:             t.TempDir(),
		AgeIdentityFile: filepath.Join(t.TempDir(), "missing.txt"),
	})
	assert.Error(t, err)
}
