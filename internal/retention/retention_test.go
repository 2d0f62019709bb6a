package retention

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/isdelr/backupsync/internal/destination"
	"github.com/isdelr/backupsync/internal/remote"
	"github.com/isdelr/backupsync/internal/staging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func finalNames(n int) []string {
	base := time.Date(2024, 1, 1, 3, 0, 0, 0, time.Local)
	names := make([]string, n)
	for i := range names {
		names[i] = staging.FinalName(base.AddDate(0, 0, i))
	}
	return names
}

func dirNames(t *testing.T, path string) []string {
	t.Helper()
	entries, err := os.ReadDir(path)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func TestPruneLocalKeepsNewest(t *testing.T) {
	path := t.TempDir()
	names := finalNames(4)
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(path, n), []byte("x"), 0o600))
	}
	require.NoError(t, os.WriteFile(filepath.Join(path, ".backupinflight.tmp"), nil, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(path, "notes.txt"), nil, 0o600))

	p := &Pruner{Dir: destination.NewPathDir(path), KeepLocal: 2}
	require.NoError(t, p.Prune(context.Background()))

	assert.Equal(t, []string{".backupinflight.tmp", "notes.txt", names[2], names[3]}, dirNames(t, path))
}

func TestPruneRemoteKeepsNewest(t *testing.T) {
	ctx := context.Background()
	store, err := remote.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	names := finalNames(3)
	for _, n := range names {
		_, err := store.Put(ctx, n, []byte("x"))
		require.NoError(t, err)
	}

	p := &Pruner{Store: store, KeepRemote: 1}
	require.NoError(t, p.Prune(ctx))

	objects, err := store.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, names[2], objects[0].Name)
}

func TestPruneDisabled(t *testing.T) {
	path := t.TempDir()
	for _, n := range finalNames(3) {
		require.NoError(t, os.WriteFile(filepath.Join(path, n), nil, 0o600))
	}
	p := &Pruner{Dir: destination.NewPathDir(path)}
	require.NoError(t, p.Prune(context.Background()))
	assert.Len(t, dirNames(t, path), 3)
}

func TestPruneReportsListFailure(t *testing.T) {
	p := &Pruner{Dir: destination.NewPathDir(filepath.Join(t.TempDir(), "gone")), KeepLocal: 1}
	assert.Error(t, p.Prune(context.Background()))
}
