package backup

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/isdelr/backupsync/internal/backuperr"
	"github.com/isdelr/backupsync/internal/destination"
	"github.com/isdelr/backupsync/internal/export"
	"github.com/isdelr/backupsync/internal/remote"
	"github.com/isdelr/backupsync/internal/staging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failure struct {
	kind    backuperr.Kind
	attempt int
}

type recordingSink struct {
	mu       sync.Mutex
	cleared  int
	states   []string
	failures []failure
}

func (s *recordingSink) ReportFailure(kind backuperr.Kind, attempt int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, failure{kind, attempt})
}

func (s *recordingSink) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared++
}

func (s *recordingSink) Progress(state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
}

type failingStore struct {
	remote.Store
	err error
}

func (f failingStore) Put(context.Context, string, []byte) (remote.ObjectID, error) {
	return "", f.err
}

type prunerFunc func(ctx context.Context) error

func (f prunerFunc) Prune(ctx context.Context) error { return f(ctx) }

var fixedNow = time.Date(2024, 3, 9, 14, 5, 6, 0, time.Local)

func writePayload(payload string) export.ExporterFunc {
	return func(_ context.Context, _ string, sink io.Writer) error {
		_, err := io.WriteString(sink, payload)
		return err
	}
}

type fixture struct {
	path  string
	store *remote.LocalStore
	sink  *recordingSink
	cfg   Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	path := t.TempDir()
	store, err := remote.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	sink := &recordingSink{}
	return &fixture{
		path:  path,
		store: store,
		sink:  sink,
		cfg: Config{
			Dir:        destination.NewPathDir(path),
			Exporter:   writePayload("encrypted-bytes"),
			Store:      store,
			Sink:       sink,
			Passphrase: func() (string, error) { return "hunter2", nil },
			Now:        func() time.Time { return fixedNow },
		},
	}
}

func (f *fixture) job(t *testing.T) *Job {
	t.Helper()
	j, err := New(f.cfg)
	require.NoError(t, err)
	return j
}

func (f *fixture) names(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.path)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func (f *fixture) remoteCount(t *testing.T) int {
	t.Helper()
	objects, err := f.store.List(context.Background(), "")
	require.NoError(t, err)
	return len(objects)
}

func TestRunSuccess(t *testing.T) {
	f := newFixture(t)
	pruned := 0
	f.cfg.Pruner = prunerFunc(func(context.Context) error { pruned++; return nil })
	j := f.job(t)

	artifact, err := j.Run(context.Background(), 1)
	require.NoError(t, err)

	final := staging.FinalName(fixedNow)
	assert.Equal(t, final, artifact.FinalName)
	assert.NotEmpty(t, artifact.RemoteID)
	assert.Equal(t, int64(len("encrypted-bytes")), artifact.SizeBytes)
	assert.Equal(t, []string{final}, f.names(t))
	assert.Equal(t, 1, f.remoteCount(t))
	assert.Equal(t, Done, j.State())
	assert.Equal(t, 1, pruned)
	assert.Equal(t, 1, f.sink.cleared)
	assert.Empty(t, f.sink.failures)
	assert.Equal(t, []string{"validating", "staging", "exporting", "uploading", "promoting", "done"}, f.sink.states)

	data, err := os.ReadFile(filepath.Join(f.path, final))
	require.NoError(t, err)
	assert.Equal(t, "encrypted-bytes", string(data))
}

func TestValidationFailureLeavesDirectoryUntouched(t *testing.T) {
	f := newFixture(t)
	orphan := filepath.Join(f.path, ".backupstale.tmp")
	require.NoError(t, os.WriteFile(orphan, []byte("old"), 0o600))
	f.cfg.Passphrase = func() (string, error) { return "", nil }
	j := f.job(t)

	_, err := j.Run(context.Background(), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, backuperr.PreconditionError)
	assert.ErrorIs(t, err, ErrNoPassphrase)
	assert.Equal(t, []string{".backupstale.tmp"}, f.names(t))
	assert.Equal(t, 0, f.remoteCount(t))
	assert.Equal(t, Failed, j.State())
	assert.Equal(t, []failure{{backuperr.PreconditionError, 1}}, f.sink.failures)
}

func TestValidationRejectsExistingFinalName(t *testing.T) {
	f := newFixture(t)
	final := filepath.Join(f.path, staging.FinalName(fixedNow))
	require.NoError(t, os.WriteFile(final, []byte("original"), 0o600))

	_, err := f.job(t).Run(context.Background(), 2)
	assert.ErrorIs(t, err, backuperr.PreconditionError)

	data, readErr := os.ReadFile(final)
	require.NoError(t, readErr)
	assert.Equal(t, "original", string(data))
	assert.Len(t, f.names(t), 1)
}

func TestValidationRejectsMissingDirectory(t *testing.T) {
	f := newFixture(t)
	f.cfg.Dir = destination.NewPathDir(filepath.Join(f.path, "missing"))

	_, err := f.job(t).Run(context.Background(), 1)
	assert.ErrorIs(t, err, backuperr.PreconditionError)
	assert.Empty(t, f.names(t))
}

func TestExportFailurePurgesSlot(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("disk full")
	f.cfg.Exporter = export.ExporterFunc(func(_ context.Context, _ string, sink io.Writer) error {
		_, _ = io.WriteString(sink, "partial")
		return boom
	})

	_, err := f.job(t).Run(context.Background(), 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, backuperr.ExportError)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, f.names(t))
	assert.Equal(t, 0, f.remoteCount(t))
	assert.Equal(t, []failure{{backuperr.ExportError, 3}}, f.sink.failures)
}

func TestExportCancellationIsExportError(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.cfg.Exporter = export.ExporterFunc(func(ctx context.Context, _ string, _ io.Writer) error {
		cancel()
		return ctx.Err()
	})

	_, err := f.job(t).Run(ctx, 1)
	assert.ErrorIs(t, err, backuperr.ExportError)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.names(t))
}

func TestUploadFailureLeavesNoArtifacts(t *testing.T) {
	f := newFixture(t)
	f.cfg.Store = failingStore{Store: f.store, err: errors.New("connection reset")}
	j := f.job(t)

	_, err := j.Run(context.Background(), 1)
	assert.ErrorIs(t, err, backuperr.UploadError)
	assert.False(t, backuperr.IsFatal(err))
	assert.Empty(t, f.names(t))
	assert.Equal(t, 0, f.remoteCount(t))
	assert.Equal(t, Failed, j.State())
}

func TestPromotionConflictKeepsBothFiles(t *testing.T) {
	f := newFixture(t)
	final := staging.FinalName(fixedNow)
	// Another writer claims the final name after validation has passed.
	f.cfg.Exporter = export.ExporterFunc(func(_ context.Context, _ string, sink io.Writer) error {
		if err := os.WriteFile(filepath.Join(f.path, final), []byte("winner"), 0o600); err != nil {
			return err
		}
		_, err := io.WriteString(sink, "loser")
		return err
	})

	_, err := f.job(t).Run(context.Background(), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, backuperr.DuplicateBackupError)
	assert.True(t, backuperr.IsFatal(err))
	kind, ok := backuperr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, backuperr.DuplicateBackupError, kind)

	names := f.names(t)
	require.Len(t, names, 2)
	assert.True(t, staging.IsStagingName(names[0]))
	assert.Equal(t, final, names[1])

	data, readErr := os.ReadFile(filepath.Join(f.path, final))
	require.NoError(t, readErr)
	assert.Equal(t, "winner", string(data))
}

// renameFailDir accepts writes but cannot move files to their final name.
type renameFailDir struct {
	destination.Directory
}

func (renameFailDir) Link(string, string) error   { return errors.New("operation not supported") }
func (renameFailDir) Rename(string, string) error { return errors.New("input/output error") }

func TestPromotionFailurePurgesSlot(t *testing.T) {
	f := newFixture(t)
	f.cfg.Dir = renameFailDir{destination.NewPathDir(f.path)}
	j := f.job(t)

	_, err := j.Run(context.Background(), 1)
	require.Error(t, err)
	kind, ok := backuperr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, backuperr.StagingUnavailable, kind)
	assert.ErrorIs(t, err, backuperr.PromotionFailed)
	assert.False(t, backuperr.IsFatal(err))
	assert.Empty(t, f.names(t))
	assert.Equal(t, Failed, j.State())
	assert.Equal(t, []failure{{backuperr.StagingUnavailable, 1}}, f.sink.failures)
}

func TestUploadNeverReplacesRemoteObject(t *testing.T) {
	f := newFixture(t)
	final := staging.FinalName(fixedNow)
	_, err := f.store.Put(context.Background(), final, []byte("pre-existing-remote"))
	require.NoError(t, err)

	_, err = f.job(t).Run(context.Background(), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, backuperr.UploadError)
	assert.ErrorIs(t, err, remote.ErrExists)
	assert.Empty(t, f.names(t))

	data, err := f.store.Get(context.Background(), remote.ObjectID(final))
	require.NoError(t, err)
	assert.Equal(t, "pre-existing-remote", string(data))
}

func TestRecoveryAfterCrashLeavesOnlyFinalNames(t *testing.T) {
	f := newFixture(t)
	now := fixedNow
	f.cfg.Now = func() time.Time { return now }
	j := f.job(t)

	_, err := j.Run(context.Background(), 1)
	require.NoError(t, err)

	// A process killed mid-export leaves its staging file behind.
	require.NoError(t, os.WriteFile(filepath.Join(f.path, ".backup1234.tmp"), []byte("half"), 0o600))

	now = fixedNow.Add(time.Hour)
	_, err = j.Run(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, []string{staging.FinalName(fixedNow), staging.FinalName(now)}, f.names(t))
	assert.Equal(t, 2, f.remoteCount(t))
}

func TestPrunerFailureDoesNotFailAttempt(t *testing.T) {
	f := newFixture(t)
	f.cfg.Pruner = prunerFunc(func(context.Context) error { return errors.New("remote list failed") })
	j := f.job(t)

	_, err := j.Run(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, Done, j.State())
	assert.Empty(t, f.sink.failures)
}

func TestRunRejectsOverlappingAttempt(t *testing.T) {
	f := newFixture(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	f.cfg.Exporter = export.ExporterFunc(func(_ context.Context, _ string, sink io.Writer) error {
		close(entered)
		<-release
		_, err := io.WriteString(sink, "data")
		return err
	})
	j := f.job(t)

	done := make(chan error, 1)
	go func() {
		_, err := j.Run(context.Background(), 1)
		done <- err
	}()
	<-entered

	_, err := j.Run(context.Background(), 1)
	assert.ErrorIs(t, err, backuperr.PreconditionError)
	assert.Equal(t, Exporting, j.State())

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, []string{staging.FinalName(fixedNow)}, f.names(t))
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "uploading", Uploading.String())
	assert.Equal(t, "unknown", State(42).String())
	assert.True(t, Failed.Terminal())
	assert.False(t, Promoting.Terminal())
}
