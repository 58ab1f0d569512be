package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/todosync/todosync/internal/localstore"
	"github.com/todosync/todosync/internal/remote"
	"github.com/todosync/todosync/internal/remote/remotetest"
	"github.com/todosync/todosync/internal/state"
	"github.com/todosync/todosync/internal/sync"
	"github.com/todosync/todosync/internal/task"
)

const (
	primaryFile = "todo.txt"
	archiveFile = "done.txt"
)

// flakyStore fails writes to one file on demand.
type flakyStore struct {
	localstore.Store
	failName string
}

func (s *flakyStore) Write(name string, data []byte) error {
	if name == s.failName {
		return errors.New("disk full")
	}
	return s.Store.Write(name, data)
}

type fixture struct {
	coord         *Coordinator
	local         *localstore.FsStore
	archiveLocal  *flakyStore
	primaryRemote *remotetest.Fake
	archiveRemote *remotetest.Fake
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{
		local:         localstore.NewFs(afero.NewMemMapFs()),
		primaryRemote: remotetest.New(),
		archiveRemote: remotetest.New(),
	}
	f.archiveLocal = &flakyStore{Store: f.local}

	primary, err := sync.New(sync.DefaultConfig(primaryFile), f.local, f.primaryRemote, db, sync.Options{Tokens: db})
	require.NoError(t, err)
	t.Cleanup(primary.Close)
	archive, err := sync.New(sync.DefaultConfig(archiveFile), f.archiveLocal, f.archiveRemote, db, sync.Options{Tokens: db})
	require.NoError(t, err)
	t.Cleanup(archive.Close)

	f.coord, err = New(primary, archive, cfg, nil)
	require.NoError(t, err)
	return f
}

func (f *fixture) writeLocal(t *testing.T, name string, lines ...string) {
	t.Helper()
	tasks := make([]task.Task, len(lines))
	for i, l := range lines {
		tasks[i] = task.Parse(l)
	}
	require.NoError(t, f.local.Write(name, task.Serialize(tasks)))
}

func remoteLines(t *testing.T, fake *remotetest.Fake, name string) []string {
	t.Helper()
	data, ok := fake.Get("/todo", name)
	require.True(t, ok, "remote %s missing", name)
	tasks, err := task.ParseAll(data)
	require.NoError(t, err)
	return strs(tasks)
}

func strs(tasks []task.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.String()
	}
	return out
}

func TestNewValidation(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := New(nil, f.coord.ArchiveFile(), Config{}, nil)
	assert.Error(t, err)
	_, err = New(f.coord.Primary(), f.coord.Primary(), Config{}, nil)
	assert.Error(t, err)
}

func TestArchiveMovesCompletedTasks(t *testing.T) {
	tests := []struct {
		name     string
		preserve bool
		want     []string
	}{
		{name: "compact", want: []string{"a", "c"}},
		{name: "preserve line numbers", preserve: true, want: []string{"a", "", "c"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, Config{PreserveLineNumbers: tt.preserve})
			f.writeLocal(t, primaryFile, "a", "x 2024-01-01 b", "c")
			require.NoError(t, f.coord.LoadAll(ctx))

			res, err := f.coord.Archive(ctx)
			require.NoError(t, err)

			assert.Equal(t, []string{"x 2024-01-01 b"}, strs(res.Moved))
			assert.Equal(t, tt.want, remoteLines(t, f.primaryRemote, primaryFile))
			assert.Equal(t, []string{"x 2024-01-01 b"}, remoteLines(t, f.archiveRemote, archiveFile))
			assert.Equal(t, sync.Ready, f.coord.Primary().State())
			assert.Equal(t, sync.Ready, f.coord.ArchiveFile().State())
		})
	}
}

func TestArchiveAppendsAfterRemoteArchive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.archiveRemote.Put("/todo", archiveFile, []byte("x older\n"))
	f.writeLocal(t, primaryFile, "x newer", "open")

	_, err := f.coord.Archive(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"x older", "x newer"}, remoteLines(t, f.archiveRemote, archiveFile))
	assert.Equal(t, []string{"open"}, remoteLines(t, f.primaryRemote, primaryFile))
}

func TestArchiveNothingToMove(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.writeLocal(t, primaryFile, "a")
	require.NoError(t, f.coord.LoadAll(ctx))

	res, err := f.coord.Archive(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Moved)

	_, uploads, _ := f.primaryRemote.Calls()
	assert.Zero(t, uploads)
}

// TestArchivePrimaryPushFailureDuplicates interrupts the workflow after the
// archive was pushed. The task must exist in both files rather than neither.
func TestArchivePrimaryPushFailureDuplicates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.writeLocal(t, primaryFile, "a", "x b")
	require.NoError(t, f.coord.SyncAll(ctx))

	f.primaryRemote.FailUpload(remote.Wrap("upload", primaryFile, remote.ErrTransport, nil))
	_, err := f.coord.Archive(ctx)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepPushPrimary, stepErr.Step)
	assert.ErrorIs(t, err, remote.ErrTransport)

	assert.Equal(t, []string{"x b"}, remoteLines(t, f.archiveRemote, archiveFile))
	assert.Equal(t, []string{"a", "x b"}, remoteLines(t, f.primaryRemote, primaryFile))

	// Running the archive again moves nothing and adds no second copy.
	res, err := f.coord.Archive(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Moved)
	assert.Equal(t, []string{"x b"}, remoteLines(t, f.archiveRemote, archiveFile))

	require.NoError(t, f.coord.SyncAll(ctx))
	assert.Equal(t, []string{"a"}, remoteLines(t, f.primaryRemote, primaryFile))
	assert.Equal(t, []string{"x b"}, remoteLines(t, f.archiveRemote, archiveFile))
}

func TestArchiveSaveFailureRestoresLists(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.writeLocal(t, primaryFile, "a", "x b")
	require.NoError(t, f.coord.LoadAll(ctx))

	f.archiveLocal.failName = archiveFile
	_, err := f.coord.Archive(ctx)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	// The empty archive bootstrap is the first write to fail.
	assert.Contains(t, []string{StepSyncArchive, StepSaveArchive}, stepErr.Step)

	assert.Equal(t, []string{"a", "x b"}, strs(f.coord.Primary().List().Tasks()))
	assert.Empty(t, f.coord.ArchiveFile().List().Tasks())

	data, err := f.local.Read(primaryFile)
	require.NoError(t, err)
	assert.Equal(t, "a\nx b\n", string(data))
}

func TestArchiveSaveFailureAfterArchiveSync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.writeLocal(t, primaryFile, "a", "x b")
	f.writeLocal(t, archiveFile, "x old")
	require.NoError(t, f.coord.SyncAll(ctx))

	f.archiveLocal.failName = archiveFile
	_, err := f.coord.Archive(ctx)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepSaveArchive, stepErr.Step)
	assert.Equal(t, []string{"a", "x b"}, strs(f.coord.Primary().List().Tasks()))
	assert.Equal(t, []string{"x old"}, strs(f.coord.ArchiveFile().List().Tasks()))
}

// TestArchiveRollbackLeavesFilesClean checks that a rolled back archive is
// not mistaken for a local edit and pushed again.
func TestArchiveRollbackLeavesFilesClean(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.writeLocal(t, primaryFile, "a", "x b")
	f.writeLocal(t, archiveFile, "x old")
	require.NoError(t, f.coord.SyncAll(ctx))
	primaryRev := f.primaryRemote.Revision("/todo", primaryFile)
	archiveRev := f.archiveRemote.Revision("/todo", archiveFile)
	_, primaryUploads, _ := f.primaryRemote.Calls()
	_, archiveUploads, _ := f.archiveRemote.Calls()

	f.archiveLocal.failName = archiveFile
	_, err := f.coord.Archive(ctx)
	require.Error(t, err)
	f.archiveLocal.failName = ""

	assert.False(t, f.coord.Primary().Dirty())
	assert.False(t, f.coord.ArchiveFile().Dirty())

	require.NoError(t, f.coord.SyncAll(ctx))

	_, uploads, _ := f.primaryRemote.Calls()
	assert.Equal(t, primaryUploads, uploads)
	_, uploads, _ = f.archiveRemote.Calls()
	assert.Equal(t, archiveUploads, uploads)
	assert.Equal(t, primaryRev, f.primaryRemote.Revision("/todo", primaryFile))
	assert.Equal(t, archiveRev, f.archiveRemote.Revision("/todo", archiveFile))

	data, err := f.local.Read(primaryFile)
	require.NoError(t, err)
	assert.Equal(t, "a\nx b\n", string(data))
}

func TestRestoreKeepsUnsavedEdits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.writeLocal(t, primaryFile, "a")
	require.NoError(t, f.coord.LoadAll(ctx))

	o := f.coord.Primary()
	o.List().Add(task.Parse("unsaved"))
	cp := o.Checkpoint()
	o.List().Add(task.Parse("later"))

	require.NoError(t, o.Restore(ctx, cp))
	assert.Equal(t, []string{"a", "unsaved"}, strs(o.List().Tasks()))
	assert.True(t, o.Dirty(), "edits made before the checkpoint still need saving")
}

func TestArchiveRefusesBusyFile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	lease, err := f.coord.ArchiveFile().Hold()
	require.NoError(t, err)

	_, err = f.coord.Archive(ctx)
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepHold, stepErr.Step)
	assert.ErrorIs(t, err, sync.ErrSyncInProgress)
	lease.Release()

	// The failed attempt must not leave the primary held.
	assert.NoError(t, f.coord.Primary().Sync(ctx))
}

func TestIndependentSyncRefusedDuringArchive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.writeLocal(t, primaryFile, "x done")
	require.NoError(t, f.coord.LoadAll(ctx))

	var primaryErr, archiveErr error
	f.archiveRemote.BeforeUpload = func(ctx context.Context) {
		primaryErr = f.coord.Primary().Sync(ctx)
		archiveErr = f.coord.ArchiveFile().Sync(ctx)
	}

	_, err := f.coord.Archive(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, primaryErr, sync.ErrSyncInProgress)
	assert.ErrorIs(t, archiveErr, sync.ErrSyncInProgress)
}

func TestSyncAllJoinsErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.primaryRemote.FailMetadata(remote.Wrap("metadata", primaryFile, remote.ErrServer, nil))
	f.archiveRemote.FailMetadata(remote.Wrap("metadata", archiveFile, remote.ErrUnauthorized, nil))

	err := f.coord.SyncAll(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, remote.ErrServer)
	assert.ErrorIs(t, err, remote.ErrUnauthorized)
	assert.Contains(t, err.Error(), primaryFile)
	assert.Contains(t, err.Error(), archiveFile)

	require.NoError(t, f.coord.SyncAll(ctx))
}
