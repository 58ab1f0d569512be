package dirremote

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/todosync/todosync/internal/remote"
)

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewFs(afero.NewMemMapFs())

	md, err := c.GetMetadata(ctx, "/todo", "todo.txt")
	require.NoError(t, err)
	assert.False(t, md.Exists)

	_, _, err = c.Download(ctx, "/todo", "todo.txt")
	assert.ErrorIs(t, err, remote.ErrNotFound)

	rev, err := c.Upload(ctx, "/todo", "todo.txt", nil, []byte("a\n"))
	require.NoError(t, err)
	assert.Equal(t, Revision([]byte("a\n")), rev)

	md, err = c.GetMetadata(ctx, "/todo", "todo.txt")
	require.NoError(t, err)
	assert.Equal(t, remote.Metadata{Exists: true, Revision: rev}, md)

	data, drev, err := c.Download(ctx, "/todo", "todo.txt")
	require.NoError(t, err)
	assert.Equal(t, "a\n", string(data))
	assert.Equal(t, rev, drev)
}

func TestUploadPrecondition(t *testing.T) {
	ctx := context.Background()
	c := NewFs(afero.NewMemMapFs())

	stale := "deadbeef"
	_, err := c.Upload(ctx, "/todo", "todo.txt", &stale, []byte("a\n"))
	assert.ErrorIs(t, err, remote.ErrPreconditionFailed, "precondition on a missing file fails")

	rev1, err := c.Upload(ctx, "/todo", "todo.txt", nil, []byte("a\n"))
	require.NoError(t, err)

	_, err = c.Upload(ctx, "/todo", "todo.txt", nil, []byte("z\n"))
	assert.ErrorIs(t, err, remote.ErrPreconditionFailed, "create-only upload onto an existing file fails")

	rev2, err := c.Upload(ctx, "/todo", "todo.txt", &rev1, []byte("b\n"))
	require.NoError(t, err)
	assert.NotEqual(t, rev1, rev2)

	_, err = c.Upload(ctx, "/todo", "todo.txt", &rev1, []byte("c\n"))
	assert.ErrorIs(t, err, remote.ErrPreconditionFailed)

	data, _, err := c.Download(ctx, "/todo", "todo.txt")
	require.NoError(t, err)
	assert.Equal(t, "b\n", string(data), "failed upload leaves content untouched")
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewFs(afero.NewMemMapFs())
	_, err := c.GetMetadata(ctx, "/", "todo.txt")
	assert.ErrorIs(t, err, remote.ErrTransport)
}

func TestNewOnDisk(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir)
	require.NoError(t, err)

	ctx := context.Background()
	rev, err := c.Upload(ctx, "/todo", "done.txt", nil, []byte("x done\n"))
	require.NoError(t, err)
	_, err = c.Upload(ctx, "/todo", "done.txt", &rev, []byte("x done\nx more\n"))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "todo", "done.txt"))
	require.NoError(t, err)
	assert.Equal(t, "x done\nx more\n", string(data))

	entries, err := os.ReadDir(filepath.Join(dir, "todo"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temporary files are left behind")
	assert.Equal(t, "done.txt", entries[0].Name())

	_, err = New("")
	assert.Error(t, err)
}

func TestRegistered(t *testing.T) {
	assert.True(t, remote.IsRegistered(remote.KindDir))
	c, err := remote.New(remote.KindDir, remote.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &Client{}, c)
}
