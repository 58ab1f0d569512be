// Package dirremote implements a remote.Client on a directory, typically a
// folder mounted from a file server or kept in sync by another tool.
// Revisions are content hashes.
package dirremote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/natefinch/atomic"
	"github.com/spf13/afero"

	"github.com/todosync/todosync/internal/remote"
)

func init() {
	remote.Register(remote.KindDir, func(opts remote.Options) (remote.Client, error) {
		return New(opts.Dir)
	})
}

// Client stores files under a root directory.
type Client struct {
	fs afero.Fs

	// root is the OS directory behind fs, empty for other filesystems.
	// Uploads under an OS root are written with atomic.WriteFile.
	root string

	// mu serializes precondition checks with writes within this process.
	mu sync.Mutex
}

// New creates a client rooted at dir on the OS filesystem.
func New(dir string) (*Client, error) {
	if dir == "" {
		return nil, fmt.Errorf("remote dir cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create remote dir: %w", err)
	}
	c := NewFs(afero.NewBasePathFs(afero.NewOsFs(), dir))
	c.root = dir
	return c, nil
}

// NewFs creates a client on an arbitrary filesystem.
func NewFs(fsys afero.Fs) *Client {
	return &Client{fs: fsys}
}

// Revision returns the revision the client assigns to content.
func Revision(data []byte) string {
	return strconv.FormatUint(xxhash.Sum64(data), 16)
}

// GetMetadata implements remote.Client.
func (c *Client) GetMetadata(ctx context.Context, dir, name string) (remote.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return remote.Metadata{}, remote.Wrap("get_metadata", remote.Key(dir, name), remote.ErrTransport, err)
	}
	data, err := afero.ReadFile(c.fs, remote.Key(dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return remote.Metadata{Exists: false}, nil
	}
	if err != nil {
		return remote.Metadata{}, remote.Wrap("get_metadata", remote.Key(dir, name), remote.ErrTransport, err)
	}
	return remote.Metadata{Exists: true, Revision: Revision(data)}, nil
}

// Download implements remote.Client.
func (c *Client) Download(ctx context.Context, dir, name string) ([]byte, string, error) {
	key := remote.Key(dir, name)
	if err := ctx.Err(); err != nil {
		return nil, "", remote.Wrap("download", key, remote.ErrTransport, err)
	}
	data, err := afero.ReadFile(c.fs, key)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", remote.Wrap("download", key, remote.ErrNotFound, nil)
	}
	if err != nil {
		return nil, "", remote.Wrap("download", key, remote.ErrTransport, err)
	}
	return data, Revision(data), nil
}

// Upload implements remote.Client.
func (c *Client) Upload(ctx context.Context, dir, name string, precondition *string, data []byte) (string, error) {
	key := remote.Key(dir, name)
	if err := ctx.Err(); err != nil {
		return "", remote.Wrap("upload", key, remote.ErrTransport, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := afero.ReadFile(c.fs, key)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if precondition != nil {
			return "", remote.Wrap("upload", key, remote.ErrPreconditionFailed, nil)
		}
	case err != nil:
		return "", remote.Wrap("upload", key, remote.ErrTransport, err)
	case precondition == nil || Revision(current) != *precondition:
		return "", remote.Wrap("upload", key, remote.ErrPreconditionFailed, nil)
	}

	if d := path.Dir(key); d != "." {
		if err := c.fs.MkdirAll(d, 0o700); err != nil {
			return "", remote.Wrap("upload", key, remote.ErrTransport, err)
		}
	}
	if err := c.write(key, data); err != nil {
		return "", remote.Wrap("upload", key, remote.ErrTransport, err)
	}
	return Revision(data), nil
}

// write replaces key so readers never see a partial file.
func (c *Client) write(key string, data []byte) error {
	if c.root != "" {
		return atomic.WriteFile(filepath.Join(c.root, filepath.FromSlash(key)), bytes.NewReader(data))
	}
	tmp := key + ".upload"
	if err := afero.WriteFile(c.fs, tmp, data, 0o600); err != nil {
		return err
	}
	if err := c.fs.Rename(tmp, key); err != nil {
		_ = c.fs.Remove(tmp)
		return err
	}
	return nil
}
