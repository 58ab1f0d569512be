// Package remote defines the single-file remote object store the sync engine
// talks to, its error taxonomy, and a registry of backends.
//
// A Client addresses files by a folder path and a file name. Revisions are
// opaque strings issued by the backend; callers compare them for equality
// only and pass them back as upload preconditions.
//
// Backends live in subpackages and register themselves from init():
//
//	import _ "github.com/todosync/todosync/internal/remote/dirremote"
//
//	client, err := remote.New(remote.KindDir, remote.Options{Dir: "/srv/todo"})
package remote

import (
	"context"
	"time"
)

// Metadata describes the remote copy of a file.
type Metadata struct {
	// Exists is false when the file is not present remotely.
	Exists bool

	// Revision identifies the remote content. Empty when Exists is false.
	Revision string
}

// Client is a remote object store holding one file per (path, name).
type Client interface {
	// GetMetadata returns the current metadata of a file. A missing file is
	// reported as Metadata{Exists: false} with a nil error.
	GetMetadata(ctx context.Context, path, name string) (Metadata, error)

	// Upload stores data and returns the new revision. A nil precondition
	// only creates, failing with ErrPreconditionFailed if the file exists.
	// A non-nil precondition fails with ErrPreconditionFailed unless the
	// current remote revision equals it.
	Upload(ctx context.Context, path, name string, precondition *string, data []byte) (string, error)

	// Download returns the file content and its revision.
	Download(ctx context.Context, path, name string) ([]byte, string, error)
}

// TokenStore provides the credential used by authenticated backends.
type TokenStore interface {
	// Token returns the stored access token, or "" when none is stored.
	Token(ctx context.Context) (string, error)
	// ClearToken forgets the stored access token.
	ClearToken(ctx context.Context) error
}

// Options carries backend settings. Each backend reads the fields it needs.
type Options struct {
	// Timeout bounds a single remote request.
	Timeout time.Duration

	// Dir is the root directory of the dir backend.
	Dir string

	// Bucket, Region, Endpoint, Prefix and UsePathStyle configure the s3 backend.
	Bucket       string
	Region       string
	Endpoint     string
	Prefix       string
	UsePathStyle bool

	// APIURL and ContentURL override the dropbox endpoints.
	APIURL     string
	ContentURL string

	// Tokens supplies credentials to authenticated backends.
	Tokens TokenStore
}

// Key joins a folder path and a file name into an object key without a
// leading slash.
func Key(path, name string) string {
	for len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	for len(path) > 0 && path[len(path)-1] == '/' {
		path = path[:len(path)-1]
	}
	if path == "" {
		return name
	}
	return path + "/" + name
}
