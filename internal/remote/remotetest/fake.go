// Package remotetest provides an in-memory remote.Client for tests.
package remotetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/todosync/todosync/internal/remote"
)

type object struct {
	data     []byte
	revision string
}

// Fake is an in-memory remote.Client with call counters, failure injection
// and hooks. The zero value is not usable; call New.
type Fake struct {
	mu      sync.Mutex
	objects map[string]object
	nextRev int

	metadataCalls int
	uploadCalls   int
	downloadCalls int

	// Errors returned by the next call of each operation, then cleared.
	metadataErr error
	uploadErr   error
	downloadErr error

	// Hooks run before the operation, outside the lock.
	BeforeMetadata func(ctx context.Context)
	BeforeUpload   func(ctx context.Context)
	BeforeDownload func(ctx context.Context)
}

// New creates an empty Fake.
func New() *Fake {
	return &Fake{objects: make(map[string]object)}
}

func (f *Fake) revision() string {
	f.nextRev++
	return fmt.Sprintf("rev-%d", f.nextRev)
}

// Put stores data as if another device uploaded it and returns the revision.
func (f *Fake) Put(path, name string, data []byte) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	rev := f.revision()
	f.objects[remote.Key(path, name)] = object{data: append([]byte(nil), data...), revision: rev}
	return rev
}

// Get returns the stored content and whether it exists.
func (f *Fake) Get(path, name string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[remote.Key(path, name)]
	return o.data, ok
}

// Revision returns the stored revision, or "".
func (f *Fake) Revision(path, name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objects[remote.Key(path, name)].revision
}

// FailMetadata makes the next GetMetadata return err.
func (f *Fake) FailMetadata(err error) { f.mu.Lock(); f.metadataErr = err; f.mu.Unlock() }

// FailUpload makes the next Upload return err.
func (f *Fake) FailUpload(err error) { f.mu.Lock(); f.uploadErr = err; f.mu.Unlock() }

// FailDownload makes the next Download return err.
func (f *Fake) FailDownload(err error) { f.mu.Lock(); f.downloadErr = err; f.mu.Unlock() }

// Calls returns the number of metadata, upload and download calls.
func (f *Fake) Calls() (metadata, upload, download int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metadataCalls, f.uploadCalls, f.downloadCalls
}

// GetMetadata implements remote.Client.
func (f *Fake) GetMetadata(ctx context.Context, path, name string) (remote.Metadata, error) {
	if f.BeforeMetadata != nil {
		f.BeforeMetadata(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metadataCalls++
	if err := f.metadataErr; err != nil {
		f.metadataErr = nil
		return remote.Metadata{}, remote.Wrap("get_metadata", remote.Key(path, name), err, nil)
	}
	o, ok := f.objects[remote.Key(path, name)]
	if !ok {
		return remote.Metadata{}, nil
	}
	return remote.Metadata{Exists: true, Revision: o.revision}, nil
}

// Upload implements remote.Client.
func (f *Fake) Upload(ctx context.Context, path, name string, precondition *string, data []byte) (string, error) {
	if f.BeforeUpload != nil {
		f.BeforeUpload(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploadCalls++
	key := remote.Key(path, name)
	if err := f.uploadErr; err != nil {
		f.uploadErr = nil
		return "", remote.Wrap("upload", key, err, nil)
	}
	o, ok := f.objects[key]
	if precondition == nil && ok || precondition != nil && (!ok || o.revision != *precondition) {
		return "", remote.Wrap("upload", key, remote.ErrPreconditionFailed, nil)
	}
	rev := f.revision()
	f.objects[key] = object{data: append([]byte(nil), data...), revision: rev}
	return rev, nil
}

// Download implements remote.Client.
func (f *Fake) Download(ctx context.Context, path, name string) ([]byte, string, error) {
	if f.BeforeDownload != nil {
		f.BeforeDownload(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloadCalls++
	key := remote.Key(path, name)
	if err := f.downloadErr; err != nil {
		f.downloadErr = nil
		return nil, "", remote.Wrap("download", key, err, nil)
	}
	o, ok := f.objects[key]
	if !ok {
		return nil, "", remote.Wrap("download", key, remote.ErrNotFound, nil)
	}
	return append([]byte(nil), o.data...), o.revision, nil
}
