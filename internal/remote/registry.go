package remote

import (
	"fmt"
	"sort"
	"sync"
)

// Kind names a remote backend.
type Kind string

// Built-in backend kinds.
const (
	KindDir     Kind = "dir"
	KindS3      Kind = "s3"
	KindDropbox Kind = "dropbox"
)

// Constructor creates a Client from options.
// Backends register themselves with the registry using Register().
type Constructor func(opts Options) (Client, error)

var (
	registry      = make(map[Kind]Constructor)
	registryMutex sync.RWMutex
)

// Register registers a backend constructor. It is called from init()
// functions in backend packages and panics on misuse.
//
//	func init() {
//	    remote.Register(remote.KindDir, New)
//	}
func Register(kind Kind, constructor Constructor) {
	registryMutex.Lock()
	defer registryMutex.Unlock()

	if constructor == nil {
		panic(fmt.Sprintf("remote: Register constructor is nil for kind %s", kind))
	}
	if _, exists := registry[kind]; exists {
		panic(fmt.Sprintf("remote: Register called twice for kind %s", kind))
	}
	registry[kind] = constructor
}

// New creates a client of the given kind.
func New(kind Kind, opts Options) (Client, error) {
	registryMutex.RLock()
	constructor := registry[kind]
	registryMutex.RUnlock()

	if constructor == nil {
		return nil, fmt.Errorf("remote backend %q is not registered", kind)
	}
	return constructor(opts)
}

// IsRegistered returns true if a constructor is registered for kind.
func IsRegistered(kind Kind) bool {
	registryMutex.RLock()
	defer registryMutex.RUnlock()
	_, exists := registry[kind]
	return exists
}

// RegisteredKinds returns all registered kinds in sorted order.
func RegisteredKinds() []Kind {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	kinds := make([]Kind, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// unregisterAll clears the registry. Tests only.
func unregisterAll() {
	registryMutex.Lock()
	defer registryMutex.Unlock()
	registry = make(map[Kind]Constructor)
}
