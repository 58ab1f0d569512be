package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/todosync/todosync/internal/localstore"
	"github.com/todosync/todosync/internal/orchestrator"
	"github.com/todosync/todosync/internal/remote"
	_ "github.com/todosync/todosync/internal/remote/dirremote"
	_ "github.com/todosync/todosync/internal/remote/dropbox"
	_ "github.com/todosync/todosync/internal/remote/s3remote"
	"github.com/todosync/todosync/internal/state"
	tsync "github.com/todosync/todosync/internal/sync"
)

// Which file a command operates on.
const (
	filePrimary = "primary"
	fileArchive = "archive"
	fileAll     = "all"
)

// engine wires the configured stores, remote and orchestrators.
type engine struct {
	db      *state.DB
	local   *localstore.FsStore
	client  remote.Client
	primary *tsync.Orchestrator
	archive *tsync.Orchestrator
	coord   *orchestrator.Coordinator
}

func openEngine() (*engine, error) {
	local, err := localstore.NewDir(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	db, err := state.Open(cfg.StatePath())
	if err != nil {
		return nil, err
	}

	e := &engine{db: db, local: local}
	if err := e.wire(); err != nil {
		e.Close()
		return nil, err
	}
	logger.Debug("engine ready",
		zap.String("data_dir", cfg.DataDir),
		zap.String("remote", cfg.Remote.Kind))
	return e, nil
}

func (e *engine) wire() error {
	var err error
	e.client, err = remote.New(remote.Kind(cfg.Remote.Kind), cfg.RemoteOptions(e.db))
	if err != nil {
		return err
	}

	opts := tsync.Options{Tokens: e.db, Logger: logger}
	e.primary, err = tsync.New(e.fileConfig(cfg.Files.Primary), e.local, e.client, e.db, opts)
	if err != nil {
		return err
	}
	e.archive, err = tsync.New(e.fileConfig(cfg.Files.Archive), e.local, e.client, e.db, opts)
	if err != nil {
		return err
	}
	e.coord, err = orchestrator.New(e.primary, e.archive,
		orchestrator.Config{PreserveLineNumbers: cfg.Archive.PreserveLineNumbers}, logger)
	return err
}

func (e *engine) fileConfig(name string) tsync.Config {
	return tsync.Config{
		Name:            name,
		RemotePath:      cfg.Files.RemotePath,
		RerunOnConflict: cfg.Sync.RerunOnConflict,
	}
}

// Close releases the orchestrators and the state database.
func (e *engine) Close() {
	for _, o := range []*tsync.Orchestrator{e.primary, e.archive} {
		if o != nil {
			o.Close()
		}
	}
	if err := e.db.Close(); err != nil {
		logger.Warn("failed to close state database", zap.Error(err))
	}
}

// files resolves a primary/archive/all argument.
func (e *engine) files(which string) ([]*tsync.Orchestrator, error) {
	switch which {
	case filePrimary:
		return []*tsync.Orchestrator{e.primary}, nil
	case fileArchive:
		return []*tsync.Orchestrator{e.archive}, nil
	case fileAll, "":
		return []*tsync.Orchestrator{e.primary, e.archive}, nil
	default:
		return nil, fmt.Errorf("unknown file %q (want %s, %s or %s)", which, filePrimary, fileArchive, fileAll)
	}
}
