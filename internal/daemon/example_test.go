package daemon_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/todosync/todosync/internal/daemon"
	"github.com/todosync/todosync/internal/localstore"
	"github.com/todosync/todosync/internal/orchestrator"
	"github.com/todosync/todosync/internal/remote/remotetest"
	"github.com/todosync/todosync/internal/state"
	"github.com/todosync/todosync/internal/sync"
	"github.com/todosync/todosync/internal/task"
)

// Example_basicUsage runs the daemon over a directory of task files. It
// pulls the remote copy on startup and saves list edits after a debounce.
func Example_basicUsage() {
	dir, err := os.MkdirTemp("", "todosync-daemon-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	db, err := state.Open(filepath.Join(dir, "state", "todosync.db"))
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	local, err := localstore.NewDir(filepath.Join(dir, "files"))
	if err != nil {
		log.Fatal(err)
	}

	// Another device already shared a list.
	shared := remotetest.New()
	shared.Put("/todo", "todo.txt", []byte("(A) buy milk\n"))

	primary, err := sync.New(sync.DefaultConfig("todo.txt"), local, shared, db, sync.Options{Tokens: db})
	if err != nil {
		log.Fatal(err)
	}
	defer primary.Close()
	archive, err := sync.New(sync.DefaultConfig("done.txt"), local, shared, db, sync.Options{Tokens: db})
	if err != nil {
		log.Fatal(err)
	}
	defer archive.Close()

	coord, err := orchestrator.New(primary, archive, orchestrator.Config{}, nil)
	if err != nil {
		log.Fatal(err)
	}

	config := &daemon.Config{
		DebounceInterval:     50 * time.Millisecond,
		RetryInitialInterval: time.Second,
		SyncOnStartup:        true,
		Logger:               zap.NewNop(),
	}
	d, err := daemon.New(coord, local, filepath.Join(dir, "files"), config)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()
	<-d.Ready()

	waitFor(func() bool { return primary.List().Len() == 1 })
	fmt.Println("pulled:", primary.List().Tasks()[0])

	// Edits are made to the in-memory list and reach disk on their own.
	primary.List().Add(task.Parse("call mom"))
	waitFor(func() bool { return !primary.Dirty() })

	cancel()
	if err := <-errCh; err != nil {
		log.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "files", "todo.txt"))
	if err != nil {
		log.Fatal(err)
	}
	fmt.Print(string(data))

	// Output:
	// pulled: (A) buy milk
	// (A) buy milk
	// call mom
}

func waitFor(cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			log.Fatal("timed out")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
