package sync

import (
	"github.com/todosync/todosync/internal/remote"
	"github.com/todosync/todosync/internal/state"
)

// Action is what one sync pass does.
type Action string

const (
	// ActionNone means local and remote are consistent.
	ActionNone Action = "none"
	// ActionBootstrap creates an empty local file when neither side has one.
	ActionBootstrap Action = "bootstrap"
	// ActionPush uploads the local file.
	ActionPush Action = "push"
	// ActionPull replaces the local file with the remote one.
	ActionPull Action = "pull"
	// ActionMerge three-way merges local and remote and uploads the result.
	ActionMerge Action = "merge"
)

// Decide picks the action for one sync pass from a single snapshot of
// remote metadata, local file presence and persisted metadata.
//
//	remote  local  revision  changes   action
//	absent  yes    -         -         push (no precondition)
//	absent  no     -         -         bootstrap
//	present no     -         -         pull
//	present yes    empty     -         merge (no common ancestor)
//	present yes    equal     no        none
//	present yes    differs   no        pull
//	present yes    differs   yes       merge
//	present yes    equal     yes       push (precondition = revision)
func Decide(rmd remote.Metadata, localExists bool, md state.Metadata) Action {
	switch {
	case !rmd.Exists && localExists:
		return ActionPush
	case !rmd.Exists:
		return ActionBootstrap
	case !localExists:
		return ActionPull
	case md.LocalRevision == "":
		return ActionMerge
	}

	same := md.LocalRevision == rmd.Revision
	switch {
	case same && !md.HasChanges:
		return ActionNone
	case !same && !md.HasChanges:
		return ActionPull
	case !same && md.HasChanges:
		return ActionMerge
	default:
		return ActionPush
	}
}
