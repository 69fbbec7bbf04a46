// Package remote provides an opaque "run this command on node X"
// executor used for block-disk transfer, pre-flight checks and
// rollback actions.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Executor runs commands and transfers files on cluster nodes.
type Executor interface {
	// Run executes the command on the given node and waits for it.
	Run(ctx context.Context, node string, args ...string) error

	// Output executes the command and returns its standard output.
	Output(ctx context.Context, node string, args ...string) ([]byte, error)

	// CopyFile performs a bulk copy of a local file to a path
	// on the given node, preserving sparse regions.
	CopyFile(ctx context.Context, node, src, dst string) error

	// SyncFile performs an incremental in-place resync of a previously
	// copied file, transferring only changed blocks.
	SyncFile(ctx context.Context, node, src, dst string) error
}

// CommandError indicates a non-zero exit of a remote operation.
type CommandError struct {
	Node     string
	Cmd      string
	ExitCode int
	Output   string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("remote command failed on %s (exit code = %d): %s", e.Node, e.ExitCode, e.Cmd)

	if out := strings.TrimSpace(e.Output); len(out) > 0 {
		msg += ": " + out
	}

	return msg
}

func IsCommandError(err error) bool {
	var e *CommandError

	return errors.As(err, &e)
}
