package remote

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"syscall"
)

var defaultSSHOptions = []string{
	"-o", "BatchMode=yes",
	"-o", "ConnectTimeout=10",
	"-o", "StrictHostKeyChecking=accept-new",
}

// SSHExecutor runs remote commands over ssh and transfers
// disk images with rsync.
type SSHExecutor struct {
	User string
}

func NewSSHExecutor(user string) *SSHExecutor {
	if len(user) == 0 {
		user = "root"
	}

	return &SSHExecutor{User: user}
}

func (e *SSHExecutor) target(node string) string {
	return e.User + "@" + node
}

func (e *SSHExecutor) Run(ctx context.Context, node string, args ...string) error {
	_, err := e.Output(ctx, node, args...)

	return err
}

func (e *SSHExecutor) Output(ctx context.Context, node string, args ...string) ([]byte, error) {
	sshArgs := append(append([]string{}, defaultSSHOptions...), e.target(node), "--")
	sshArgs = append(sshArgs, args...)

	cmd := exec.CommandContext(ctx, "ssh", sshArgs...)

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		code, _ := CommandExitCode(err)

		return nil, &CommandError{
			Node:     node,
			Cmd:      strings.Join(args, " "),
			ExitCode: code,
			Output:   stderr.String(),
		}
	}

	return stdout.Bytes(), nil
}

func (e *SSHExecutor) CopyFile(ctx context.Context, node, src, dst string) error {
	return e.rsync(ctx, node, src, dst, "--sparse")
}

func (e *SSHExecutor) SyncFile(ctx context.Context, node, src, dst string) error {
	// In-place delta transfer: only changed blocks cross the wire
	// and holes in the image are not expanded on the target.
	return e.rsync(ctx, node, src, dst, "--inplace", "--no-whole-file")
}

func (e *SSHExecutor) rsync(ctx context.Context, node, src, dst string, extra ...string) error {
	args := append([]string{"--archive", "--partial"}, extra...)
	args = append(args, "-e", "ssh "+strings.Join(defaultSSHOptions, " "))
	args = append(args, src, e.target(node)+":"+dst)

	cmd := exec.CommandContext(ctx, "rsync", args...)

	var stderr bytes.Buffer

	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		code, _ := CommandExitCode(err)

		return &CommandError{
			Node:     node,
			Cmd:      "rsync " + src + " -> " + dst,
			ExitCode: code,
			Output:   stderr.String(),
		}
	}

	return nil
}

// CommandExitCode extracts the exit code from an exec error.
func CommandExitCode(err error) (int, bool) {
	if err == nil {
		return 0, true
	}

	var exitCode int

	if exiterr, ok := err.(*exec.ExitError); ok {
		status := exiterr.Sys().(syscall.WaitStatus)

		switch {
		case status.Exited():
			exitCode = status.ExitStatus()
		case status.Signaled():
			exitCode = 128 + int(status.Signal())
		}
	} else {
		return 1, false
	}

	return exitCode, true
}
