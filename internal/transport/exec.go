package transport

import (
	"context"
	"os"
	"os/exec"
	"time"
)

// CommandFactory builds the subprocess serving op for the repository at dir.
// env holds extra KEY=VALUE pairs negotiated by the client (GIT_PROTOCOL).
type CommandFactory func(ctx context.Context, op Op, dir string, env []string) *exec.Cmd

// GitCommand returns a factory running "<gitBinary> upload-pack|receive-pack <dir>".
// The process is killed when ctx is cancelled.
func GitCommand(gitBinary string) CommandFactory {
	if gitBinary == "" {
		gitBinary = "git"
	}
	return func(ctx context.Context, op Op, dir string, env []string) *exec.Cmd {
		cmd := exec.CommandContext(ctx, gitBinary, op.Subcommand(), dir) // #nosec G204 - op is a closed enum, dir is resolved under the root
		cmd.Env = append(os.Environ(), env...)
		cmd.WaitDelay = 5 * time.Second
		return cmd
	}
}

// exitCode maps a Wait error onto the status sent to the client
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if ee, ok := err.(*exec.ExitError); ok {
		if code := ee.ExitCode(); code > 0 {
			return code
		}
	}
	return 1
}
