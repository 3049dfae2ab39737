package install

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
)

// cmdResult mirrors a finished process: captured output plus whether it
// exited zero. run errors only when the process could not be started.
type cmdResult struct {
	stdout []byte
	stderr []byte
	ok     bool
}

// commandRunner is the seam between install steps and the host. Steps
// never invoke a shell; argv goes to exec directly, and anything secret
// travels on stdin or in the environment, never in the argument list.
type commandRunner interface {
	run(ctx context.Context, name string, args ...string) (cmdResult, error)
	runStdin(ctx context.Context, stdin []byte, name string, args ...string) (cmdResult, error)
	runEnv(ctx context.Context, extraEnv []string, name string, args ...string) (cmdResult, error)
}

type execRunner struct{}

func (execRunner) run(ctx context.Context, name string, args ...string) (cmdResult, error) {
	return runCmd(exec.CommandContext(ctx, name, args...), nil)
}

func (execRunner) runStdin(ctx context.Context, stdin []byte, name string, args ...string) (cmdResult, error) {
	return runCmd(exec.CommandContext(ctx, name, args...), stdin)
}

func (execRunner) runEnv(ctx context.Context, extraEnv []string, name string, args ...string) (cmdResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(cmd.Environ(), extraEnv...)
	return runCmd(cmd, nil)
}

func runCmd(cmd *exec.Cmd, stdin []byte) (cmdResult, error) {
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	err := cmd.Run()
	res := cmdResult{stdout: out.Bytes(), stderr: errBuf.Bytes(), ok: err == nil}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return res, nil
		}
		return res, err
	}
	return res, nil
}
