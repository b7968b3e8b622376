package revert

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// credentialEnv carries the operator credential into the tool's process
// environment; it never appears in argv or logs.
const credentialEnv = "OSM_REVERT_OAUTH_TOKEN"

// RunSpec is everything one external revert invocation needs besides the
// changeset id.
type RunSpec struct {
	Comment          string
	DiscussionTarget string
	Query            string
	OnlyTags         []string
	FixParents       bool
	DryRun           bool
	Env              map[string]string
	Credential       string
}

// Runner performs a single revert attempt for one changeset. A nil error
// means the revert succeeded; any failure is retryable by the caller.
type Runner interface {
	Run(ctx context.Context, changesetID int64, spec RunSpec, logLine func(string)) error
}

// ProcessRunner executes the external revert tool as an isolated child
// process so a hang or crash in the tool cannot take the engine down
// with it. The child gets its own process group and is SIGKILLed as a
// group on cancellation, so the tool's own children are not orphaned.
type ProcessRunner struct {
	ToolPath string
}

func (r *ProcessRunner) Run(ctx context.Context, changesetID int64, spec RunSpec, logLine func(string)) error {
	args := []string{"--changeset", strconv.FormatInt(changesetID, 10)}
	if spec.Comment != "" {
		args = append(args, "--comment", spec.Comment)
	}
	if spec.DiscussionTarget != "" {
		args = append(args, "--discussion-target", spec.DiscussionTarget)
	}
	if spec.Query != "" {
		args = append(args, "--query", spec.Query)
	}
	for _, tag := range spec.OnlyTags {
		args = append(args, "--only-tags", tag)
	}
	if spec.FixParents {
		args = append(args, "--fix-parents")
	}
	if spec.DryRun {
		args = append(args, "--dry-run")
	}

	cmd := exec.CommandContext(ctx, r.ToolPath, args...)
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if spec.Credential != "" {
		cmd.Env = append(cmd.Env, credentialEnv+"="+spec.Credential)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return err
	}
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return fmt.Errorf("start %s: %w", r.ToolPath, err)
	}
	// The child holds its own copy of the write end; close ours so the
	// scanner sees EOF when the child exits.
	pw.Close()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		logLine(strings.TrimRight(scanner.Text(), " \r"))
	}
	pr.Close()

	err = cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("revert tool exited with status %d", exitErr.ExitCode())
	}
	return err
}
