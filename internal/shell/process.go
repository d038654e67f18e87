package shell

import (
	"fmt"
	"io"
	"os/exec"
)

// Process is the slice of a running interactive process the channel needs.
// Tests substitute scripted implementations; production code wraps exec.Cmd.
type Process interface {
	Stdin() io.Writer
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the process exits.
	Wait() error
	// Kill terminates the process. Wait still returns afterwards.
	Kill() error
}

// Launcher spawns a fresh process. The channel calls it once at startup and
// again after every unexpected exit.
type Launcher func() (Process, error)

// execProcess wraps an exec.Cmd with its pipes.
type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func (p *execProcess) Stdin() io.Writer  { return p.stdin }
func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }
func (p *execProcess) Wait() error       { return p.cmd.Wait() }

func (p *execProcess) Kill() error {
	_ = p.stdin.Close()
	if p.cmd.Process != nil {
		return p.cmd.Process.Kill()
	}
	return nil
}

// CommandLauncher returns a Launcher that spawns the given binary with
// stdin/stdout/stderr pipes attached.
func CommandLauncher(name string, args ...string) Launcher {
	return func() (Process, error) {
		cmd := exec.Command(name, args...)

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("failed to start %s: %w", name, err)
		}

		return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
	}
}
