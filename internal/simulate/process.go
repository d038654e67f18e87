// Package simulate provides a scripted in-process stand-in for the remote
// shell, so the console runs end-to-end with canned responses and no remote
// system. It implements the same Process seam the real launcher does.
package simulate

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"

	"placesadmin/internal/shell"
)

// Response is what the script returns for one command.
type Response struct {
	Output    string `yaml:"output"`
	ErrorText string `yaml:"error_text"`
}

// Script resolves a submitted command line to a canned response.
type Script func(command string) Response

// Process is a fake interactive shell driven by a Script. Lines arriving on
// stdin are either echo directives (answered by printing their quoted
// argument, which is how the channel's sentinel framing keeps working) or
// commands (answered from the script).
type Process struct {
	script Script

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	once sync.Once
	done chan struct{}
}

// NewProcess starts a scripted process. It is live immediately.
func NewProcess(script Script) *Process {
	p := &Process{script: script, done: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	go p.run()
	return p
}

// Launcher adapts a Script to the channel's launcher seam.
func Launcher(script Script) shell.Launcher {
	return func() (shell.Process, error) {
		return NewProcess(script), nil
	}
}

func (p *Process) Stdin() io.Writer  { return p.stdinW }
func (p *Process) Stdout() io.Reader { return p.stdoutR }
func (p *Process) Stderr() io.Reader { return p.stderrR }

// Wait blocks until Kill.
func (p *Process) Wait() error {
	<-p.done
	return nil
}

// Kill shuts the fake process down and closes its pipes.
func (p *Process) Kill() error {
	p.once.Do(func() {
		close(p.done)
		_ = p.stdinR.Close()
		_ = p.stdoutW.Close()
		_ = p.stderrW.Close()
	})
	return nil
}

func (p *Process) run() {
	scanner := bufio.NewScanner(p.stdinR)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if echoed, ok := parseEchoDirective(line); ok {
			fmt.Fprintln(p.stdoutW, echoed)
			continue
		}

		resp := p.script(line)
		if resp.Output != "" {
			fmt.Fprintln(p.stdoutW, resp.Output)
		}
		if resp.ErrorText != "" {
			fmt.Fprintln(p.stderrW, resp.ErrorText)
		}
	}
	_ = p.Kill()
}

// parseEchoDirective recognizes `Write-Output "token"` and `echo "token"`
// lines and extracts the token.
func parseEchoDirective(line string) (string, bool) {
	for _, prefix := range []string{"Write-Output ", "echo "} {
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		arg := strings.TrimSpace(strings.TrimPrefix(line, prefix))
		return strings.Trim(arg, `"'`), true
	}
	return "", false
}
