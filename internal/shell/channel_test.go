package shell_test

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"placesadmin/internal/shell"
	"placesadmin/internal/simulate"
)

// echoScript answers every command by echoing its last token.
func echoScript(command string) simulate.Response {
	fields := strings.Fields(command)
	return simulate.Response{Output: fields[len(fields)-1]}
}

func newTestChannel(t *testing.T, script simulate.Script, backoff time.Duration) *shell.Channel {
	t.Helper()
	ch, err := shell.New(shell.Options{
		Launcher:       simulate.Launcher(script),
		DefaultTimeout: 5 * time.Second,
		RestartBackoff: backoff,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func TestSubmitFramesOutputExactly(t *testing.T) {
	defer goleak.VerifyNone(t)

	ch := newTestChannel(t, echoScript, time.Second)

	res, err := ch.Submit(context.Background(), "echo X", 0)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if !res.Succeeded {
		t.Fatalf("expected success, got error text %q", res.ErrorText)
	}
	if res.Output != "X" {
		t.Fatalf("expected output %q, got %q", "X", res.Output)
	}
	if res.Duration <= 0 {
		t.Fatalf("expected positive duration, got %v", res.Duration)
	}

	_ = ch.Close()
}

func TestConcurrentSubmitsKeepSeparateWindows(t *testing.T) {
	ch := newTestChannel(t, echoScript, time.Second)

	const n = 20
	results := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := ch.Submit(context.Background(), fmt.Sprintf("echo cmd-%02d", i), 0)
			if err != nil {
				t.Errorf("Submit %d failed: %v", i, err)
				return
			}
			results[i] = res.Output
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		want := fmt.Sprintf("cmd-%02d", i)
		if results[i] != want {
			t.Fatalf("command %d got output %q, want %q: outputs crossed command windows", i, results[i], want)
		}
	}
}

// stderrProcess is a hand-wound Process whose per-command stderr is fully
// delivered before the sentinel appears on stdout, so the stderr window
// assertion cannot race the sentinel.
type stderrProcess struct {
	stdinR, stdoutR, stderrR *io.PipeReader
	stdinW, stdoutW, stderrW *io.PipeWriter
	done                     chan struct{}
	once                     sync.Once
}

func newStderrProcess() *stderrProcess {
	p := &stderrProcess{done: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	go p.run()
	return p
}

func (p *stderrProcess) Stdin() io.Writer  { return p.stdinW }
func (p *stderrProcess) Stdout() io.Reader { return p.stdoutR }
func (p *stderrProcess) Stderr() io.Reader { return p.stderrR }
func (p *stderrProcess) Wait() error       { <-p.done; return nil }
func (p *stderrProcess) Kill() error {
	p.once.Do(func() {
		close(p.done)
		p.stdinR.Close()
		p.stdoutW.Close()
		p.stderrW.Close()
	})
	return nil
}

func (p *stderrProcess) run() {
	scanner := bufio.NewScanner(p.stdinR)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "Write-Output ") {
			token := strings.Trim(strings.TrimPrefix(line, "Write-Output "), `"`)
			// Give the stderr reader goroutine time to record the
			// error line before the sentinel closes the window.
			time.Sleep(50 * time.Millisecond)
			fmt.Fprintln(p.stdoutW, token)
			continue
		}
		fmt.Fprintln(p.stderrW, "Access denied")
		fmt.Fprintln(p.stdoutW, "partial output")
	}
	_ = p.Kill()
}

func TestSubmitCapturesStderrWindow(t *testing.T) {
	ch, err := shell.New(shell.Options{
		Launcher:       func() (shell.Process, error) { return newStderrProcess(), nil },
		DefaultTimeout: 5 * time.Second,
		RestartBackoff: time.Second,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = ch.Close() })

	res, err := ch.Submit(context.Background(), "Get-Thing", 0)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if res.Succeeded {
		t.Fatal("expected classification failure for hard-failure stderr")
	}
	if !strings.Contains(res.ErrorText, "Access denied") {
		t.Fatalf("expected stderr captured, got %q", res.ErrorText)
	}
	if res.Output != "partial output" {
		t.Fatalf("expected stdout preserved alongside stderr, got %q", res.Output)
	}
}

func TestSubmitTimeoutAbandonsAndRecovers(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	script := func(command string) simulate.Response {
		if strings.HasPrefix(command, "slow") {
			<-release // hold the whole stream hostage until released
			return simulate.Response{Output: "late output"}
		}
		return echoScript(command)
	}

	ch := newTestChannel(t, script, time.Second)
	t.Cleanup(func() { once.Do(func() { close(release) }) })

	_, err := ch.Submit(context.Background(), "slow thing", 50*time.Millisecond)
	if !errors.Is(err, shell.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	// The timed-out command is still running remotely. Let it complete; its
	// late segment must be discarded rather than delivered to the next
	// command.
	done := make(chan struct{})
	var nextRes shell.Result
	var nextErr error
	go func() {
		defer close(done)
		nextRes, nextErr = ch.Submit(context.Background(), "echo after", 2*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	once.Do(func() { close(release) })

	<-done
	if nextErr != nil {
		t.Fatalf("follow-up Submit failed: %v", nextErr)
	}
	if nextRes.Output != "after" {
		t.Fatalf("late output polluted the next command window: got %q", nextRes.Output)
	}
}

func TestProcessDeathFailsQueueAndRestarts(t *testing.T) {
	var mu sync.Mutex
	var procs []*simulate.Process
	launcher := func() (shell.Process, error) {
		p := simulate.NewProcess(echoScript)
		mu.Lock()
		procs = append(procs, p)
		mu.Unlock()
		return p, nil
	}

	ch, err := shell.New(shell.Options{
		Launcher:       launcher,
		DefaultTimeout: 5 * time.Second,
		RestartBackoff: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = ch.Close() })

	if _, err := ch.Submit(context.Background(), "echo warmup", 0); err != nil {
		t.Fatalf("warmup Submit failed: %v", err)
	}

	mu.Lock()
	first := procs[0]
	mu.Unlock()
	_ = first.Kill()

	// Submissions are refused until the backoff elapses and the process
	// respawns, then flow again.
	deadline := time.Now().Add(2 * time.Second)
	for {
		res, err := ch.Submit(context.Background(), "echo revived", 0)
		if err == nil {
			if res.Output != "revived" {
				t.Fatalf("post-restart output = %q", res.Output)
			}
			break
		}
		if !errors.Is(err, shell.ErrProcessExited) {
			t.Fatalf("expected ErrProcessExited while down, got %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("channel never restarted after process death")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if got := ch.Status().Restarts; got != 1 {
		t.Fatalf("expected 1 restart, got %d", got)
	}
}

func TestCloseFailsQueuedCommands(t *testing.T) {
	defer goleak.VerifyNone(t)

	block := make(chan struct{})
	script := func(command string) simulate.Response {
		<-block
		return simulate.Response{Output: "never"}
	}
	ch := newTestChannel(t, script, time.Second)

	errCh := make(chan error, 1)
	go func() {
		_, err := ch.Submit(context.Background(), "hang", 10*time.Second)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := ch.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	close(block) // let the script goroutine drain and exit

	err := <-errCh
	if !errors.Is(err, shell.ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed for queued command, got %v", err)
	}
}

func TestSubmitAfterCloseFails(t *testing.T) {
	ch := newTestChannel(t, echoScript, time.Second)
	_ = ch.Close()

	if _, err := ch.Submit(context.Background(), "echo x", 0); !errors.Is(err, shell.ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}
}
