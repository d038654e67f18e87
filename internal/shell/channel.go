// Package shell owns the persistent interactive process the admin console
// drives the remote management system through. A Channel serializes command
// submission over one process, frames the unframed output stream with a
// sentinel token, classifies each command's success heuristically, and
// restarts the process after crashes.
package shell

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"placesadmin/internal/logging"
)

// Result is what a completed command yields.
type Result struct {
	Output    string        `json:"output"`
	ErrorText string        `json:"errorText,omitempty"`
	Succeeded bool          `json:"succeeded"`
	Duration  time.Duration `json:"duration"`
}

// Options configures a Channel.
type Options struct {
	// Launcher spawns the backing process. Required.
	Launcher Launcher

	// EchoDirective is the command that makes the remote shell print its
	// argument, with %s standing in for the sentinel token. Defaults to
	// `Write-Output "%s"`.
	EchoDirective string

	// DefaultTimeout applies when Submit is called with a zero timeout.
	DefaultTimeout time.Duration

	// RestartBackoff is the fixed delay before respawning after an
	// unexpected exit.
	RestartBackoff time.Duration

	// Classifier decides success/failure from command text and the two
	// output streams. Defaults to DefaultClassifier.
	Classifier Classifier
}

// Status is a point-in-time snapshot of channel health for diagnostics.
type Status struct {
	Running   bool   `json:"running"`
	Queued    int    `json:"queued"`
	Restarts  int    `json:"restarts"`
	LastError string `json:"lastError,omitempty"`
}

type channelState int

const (
	stateIdle channelState = iota // never started
	stateRunning
	stateDown // process died, restart pending
	stateClosed
)

type outcome struct {
	res Result
	err error
}

type pending struct {
	command      string
	dispatched   bool
	dispatchedAt time.Time
	done         chan outcome // buffered 1
}

// Channel runs text commands against one persistent interactive process,
// strictly one in flight at a time, completing them in submission order.
// Construct with New; instances are independent and safe for concurrent use.
type Channel struct {
	opts     Options
	sentinel string

	mu        sync.Mutex
	state     channelState
	proc      Process
	gen       int // process generation; stale reader callbacks are ignored
	queue     []*pending
	discard   int // sentinel segments to drop for abandoned commands
	stderrBuf strings.Builder
	restarts  int
	lastError string
	restart   *time.Timer
	wg        sync.WaitGroup
}

// New creates a Channel. The process is not spawned until the first Submit
// (or an explicit Open).
func New(opts Options) (*Channel, error) {
	if opts.Launcher == nil {
		return nil, fmt.Errorf("shell: launcher required")
	}
	if opts.EchoDirective == "" {
		opts.EchoDirective = `Write-Output "%s"`
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.RestartBackoff <= 0 {
		opts.RestartBackoff = 5 * time.Second
	}
	if opts.Classifier == nil {
		opts.Classifier = DefaultClassifier
	}

	return &Channel{
		opts:     opts,
		sentinel: uuid.NewString(),
	}, nil
}

// Open spawns the backing process eagerly. Submit does this lazily, so Open
// is only needed when the caller wants startup failures up front.
func (c *Channel) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateClosed:
		return ErrChannelClosed
	case stateRunning:
		return nil
	case stateDown:
		return ErrProcessExited
	}
	return c.spawnLocked()
}

// Close tears the channel down: the process is killed and all queued
// commands fail with ErrChannelClosed. The channel cannot be reopened.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = stateClosed
	if c.restart != nil {
		c.restart.Stop()
	}
	c.failQueueLocked(ErrChannelClosed)
	proc := c.proc
	c.proc = nil
	c.mu.Unlock()

	if proc != nil {
		_ = proc.Kill()
	}

	// Readers end once the killed process closes its pipes; bound the wait
	// in case a pipe never delivers EOF.
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logging.ShellWarn("timeout waiting for channel goroutines to exit")
	}

	logging.Shell("channel closed")
	return nil
}

// Status reports channel health.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Running:   c.state == stateRunning,
		Queued:    len(c.queue),
		Restarts:  c.restarts,
		LastError: c.lastError,
	}
}

// Submit queues commandText and blocks until it completes, times out, or the
// process dies. Commands complete in strict submission order. A zero timeout
// uses the configured default; the window covers queue wait plus execution.
//
// Classification failure is not a transport error: the Result comes back
// with Succeeded=false and a nil error. Callers needing retries resubmit.
func (c *Channel) Submit(ctx context.Context, commandText string, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = c.opts.DefaultTimeout
	}

	p := &pending{
		command: commandText,
		done:    make(chan outcome, 1),
	}

	c.mu.Lock()
	switch c.state {
	case stateClosed:
		c.mu.Unlock()
		return Result{}, ErrChannelClosed
	case stateDown:
		c.mu.Unlock()
		return Result{}, fmt.Errorf("%w: restart pending", ErrProcessExited)
	case stateIdle:
		if err := c.spawnLocked(); err != nil {
			c.mu.Unlock()
			return Result{}, err
		}
	}
	c.queue = append(c.queue, p)
	c.maybeDispatchLocked()
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-p.done:
		return out.res, out.err
	case <-timer.C:
		if c.abandon(p) {
			logging.ShellWarn("command timed out after %v: %s", timeout, commandText)
			return Result{}, fmt.Errorf("%w after %v", ErrTimeout, timeout)
		}
		// Lost the race: the result landed while the timer fired.
		out := <-p.done
		return out.res, out.err
	case <-ctx.Done():
		if c.abandon(p) {
			return Result{}, ctx.Err()
		}
		out := <-p.done
		return out.res, out.err
	}
}

// spawnLocked starts a fresh process and its reader goroutines.
// Caller holds c.mu.
func (c *Channel) spawnLocked() error {
	proc, err := c.opts.Launcher()
	if err != nil {
		c.lastError = err.Error()
		return fmt.Errorf("shell: failed to launch process: %w", err)
	}

	c.proc = proc
	c.gen++
	c.state = stateRunning
	c.discard = 0
	c.stderrBuf.Reset()
	gen := c.gen

	c.wg.Add(3)
	go c.readStdout(proc, gen)
	go c.readStderr(proc, gen)
	go c.waitExit(proc, gen)

	logging.Shell("process spawned (generation %d)", gen)
	return nil
}

// maybeDispatchLocked writes the head command to the process if nothing is
// in flight and no abandoned segment is still owed. Caller holds c.mu.
func (c *Channel) maybeDispatchLocked() {
	if c.state != stateRunning || c.discard > 0 || len(c.queue) == 0 {
		return
	}
	head := c.queue[0]
	if head.dispatched {
		return
	}
	head.dispatched = true
	head.dispatchedAt = time.Now()
	c.stderrBuf.Reset()

	framed := head.command + "\n" + fmt.Sprintf(c.opts.EchoDirective, c.sentinel) + "\n"
	if _, err := c.proc.Stdin().Write([]byte(framed)); err != nil {
		logging.ShellError("failed to write command to process: %v", err)
		// The wait goroutine will observe the exit and fail the queue.
	}
	logging.ShellDebug("dispatched: %s", head.command)
}

// abandon removes p from the queue after a timeout or cancellation. Returns
// false if p already completed. An abandoned in-flight command owes the
// stream one sentinel segment, which the reader discards before the next
// dispatch so a late completion cannot pollute the next command's window.
func (c *Channel) abandon(p *pending) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, q := range c.queue {
		if q != p {
			continue
		}
		c.queue = append(c.queue[:i], c.queue[i+1:]...)
		if p.dispatched {
			c.discard++
		}
		return true
	}
	return false
}

// readStdout scans the output stream, accumulating lines until the sentinel
// token appears, then hands the completed segment to finishSegment.
func (c *Channel) readStdout(proc Process, gen int) {
	defer c.wg.Done()

	var segment strings.Builder
	scanner := bufio.NewScanner(proc.Stdout())
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.Index(line, c.sentinel)
		if idx < 0 {
			segment.WriteString(line)
			segment.WriteByte('\n')
			continue
		}
		if prefix := line[:idx]; prefix != "" {
			segment.WriteString(prefix)
		}
		c.finishSegment(gen, segment.String())
		segment.Reset()
	}

	if err := scanner.Err(); err != nil {
		c.mu.Lock()
		alive := c.state == stateRunning && gen == c.gen
		c.mu.Unlock()
		if alive {
			logging.ShellError("error reading stdout: %v", err)
		}
	}
}

// readStderr accumulates the error stream. Everything collected between a
// command's dispatch and its sentinel is that command's error text.
func (c *Channel) readStderr(proc Process, gen int) {
	defer c.wg.Done()

	scanner := bufio.NewScanner(proc.Stderr())
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		c.mu.Lock()
		if gen == c.gen {
			c.stderrBuf.WriteString(scanner.Text())
			c.stderrBuf.WriteByte('\n')
		}
		c.mu.Unlock()
	}
}

// finishSegment resolves the head-of-queue command with the segment that
// just closed, or consumes a segment owed by an abandoned command.
func (c *Channel) finishSegment(gen int, output string) {
	c.mu.Lock()

	if gen != c.gen || c.state == stateClosed {
		c.mu.Unlock()
		return
	}

	errText := c.stderrBuf.String()
	c.stderrBuf.Reset()

	if c.discard > 0 {
		c.discard--
		logging.ShellWarn("discarded late output segment from abandoned command (%d bytes)", len(output))
		c.maybeDispatchLocked()
		c.mu.Unlock()
		return
	}

	if len(c.queue) == 0 || !c.queue[0].dispatched {
		logging.ShellWarn("unsolicited output segment (%d bytes), dropping", len(output))
		c.mu.Unlock()
		return
	}

	p := c.queue[0]
	c.queue = c.queue[1:]

	res := Result{
		Output:    strings.TrimRight(output, "\n"),
		ErrorText: strings.TrimSpace(errText),
		Duration:  time.Since(p.dispatchedAt),
	}
	res.Succeeded = c.opts.Classifier(p.command, res.Output, res.ErrorText)

	c.maybeDispatchLocked()
	c.mu.Unlock()

	logging.ShellDebug("completed in %v (ok=%v): %s", res.Duration, res.Succeeded, p.command)
	p.done <- outcome{res: res}
}

// waitExit watches for process death. An unexpected exit fails every queued
// command with ErrProcessExited and schedules a respawn after the backoff.
func (c *Channel) waitExit(proc Process, gen int) {
	defer c.wg.Done()

	err := proc.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.state == stateClosed {
		return // superseded or deliberate shutdown
	}

	if err != nil {
		c.lastError = err.Error()
	} else {
		c.lastError = "process exited"
	}
	logging.ShellError("process exited unexpectedly: %v (failing %d queued commands)", err, len(c.queue))

	c.state = stateDown
	c.proc = nil
	c.failQueueLocked(ErrProcessExited)

	c.restart = time.AfterFunc(c.opts.RestartBackoff, c.respawn)
}

// respawn restarts the process after the backoff delay.
func (c *Channel) respawn() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateDown {
		return
	}
	c.restarts++
	if err := c.spawnLocked(); err != nil {
		logging.ShellError("restart failed: %v, retrying in %v", err, c.opts.RestartBackoff)
		c.state = stateDown
		c.restart = time.AfterFunc(c.opts.RestartBackoff, c.respawn)
		return
	}
	logging.Shell("process restarted (%d restarts total)", c.restarts)
}

// failQueueLocked resolves every queued command with err. Caller holds c.mu.
func (c *Channel) failQueueLocked(err error) {
	for _, p := range c.queue {
		p.done <- outcome{err: err}
	}
	c.queue = nil
	c.discard = 0
}
