package shell

import "errors"

var (
	// ErrTimeout means a submitted command did not complete within its
	// deadline. The command is abandoned from the channel's bookkeeping but
	// may still be running remotely.
	ErrTimeout = errors.New("shell: command timed out")

	// ErrProcessExited means the backing process died. All in-flight and
	// queued commands fail with this; the channel restarts after a backoff.
	ErrProcessExited = errors.New("shell: process exited")

	// ErrChannelClosed means the channel was shut down explicitly.
	ErrChannelClosed = errors.New("shell: channel closed")
)

// RemoteError is a command the channel ran to completion but classified as
// failed. It carries the raw error text for diagnostics.
type RemoteError struct {
	Command   string
	ErrorText string
}

func (e *RemoteError) Error() string {
	if e.ErrorText == "" {
		return "shell: remote command failed: " + e.Command
	}
	return "shell: remote command failed: " + e.ErrorText
}
