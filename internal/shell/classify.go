package shell

import (
	"strings"

	"placesadmin/internal/logging"
)

// Classifier decides whether a completed command succeeded. The interactive
// shell surfaces no per-command exit code, so this is inherently heuristic:
// novel remote-side error messages will occasionally be misclassified, and
// ambiguous cases default to success-with-output since absence of output is
// the strongest failure signal for this class of command.
type Classifier func(command, output, errText string) bool

// hardFailurePhrases mark a command failed regardless of stdout content.
// Matched case-insensitively as substrings of the error text.
var hardFailurePhrases = []string{
	"access denied",
	"access is denied",
	"unauthorized",
	"authentication failed",
	"authorization failed",
	"cannot be found",
	"could not be found",
	"object not found",
	"is not recognized",
	"cannot bind parameter",
	"cannot process argument",
	"parameter set cannot be resolved",
	"operation timed out",
	"timed out",
	"no connection could be made",
	"network error",
	"connection refused",
	"call the connect cmdlet first",
	"you must call the connect",
}

// connectSuccessPhrases let connect-family commands pass even with noise on
// the error stream: the remote environment routinely writes informational
// text to stderr on a successful connect.
var connectSuccessPhrases = []string{
	"connected",
	"connection established",
	"successfully",
	"session created",
	"welcome",
}

type verdict int

const (
	verdictNone verdict = iota
	verdictSuccess
	verdictFailure
)

// rule is one (predicate, verdict) pair. Rules are evaluated in order; the
// first one that fires wins. Keeping them in a flat table rather than nested
// conditionals keeps each rule independently testable and extensible.
type rule struct {
	name  string
	apply func(command, output, errText string) verdict
}

var classifierRules = []rule{
	{
		// Ahead of the hard-failure rule on purpose: a connect that prints a
		// success phrase has connected, whatever stderr claims.
		name: "connect-success-phrase",
		apply: func(command, output, _ string) verdict {
			if !isConnectCommand(command) {
				return verdictNone
			}
			if containsAnyFold(output, connectSuccessPhrases) {
				return verdictSuccess
			}
			return verdictNone
		},
	},
	{
		name: "hard-failure-phrase",
		apply: func(_, _, errText string) verdict {
			if containsAnyFold(errText, hardFailurePhrases) {
				return verdictFailure
			}
			return verdictNone
		},
	},
	{
		name: "connect-output-fallback",
		apply: func(command, output, _ string) verdict {
			if !isConnectCommand(command) {
				return verdictNone
			}
			// No hard failure matched above; any output at all counts.
			if strings.TrimSpace(output) != "" {
				return verdictSuccess
			}
			return verdictFailure
		},
	},
	{
		name: "stderr-warning-only",
		apply: func(_, _, errText string) verdict {
			if errText == "" {
				return verdictNone
			}
			if isWarningOnly(errText) {
				return verdictSuccess
			}
			return verdictFailure
		},
	},
}

// DefaultClassifier walks the rule table in order; if no rule fires the
// command is considered successful.
func DefaultClassifier(command, output, errText string) bool {
	for _, r := range classifierRules {
		switch r.apply(command, output, errText) {
		case verdictSuccess:
			logging.Classify("rule %q -> success: %s", r.name, command)
			return true
		case verdictFailure:
			logging.Classify("rule %q -> failure: %s", r.name, command)
			return false
		}
	}
	return true
}

func isConnectCommand(command string) bool {
	trimmed := strings.TrimSpace(command)
	return len(trimmed) >= 7 && strings.EqualFold(trimmed[:7], "connect")
}

func containsAnyFold(text string, phrases []string) bool {
	lower := strings.ToLower(text)
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// isWarningOnly reports whether every non-empty line of the error text looks
// like an informational warning rather than a real error.
func isWarningOnly(errText string) bool {
	for _, line := range strings.Split(errText, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		if !strings.HasPrefix(lower, "warning") && !strings.HasPrefix(lower, "verbose") {
			return false
		}
	}
	return true
}
