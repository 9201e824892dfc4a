package scripts

import (
	"strings"

	"github.com/convoyctl/convoy/pkg/retry"
)

// transientPatterns are failure signatures worth retrying: they indicate the
// channel or host hiccuped, not that the script itself is wrong.
var transientPatterns = []string{
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"temporarily unavailable",
	"broken pipe",
	"network",
}

// IsTransientFailure reports whether the error text matches a known
// transient signature.
func IsTransientFailure(err error) bool {
	if err == nil {
		return false
	}
	text := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(text, pattern) {
			return true
		}
	}
	return false
}

// Classifier builds the retry classifier for a script's declared policy.
// With transientOnly set, any failure outside the transient signatures stops
// immediately even with attempts remaining; otherwise every failure retries.
func Classifier(transientOnly bool) retry.Classifier {
	if !transientOnly {
		return nil
	}
	return func(err error) retry.Decision {
		if IsTransientFailure(err) {
			return retry.Retry
		}
		return retry.Stop
	}
}
