package sync

import (
	"math/rand"
	"strings"
	"time"
)

// ErrorCategory is the retry-policy bucket an error falls into.
// Classification is string-based and conservative: when uncertain, OTHER.
type ErrorCategory string

// Error categories.
const (
	CategoryNetwork         ErrorCategory = "NETWORK"
	CategoryReuploadNeeded  ErrorCategory = "REUPLOAD_NEEDED"
	CategoryLocalNotFound   ErrorCategory = "LOCAL_NOT_FOUND"
	CategoryAuth            ErrorCategory = "AUTH"
	CategoryOther           ErrorCategory = "OTHER"
)

// networkSubstrings trigger CategoryNetwork (case-insensitive).
var networkSubstrings = []string{
	"econnrefused", "econnreset", "etimedout", "enotfound", "eai_again",
	"enetunreach", "ehostunreach", "socket hang up", "network", "timeout",
	"connection",
}

// reuploadSubstrings trigger CategoryReuploadNeeded.
var reuploadSubstrings = []string{
	"draft revision already exists",
}

// localNotFoundSubstrings trigger CategoryLocalNotFound: the local file
// vanished between classification and upload.
var localNotFoundSubstrings = []string{
	"no such file or directory", "enoent", "local file not found",
}

// authSubstrings trigger CategoryAuth (BLOCKED immediately, no retry).
var authSubstrings = []string{
	"unauthorized", "invalid_grant", "invalidauthenticationtoken",
	"access denied", "forbidden", "401", "403",
}

// retryDelaysSec is the backoff schedule, in seconds.
var retryDelaysSec = []int{1, 4, 16, 64, 256, 1024, 4096, 16384, 65536, 262144, 604800}

// NetworkRetryCapIndex is the schedule index NETWORK-category errors clamp
// to, so their delay never exceeds 256s.
const NetworkRetryCapIndex = 4

// NetworkRetryCap is the maximum nRetries value NETWORK errors can reach.
// NETWORK retries are unbounded in count but the counter stops advancing here.
const NetworkRetryCap = 5

// ReuploadMaxRetries is the REUPLOAD_NEEDED retry ceiling before the queue
// attempts a remote delete-then-recreate.
const ReuploadMaxRetries = 4

// ReuploadFixedDelaySec is REUPLOAD_NEEDED's fixed retry delay.
const ReuploadFixedDelaySec = 256

// LocalNotFoundMaxRetries is the LOCAL_NOT_FOUND retry ceiling.
const LocalNotFoundMaxRetries = 3

// jitterFraction is the ±25% jitter applied to every computed delay.
const jitterFraction = 0.25

// ClassifyError maps an error's message to a retry-policy category by
// substring inspection. Remote-client errors arrive as opaque text, so the
// substring tables above are the single source of truth shared by the
// processor and tests.
func ClassifyError(err error) ErrorCategory {
	if err == nil {
		return CategoryOther
	}

	msg := strings.ToLower(err.Error())

	for _, s := range authSubstrings {
		if strings.Contains(msg, s) {
			return CategoryAuth
		}
	}

	for _, s := range reuploadSubstrings {
		if strings.Contains(msg, s) {
			return CategoryReuploadNeeded
		}
	}

	for _, s := range localNotFoundSubstrings {
		if strings.Contains(msg, s) {
			return CategoryLocalNotFound
		}
	}

	for _, s := range networkSubstrings {
		if strings.Contains(msg, s) {
			return CategoryNetwork
		}
	}

	return CategoryOther
}

// MaxRetries returns the retry ceiling for a category, or -1 for unbounded
// (NETWORK). Exhausting the ceiling escalates the job to BLOCKED, except for
// REUPLOAD_NEEDED, whose exhaustion triggers draft recovery
// (delete-then-recreate) instead.
func MaxRetries(cat ErrorCategory) int {
	switch cat {
	case CategoryNetwork:
		return -1
	case CategoryReuploadNeeded:
		return ReuploadMaxRetries
	case CategoryLocalNotFound:
		return LocalNotFoundMaxRetries
	case CategoryAuth:
		return 0
	case CategoryOther:
		return len(retryDelaysSec)
	default:
		return len(retryDelaysSec)
	}
}

// retryRand is the jitter source. Overridden in tests for determinism.
var retryRand = rand.New(rand.NewSource(time.Now().UnixNano()))

// jitter applies base × 0.25 × U(-1,+1), clamped to >= 1 second.
func jitter(baseSec int) time.Duration {
	delta := float64(baseSec) * jitterFraction * (retryRand.Float64()*2 - 1)
	sec := float64(baseSec) + delta

	if sec < 1 {
		sec = 1
	}

	return time.Duration(sec * float64(time.Second))
}

// NextDelay computes the jittered retry delay and next nRetries value for a
// category given the job's current nRetries.
func NextDelay(cat ErrorCategory, nRetries int) (delay time.Duration, nextRetries int) {
	switch cat {
	case CategoryNetwork:
		idx := nRetries
		if idx > NetworkRetryCapIndex {
			idx = NetworkRetryCapIndex
		}

		next := nRetries + 1
		if next > NetworkRetryCap {
			next = NetworkRetryCap
		}

		return jitter(retryDelaysSec[idx]), next

	case CategoryReuploadNeeded:
		// Fixed delay regardless of attempt count; the counter still
		// advances so draft recovery can trigger on exhaustion.
		return jitter(ReuploadFixedDelaySec), nRetries + 1

	case CategoryLocalNotFound:
		idx := nRetries
		if idx >= len(retryDelaysSec) {
			idx = len(retryDelaysSec) - 1
		}

		return jitter(retryDelaysSec[idx]), nRetries + 1

	case CategoryOther:
		idx := nRetries
		if idx > len(retryDelaysSec)-1 {
			idx = len(retryDelaysSec) - 1
		}

		return jitter(retryDelaysSec[idx]), nRetries + 1

	default:
		idx := nRetries
		if idx > len(retryDelaysSec)-1 {
			idx = len(retryDelaysSec) - 1
		}

		return jitter(retryDelaysSec[idx]), nRetries + 1
	}
}
