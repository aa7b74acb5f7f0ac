// Package sync implements the durable sync pipeline for the daemon: the
// job queue and its concurrency model, change detection, remote node
// mapping, retry/backoff, and the coordination primitives that let
// sibling CLI invocations control a running daemon.
package sync

import "time"

// EventType is the kind of work a SyncJob represents.
type EventType string

// SyncJob event types.
const (
	EventCreateFile EventType = "CREATE_FILE"
	EventCreateDir  EventType = "CREATE_DIR"
	EventUpdate     EventType = "UPDATE"
	EventDelete     EventType = "DELETE"
)

// JobStatus is the lifecycle state of a SyncJob.
type JobStatus string

// SyncJob statuses.
const (
	StatusPending    JobStatus = "PENDING"
	StatusProcessing JobStatus = "PROCESSING"
	StatusSynced     JobStatus = "SYNCED"
	StatusBlocked    JobStatus = "BLOCKED"
)

// SyncJob is the unit of work the daemon durably tracks. At most one row
// exists per (localPath, remotePath).
type SyncJob struct {
	ID          int64
	EventType   EventType
	LocalPath   string
	RemotePath  string
	Status      JobStatus
	RetryAt     time.Time
	NRetries    int
	LastError   string
	ChangeToken string
	CreatedAt   time.Time
}

// ProcessingClaim is the active-work marker for a localPath. A claim older
// than StaleProcessingThreshold is considered abandoned and reclaimable.
type ProcessingClaim struct {
	LocalPath string
	StartedAt time.Time
}

// StaleProcessingThreshold is the age beyond which a ProcessingClaim is
// treated as abandoned by a crashed worker.
const StaleProcessingThreshold = 10 * time.Minute

// FileState is the change-detection cache: the last change token observed
// for a local path.
type FileState struct {
	LocalPath   string
	ChangeToken string
	UpdatedAt   time.Time
}

// NodeMapping memoizes the remote identity assigned to a local/remote path
// pair after a successful create or upload. The classifier reads it only to
// skip re-creating an already-mapped directory; uploads and deletes address
// the remote by path and do not consult it.
type NodeMapping struct {
	LocalPath     string
	RemotePath    string
	NodeUID       string
	ParentNodeUID string
	IsDirectory   bool
	UpdatedAt     time.Time
}

// Flag is a sticky named bit of daemon state (PAUSED, running_pid:<N>, ...).
type Flag struct {
	Name      string
	CreatedAt time.Time
}

// PausedFlag is the name of the sticky pause bit.
const PausedFlag = "PAUSED"

// BigDeletePendingFlag is set when big-delete protection held back a batch
// of deletions. It is sticky, surviving restarts, until the operator
// confirms with the force-big-delete signal.
const BigDeletePendingFlag = "BIG_DELETE_PENDING"

// RunningPIDPrefix prefixes the single-holder run-lock flag name.
const RunningPIDPrefix = "running_pid:"

// Signal is a transient, exactly-once inter-process message.
type Signal struct {
	ID        int64
	Name      string
	CreatedAt time.Time
}

// Recognized signal names (stable wire contract).
const (
	SignalStop         = "stop"
	SignalPauseSync    = "pause-sync"
	SignalResumeSync   = "resume-sync"
	SignalReconcile    = "reconcile"
	SignalConfigCheck  = "config:check"
	SignalReloadPrefix = "config:reload:"

	// SignalForceBigDelete confirms a held-back big delete: the next batch
	// that trips the protection is allowed through once, and a
	// reconciliation is triggered to regenerate it.
	SignalForceBigDelete = "force-big-delete"
)

// FileChange is a single observed filesystem entry delivered by the Watcher,
// as produced by a startup scan, a live-subscription batch, or a
// reconciliation rescan.
type FileChange struct {
	WatchRoot string
	Name      string
	Type      EntryType
	Exists    bool
	New       bool
	MtimeMs   int64
	Size      int64
}

// EntryType distinguishes a file entry from a directory entry.
type EntryType string

// FileChange entry types.
const (
	EntryFile EntryType = "f"
	EntryDir  EntryType = "d"
)

// JobEventType is the kind of best-effort, non-durable event the queue
// broadcasts to observers (e.g. the dashboard) on every state change.
type JobEventType string

// JobEvent kinds.
const (
	JobEventEnqueue JobEventType = "enqueue"
	JobEventSynced  JobEventType = "synced"
	JobEventBlocked JobEventType = "blocked"
	JobEventRetry   JobEventType = "retry"
)

// JobEvent is emitted on every job state change. Emission is best-effort and
// never affects durability.
type JobEvent struct {
	Type       JobEventType
	JobID      int64
	LocalPath  string
	RemotePath string
	Error      string
	Timestamp  time.Time
}
