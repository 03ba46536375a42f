package domain

// JobStatus is the lifecycle state of a sync job.
type JobStatus string

const (
	// JobPending — queued, waiting for a worker.
	JobPending JobStatus = "pending"
	// JobInProgress — claimed by a worker.
	JobInProgress JobStatus = "in_progress"
	// JobCompleted — embedding upserted, terminal.
	JobCompleted JobStatus = "completed"
	// JobFailed — retryable failure, returns to pending with backoff.
	JobFailed JobStatus = "failed"
	// JobDeadLettered — retry budget exhausted, terminal, operator-visible.
	JobDeadLettered JobStatus = "dead_lettered"
)

// SyncJob is one unit of vector-store reconciliation work. Jobs are keyed
// by entity: a newer requested version supersedes an older pending job for
// the same entity.
type SyncJob struct {
	EntityID         string
	RequestedVersion int64
	Attempts         int
	Status           JobStatus
	LastError        string
}

// DeadLetter is an operator-visible record of a permanently failed job.
type DeadLetter struct {
	EntityID         string
	RequestedVersion int64
	Attempts         int
	LastError        string
	FailedAt         int64
}
