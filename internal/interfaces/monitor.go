package interfaces

// JobMonitor runs one recurring poll-and-reconcile task per watched job id.
type JobMonitor interface {
	// Watch starts monitoring a job. Starting a monitor for an
	// already-watched job is a no-op.
	Watch(jobID string, checker ProgressChecker)

	// Unwatch cancels the monitor task for a job if one exists.
	Unwatch(jobID string)

	// Watching reports whether a monitor task is live for the job.
	Watching(jobID string) bool

	// Close stops every monitor task.
	Close()
}
