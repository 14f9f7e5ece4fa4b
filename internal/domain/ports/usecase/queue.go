package usecase

import "context"

// JobDispatcher defines the queue operations needed by external components like background workers.
type JobDispatcher interface {
	// DispatchNext claims the oldest pending job, if any, and executes it.
	// The bool reports whether a job was found.
	DispatchNext(ctx context.Context) (bool, error)
}
