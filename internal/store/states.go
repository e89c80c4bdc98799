package store

// DocumentState represents the lifecycle of a document.
type DocumentState string

const (
	DocumentStatePending    DocumentState = "pending"
	DocumentStateQueued     DocumentState = "queued"
	DocumentStateProcessing DocumentState = "processing"
	DocumentStateCompleted  DocumentState = "completed"
	DocumentStateFailed     DocumentState = "failed"
	DocumentStateCancelled  DocumentState = "cancelled"
)

var documentTransitions = map[DocumentState][]DocumentState{
	DocumentStatePending:    {DocumentStateQueued, DocumentStateCancelled},
	DocumentStateQueued:     {DocumentStateProcessing, DocumentStateCompleted, DocumentStateFailed, DocumentStateCancelled},
	DocumentStateProcessing: {DocumentStateQueued, DocumentStateCompleted, DocumentStateFailed, DocumentStateCancelled},
	// A document may be picked up again by a retried or brand new job.
	DocumentStateCompleted: {DocumentStateQueued},
	DocumentStateFailed:    {DocumentStateQueued},
	DocumentStateCancelled: {DocumentStateQueued},
}

// CanTransition reports whether a document may move from s to next.
// Re-entering the current state is always allowed.
func (s DocumentState) CanTransition(next DocumentState) bool {
	return s == next || contains(documentTransitions[s], next)
}

// JobState represents the lifecycle of a job.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

var jobTransitions = map[JobState][]JobState{
	JobStatePending: {JobStateQueued, JobStateRunning, JobStateCancelled},
	JobStateQueued:  {JobStateRunning, JobStateCompleted, JobStateFailed, JobStateCancelled},
	JobStateRunning: {JobStateQueued, JobStateCompleted, JobStateFailed, JobStateCancelled},
	JobStateFailed:  {JobStateQueued},
}

// CanTransition reports whether a job may move from s to next.
// Re-entering the current state is allowed for non-terminal states only.
func (s JobState) CanTransition(next JobState) bool {
	if s == next {
		return !s.Terminal()
	}
	return contains(jobTransitions[s], next)
}

// Terminal reports whether no further work will happen without an explicit retry.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed || s == JobStateCancelled
}

// Active reports whether a job in this state may still advance a document.
func (s JobState) Active() bool {
	return !s.Terminal()
}

// StageExecutionState represents the state of one stage attempt.
type StageExecutionState string

const (
	StageExecutionPending   StageExecutionState = "pending"
	StageExecutionRunning   StageExecutionState = "running"
	StageExecutionCompleted StageExecutionState = "completed"
	StageExecutionFailed    StageExecutionState = "failed"
	StageExecutionSkipped   StageExecutionState = "skipped"
)

var stageExecutionTransitions = map[StageExecutionState][]StageExecutionState{
	StageExecutionPending: {StageExecutionRunning, StageExecutionSkipped},
	StageExecutionRunning: {StageExecutionCompleted, StageExecutionFailed},
}

// CanTransition reports whether an execution may move from s to next.
// Skipped is only reachable from pending; terminal states are immutable.
func (s StageExecutionState) CanTransition(next StageExecutionState) bool {
	return contains(stageExecutionTransitions[s], next)
}

// Terminal reports whether the execution record is final.
func (s StageExecutionState) Terminal() bool {
	return s == StageExecutionCompleted || s == StageExecutionFailed || s == StageExecutionSkipped
}

func contains[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
