package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned by Enqueue when an active job with the same
	// package, version and target already exists.
	ErrDuplicate = errors.New("duplicate active job")

	// ErrLeaseLost is returned when the caller no longer holds the lease on a job.
	ErrLeaseLost = errors.New("lease lost")

	// ErrMigration marks a schema migration failure. It is fatal at startup.
	ErrMigration = errors.New("schema migration failed")
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending     Status = "pending"
	StatusInProgress  Status = "in_progress"
	StatusComplete    Status = "complete"
	StatusFailed      Status = "failed"
	StatusNeedsReview Status = "needs_review"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusInProgress, StatusComplete, StatusFailed, StatusNeedsReview}

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusNeedsReview
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// FixMethod records how a job's issues were resolved.
type FixMethod string

const (
	FixNone   FixMethod = "none"
	FixAuto   FixMethod = "auto"
	FixAI     FixMethod = "ai"
	FixManual FixMethod = "manual"
)

// DefaultPythonTarget is used when a job spec leaves the target empty.
const DefaultPythonTarget = "3.14"

// DefaultMaxAttempts bounds retries when a job spec does not set one.
const DefaultMaxAttempts = 3

// Job is one package version moving through the remediation pipeline.
type Job struct {
	ID             int64
	Package        string
	Version        string
	PythonTarget   string
	Status         Status
	FixMethod      FixMethod
	Priority       int
	Attempts       int
	MaxAttempts    int
	RunAfter       time.Time
	LeaseOwner     string
	LeaseExpiresAt time.Time
	LastError      string
	FailureKind    string
	FailedStage    string
	Outcome        string
	ResultJSON     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// JobSpec describes a job to enqueue.
type JobSpec struct {
	Package      string `validate:"required,max=214"`
	Version      string `validate:"required,max=128"`
	PythonTarget string `validate:"omitempty,max=16"`
	Priority     int    `validate:"gte=0"`
	MaxAttempts  int    `validate:"gte=0,lte=100"`
}

// Resolution carries the fields written when a job leaves in_progress.
type Resolution struct {
	FixMethod   FixMethod
	Outcome     string
	Reason      string
	FailureKind string
	Stage       string
	Result      any
}

// Heartbeat is the latest liveness record of a component.
type Heartbeat struct {
	Component string
	Owner     string
	Seq       int64
	BeatAt    time.Time
}

// JobEvent is one audited status transition.
type JobEvent struct {
	ID     int64
	JobID  int64
	From   Status
	To     Status
	Stage  string
	Reason string
	At     time.Time
}

// ErrorPattern is a distinct failure reason and how often it occurred.
type ErrorPattern struct {
	Reason string
	Count  int
}
