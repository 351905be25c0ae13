// Package job queues the work relayd does for its clients (pipeline
// runs, and deploys asked for directly) so that it happens one job at
// a time, and remembers how each job went.
package job

import (
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/google/uuid"
)

type ID string

// NewID makes an ID for a job that is about to be queued.
func NewID() ID {
	return ID(uuid.New().String())
}

// Kind is what a job does.
type Kind string

const (
	// KindRun is a pipeline run: fetch, build and deploy.
	KindRun Kind = "run"
	// KindDeploy is a deploy of an artifact already in the registry.
	KindDeploy Kind = "deploy"
)

type Job struct {
	ID   ID
	Kind Kind
	// Subject is what the job is about, for logs: the push for a
	// run, the artifact for a deploy.
	Subject    string
	EnqueuedAt time.Time
	Do         func(log.Logger) error
}

type StatusString string

const (
	StatusQueued    StatusString = "queued"
	StatusRunning   StatusString = "running"
	StatusFailed    StatusString = "failed"
	StatusSucceeded StatusString = "succeeded"
)

// Result is what a job leaves behind. A pipeline run has all the
// fields; a deploy asked for directly only has the artifact.
type Result struct {
	RunID    string `json:"runID,omitempty"`
	Revision string `json:"revision,omitempty"`
	Artifact string `json:"artifact,omitempty"`
}

// Status is how far a job has got. Failure names the stage failure
// (e.g., BuildFailure) when a pipeline run failed in one.
type Status struct {
	Kind         Kind         `json:"kind,omitempty"`
	StatusString StatusString `json:"status"`
	// Ahead is how many jobs will run before this one, while it is
	// queued.
	Ahead      int       `json:"ahead,omitempty"`
	Result     Result    `json:"result"`
	Err        string    `json:"error,omitempty"`
	Failure    string    `json:"failure,omitempty"`
	QueuedAt   time.Time `json:"queuedAt"`
	StartedAt  time.Time `json:"startedAt,omitempty"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
}

func (s Status) Error() string {
	return s.Err
}

// Done says whether the job has finished, one way or the other.
func (s Status) Done() bool {
	return s.StatusString == StatusSucceeded || s.StatusString == StatusFailed
}

// Queue holds jobs until the daemon is ready for them, in the order
// they were enqueued. Enqueuing never blocks on the daemon.
type Queue struct {
	mu      sync.Mutex
	pending []*Job
	wake    chan struct{}
}

func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// Enqueue adds a job to the back of the queue, and returns how many
// jobs are ahead of it.
func (q *Queue) Enqueue(j *Job) int {
	if j.EnqueuedAt.IsZero() {
		j.EnqueuedAt = time.Now()
	}
	q.mu.Lock()
	q.pending = append(q.pending, j)
	ahead := len(q.pending) - 1
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return ahead
}

// Ready is signalled when a job has been enqueued. A signal may
// cover more than one job, so take jobs with Next until there are
// none left.
func (q *Queue) Ready() <-chan struct{} {
	return q.wake
}

// Next takes the job at the front of the queue, if there is one.
func (q *Queue) Next() (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, false
	}
	j := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	return j, true
}

// Len is the number of jobs waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Ahead says how many jobs are in front of the job, or false if it is
// not waiting (it may be running, or finished).
func (q *Queue) Ahead(id ID) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, j := range q.pending {
		if j.ID == id {
			return i, true
		}
	}
	return 0, false
}

// Pending lists the jobs waiting, first to run first.
func (q *Queue) Pending() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := make([]Job, len(q.pending))
	for i, j := range q.pending {
		jobs[i] = *j
	}
	return jobs
}
