// Package ledger tracks media retrieval jobs and guarantees that at most one
// fetch runs per job id. Admission is an atomic insert-if-absent: the caller
// that inserts becomes the Leader, everyone else joining the same id is a
// Follower and must not fetch.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"regexp"
	"sync"
	"time"
)

// State is the lifecycle of a Job. Pending moves to Done or Failed exactly once.
type State int

const (
	StatePending State = iota
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Role is the admission result of BeginOrJoin.
type Role int

const (
	Leader Role = iota
	Follower
)

func (r Role) String() string {
	if r == Leader {
		return "leader"
	}
	return "follower"
}

// ErrFinished is returned when a job that already reached a terminal state
// is completed or failed again.
var ErrFinished = errors.New("job already finished")

// Job is one deduplicated retrieval.
type Job struct {
	ID        string
	CreatedAt time.Time

	mu         sync.Mutex
	state      State
	resultPath string
	err        error
	finishedAt time.Time
	done       chan struct{}
}

// State returns the job's current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// ResultPath returns the artifact path of a Done job.
func (j *Job) ResultPath() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.resultPath
}

// Err returns the failure cause of a Failed job.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Done is closed when the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job finishes or ctx is done and returns the state
// observed at that moment.
func (j *Job) Wait(ctx context.Context) (State, error) {
	select {
	case <-j.done:
		return j.State(), nil
	case <-ctx.Done():
		return j.State(), ctx.Err()
	}
}

func (j *Job) finish(state State, path string, err error, now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StatePending {
		return false
	}
	j.state = state
	j.resultPath = path
	j.err = err
	j.finishedAt = now
	close(j.done)
	return true
}

// Ledger is the job table.
type Ledger struct {
	jobs   sync.Map // id -> *Job
	logger *slog.Logger
	now    func() time.Time
}

// New creates an empty Ledger.
func New(logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		logger: logger.With("component", "ledger"),
		now:    time.Now,
	}
}

// BeginOrJoin admits a caller for id. Exactly one concurrent caller gets
// Leader; the rest get Follower together with the leader's Job. Done jobs
// keep their key until swept, so repeats of a delivered request join as
// Followers. Failed jobs release their key, so a later call leads again.
func (l *Ledger) BeginOrJoin(id string) (*Job, Role) {
	fresh := &Job{
		ID:        id,
		CreatedAt: l.now(),
		done:      make(chan struct{}),
	}
	v, loaded := l.jobs.LoadOrStore(id, fresh)
	job := v.(*Job)
	if loaded {
		l.logger.Debug("joined existing job", "job_id", id, "state", job.State())
		return job, Follower
	}
	l.logger.Debug("job admitted", "job_id", id)
	return job, Leader
}

// Get returns the job registered under id.
func (l *Ledger) Get(id string) (*Job, bool) {
	v, ok := l.jobs.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Job), true
}

// Complete marks the job Done with its artifact path.
func (l *Ledger) Complete(job *Job, path string) error {
	if !job.finish(StateDone, path, nil, l.now()) {
		return ErrFinished
	}
	l.logger.Debug("job done", "job_id", job.ID)
	return nil
}

// Fail marks the job Failed and releases its key for retries.
func (l *Ledger) Fail(job *Job, cause error) error {
	if !job.finish(StateFailed, "", cause, l.now()) {
		return ErrFinished
	}
	// Only remove our own entry; a retry may already own the key.
	l.jobs.CompareAndDelete(job.ID, job)
	l.logger.Debug("job failed", "job_id", job.ID, "error", cause)
	return nil
}

// Sweep evicts Done jobs finished more than olderThan ago and returns how
// many were removed.
func (l *Ledger) Sweep(olderThan time.Duration) int {
	cutoff := l.now().Add(-olderThan)
	removed := 0
	l.jobs.Range(func(k, v any) bool {
		job := v.(*Job)
		job.mu.Lock()
		evict := job.state == StateDone && !job.finishedAt.After(cutoff)
		job.mu.Unlock()
		if evict && l.jobs.CompareAndDelete(k, job) {
			removed++
		}
		return true
	})
	if removed > 0 {
		l.logger.Debug("ledger swept", "removed", removed)
	}
	return removed
}

// Stats counts jobs per state.
type Stats struct {
	Pending int `json:"pending"`
	Done    int `json:"done"`
}

// Stats returns a point-in-time count of tracked jobs.
func (l *Ledger) Stats() Stats {
	var st Stats
	l.jobs.Range(func(_, v any) bool {
		switch v.(*Job).State() {
		case StatePending:
			st.Pending++
		case StateDone:
			st.Done++
		}
		return true
	})
	return st
}

var safeID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// JobID derives a job id from the triggering message. Two deliveries of the
// same message map to the same id. Ids that are not filename-safe are hashed
// since the id doubles as the artifact name prefix.
func JobID(channel, messageID string) string {
	if safeID.MatchString(messageID) {
		return channel + "-" + messageID
	}
	sum := sha256.Sum256([]byte(messageID))
	return channel + "-" + hex.EncodeToString(sum[:12])
}
