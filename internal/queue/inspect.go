package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// ErrJobNotFound is returned when no job with the given id exists.
var ErrJobNotFound = errors.New("job not found")

// Job is a read-only view of a queued, retrying or archived send.
type Job struct {
	ID            string      `json:"id"`
	State         string      `json:"state"`
	Attempts      int         `json:"attempts"`
	MaxAttempts   int         `json:"maxAttempts"`
	LastError     string      `json:"lastError,omitempty"`
	LastFailedAt  *time.Time  `json:"lastFailedAt,omitempty"`
	NextProcessAt *time.Time  `json:"nextProcessAt,omitempty"`
	Payload       SendPayload `json:"payload"`
}

// Inspector reads and repairs jobs in one queue.
type Inspector struct {
	insp  *asynq.Inspector
	queue string
}

// NewInspector wraps an asynq inspector bound to queueName.
func NewInspector(insp *asynq.Inspector, queueName string) *Inspector {
	return &Inspector{insp: insp, queue: queueName}
}

// Job returns the job with id.
func (i *Inspector) Job(id string) (*Job, error) {
	info, err := i.insp.GetTaskInfo(i.queue, id)
	if err != nil {
		if notFound(err) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	job := toJob(info)
	return &job, nil
}

// Failed lists jobs that exhausted their attempts or failed permanently.
func (i *Inspector) Failed(limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	infos, err := i.insp.ListArchivedTasks(i.queue, asynq.PageSize(limit))
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return []Job{}, nil
		}
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}
	jobs := make([]Job, 0, len(infos))
	for _, info := range infos {
		jobs = append(jobs, toJob(info))
	}
	return jobs, nil
}

// Retry moves an archived or scheduled job back to pending.
func (i *Inspector) Retry(id string) error {
	if err := i.insp.RunTask(i.queue, id); err != nil {
		if notFound(err) {
			return ErrJobNotFound
		}
		return fmt.Errorf("retry job %s: %w", id, err)
	}
	return nil
}

func notFound(err error) bool {
	return errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound)
}

func toJob(info *asynq.TaskInfo) Job {
	job := Job{
		ID:          info.ID,
		State:       info.State.String(),
		Attempts:    info.Retried,
		MaxAttempts: info.MaxRetry + 1,
		LastError:   info.LastErr,
	}
	if info.State == asynq.TaskStateArchived && info.LastErr != "" {
		job.Attempts = info.Retried + 1
	}
	if !info.LastFailedAt.IsZero() {
		t := info.LastFailedAt
		job.LastFailedAt = &t
	}
	if !info.NextProcessAt.IsZero() {
		t := info.NextProcessAt
		job.NextProcessAt = &t
	}
	_ = json.Unmarshal(info.Payload, &job.Payload)
	return job
}
