package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// SendMessageTask is scheduled for every accepted /send request.
	SendMessageTask = "message:send"
	// MaxAttempts counts the first run plus retries.
	MaxAttempts = 2
	// BaseBackoff is the wait before the first retry; each further retry doubles it.
	BaseBackoff = 3 * time.Second
	sendTimeout = 2 * time.Minute
)

// SendPayload is the job body. Field names follow the public /send request so
// archived jobs read the same as what the caller submitted.
type SendPayload struct {
	Number     string `json:"number"`
	Message    string `json:"message,omitempty"`
	MediaURL   string `json:"mediaUrl,omitempty"`
	MediaData  string `json:"mediaData,omitempty"`
	Mimetype   string `json:"mimetype,omitempty"`
	Filename   string `json:"filename,omitempty"`
	IsDocument bool   `json:"isDocument,omitempty"`
}

// DedupeKey derives the job id from the raw recipient and submission time.
func DedupeKey(number string, at time.Time) string {
	return fmt.Sprintf("%s-%d", number, at.UnixMilli())
}

// Backoff returns the delay scheduled after the given failed attempt (1-based).
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return BaseBackoff << (attempt - 1)
}

// RetryDelay adapts Backoff to asynq's RetryDelayFunc, which counts retries
// already performed starting at zero.
func RetryDelay(retried int, _ error, _ *asynq.Task) time.Duration {
	return Backoff(retried + 1)
}

// Enqueuer persists send jobs into the durable queue.
type Enqueuer struct {
	client *asynq.Client
	queue  string
	now    func() time.Time
}

// NewEnqueuer constructs an Enqueuer writing to queueName.
func NewEnqueuer(client *asynq.Client, queueName string) *Enqueuer {
	return &Enqueuer{client: client, queue: queueName, now: time.Now}
}

// EnqueueSend stores a send job keyed by DedupeKey. A key collision is not a
// rejection: the job is added under a suffixed key instead.
func (e *Enqueuer) EnqueueSend(ctx context.Context, payload SendPayload) (*asynq.TaskInfo, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	key := DedupeKey(payload.Number, e.now())
	info, err := e.enqueue(ctx, data, key)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		info, err = e.enqueue(ctx, data, key+"-"+uuid.NewString()[:8])
	}
	if err != nil {
		return nil, fmt.Errorf("enqueue send task: %w", err)
	}
	return info, nil
}

func (e *Enqueuer) enqueue(ctx context.Context, data []byte, id string) (*asynq.TaskInfo, error) {
	task := asynq.NewTask(SendMessageTask, data)
	return e.client.EnqueueContext(ctx, task,
		asynq.Queue(e.queue),
		asynq.TaskID(id),
		asynq.MaxRetry(MaxAttempts-1),
		asynq.Timeout(sendTimeout),
	)
}
