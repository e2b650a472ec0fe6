package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

const testQueue = "whatsapp-messages"

func newTestRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 3 * time.Second},
		{attempt: 2, want: 6 * time.Second},
		{attempt: 3, want: 12 * time.Second},
		{attempt: 0, want: 3 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempt); got != tt.want {
			t.Fatalf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
	if got := RetryDelay(0, errors.New("boom"), nil); got != 3*time.Second {
		t.Fatalf("first retry should wait 3s, got %v", got)
	}
}

func TestDedupeKey(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	if got := DedupeKey("15551234567", at); got != "15551234567-1700000000123" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestEnqueueSend_PersistsPendingJob(t *testing.T) {
	mr, rdb := newTestRedis(t)
	e := NewEnqueuer(asynq.NewClientFromRedisClient(rdb), testQueue)
	e.now = func() time.Time { return time.UnixMilli(1700000000000) }

	info, err := e.EnqueueSend(context.Background(), SendPayload{Number: "15551234567", Message: "hi"})
	if err != nil {
		t.Fatalf("EnqueueSend() error: %v", err)
	}
	if info.ID != "15551234567-1700000000000" {
		t.Fatalf("unexpected job id %q", info.ID)
	}
	if info.MaxRetry != MaxAttempts-1 {
		t.Fatalf("expected MaxRetry %d, got %d", MaxAttempts-1, info.MaxRetry)
	}
	if !mr.Exists("asynq:{" + testQueue + "}:t:" + info.ID) {
		t.Fatalf("expected task hash to be stored in redis")
	}

	insp := NewInspector(asynq.NewInspectorFromRedisClient(rdb), testQueue)
	job, err := insp.Job(info.ID)
	if err != nil {
		t.Fatalf("Job() error: %v", err)
	}
	if job.State != "pending" || job.Attempts != 0 || job.MaxAttempts != MaxAttempts {
		t.Fatalf("unexpected job view: %+v", job)
	}
	if job.Payload.Number != "15551234567" || job.Payload.Message != "hi" {
		t.Fatalf("payload not preserved: %+v", job.Payload)
	}
}

func TestEnqueueSend_KeyCollisionStillEnqueues(t *testing.T) {
	_, rdb := newTestRedis(t)
	e := NewEnqueuer(asynq.NewClientFromRedisClient(rdb), testQueue)
	e.now = func() time.Time { return time.UnixMilli(1700000000000) }

	first, err := e.EnqueueSend(context.Background(), SendPayload{Number: "1555", Message: "a"})
	if err != nil {
		t.Fatalf("first EnqueueSend() error: %v", err)
	}
	second, err := e.EnqueueSend(context.Background(), SendPayload{Number: "1555", Message: "b"})
	if err != nil {
		t.Fatalf("second EnqueueSend() error: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("expected distinct ids, both %q", first.ID)
	}
	if !strings.HasPrefix(second.ID, first.ID+"-") {
		t.Fatalf("expected suffixed key, got %q", second.ID)
	}
}

func TestInspector_UnknownJob(t *testing.T) {
	_, rdb := newTestRedis(t)
	insp := NewInspector(asynq.NewInspectorFromRedisClient(rdb), testQueue)

	if _, err := insp.Job("missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	if err := insp.Retry("missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound on retry, got %v", err)
	}
	jobs, err := insp.Failed(10)
	if err != nil {
		t.Fatalf("Failed() error: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected no failed jobs, got %d", len(jobs))
	}
}

func TestInspector_FailedAndRetry(t *testing.T) {
	_, rdb := newTestRedis(t)
	e := NewEnqueuer(asynq.NewClientFromRedisClient(rdb), testQueue)
	info, err := e.EnqueueSend(context.Background(), SendPayload{Number: "1555", Message: "x"})
	if err != nil {
		t.Fatalf("EnqueueSend() error: %v", err)
	}

	raw := asynq.NewInspectorFromRedisClient(rdb)
	if err := raw.ArchiveTask(testQueue, info.ID); err != nil {
		t.Fatalf("ArchiveTask() error: %v", err)
	}

	insp := NewInspector(raw, testQueue)
	jobs, err := insp.Failed(10)
	if err != nil {
		t.Fatalf("Failed() error: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != info.ID || jobs[0].State != "archived" {
		t.Fatalf("unexpected failed list: %+v", jobs)
	}

	if err := insp.Retry(info.ID); err != nil {
		t.Fatalf("Retry() error: %v", err)
	}
	job, err := insp.Job(info.ID)
	if err != nil {
		t.Fatalf("Job() error: %v", err)
	}
	if job.State != "pending" {
		t.Fatalf("expected pending after retry, got %s", job.State)
	}
}

// waitForState polls until the job reaches state or the deadline passes.
func waitForState(t *testing.T, insp *Inspector, id, state string, within time.Duration) *Job {
	t.Helper()
	deadline := time.Now().Add(within)
	for {
		job, err := insp.Job(id)
		if err != nil {
			t.Fatalf("Job() error: %v", err)
		}
		if job.State == state {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s stuck in %s, want %s", id, job.State, state)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func TestServer_RetriesOnceThenArchives(t *testing.T) {
	_, rdb := newTestRedis(t)
	e := NewEnqueuer(asynq.NewClientFromRedisClient(rdb), testQueue)
	info, err := e.EnqueueSend(context.Background(), SendPayload{Number: "1555", Message: "x"})
	if err != nil {
		t.Fatalf("EnqueueSend() error: %v", err)
	}

	var runs atomic.Int32
	mux := asynq.NewServeMux()
	mux.HandleFunc(SendMessageTask, func(context.Context, *asynq.Task) error {
		runs.Add(1)
		return errors.New("network unreachable")
	})
	srv := NewServer(rdb, testQueue, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := srv.Start(mux); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	insp := NewInspector(asynq.NewInspectorFromRedisClient(rdb), testQueue)
	job := waitForState(t, insp, info.ID, "archived", 30*time.Second)
	time.Sleep(time.Second)

	if got := runs.Load(); got != MaxAttempts {
		t.Fatalf("handler ran %d times, want %d", got, MaxAttempts)
	}
	if job.Attempts != MaxAttempts || job.MaxAttempts != MaxAttempts {
		t.Fatalf("unexpected attempt counts: %+v", job)
	}
	if !strings.Contains(job.LastError, "network unreachable") {
		t.Fatalf("last error not retained: %q", job.LastError)
	}
	failed, err := insp.Failed(10)
	if err != nil {
		t.Fatalf("Failed() error: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != info.ID {
		t.Fatalf("archived job missing from failed list: %+v", failed)
	}
}
