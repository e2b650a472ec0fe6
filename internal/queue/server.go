package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// NewServer builds the asynq worker server for queueName. Concurrency is fixed
// at one so sends are strictly serialized.
func NewServer(rdb redis.UniversalClient, queueName string, logger *slog.Logger) *asynq.Server {
	logger = logger.With("component", "queue")
	return asynq.NewServerFromRedisClient(rdb, asynq.Config{
		Concurrency:    1,
		Queues:         map[string]int{queueName: 1},
		RetryDelayFunc: RetryDelay,
		ErrorHandler:   asynq.ErrorHandlerFunc(failureLogger(logger)),
		Logger:         NewLogger(logger),
	})
}

func failureLogger(logger *slog.Logger) func(ctx context.Context, task *asynq.Task, err error) {
	return func(ctx context.Context, task *asynq.Task, err error) {
		id, _ := asynq.GetTaskID(ctx)
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		attempt := retried + 1
		if retried >= maxRetry || errors.Is(err, asynq.SkipRetry) {
			logger.Error("job failed, retained as archived", "job", id, "type", task.Type(), "attempt", attempt, "err", err)
			return
		}
		logger.Warn("job failed, retry scheduled", "job", id, "type", task.Type(), "attempt", attempt, "retry_in", Backoff(attempt), "err", err)
	}
}

// Logger adapts slog to asynq's logging interface.
type Logger struct {
	l *slog.Logger
}

// NewLogger wraps l.
func NewLogger(l *slog.Logger) *Logger {
	return &Logger{l: l}
}

func (a *Logger) Debug(args ...interface{}) { a.l.Debug(fmt.Sprint(args...)) }
func (a *Logger) Info(args ...interface{})  { a.l.Info(fmt.Sprint(args...)) }
func (a *Logger) Warn(args ...interface{})  { a.l.Warn(fmt.Sprint(args...)) }
func (a *Logger) Error(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }

func (a *Logger) Fatal(args ...interface{}) {
	a.l.Error(fmt.Sprint(args...))
	os.Exit(1)
}
