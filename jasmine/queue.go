package jasmine

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// ChatTask is a queued chat or search request. Reply is invoked with
// the rendered response once the task has been processed.
type ChatTask struct {
	GuildID   string
	ChannelID string
	Query     string
	Search    bool
	Reply     func(ctx context.Context, content string)
}

// ImageTask is a queued image-description request covering every image
// attached to one message, described in order.
type ImageTask struct {
	GuildID   string
	ChannelID string
	ImageURLs []string
	Reply     func(ctx context.Context, content string)
}

// DispatchQueue serializes task processing: tasks are buffered on a
// bounded channel and consumed strictly FIFO by a single worker, with
// a fixed cooldown after each task. Enqueueing never blocks - when the
// buffer is full the task is dropped and the caller told so.
type DispatchQueue[T any] struct {
	name     string
	tasks    chan T
	cooldown time.Duration
	handler  func(context.Context, T)
	logger   *slog.Logger

	processed atomic.Int64
	dropped   atomic.Int64
}

// NewDispatchQueue returns a queue buffering up to size tasks, pausing
// cooldown after each one. The handler runs on the queue's single
// worker goroutine, so at most one task is ever in flight.
func NewDispatchQueue[T any](
	name string,
	size int,
	cooldown time.Duration,
	logger *slog.Logger,
	handler func(context.Context, T),
) *DispatchQueue[T] {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &DispatchQueue[T]{
		name:     name,
		tasks:    make(chan T, size),
		cooldown: cooldown,
		handler:  handler,
		logger:   logger.With(loggerNameKey, "queue", "queue", name),
	}
}

// Enqueue adds a task, reporting false when the buffer is full. A
// dropped task is never retried.
func (q *DispatchQueue[T]) Enqueue(task T) bool {
	select {
	case q.tasks <- task:
		return true
	default:
		q.dropped.Add(1)
		q.logger.Warn("queue full, dropping task", "size", cap(q.tasks))
		return false
	}
}

// Run consumes tasks until ctx is cancelled. A panicking handler is
// recovered and logged so one bad task cannot stop the worker.
func (q *DispatchQueue[T]) Run(ctx context.Context) {
	q.logger.InfoContext(
		ctx,
		"queue worker started",
		"size", cap(q.tasks),
		"cooldown", q.cooldown,
	)
	for {
		select {
		case <-ctx.Done():
			q.logger.InfoContext(ctx, "queue worker stopped")
			return
		case task := <-q.tasks:
			q.process(ctx, task)
			select {
			case <-ctx.Done():
				q.logger.InfoContext(ctx, "queue worker stopped")
				return
			case <-time.After(q.cooldown):
			}
		}
	}
}

func (q *DispatchQueue[T]) process(ctx context.Context, task T) {
	defer func() {
		if rc := recover(); rc != nil {
			q.logger.ErrorContext(
				ctx,
				"panic processing task",
				"panic", rc,
			)
		}
	}()
	started := time.Now()
	q.handler(ctx, task)
	q.processed.Add(1)
	q.logger.DebugContext(
		ctx,
		"task processed",
		"duration", time.Since(started),
		"pending", len(q.tasks),
	)
}

// Len reports the number of tasks waiting in the buffer.
func (q *DispatchQueue[T]) Len() int {
	return len(q.tasks)
}

// Processed reports the number of tasks handled since startup.
func (q *DispatchQueue[T]) Processed() int64 {
	return q.processed.Load()
}

// Dropped reports the number of tasks rejected because the buffer was
// full.
func (q *DispatchQueue[T]) Dropped() int64 {
	return q.dropped.Load()
}
