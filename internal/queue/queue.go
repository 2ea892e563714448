// Package queue implements C12: a single-producer/single-consumer
// in-process task queue backed by the ledger's durable tasks table.
// Producers call Enqueue; the consumer loop, wired into
// internal/worker.Runner via Run, pops tasks off an in-memory channel,
// dispatches to a registered Handler by kind, and writes the resulting
// status back to the ledger. Grounded on gandalf's internal/worker's
// channel-plus-ticker shape (UsageRecorder), simplified here since tasks
// are processed one at a time rather than batched.
package queue

import (
	"context"
	"log/slog"

	bodhi "github.com/bodhiapp/bodhi/internal"
	"github.com/bodhiapp/bodhi/internal/storage"
)

const taskChanSize = 64

// Handler executes a task's work. The returned error, if non-nil, is
// recorded as the task's terminal Error status.
type Handler func(ctx context.Context, task *bodhi.Task) error

// Queue is both the producer (Enqueue) and the sole consumer (Run),
// satisfying internal/worker.Worker so it runs under the same Runner as
// every other background task.
type Queue struct {
	store    storage.TaskStore
	ch       chan *bodhi.Task
	handlers map[bodhi.TaskKind]Handler
	logger   *slog.Logger
}

// New constructs a Queue backed by store. Handlers must be registered via
// Register before Run is started.
func New(store storage.TaskStore, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:    store,
		ch:       make(chan *bodhi.Task, taskChanSize),
		handlers: make(map[bodhi.TaskKind]Handler),
		logger:   logger,
	}
}

// Register associates a Handler with a TaskKind. Not safe to call
// concurrently with Run.
func (q *Queue) Register(kind bodhi.TaskKind, h Handler) {
	q.handlers[kind] = h
}

// Enqueue persists a new task and hands it to the consumer. The channel
// send blocks only if the in-memory buffer is full, which with a single
// consumer only happens under sustained overload; that back-pressure is
// intentional since tasks are durable and safe to pick up late.
func (q *Queue) Enqueue(ctx context.Context, kind bodhi.TaskKind) (*bodhi.Task, error) {
	t := &bodhi.Task{Kind: kind, Status: bodhi.TaskPending}
	if err := q.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	select {
	case q.ch <- t:
	case <-ctx.Done():
		return t, ctx.Err()
	}
	return t, nil
}

// Status reports "processing" if any task is pending or in flight, else
// "idle", per spec's queue status endpoint.
func (q *Queue) Status(ctx context.Context) (string, error) {
	pending, err := q.store.ListPending(ctx)
	if err != nil {
		return "", err
	}
	if len(pending) > 0 {
		return "processing", nil
	}
	return "idle", nil
}

// Name identifies this worker for Runner logging.
func (q *Queue) Name() string { return "queue" }

// Run processes tasks until ctx is cancelled. Unlike UsageRecorder, no
// drain-on-shutdown is needed: an in-flight task left Processing when the
// process exits is simply re-picked-up never (tasks aren't re-queued on
// restart), but RefreshAll is idempotent and safe to re-trigger manually.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case t := <-q.ch:
			q.process(ctx, t)
		case <-ctx.Done():
			return nil
		}
	}
}

func (q *Queue) process(ctx context.Context, t *bodhi.Task) {
	if err := q.store.UpdateTaskStatus(ctx, t.ID, bodhi.TaskProcessing, ""); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "task status update failed",
			slog.String("task_id", t.ID), slog.String("error", err.Error()))
		return
	}

	h, ok := q.handlers[t.Kind]
	if !ok {
		q.fail(ctx, t, "no handler registered for task kind: "+string(t.Kind))
		return
	}

	if err := h(ctx, t); err != nil {
		q.fail(ctx, t, err.Error())
		return
	}

	if err := q.store.UpdateTaskStatus(ctx, t.ID, bodhi.TaskDone, ""); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "task status update failed",
			slog.String("task_id", t.ID), slog.String("error", err.Error()))
	}
}

func (q *Queue) fail(ctx context.Context, t *bodhi.Task, msg string) {
	slog.LogAttrs(ctx, slog.LevelError, "task failed",
		slog.String("task_id", t.ID), slog.String("kind", string(t.Kind)), slog.String("error", msg))
	if err := q.store.UpdateTaskStatus(ctx, t.ID, bodhi.TaskError, msg); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "task status update failed",
			slog.String("task_id", t.ID), slog.String("error", err.Error()))
	}
}
