package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/steadyline/proactor/internal/logging"
	"github.com/steadyline/proactor/pkg/schema"
)

// Redis dispatcher defaults.
const (
	DefaultQueue       = "proactor:tasks"
	DefaultWorkers     = 4
	DefaultMaxAttempts = 3
	DefaultBackoff     = 60 * time.Second

	popTimeout = time.Second
)

// RedisConfig tunes the Redis dispatcher. Zero values resolve to the defaults
// above.
type RedisConfig struct {
	Queue       string
	Workers     int
	MaxAttempts int
	// Backoff grows linearly with the attempt count.
	Backoff time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.Queue == "" {
		c.Queue = DefaultQueue
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	return c
}

// Redis queues tasks on a Redis list and runs a bounded worker pool that pops
// and executes them. Transient handler failures re-enqueue the task with its
// attempt count bumped, up to MaxAttempts deliveries.
type Redis struct {
	client   *redis.Client
	runner   Runner
	reminder Reminder
	cfg      RedisConfig
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedis creates a Redis dispatcher. The client is owned by the caller;
// Close stops the workers without closing it.
func NewRedis(client *redis.Client, runner Runner, reminder Reminder, cfg RedisConfig, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		client:   client,
		runner:   runner,
		reminder: reminder,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// Start launches the worker pool. Workers run until Close or until the given
// context is cancelled.
func (d *Redis) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.work(ctx)
	}
	d.logger.InfoContext(ctx, "dispatcher started",
		slog.String("queue", d.cfg.Queue),
		slog.Int("workers", d.cfg.Workers))
}

// Close stops the workers and waits for in-flight tasks to finish.
func (d *Redis) Close() error {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	return nil
}

func (d *Redis) EnqueueRun(ctx context.Context, workflowID string) error {
	return d.push(ctx, Task{
		ID:         uuid.NewString(),
		Kind:       TaskRun,
		WorkflowID: workflowID,
	})
}

func (d *Redis) EnqueueResume(ctx context.Context, workflowID string, response map[string]any) error {
	return d.push(ctx, Task{
		ID:         uuid.NewString(),
		Kind:       TaskResume,
		WorkflowID: workflowID,
		Response:   response,
	})
}

func (d *Redis) EnqueueReminder(ctx context.Context, workflowID, userID string, wfContext map[string]any) error {
	return d.push(ctx, Task{
		ID:         uuid.NewString(),
		Kind:       TaskReminder,
		WorkflowID: workflowID,
		UserID:     userID,
		Context:    wfContext,
	})
}

func (d *Redis) push(ctx context.Context, task Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return schema.NewError(schema.ErrCodeDispatch, "encode task").WithCause(err)
	}
	if err := d.client.LPush(ctx, d.cfg.Queue, payload).Err(); err != nil {
		return schema.NewError(schema.ErrCodeDispatch, "enqueue task").
			WithWorkflow(task.WorkflowID).WithCause(err)
	}
	return nil
}

func (d *Redis) work(ctx context.Context) {
	defer d.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := d.client.BRPop(ctx, popTimeout, d.cfg.Queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			d.logger.WarnContext(ctx, "queue pop failed", slog.String("error", err.Error()))
			continue
		}
		if len(res) != 2 {
			continue
		}

		var task Task
		if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
			d.logger.ErrorContext(ctx, "dropping undecodable task", slog.String("error", err.Error()))
			continue
		}
		d.handle(ctx, task)
	}
}

func (d *Redis) handle(ctx context.Context, task Task) {
	ctx = logging.WithTaskID(logging.WithWorkflowID(ctx, task.WorkflowID), task.ID)
	log := logging.LogWith(ctx, d.logger)

	var err error
	switch task.Kind {
	case TaskRun:
		err = d.runner.RunWorkflow(ctx, task.WorkflowID)
	case TaskResume:
		_, err = d.runner.ResumeWorkflow(ctx, task.WorkflowID, task.Response)
	case TaskReminder:
		if d.reminder == nil {
			log.WarnContext(ctx, "no reminder handler wired, dropping reminder")
			return
		}
		err = d.reminder.Remind(ctx, task.WorkflowID, task.UserID, task.Context)
	default:
		log.ErrorContext(ctx, "dropping task of unknown kind", slog.String("kind", task.Kind))
		return
	}
	if err == nil {
		return
	}

	task.Attempt++
	if task.Attempt >= d.cfg.MaxAttempts {
		log.ErrorContext(ctx, "task exhausted its attempts",
			slog.String("kind", task.Kind),
			slog.Int("attempts", task.Attempt),
			slog.String("error", err.Error()))
		return
	}

	log.WarnContext(ctx, "task failed, re-enqueueing",
		slog.String("kind", task.Kind),
		slog.Int("attempt", task.Attempt),
		slog.String("error", err.Error()))
	d.requeue(task)
}

// requeue pushes the task back after a linear backoff. The push uses a fresh
// context so a worker shutdown does not lose the retry.
func (d *Redis) requeue(task Task) {
	delay := time.Duration(task.Attempt) * d.cfg.Backoff
	if delay <= 0 {
		if err := d.push(context.Background(), task); err != nil {
			d.logger.Error("re-enqueue failed", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		}
		return
	}
	time.AfterFunc(delay, func() {
		if err := d.push(context.Background(), task); err != nil {
			d.logger.Error("re-enqueue failed", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		}
	})
}

var _ Dispatcher = (*Redis)(nil)
