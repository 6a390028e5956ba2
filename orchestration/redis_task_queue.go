package orchestration

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"

	"github.com/fernridge/conductor/core"
	"github.com/fernridge/conductor/supervisorerr"
)

// TaskQueue is a FIFO over a Redis list primitive, in a logical database
// distinct from the state store's. Adapted from the
// teacher's RedisTaskQueue: Enqueue keeps the LPUSH/JSON-per-element
// shape, but Dequeue is changed from the teacher's blocking BRPOP to a
// non-blocking RPOP — the control loop polls the queue once per
// iteration rather than blocking indefinitely on it. Peek/UpdateInPlace/Remove/Drain are
// additions the teacher's queue does not need.
type TaskQueue struct {
	client    *core.RedisClient
	queueName string
	logger    core.Logger
}

// NewTaskQueue builds a TaskQueue over the given client (whose DB must
// differ from the state store's).
func NewTaskQueue(client *core.RedisClient, queueName string, logger core.Logger) *TaskQueue {
	return &TaskQueue{client: client, queueName: queueName, logger: logger}
}

func (q *TaskQueue) key() string {
	return "queue:" + q.queueName
}

// Enqueue left-pushes a task so that, for enqueue(A) then enqueue(B),
// Dequeue returns A before B.
func (q *TaskQueue) Enqueue(ctx context.Context, task *core.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return supervisorerr.New("taskqueue.Enqueue", supervisorerr.QueueIOFailed, task.TaskID, err)
	}
	if err := q.client.LPush(ctx, q.key(), data); err != nil {
		return supervisorerr.New("taskqueue.Enqueue", supervisorerr.QueueIOFailed, task.TaskID, err)
	}
	if q.logger != nil {
		q.logger.Debug("task enqueued", map[string]interface{}{"task_id": task.TaskID})
	}
	return nil
}

// Dequeue right-pops the next task without blocking. Returns (nil, nil)
// when the queue is empty.
func (q *TaskQueue) Dequeue(ctx context.Context) (*core.Task, error) {
	raw, err := q.client.RPop(ctx, q.key())
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, supervisorerr.New("taskqueue.Dequeue", supervisorerr.QueueIOFailed, "", err)
	}
	var task core.Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, supervisorerr.New("taskqueue.Dequeue", supervisorerr.QueueIOFailed, "", err)
	}
	return &task, nil
}

// Peek returns up to n tasks from the front of the queue (the next n
// that would be dequeued) without removing them.
func (q *TaskQueue) Peek(ctx context.Context, n int) ([]*core.Task, error) {
	if n <= 0 {
		return nil, nil
	}
	raws, err := q.client.LRange(ctx, q.key(), -int64(n), -1)
	if err != nil {
		return nil, supervisorerr.New("taskqueue.Peek", supervisorerr.QueueIOFailed, "", err)
	}
	tasks := make([]*core.Task, 0, len(raws))
	for i := len(raws) - 1; i >= 0; i-- {
		var t core.Task
		if err := json.Unmarshal([]byte(raws[i]), &t); err != nil {
			return nil, supervisorerr.New("taskqueue.Peek", supervisorerr.QueueIOFailed, "", err)
		}
		tasks = append(tasks, &t)
	}
	return tasks, nil
}

// Length returns the number of tasks currently queued.
func (q *TaskQueue) Length(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key())
	if err != nil {
		return 0, supervisorerr.New("taskqueue.Length", supervisorerr.QueueIOFailed, "", err)
	}
	return n, nil
}

// UpdateInPlace scans the whole list (O(N)) and overwrites the first
// element whose task_id matches, applying patch to the decoded task
// before re-encoding.
func (q *TaskQueue) UpdateInPlace(ctx context.Context, taskID string, patch func(*core.Task)) error {
	raws, err := q.client.LRange(ctx, q.key(), 0, -1)
	if err != nil {
		return supervisorerr.New("taskqueue.UpdateInPlace", supervisorerr.QueueIOFailed, taskID, err)
	}
	for _, raw := range raws {
		var t core.Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			continue
		}
		if t.TaskID != taskID {
			continue
		}
		patch(&t)
		data, err := json.Marshal(&t)
		if err != nil {
			return supervisorerr.New("taskqueue.UpdateInPlace", supervisorerr.QueueIOFailed, taskID, err)
		}
		if err := q.client.LSet(ctx, q.key(), raw, string(data)); err != nil {
			return supervisorerr.New("taskqueue.UpdateInPlace", supervisorerr.QueueIOFailed, taskID, err)
		}
		return nil
	}
	return supervisorerr.Newf("taskqueue.UpdateInPlace", supervisorerr.QueueIOFailed, taskID,
		"task not found in queue")
}

// Remove deletes the first queued element whose task_id matches.
func (q *TaskQueue) Remove(ctx context.Context, taskID string) error {
	raws, err := q.client.LRange(ctx, q.key(), 0, -1)
	if err != nil {
		return supervisorerr.New("taskqueue.Remove", supervisorerr.QueueIOFailed, taskID, err)
	}
	for _, raw := range raws {
		var t core.Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			continue
		}
		if t.TaskID != taskID {
			continue
		}
		if err := q.client.LRem(ctx, q.key(), raw); err != nil {
			return supervisorerr.New("taskqueue.Remove", supervisorerr.QueueIOFailed, taskID, err)
		}
		return nil
	}
	return nil
}

// Drain empties the queue entirely and returns whatever was in it, in
// FIFO order.
func (q *TaskQueue) Drain(ctx context.Context) ([]*core.Task, error) {
	var tasks []*core.Task
	for {
		t, err := q.Dequeue(ctx)
		if err != nil {
			return tasks, err
		}
		if t == nil {
			return tasks, nil
		}
		tasks = append(tasks, t)
	}
}
