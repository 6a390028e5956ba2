package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-redis/redis/v8"

	"github.com/fernridge/conductor/core"
	"github.com/fernridge/conductor/supervisorerr"
)

// StateStore persists the single SupervisorState blob. One key
// holds the entire state; writes are full-overwrite SETs; there is no
// partial update, scripting, or pub/sub.
type StateStore struct {
	client *core.RedisClient
	key    string
	logger core.Logger
}

// NewStateStore builds a StateStore over the given Redis client. The
// client's DB must differ from the TaskQueue's (enforced by
// core.NewConfig / WithRedis at construction time).
func NewStateStore(client *core.RedisClient, key string, logger core.Logger) *StateStore {
	return &StateStore{client: client, key: key, logger: logger}
}

// Init writes the initial state and fails if the key already exists,
// matching the init-state CLI command's documented failure mode.
func (s *StateStore) Init(ctx context.Context, state *core.SupervisorState) error {
	_, err := s.client.Get(ctx, s.key)
	if err == nil {
		return supervisorerr.New("statestore.Init", supervisorerr.StatePersistFailed, s.key,
			fmt.Errorf("state key already exists"))
	}
	if err != redis.Nil {
		return supervisorerr.New("statestore.Init", supervisorerr.StatePersistFailed, s.key, err)
	}

	state.LastUpdated = time.Now().UTC()
	data, err := json.Marshal(state)
	if err != nil {
		return supervisorerr.New("statestore.Init", supervisorerr.StatePersistFailed, s.key, err)
	}
	if err := s.client.Set(ctx, s.key, data, 0); err != nil {
		return supervisorerr.New("statestore.Init", supervisorerr.StatePersistFailed, s.key, err)
	}
	return nil
}

// Load fetches and decodes the state blob.
func (s *StateStore) Load(ctx context.Context) (*core.SupervisorState, error) {
	raw, err := s.client.Get(ctx, s.key)
	if err == redis.Nil {
		return nil, supervisorerr.New("statestore.Load", supervisorerr.StateNotFound, s.key, err)
	}
	if err != nil {
		return nil, supervisorerr.New("statestore.Load", supervisorerr.StateNotFound, s.key, err)
	}

	var state core.SupervisorState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, supervisorerr.New("statestore.Load", supervisorerr.StateCorrupt, s.key, err)
	}
	if state.PerTask == nil {
		state.PerTask = map[string]*core.TaskAttemptState{}
	}
	return &state, nil
}

// Persist writes the full state blob, refreshing LastUpdated. Any
// failure here is fatal: the control loop must halt.
func (s *StateStore) Persist(ctx context.Context, state *core.SupervisorState) error {
	state.LastUpdated = time.Now().UTC()
	data, err := json.Marshal(state)
	if err != nil {
		return supervisorerr.New("statestore.Persist", supervisorerr.StatePersistFailed, s.key, err)
	}
	if err := s.persistWithRetry(ctx, data); err != nil {
		if s.logger != nil {
			s.logger.Error("state persist failed", map[string]interface{}{
				"key":   s.key,
				"error": err.Error(),
			})
		}
		return supervisorerr.New("statestore.Persist", supervisorerr.StatePersistFailed, s.key, err)
	}
	return nil
}

// persistWithRetry absorbs transient Redis errors (connection blips)
// before the caller declares the fatal STATE_PERSIST_FAILED condition:
// a dropped connection mid-write should not halt the loop if a retry a
// few hundred milliseconds later would have succeeded.
func (s *StateStore) persistWithRetry(ctx context.Context, data []byte) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, s.client.Set(ctx, s.key, data, 0)
	}, backoff.WithBackOff(backoff.NewConstantBackOff(200*time.Millisecond)), backoff.WithMaxTries(3))
	return err
}

// ValidateRequiredFields checks that a freshly-loaded state carries
// supervisor.status (a missing supervisor section shows up as an empty
// status) and a goal. The queue section is not checked: when absent it
// decodes to a zero-value struct and passes.
func ValidateRequiredFields(state *core.SupervisorState) error {
	if state == nil {
		return supervisorerr.Newf("statestore.ValidateRequiredFields", supervisorerr.MissingStateField, "",
			"state is nil")
	}
	if state.Supervisor.Status == "" {
		return supervisorerr.Newf("statestore.ValidateRequiredFields", supervisorerr.MissingStateField, "",
			"supervisor.status is missing")
	}
	if state.Goal.Description == "" && !state.Goal.Completed {
		return supervisorerr.Newf("statestore.ValidateRequiredFields", supervisorerr.MissingStateField, "",
			"goal is missing")
	}
	return nil
}
