package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/microsoft/Service-Fabric-POA/pkg/platform"
	"github.com/microsoft/Service-Fabric-POA/pkg/repair"

	"github.com/pkg/errors"
)

var _ platform.RepairManager = (*MemoryRegistry)(nil)

// MemoryRegistry is an in-memory RepairManager with the same optimistic
// concurrency semantics as the sqlite registry. Tests and single-process
// development deployments use it in place of a database file.
type MemoryRegistry struct {
	mu    sync.Mutex
	tasks map[string]*repair.Task
	down  bool
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{tasks: make(map[string]*repair.Task)}
}

// SetAvailable flips the registry's simulated readiness; tests use this to
// drive the coordinator's platform readiness check.
func (m *MemoryRegistry) SetAvailable(up bool) {
	m.mu.Lock()
	m.down = !up
	m.mu.Unlock()
}

func (m *MemoryRegistry) Available(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.down
}

func clone(task *repair.Task) *repair.Task {
	dup := *task
	dup.Target = append([]string(nil), task.Target...)
	return &dup
}

func (m *MemoryRegistry) CreateTask(ctx context.Context, task *repair.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[task.TaskID]; exists {
		return errors.Errorf("task %s already exists", task.TaskID)
	}
	task.Version = 1
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	m.tasks[task.TaskID] = clone(task)
	return nil
}

func (m *MemoryRegistry) ListTasks(ctx context.Context, prefix string) ([]*repair.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var tasks []*repair.Task
	for _, task := range m.tasks {
		if strings.HasPrefix(task.TaskID, prefix) {
			tasks = append(tasks, clone(task))
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].TaskID < tasks[j].TaskID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

func (m *MemoryRegistry) GetTask(ctx context.Context, taskID string) (*repair.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return nil, errors.Errorf("task %s not found", taskID)
	}
	return clone(task), nil
}

func (m *MemoryRegistry) UpdateTask(ctx context.Context, task *repair.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.tasks[task.TaskID]
	if !ok {
		return errors.Errorf("task %s not found", task.TaskID)
	}
	if stored.Version != task.Version {
		return &conflictError{taskID: task.TaskID}
	}
	task.Version++
	m.tasks[task.TaskID] = clone(task)
	return nil
}

func (m *MemoryRegistry) RefreshTaskHealthPolicy(ctx context.Context, taskID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return 0, errors.Errorf("task %s not found", taskID)
	}
	return task.Version, nil
}

func (m *MemoryRegistry) CancelTask(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return errors.Errorf("task %s not found", taskID)
	}
	switch {
	case task.State == repair.StateCompleted:
		return nil
	case task.State.Processing():
		task.State = repair.StateRestoring
	default:
		task.State = repair.StateCompleted
	}
	task.ResultStatus = repair.ResultCancelled
	task.Version++
	return nil
}
