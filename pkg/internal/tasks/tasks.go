// Package tasks provides repair-task fixtures shared by tests.
package tasks

import (
	"time"

	"github.com/microsoft/Service-Fabric-POA/pkg/repair"
)

// Base is the reference creation time fixtures count from.
var Base = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

type Option func(*repair.Task)

func WithNode(name string) Option {
	return func(t *repair.Task) {
		t.TaskID = repair.NewTaskID(name)
		t.Target = []string{name}
	}
}

func WithState(state repair.TaskState) Option {
	return func(t *repair.Task) { t.State = state }
}

func WithSubState(sub repair.SubState) Option {
	return func(t *repair.Task) { t.ExecutorData.SubState = sub }
}

func WithCreatedAt(at time.Time) Option {
	return func(t *repair.Task) { t.CreatedAt = at }
}

func WithApprovedAt(at time.Time) Option {
	return func(t *repair.Task) { t.ApprovedAt = at }
}

func WithTimeout(minutes int) Option {
	return func(t *repair.Task) { t.ExecutorData.TimeoutInMinutes = minutes }
}

// Claimed builds a freshly claimed task for node, mutated by opts.
func Claimed(node string, opts ...Option) *repair.Task {
	task := repair.NewTask(node, 90, Base)
	task.Version = 1
	for _, opt := range opts {
		opt(task)
	}
	return task
}

// Executing builds a task mid-installation.
func Executing(node string, opts ...Option) *repair.Task {
	task := Claimed(node,
		WithState(repair.StateExecuting),
		WithSubState(repair.SubStateInstallationInProgress),
		WithApprovedAt(Base.Add(time.Minute)))
	for _, opt := range opts {
		opt(task)
	}
	return task
}
