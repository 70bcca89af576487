package repair

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Executor identifies this system on repair tasks. Tasks carrying a different
// executor belong to someone else and are never touched.
const Executor = "POS"

// TaskIDPrefix scopes listings to tasks created by this system.
const TaskIDPrefix = "POS"

// TaskState is the platform-owned lifecycle state of a repair task.
type TaskState string

const (
	StateCreated   TaskState = "Created"
	StateClaimed   TaskState = "Claimed"
	StatePreparing TaskState = "Preparing"
	StateApproved  TaskState = "Approved"
	StateExecuting TaskState = "Executing"
	StateRestoring TaskState = "Restoring"
	StateCompleted TaskState = "Completed"
)

// Active reports whether the task still occupies its node. A node may have at
// most one active task at a time.
func (s TaskState) Active() bool {
	return s != StateCompleted
}

// Processing reports whether the task holds the cluster's disruption budget:
// the platform has begun (or finished preparing) to disable the node.
func (s TaskState) Processing() bool {
	switch s {
	case StatePreparing, StateApproved, StateExecuting, StateRestoring:
		return true
	}
	return false
}

// ResultStatus is the platform-recorded outcome of a repair task.
type ResultStatus string

const (
	ResultPending   ResultStatus = "Pending"
	ResultSucceeded ResultStatus = "Succeeded"
	ResultCancelled ResultStatus = "Cancelled"
	ResultFailed    ResultStatus = "Failed"
)

// Impact describes the disruption the platform should prepare the target
// node for before approving the task.
type Impact string

const (
	ImpactNone    Impact = "None"
	ImpactRestart Impact = "Restart"
)

// ExecutorData is the opaque blob this system owns on each of its tasks.
type ExecutorData struct {
	SubState         SubState  `json:"ExecutorSubState"`
	TimeoutInMinutes int       `json:"ExecutorTimeoutInMinutes"`
	RestartRequested time.Time `json:"RestartRequestedTime,omitempty"`
}

// Task is the durable repair-task record as read from and written to the
// repair registry. The registry owns Version for optimistic concurrency.
type Task struct {
	TaskID          string
	Version         int64
	Target          []string
	State           TaskState
	ResultStatus    ResultStatus
	Executor        string
	ExecutorData    ExecutorData
	Impact          Impact
	PreparingHealth bool
	CreatedAt       time.Time
	ApprovedAt      time.Time
}

// NewTaskID mints a task id scoped to this system and target node.
func NewTaskID(nodeName string) string {
	return fmt.Sprintf("%s_%s_%s", TaskIDPrefix, nodeName, uuid.NewString())
}

// TargetNode returns the single node a task addresses. Tasks with any other
// target cardinality are malformed and get orphan-cancelled by the
// coordinator.
func (t *Task) TargetNode() (string, error) {
	if len(t.Target) != 1 {
		return "", errors.Errorf("task %s targets %d nodes, want exactly 1", t.TaskID, len(t.Target))
	}
	return t.Target[0], nil
}

// Owned reports whether the task was created by this system.
func (t *Task) Owned() bool {
	return t.Executor == Executor && strings.HasPrefix(t.TaskID, TaskIDPrefix+"_")
}

// NewTask builds a freshly claimed task for nodeName with the download
// already completed, matching how the agent hands work to the coordinator.
func NewTask(nodeName string, installationTimeoutMinutes int, now time.Time) *Task {
	return &Task{
		TaskID:       NewTaskID(nodeName),
		Target:       []string{nodeName},
		State:        StateClaimed,
		ResultStatus: ResultPending,
		Executor:     Executor,
		ExecutorData: ExecutorData{
			SubState:         SubStateDownloadCompleted,
			TimeoutInMinutes: installationTimeoutMinutes,
		},
		CreatedAt: now,
	}
}

// DisplayString renders the task's coordination-relevant state for logs.
func (t *Task) DisplayString() string {
	return fmt.Sprintf("%s[%s/%s,%s]", t.TaskID, t.State, t.ResultStatus, t.ExecutorData.SubState)
}
