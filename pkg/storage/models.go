package storage

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/microsoft/Service-Fabric-POA/pkg/repair"

	"github.com/pkg/errors"
)

// taskRecord is the gorm row backing a repair task. Target and executor data
// travel as JSON columns so the schema stays stable as the blob evolves.
type taskRecord struct {
	TaskID          string `gorm:"primaryKey;column:task_id"`
	Version         int64  `gorm:"column:version"`
	Target          string `gorm:"column:target"`
	State           string `gorm:"column:state;index"`
	ResultStatus    string `gorm:"column:result_status"`
	Executor        string `gorm:"column:executor;index"`
	ExecutorData    string `gorm:"column:executor_data"`
	Impact          string `gorm:"column:impact"`
	PreparingHealth bool   `gorm:"column:preparing_health"`
	CreatedAt       time.Time
	ApprovedAt      time.Time
}

func (taskRecord) TableName() string { return "repair_tasks" }

func toRecord(task *repair.Task) (*taskRecord, error) {
	target, err := json.Marshal(task.Target)
	if err != nil {
		return nil, errors.WithMessage(err, "could not encode task target")
	}
	data, err := json.Marshal(task.ExecutorData)
	if err != nil {
		return nil, errors.WithMessage(err, "could not encode executor data")
	}
	return &taskRecord{
		TaskID:          task.TaskID,
		Version:         task.Version,
		Target:          string(target),
		State:           string(task.State),
		ResultStatus:    string(task.ResultStatus),
		Executor:        task.Executor,
		ExecutorData:    string(data),
		Impact:          string(task.Impact),
		PreparingHealth: task.PreparingHealth,
		CreatedAt:       task.CreatedAt,
		ApprovedAt:      task.ApprovedAt,
	}, nil
}

func (r *taskRecord) toTask() (*repair.Task, error) {
	task := &repair.Task{
		TaskID:          r.TaskID,
		Version:         r.Version,
		State:           repair.TaskState(r.State),
		ResultStatus:    repair.ResultStatus(r.ResultStatus),
		Executor:        r.Executor,
		Impact:          repair.Impact(r.Impact),
		PreparingHealth: r.PreparingHealth,
		CreatedAt:       r.CreatedAt,
		ApprovedAt:      r.ApprovedAt,
	}
	if r.Target != "" {
		if err := json.Unmarshal([]byte(r.Target), &task.Target); err != nil {
			return nil, errors.WithMessagef(err, "corrupt target on task %s", r.TaskID)
		}
	}
	if r.ExecutorData != "" {
		if err := json.Unmarshal([]byte(r.ExecutorData), &task.ExecutorData); err != nil {
			return nil, errors.WithMessagef(err, "corrupt executor data on task %s", r.TaskID)
		}
	}
	return task, nil
}

// resultRecord is one entry of the bounded result queue. The payload is the
// full OperationResult; NodeName and OperationType are lifted out for the
// read endpoint's grouping and filtering.
type resultRecord struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	NodeName      string `gorm:"column:node_name;index"`
	OperationType string `gorm:"column:operation_type;index"`
	Payload       string `gorm:"column:payload"`
	CreatedAt     time.Time
}

func (resultRecord) TableName() string { return "operation_results" }

func prefixPattern(prefix string) string {
	// Escape the LIKE wildcards that legitimately appear in task ids.
	escaped := strings.NewReplacer("%", `\%`, "_", `\_`).Replace(prefix)
	return escaped + "%"
}
