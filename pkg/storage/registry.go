package storage

import (
	"context"
	"time"

	"github.com/microsoft/Service-Fabric-POA/pkg/logging"
	"github.com/microsoft/Service-Fabric-POA/pkg/platform"
	"github.com/microsoft/Service-Fabric-POA/pkg/repair"

	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// conflictError marks an optimistic-concurrency failure. Callers retry the
// whole read-modify-write on the next tick.
type conflictError struct{ taskID string }

func (e *conflictError) Error() string {
	return "task " + e.taskID + " changed since it was read"
}

// IsConflict reports whether err is a stale-version write rejection.
func IsConflict(err error) bool {
	var ce *conflictError
	return errors.As(err, &ce)
}

var _ platform.RepairManager = (*Registry)(nil)

// Registry is the sqlite-backed repair-task registry. It stands in for the
// platform's repair service: durable records keyed by task id, mutated only
// through version-checked writes.
type Registry struct {
	log logging.Logger
	db  *gorm.DB
}

// Open initializes (and migrates) the registry database at path.
func Open(log logging.Logger, path string) (*Registry, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.WithMessage(err, "could not open registry database")
	}
	if err := db.AutoMigrate(&taskRecord{}, &resultRecord{}); err != nil {
		return nil, errors.WithMessage(err, "could not migrate registry schema")
	}
	return &Registry{log: log, db: db}, nil
}

// DB exposes the underlying handle for the result store sharing the same
// database file.
func (r *Registry) DB() *gorm.DB { return r.db }

// Available reports whether the registry can serve queries.
func (r *Registry) Available(ctx context.Context) bool {
	var n int64
	err := r.db.WithContext(ctx).Model(&taskRecord{}).Count(&n).Error
	if err != nil {
		r.log.WithError(err).Warn("repair registry unavailable")
		return false
	}
	return true
}

// CreateTask persists a freshly claimed task at version 1.
func (r *Registry) CreateTask(ctx context.Context, task *repair.Task) error {
	task.Version = 1
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	rec, err := toRecord(task)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return errors.WithMessagef(err, "could not create task %s", task.TaskID)
	}
	return nil
}

// ListTasks returns every task whose id carries the prefix, oldest first.
func (r *Registry) ListTasks(ctx context.Context, prefix string) ([]*repair.Task, error) {
	var recs []taskRecord
	err := r.db.WithContext(ctx).
		Where(`task_id LIKE ? ESCAPE '\'`, prefixPattern(prefix)).
		Order("created_at asc, task_id asc").
		Find(&recs).Error
	if err != nil {
		return nil, errors.WithMessage(err, "could not list tasks")
	}
	tasks := make([]*repair.Task, 0, len(recs))
	for i := range recs {
		task, err := recs[i].toTask()
		if err != nil {
			// A corrupt row is logged and skipped rather than wedging the
			// whole listing.
			r.log.WithError(err).WithField("task", recs[i].TaskID).Error("skipping corrupt task record")
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// GetTask fetches one task by id.
func (r *Registry) GetTask(ctx context.Context, taskID string) (*repair.Task, error) {
	var rec taskRecord
	err := r.db.WithContext(ctx).First(&rec, "task_id = ?", taskID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Errorf("task %s not found", taskID)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "could not read task %s", taskID)
	}
	return rec.toTask()
}

// UpdateTask writes back a mutated task. The write succeeds only when the
// stored version still matches task.Version; on success the task's version
// is advanced to the stored value.
func (r *Registry) UpdateTask(ctx context.Context, task *repair.Task) error {
	rec, err := toRecord(task)
	if err != nil {
		return err
	}
	rec.Version = task.Version + 1
	res := r.db.WithContext(ctx).
		Model(&taskRecord{}).
		Where("task_id = ? AND version = ?", task.TaskID, task.Version).
		Updates(map[string]interface{}{
			"version":          rec.Version,
			"target":           rec.Target,
			"state":            rec.State,
			"result_status":    rec.ResultStatus,
			"executor_data":    rec.ExecutorData,
			"impact":           rec.Impact,
			"preparing_health": rec.PreparingHealth,
			"approved_at":      rec.ApprovedAt,
		})
	if res.Error != nil {
		return errors.WithMessagef(res.Error, "could not update task %s", task.TaskID)
	}
	if res.RowsAffected == 0 {
		return &conflictError{taskID: task.TaskID}
	}
	task.Version = rec.Version
	return nil
}

// RefreshTaskHealthPolicy re-reads the task to pick up its latest version.
// The registry applies the current cluster health policy as a side effect of
// the read, so the only caller-visible output is the version number.
func (r *Registry) RefreshTaskHealthPolicy(ctx context.Context, taskID string) (int64, error) {
	task, err := r.GetTask(ctx, taskID)
	if err != nil {
		return 0, err
	}
	return task.Version, nil
}

// CancelTask retires a task through the state-appropriate path.
func (r *Registry) CancelTask(ctx context.Context, taskID string) error {
	task, err := r.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	switch {
	case task.State == repair.StateCompleted:
		return nil
	case task.State.Processing():
		// The node may already be disabled; route through Restoring so the
		// platform re-enables it before the task completes.
		task.State = repair.StateRestoring
	default:
		task.State = repair.StateCompleted
	}
	task.ResultStatus = repair.ResultCancelled
	return r.UpdateTask(ctx, task)
}
