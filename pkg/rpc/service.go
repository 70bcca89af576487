// Package rpc implements the coordinator↔agent contract: six operations the
// node agent invokes against the coordinator, carried over HTTP/JSON with
// the numeric result codes preserved bit-exact, plus the read-only results
// endpoint.
package rpc

import (
	"context"
	"time"

	"github.com/microsoft/Service-Fabric-POA/pkg/health"
	"github.com/microsoft/Service-Fabric-POA/pkg/logging"
	"github.com/microsoft/Service-Fabric-POA/pkg/platform"
	"github.com/microsoft/Service-Fabric-POA/pkg/repair"
	"github.com/microsoft/Service-Fabric-POA/pkg/storage"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Service holds the server-side semantics of the six operations. All
// transitions are idempotent for a repeated call with the same input state.
type Service struct {
	log      logging.Logger
	registry platform.RepairManager
	results  *storage.ResultStore
	reporter *health.Reporter
	apps     platform.ApplicationLister

	now func() time.Time
}

func NewService(log logging.Logger, registry platform.RepairManager, results *storage.ResultStore, reporter *health.Reporter, apps platform.ApplicationLister) *Service {
	return &Service{
		log:      log,
		registry: registry,
		results:  results,
		reporter: reporter,
		apps:     apps,
		now:      time.Now,
	}
}

// nodeTaskPrefix scopes a listing to one node's tasks.
func nodeTaskPrefix(nodeName string) string {
	return repair.TaskIDPrefix + "_" + nodeName + "_"
}

// activeTask returns the node's oldest active task, or nil when the node has
// no active task.
func (s *Service) activeTask(ctx context.Context, nodeName string) (*repair.Task, error) {
	tasks, err := s.registry.ListTasks(ctx, nodeTaskPrefix(nodeName))
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		if task.Owned() && task.State.Active() {
			return task, nil
		}
	}
	return nil, nil
}

// OperationState is the reply to GetWuOperationState. ApprovedAt and
// TimeoutInMinutes let the agent compute its remaining installation budget.
type OperationState struct {
	SubState         repair.SubState `json:"subState"`
	ApprovedAt       time.Time       `json:"approvedAt,omitempty"`
	TimeoutInMinutes int             `json:"timeoutInMinutes,omitempty"`
}

// GetWuOperationState derives the agent's sub-state from the node's oldest
// active repair task. The caller supplies its system boot time; observing a
// boot at or after the restart request atomically completes the restart.
func (s *Service) GetWuOperationState(ctx context.Context, nodeName string, bootTime time.Time) (OperationState, repair.ResultCode) {
	if nodeName == "" {
		return OperationState{}, repair.CodeInvalidArgument
	}
	task, err := s.activeTask(ctx, nodeName)
	if err != nil {
		return OperationState{}, s.failureCode(err)
	}
	if task == nil {
		return OperationState{SubState: repair.SubStateNone}, repair.CodeSuccess
	}

	state := OperationState{
		ApprovedAt:       task.ApprovedAt,
		TimeoutInMinutes: task.ExecutorData.TimeoutInMinutes,
	}
	switch task.State {
	case repair.StateClaimed, repair.StatePreparing:
		state.SubState = repair.SubStateDownloadCompleted
	case repair.StateApproved:
		state.SubState = repair.SubStateInstallationApproved
	case repair.StateExecuting:
		sub := task.ExecutorData.SubState
		if sub == repair.SubStateRestartRequested && rebootObserved(bootTime, task.ExecutorData.RestartRequested) {
			task.ExecutorData.SubState = repair.SubStateRestartCompleted
			if err := s.registry.UpdateTask(ctx, task); err != nil {
				return OperationState{}, s.failureCode(err)
			}
			sub = repair.SubStateRestartCompleted
		}
		state.SubState = sub
	case repair.StateRestoring, repair.StateCompleted:
		state.SubState = repair.SubStateOperationCompleted
	default:
		s.log.WithFields(logrus.Fields{
			"task":  task.TaskID,
			"state": string(task.State),
		}).Error("repair task in unexpected state")
		return OperationState{}, repair.CodeRepairTaskInvalidState
	}
	return state, repair.CodeSuccess
}

func rebootObserved(bootTime, restartRequested time.Time) bool {
	return !bootTime.IsZero() && !restartRequested.IsZero() && !bootTime.Before(restartRequested)
}

// UpdateSearchAndDownloadStatus records the outcome of a search/download
// pass. Completing a download claims a fresh repair task for the node;
// aborting abandons the claim.
func (s *Service) UpdateSearchAndDownloadStatus(ctx context.Context, nodeName string, newSubState repair.SubState, result *repair.OperationResult, installationTimeoutMinutes int) repair.ResultCode {
	if nodeName == "" {
		return repair.CodeInvalidArgument
	}
	switch newSubState {
	case repair.SubStateDownloadCompleted:
		existing, err := s.activeTask(ctx, nodeName)
		if err != nil {
			return s.failureCode(err)
		}
		if existing != nil {
			// Idempotent replay of a completed download.
			if existing.State == repair.StateClaimed && existing.ExecutorData.SubState == repair.SubStateDownloadCompleted {
				return s.enqueue(ctx, result)
			}
			s.log.WithField("task", existing.DisplayString()).Error("node already has an active repair task")
			return repair.CodeRepairTaskInvalidState
		}
		task := repair.NewTask(nodeName, installationTimeoutMinutes, s.now().UTC())
		if err := s.registry.CreateTask(ctx, task); err != nil {
			return s.failureCode(err)
		}
		s.log.WithField("task", task.DisplayString()).Info("claimed repair task for downloaded updates")
		return s.enqueue(ctx, result)

	case repair.SubStateOperationCompleted:
		// Nothing to install; no task involved.
		return s.enqueue(ctx, result)

	case repair.SubStateOperationAborted:
		task, err := s.activeTask(ctx, nodeName)
		if err != nil {
			return s.failureCode(err)
		}
		if task == nil {
			return s.enqueue(ctx, result)
		}
		if task.State != repair.StateClaimed {
			s.log.WithField("task", task.DisplayString()).Error("cannot abort a task past approval")
			return repair.CodeRepairTaskInvalidState
		}
		task.State = repair.StateCompleted
		task.ResultStatus = repair.ResultFailed
		task.ExecutorData.SubState = repair.SubStateOperationAborted
		if err := s.registry.UpdateTask(ctx, task); err != nil {
			return s.failureCode(err)
		}
		s.log.WithField("task", task.DisplayString()).Warn("abandoned claimed repair task")
		return s.enqueue(ctx, result)
	}
	return repair.CodeInvalidArgument
}

// UpdateInstallationStatus advances the executing task's sub-state.
func (s *Service) UpdateInstallationStatus(ctx context.Context, nodeName string, newSubState repair.SubState, result *repair.OperationResult) repair.ResultCode {
	if nodeName == "" {
		return repair.CodeInvalidArgument
	}
	switch newSubState {
	case repair.SubStateInstallationInProgress, repair.SubStateInstallationCompleted,
		repair.SubStateRestartRequested, repair.SubStateRestartNotNeeded,
		repair.SubStateRestartCompleted, repair.SubStateOperationCompleted:
	default:
		return repair.CodeInvalidArgument
	}

	task, err := s.activeTask(ctx, nodeName)
	if err != nil {
		return s.failureCode(err)
	}
	if task == nil {
		s.log.WithField("node", nodeName).Error("no active repair task for installation status")
		return repair.CodeRepairTaskInvalidState
	}

	// The platform has approved by now; an installation update implies the
	// executor is running.
	from := task.ExecutorData.SubState
	if task.State == repair.StateApproved && from == repair.SubStateDownloadCompleted {
		from = repair.SubStateInstallationApproved
	}
	next, err := repair.Transition(from, newSubState)
	if err != nil {
		s.log.WithError(err).WithField("task", task.DisplayString()).Error("rejected sub-state transition")
		return repair.CodeRepairTaskInvalidState
	}
	task.ExecutorData.SubState = next

	switch newSubState {
	case repair.SubStateRestartRequested:
		if task.ExecutorData.RestartRequested.IsZero() {
			task.ExecutorData.RestartRequested = s.now().UTC()
		}
		task.State = repair.StateExecuting
	case repair.SubStateOperationCompleted:
		task.State = repair.StateRestoring
		task.ResultStatus = repair.ResultSucceeded
	default:
		task.State = repair.StateExecuting
	}

	if err := s.registry.UpdateTask(ctx, task); err != nil {
		return s.failureCode(err)
	}
	return s.enqueue(ctx, result)
}

// UpdateWuOperationResult enqueues a result record with no task change.
func (s *Service) UpdateWuOperationResult(ctx context.Context, result *repair.OperationResult) repair.ResultCode {
	if result == nil {
		return repair.CodeInvalidArgument
	}
	return s.enqueue(ctx, result)
}

// ReportHealth publishes a health fact on behalf of the agent, waiting for
// the target service to exist up to deadline.
func (s *Service) ReportHealth(ctx context.Context, report platform.HealthReport, deadline time.Duration) repair.ResultCode {
	if report.Service == "" || report.Property == "" {
		return repair.CodeInvalidArgument
	}
	err := s.reporter.Report(ctx, report, deadline)
	switch {
	case err == nil:
		return repair.CodeSuccess
	case health.IsTimeout(err):
		return repair.CodeTimeoutException
	default:
		s.log.WithError(err).WithField("property", report.Property).Error("health publication failed")
		return repair.CodeFailure
	}
}

// GetApplicationDeployedStatus reports whether the application is deployed.
func (s *Service) GetApplicationDeployedStatus(ctx context.Context, applicationURI string) repair.ResultCode {
	if applicationURI == "" {
		return repair.CodeInvalidArgument
	}
	deployed, err := s.apps.ApplicationDeployed(ctx, applicationURI)
	if err != nil {
		return s.failureCode(err)
	}
	if !deployed {
		return repair.CodeApplicationNotFound
	}
	return repair.CodeSuccess
}

func (s *Service) enqueue(ctx context.Context, result *repair.OperationResult) repair.ResultCode {
	if result == nil {
		return repair.CodeSuccess
	}
	if err := s.results.Enqueue(ctx, result); err != nil {
		return s.failureCode(err)
	}
	return repair.CodeSuccess
}

// failureCode classifies an internal error into the wire contract; platform
// errors never cross the process boundary natively.
func (s *Service) failureCode(err error) repair.ResultCode {
	switch {
	case err == nil:
		return repair.CodeSuccess
	case errors.Is(err, context.DeadlineExceeded):
		return repair.CodeTimeoutException
	case storage.IsConflict(err):
		return repair.CodeRetryableException
	default:
		s.log.WithError(err).Error("operation failed")
		return repair.CodeFailure
	}
}
