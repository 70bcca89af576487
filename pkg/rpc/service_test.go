package rpc

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/microsoft/Service-Fabric-POA/pkg/health"
	"github.com/microsoft/Service-Fabric-POA/pkg/internal/tasks"
	"github.com/microsoft/Service-Fabric-POA/pkg/internal/testoutput"
	"github.com/microsoft/Service-Fabric-POA/pkg/logging"
	"github.com/microsoft/Service-Fabric-POA/pkg/platform"
	"github.com/microsoft/Service-Fabric-POA/pkg/repair"
	"github.com/microsoft/Service-Fabric-POA/pkg/storage"

	"gotest.tools/assert"
)

type readyBus struct{}

func (readyBus) Report(ctx context.Context, r platform.HealthReport) error { return nil }
func (readyBus) ServiceExists(ctx context.Context, service string) (bool, error) {
	return true, nil
}
func (readyBus) ListProperties(ctx context.Context, service, prefix string) ([]string, error) {
	return nil, nil
}
func (readyBus) Clear(ctx context.Context, service, property string) error { return nil }

type fakeApps map[string]bool

func (f fakeApps) ApplicationDeployed(ctx context.Context, uri string) (bool, error) {
	return f[uri], nil
}

type svcHarness struct {
	svc      *Service
	registry *storage.MemoryRegistry
	results  *storage.ResultStore
	now      time.Time
}

func newSvcHarness(t *testing.T) *svcHarness {
	t.Helper()
	log := testoutput.Logger(t, logging.New("rpc-test"))
	registry := storage.NewMemoryRegistry()
	db, err := storage.Open(log, filepath.Join(t.TempDir(), "repair.db"))
	assert.NilError(t, err)
	results := storage.NewResultStore(log, db.DB(), 0)

	h := &svcHarness{
		svc:      NewService(log, registry, results, health.NewReporter(log, readyBus{}), fakeApps{platform.ApplicationURI: true}),
		registry: registry,
		results:  results,
		now:      tasks.Base.Add(time.Hour),
	}
	h.svc.now = func() time.Time { return h.now }
	return h
}

func (h *svcHarness) nodeTask(t *testing.T, node string) *repair.Task {
	t.Helper()
	list, err := h.registry.ListTasks(context.Background(), nodeTaskPrefix(node))
	assert.NilError(t, err)
	assert.Assert(t, len(list) > 0, "no task for node %s", node)
	return list[len(list)-1]
}

func result(node string, op repair.OperationType) *repair.OperationResult {
	return &repair.OperationResult{
		NodeName:        node,
		OperationTime:   tasks.Base,
		OperationType:   op,
		OperationResult: repair.OutcomeSucceeded,
	}
}

func TestGetStateNoActiveTask(t *testing.T) {
	h := newSvcHarness(t)
	state, code := h.svc.GetWuOperationState(context.Background(), "_Node_0", time.Time{})
	assert.Equal(t, repair.CodeSuccess, code)
	assert.Equal(t, repair.SubStateNone, state.SubState)
}

func TestGetStateMapping(t *testing.T) {
	cases := []struct {
		State    repair.TaskState
		SubState repair.SubState
		Want     repair.SubState
	}{
		{repair.StateClaimed, repair.SubStateDownloadCompleted, repair.SubStateDownloadCompleted},
		{repair.StatePreparing, repair.SubStateDownloadCompleted, repair.SubStateDownloadCompleted},
		{repair.StateApproved, repair.SubStateDownloadCompleted, repair.SubStateInstallationApproved},
		{repair.StateExecuting, repair.SubStateInstallationInProgress, repair.SubStateInstallationInProgress},
		{repair.StateRestoring, repair.SubStateOperationCompleted, repair.SubStateOperationCompleted},
	}
	for _, tc := range cases {
		t.Run(string(tc.State), func(t *testing.T) {
			h := newSvcHarness(t)
			task := tasks.Claimed("_Node_0", tasks.WithState(tc.State), tasks.WithSubState(tc.SubState))
			assert.NilError(t, h.registry.CreateTask(context.Background(), task))

			state, code := h.svc.GetWuOperationState(context.Background(), "_Node_0", time.Time{})
			assert.Equal(t, repair.CodeSuccess, code)
			assert.Equal(t, tc.Want, state.SubState)
		})
	}
}

func TestGetStateCompletesObservedReboot(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()

	requested := h.now.Add(-30 * time.Minute)
	task := tasks.Executing("_Node_0", tasks.WithSubState(repair.SubStateRestartRequested))
	task.ExecutorData.RestartRequested = requested
	assert.NilError(t, h.registry.CreateTask(ctx, task))

	// Boot before the request: the node has not rebooted yet.
	state, code := h.svc.GetWuOperationState(ctx, "_Node_0", requested.Add(-time.Hour))
	assert.Equal(t, repair.CodeSuccess, code)
	assert.Equal(t, repair.SubStateRestartRequested, state.SubState)

	// Boot after the request: the restart completed, atomically recorded.
	state, code = h.svc.GetWuOperationState(ctx, "_Node_0", requested.Add(5*time.Minute))
	assert.Equal(t, repair.CodeSuccess, code)
	assert.Equal(t, repair.SubStateRestartCompleted, state.SubState)
	assert.Equal(t, repair.SubStateRestartCompleted, h.nodeTask(t, "_Node_0").ExecutorData.SubState)
}

func TestGetStateReturnsInstallBudget(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()

	approved := h.now.Add(-10 * time.Minute)
	task := tasks.Claimed("_Node_0",
		tasks.WithState(repair.StateApproved),
		tasks.WithTimeout(75),
		tasks.WithApprovedAt(approved))
	assert.NilError(t, h.registry.CreateTask(ctx, task))

	state, code := h.svc.GetWuOperationState(ctx, "_Node_0", time.Time{})
	assert.Equal(t, repair.CodeSuccess, code)
	assert.Equal(t, 75, state.TimeoutInMinutes)
	assert.Assert(t, state.ApprovedAt.Equal(approved))
}

func TestDownloadCompletedClaimsTask(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()

	code := h.svc.UpdateSearchAndDownloadStatus(ctx, "_Node_0", repair.SubStateDownloadCompleted,
		result("_Node_0", repair.OperationSearchAndDownload), 90)
	assert.Equal(t, repair.CodeSuccess, code)

	task := h.nodeTask(t, "_Node_0")
	assert.Equal(t, repair.StateClaimed, task.State)
	assert.Equal(t, repair.SubStateDownloadCompleted, task.ExecutorData.SubState)
	assert.Equal(t, 90, task.ExecutorData.TimeoutInMinutes)

	n, err := h.results.Len(ctx)
	assert.NilError(t, err)
	assert.Equal(t, 1, n)

	// Replaying the same update is idempotent: no second task.
	code = h.svc.UpdateSearchAndDownloadStatus(ctx, "_Node_0", repair.SubStateDownloadCompleted, nil, 90)
	assert.Equal(t, repair.CodeSuccess, code)
	list, err := h.registry.ListTasks(ctx, repair.TaskIDPrefix)
	assert.NilError(t, err)
	assert.Equal(t, 1, len(list))
}

func TestOperationCompletedLeavesTasksAlone(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()

	code := h.svc.UpdateSearchAndDownloadStatus(ctx, "_Node_0", repair.SubStateOperationCompleted,
		result("_Node_0", repair.OperationSearchAndDownload), 0)
	assert.Equal(t, repair.CodeSuccess, code)

	list, err := h.registry.ListTasks(ctx, repair.TaskIDPrefix)
	assert.NilError(t, err)
	assert.Equal(t, 0, len(list))
}

func TestOperationAbortedAbandonsClaim(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()

	task := tasks.Claimed("_Node_0")
	assert.NilError(t, h.registry.CreateTask(ctx, task))

	code := h.svc.UpdateSearchAndDownloadStatus(ctx, "_Node_0", repair.SubStateOperationAborted, nil, 0)
	assert.Equal(t, repair.CodeSuccess, code)

	got := h.nodeTask(t, "_Node_0")
	assert.Equal(t, repair.StateCompleted, got.State)
	assert.Equal(t, repair.ResultFailed, got.ResultStatus)
	assert.Equal(t, repair.SubStateOperationAborted, got.ExecutorData.SubState)
}

func TestInstallationLifecycle(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()

	task := tasks.Claimed("_Node_0",
		tasks.WithState(repair.StateApproved),
		tasks.WithApprovedAt(h.now.Add(-time.Minute)))
	assert.NilError(t, h.registry.CreateTask(ctx, task))

	code := h.svc.UpdateInstallationStatus(ctx, "_Node_0", repair.SubStateInstallationInProgress, nil)
	assert.Equal(t, repair.CodeSuccess, code)
	got := h.nodeTask(t, "_Node_0")
	assert.Equal(t, repair.StateExecuting, got.State)
	assert.Equal(t, repair.SubStateInstallationInProgress, got.ExecutorData.SubState)

	code = h.svc.UpdateInstallationStatus(ctx, "_Node_0", repair.SubStateInstallationCompleted,
		result("_Node_0", repair.OperationInstallation))
	assert.Equal(t, repair.CodeSuccess, code)

	code = h.svc.UpdateInstallationStatus(ctx, "_Node_0", repair.SubStateRestartNotNeeded, nil)
	assert.Equal(t, repair.CodeSuccess, code)

	code = h.svc.UpdateInstallationStatus(ctx, "_Node_0", repair.SubStateOperationCompleted, nil)
	assert.Equal(t, repair.CodeSuccess, code)

	got = h.nodeTask(t, "_Node_0")
	assert.Equal(t, repair.StateRestoring, got.State)
	assert.Equal(t, repair.ResultSucceeded, got.ResultStatus)

	n, err := h.results.Len(ctx)
	assert.NilError(t, err)
	assert.Equal(t, 1, n)
}

func TestRestartRequestedStampsTime(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()

	task := tasks.Executing("_Node_0", tasks.WithSubState(repair.SubStateInstallationCompleted))
	assert.NilError(t, h.registry.CreateTask(ctx, task))

	code := h.svc.UpdateInstallationStatus(ctx, "_Node_0", repair.SubStateRestartRequested, nil)
	assert.Equal(t, repair.CodeSuccess, code)

	got := h.nodeTask(t, "_Node_0")
	assert.Assert(t, got.ExecutorData.RestartRequested.Equal(h.now.UTC()))

	// Replay keeps the original stamp.
	h.now = h.now.Add(time.Hour)
	code = h.svc.UpdateInstallationStatus(ctx, "_Node_0", repair.SubStateRestartRequested, nil)
	assert.Equal(t, repair.CodeSuccess, code)
	again := h.nodeTask(t, "_Node_0")
	assert.Assert(t, again.ExecutorData.RestartRequested.Equal(got.ExecutorData.RestartRequested))
}

func TestInstallationRejectsInvalidTransition(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()

	task := tasks.Executing("_Node_0", tasks.WithSubState(repair.SubStateInstallationInProgress))
	assert.NilError(t, h.registry.CreateTask(ctx, task))

	code := h.svc.UpdateInstallationStatus(ctx, "_Node_0", repair.SubStateRestartCompleted, nil)
	assert.Equal(t, repair.CodeRepairTaskInvalidState, code)
}

func TestInstallationWithoutTask(t *testing.T) {
	h := newSvcHarness(t)
	code := h.svc.UpdateInstallationStatus(context.Background(), "_Node_0", repair.SubStateInstallationInProgress, nil)
	assert.Equal(t, repair.CodeRepairTaskInvalidState, code)
}

func TestUpdateWuOperationResult(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()

	assert.Equal(t, repair.CodeInvalidArgument, h.svc.UpdateWuOperationResult(ctx, nil))
	assert.Equal(t, repair.CodeSuccess, h.svc.UpdateWuOperationResult(ctx, result("_Node_0", repair.OperationInstallation)))

	n, err := h.results.Len(ctx)
	assert.NilError(t, err)
	assert.Equal(t, 1, n)
}

func TestGetApplicationDeployedStatus(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()

	assert.Equal(t, repair.CodeSuccess, h.svc.GetApplicationDeployedStatus(ctx, platform.ApplicationURI))
	assert.Equal(t, repair.CodeApplicationNotFound, h.svc.GetApplicationDeployedStatus(ctx, "fabric:/Gone"))
	assert.Equal(t, repair.CodeInvalidArgument, h.svc.GetApplicationDeployedStatus(ctx, ""))
}

func TestInvalidArguments(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()

	_, code := h.svc.GetWuOperationState(ctx, "", time.Time{})
	assert.Equal(t, repair.CodeInvalidArgument, code)

	// Installation-side sub-states are rejected on the download surface.
	code = h.svc.UpdateSearchAndDownloadStatus(ctx, "_Node_0", repair.SubStateInstallationInProgress, nil, 0)
	assert.Equal(t, repair.CodeInvalidArgument, code)

	code = h.svc.UpdateInstallationStatus(ctx, "_Node_0", repair.SubStateDownloadCompleted, nil)
	assert.Equal(t, repair.CodeInvalidArgument, code)
}
