package coordinator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/microsoft/Service-Fabric-POA/pkg/config"
	"github.com/microsoft/Service-Fabric-POA/pkg/health"
	"github.com/microsoft/Service-Fabric-POA/pkg/internal/testoutput"
	"github.com/microsoft/Service-Fabric-POA/pkg/logging"
	"github.com/microsoft/Service-Fabric-POA/pkg/platform"
	"github.com/microsoft/Service-Fabric-POA/pkg/repair"
	"github.com/microsoft/Service-Fabric-POA/pkg/rpc"
	"github.com/microsoft/Service-Fabric-POA/pkg/storage"

	"gotest.tools/assert"
)

// flowHarness couples the coordinator and the RPC service over one registry,
// standing in for a coordinator process serving a node agent.
type flowHarness struct {
	*harness
	svc     *rpc.Service
	results *storage.ResultStore
}

func newFlowHarness(t *testing.T, cfg config.Coordinator, cluster *fakeCluster) *flowHarness {
	t.Helper()
	log := testoutput.Logger(t, logging.New("flow-test"))

	registry := storage.NewMemoryRegistry()
	bus := &fakeBus{props: map[string][]string{}}

	db, err := storage.Open(log, filepath.Join(t.TempDir(), "repair.db"))
	assert.NilError(t, err)
	results := storage.NewResultStore(log, db.DB(), cfg.MaxResultsToCache)
	reporter := health.NewReporter(log, bus)

	coord, err := New(log, cfg, Deps{
		Registry:      registry,
		Nodes:         cluster,
		ClusterHealth: cluster,
		NodeControl:   cluster,
		Reporter:      reporter,
		Results:       results,
	})
	assert.NilError(t, err)

	h := &harness{coord: coord, registry: registry, cluster: cluster, bus: bus, now: time.Date(2024, 6, 5, 12, 0, 0, 0, time.UTC)}
	coord.now = func() time.Time { return h.now }

	apps := fakeAppLister{}
	svc := rpc.NewService(log, registry, results, reporter, apps)
	return &flowHarness{harness: h, svc: svc, results: results}
}

type fakeAppLister struct{}

func (fakeAppLister) ApplicationDeployed(ctx context.Context, uri string) (bool, error) {
	return true, nil
}

func (h *flowHarness) states(t *testing.T) map[string]repair.TaskState {
	t.Helper()
	tasks, err := h.registry.ListTasks(context.Background(), repair.TaskIDPrefix)
	assert.NilError(t, err)
	states := map[string]repair.TaskState{}
	for _, task := range tasks {
		node, err := task.TargetNode()
		assert.NilError(t, err)
		states[node] = task.State
	}
	return states
}

// TestSingleNodeFlow walks a full no-reboot install exactly as the agent
// would drive it, asserting the task trace and the result store contents.
func TestSingleNodeFlow(t *testing.T) {
	cluster := newFakeCluster(true, upNodes("_Node_0")...)
	h := newFlowHarness(t, config.DefaultCoordinator(), cluster)
	ctx := context.Background()

	searchResult := &repair.OperationResult{
		NodeName:        "_Node_0",
		OperationTime:   h.now,
		OperationType:   repair.OperationSearchAndDownload,
		OperationResult: repair.OutcomeSucceeded,
		UpdateDetails: []repair.UpdateDetail{
			{UpdateID: "u1", Title: "KB1"},
			{UpdateID: "u2", Title: "KB2"},
		},
	}
	code := h.svc.UpdateSearchAndDownloadStatus(ctx, "_Node_0", repair.SubStateDownloadCompleted, searchResult, 60)
	assert.Equal(t, repair.CodeSuccess, code)
	assert.Equal(t, repair.StateClaimed, h.states(t)["_Node_0"])

	h.tick(t)
	assert.Equal(t, repair.StatePreparing, h.states(t)["_Node_0"])

	h.tick(t)
	assert.Equal(t, repair.StateApproved, h.states(t)["_Node_0"])
	assert.Assert(t, h.cluster.disabled["_Node_0"])

	state, code := h.svc.GetWuOperationState(ctx, "_Node_0", time.Time{})
	assert.Equal(t, repair.CodeSuccess, code)
	assert.Equal(t, repair.SubStateInstallationApproved, state.SubState)
	assert.Equal(t, 60, state.TimeoutInMinutes)

	assert.Equal(t, repair.CodeSuccess,
		h.svc.UpdateInstallationStatus(ctx, "_Node_0", repair.SubStateInstallationInProgress, nil))

	installResult := &repair.OperationResult{
		NodeName:        "_Node_0",
		OperationTime:   h.now,
		OperationType:   repair.OperationInstallation,
		OperationResult: repair.OutcomeSucceeded,
	}
	assert.Equal(t, repair.CodeSuccess,
		h.svc.UpdateInstallationStatus(ctx, "_Node_0", repair.SubStateInstallationCompleted, installResult))
	assert.Equal(t, repair.CodeSuccess,
		h.svc.UpdateInstallationStatus(ctx, "_Node_0", repair.SubStateRestartNotNeeded, nil))
	assert.Equal(t, repair.CodeSuccess,
		h.svc.UpdateInstallationStatus(ctx, "_Node_0", repair.SubStateOperationCompleted, nil))
	assert.Equal(t, repair.StateRestoring, h.states(t)["_Node_0"])

	h.tick(t)
	assert.Equal(t, repair.StateCompleted, h.states(t)["_Node_0"])
	assert.Assert(t, !h.cluster.disabled["_Node_0"])

	// One SearchAndDownload and one Installation record.
	n, err := h.results.Len(ctx)
	assert.NilError(t, err)
	assert.Equal(t, 2, n)
}

// TestUpgradeDomainFanOutFlow covers the UD-wise fan-out: one domain is
// promoted wholesale, the next only after the first fully drains.
func TestUpgradeDomainFanOutFlow(t *testing.T) {
	nodes := []platform.Node{
		{Name: "_Node_0", Status: platform.NodeUp, UpgradeDomain: "0"},
		{Name: "_Node_1", Status: platform.NodeUp, UpgradeDomain: "0"},
		{Name: "_Node_2", Status: platform.NodeUp, UpgradeDomain: "0"},
		{Name: "_Node_3", Status: platform.NodeUp, UpgradeDomain: "1"},
		{Name: "_Node_4", Status: platform.NodeUp, UpgradeDomain: "1"},
		{Name: "_Node_5", Status: platform.NodeUp, UpgradeDomain: "1"},
	}
	cfg := config.DefaultCoordinator()
	cfg.TaskApprovalPolicy = "UpgradeDomainWise"
	cluster := newFakeCluster(true, nodes...)
	h := newFlowHarness(t, cfg, cluster)
	ctx := context.Background()

	for _, node := range nodes {
		code := h.svc.UpdateSearchAndDownloadStatus(ctx, node.Name, repair.SubStateDownloadCompleted, nil, 60)
		assert.Equal(t, repair.CodeSuccess, code)
	}

	h.tick(t)

	states := h.states(t)
	for _, node := range []string{"_Node_0", "_Node_1", "_Node_2"} {
		assert.Equal(t, repair.StatePreparing, states[node], "node %s", node)
	}
	for _, node := range []string{"_Node_3", "_Node_4", "_Node_5"} {
		assert.Equal(t, repair.StateClaimed, states[node], "node %s", node)
	}

	// While UD 0 executes, UD 1 stays parked (invariant: all processing
	// tasks share a domain).
	h.tick(t)
	states = h.states(t)
	for _, node := range []string{"_Node_3", "_Node_4", "_Node_5"} {
		assert.Equal(t, repair.StateClaimed, states[node], "node %s", node)
	}

	// Drive UD 0 to completion through the service.
	for _, node := range []string{"_Node_0", "_Node_1", "_Node_2"} {
		assert.Equal(t, repair.CodeSuccess,
			h.svc.UpdateInstallationStatus(ctx, node, repair.SubStateInstallationInProgress, nil))
		assert.Equal(t, repair.CodeSuccess,
			h.svc.UpdateInstallationStatus(ctx, node, repair.SubStateInstallationCompleted, nil))
		assert.Equal(t, repair.CodeSuccess,
			h.svc.UpdateInstallationStatus(ctx, node, repair.SubStateRestartNotNeeded, nil))
		assert.Equal(t, repair.CodeSuccess,
			h.svc.UpdateInstallationStatus(ctx, node, repair.SubStateOperationCompleted, nil))
	}
	// One tick restores UD 0 and, with the domain drained, promotes UD 1.
	h.tick(t)

	states = h.states(t)
	for _, node := range []string{"_Node_0", "_Node_1", "_Node_2"} {
		assert.Equal(t, repair.StateCompleted, states[node], "node %s", node)
	}
	for _, node := range []string{"_Node_3", "_Node_4", "_Node_5"} {
		assert.Equal(t, repair.StatePreparing, states[node], "node %s", node)
	}
}

// TestRebootFlow covers the restart branch: after the node reboots, reading
// the state completes the restart and the agent finalizes.
func TestRebootFlow(t *testing.T) {
	cluster := newFakeCluster(true, upNodes("_Node_0")...)
	h := newFlowHarness(t, config.DefaultCoordinator(), cluster)
	ctx := context.Background()

	assert.Equal(t, repair.CodeSuccess,
		h.svc.UpdateSearchAndDownloadStatus(ctx, "_Node_0", repair.SubStateDownloadCompleted, nil, 60))
	h.tick(t)
	h.tick(t)

	assert.Equal(t, repair.CodeSuccess,
		h.svc.UpdateInstallationStatus(ctx, "_Node_0", repair.SubStateInstallationInProgress, nil))
	assert.Equal(t, repair.CodeSuccess,
		h.svc.UpdateInstallationStatus(ctx, "_Node_0", repair.SubStateInstallationCompleted, nil))
	assert.Equal(t, repair.CodeSuccess,
		h.svc.UpdateInstallationStatus(ctx, "_Node_0", repair.SubStateRestartRequested, nil))

	// The restart stamp is wall-clock; derive boot times around it. Booted
	// before the request: still waiting.
	state, code := h.svc.GetWuOperationState(ctx, "_Node_0", time.Now().Add(-time.Hour))
	assert.Equal(t, repair.CodeSuccess, code)
	assert.Equal(t, repair.SubStateRestartRequested, state.SubState)

	// Boot after the request: restart completed.
	state, code = h.svc.GetWuOperationState(ctx, "_Node_0", time.Now().Add(time.Hour))
	assert.Equal(t, repair.CodeSuccess, code)
	assert.Equal(t, repair.SubStateRestartCompleted, state.SubState)

	assert.Equal(t, repair.CodeSuccess,
		h.svc.UpdateInstallationStatus(ctx, "_Node_0", repair.SubStateOperationCompleted, nil))
	h.tick(t)
	assert.Equal(t, repair.StateCompleted, h.states(t)["_Node_0"])
}
