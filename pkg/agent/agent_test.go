package agent

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/microsoft/Service-Fabric-POA/pkg/agent/checkpoint"
	"github.com/microsoft/Service-Fabric-POA/pkg/agent/settings"
	"github.com/microsoft/Service-Fabric-POA/pkg/internal/testoutput"
	"github.com/microsoft/Service-Fabric-POA/pkg/logging"
	"github.com/microsoft/Service-Fabric-POA/pkg/repair"
	"github.com/microsoft/Service-Fabric-POA/pkg/rpc"
	"github.com/microsoft/Service-Fabric-POA/pkg/updater"

	"gotest.tools/assert"
)

// fakeCoordinator scripts GetWuOperationState responses and records every
// status transition the agent posts.
type fakeCoordinator struct {
	mu          sync.Mutex
	states      []repair.SubState
	statesIdx   int
	deployed    bool
	transitions []string
	results     []*repair.OperationResult
}

func newFakeCoordinator(states ...repair.SubState) *fakeCoordinator {
	return &fakeCoordinator{states: states, deployed: true}
}

func (f *fakeCoordinator) GetWuOperationState(ctx context.Context, nodeName string, timeout time.Duration) (repair.SubState, repair.ResultCode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.states) == 0 {
		return repair.SubStateNone, repair.CodeSuccess
	}
	state := f.states[f.statesIdx]
	if f.statesIdx < len(f.states)-1 {
		f.statesIdx++
	}
	return state, repair.CodeSuccess
}

func (f *fakeCoordinator) UpdateSearchAndDownloadStatus(ctx context.Context, nodeName, applicationURI string, sub repair.SubState, result *repair.OperationResult, installationTimeoutMinutes int, timeout time.Duration) repair.ResultCode {
	f.record("download:"+sub.String(), result)
	return repair.CodeSuccess
}

func (f *fakeCoordinator) UpdateInstallationStatus(ctx context.Context, nodeName, applicationURI string, sub repair.SubState, result *repair.OperationResult, timeout time.Duration) repair.ResultCode {
	f.record("install:"+sub.String(), result)
	return repair.CodeSuccess
}

func (f *fakeCoordinator) ReportHealth(ctx context.Context, req rpc.HealthRequest, timeout time.Duration) repair.ResultCode {
	return repair.CodeSuccess
}

func (f *fakeCoordinator) GetApplicationDeployedStatus(ctx context.Context, applicationURI string, timeout time.Duration) repair.ResultCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.deployed {
		return repair.CodeApplicationNotFound
	}
	return repair.CodeSuccess
}

func (f *fakeCoordinator) record(transition string, result *repair.OperationResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, transition)
	if result != nil {
		f.results = append(f.results, result)
	}
}

func (f *fakeCoordinator) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.transitions...)
}

// fakeEngine serves a scripted set of updates.
type fakeEngine struct {
	updates        []updater.Update
	rebootRequired bool
	installOutcome repair.OperationOutcome
	installs       int
}

func (e *fakeEngine) Search(ctx context.Context, query string) ([]updater.Update, error) {
	return append([]updater.Update(nil), e.updates...), nil
}

func (e *fakeEngine) AcceptEula(ctx context.Context, u *updater.Update) error {
	u.EulaAccepted = true
	return nil
}

func (e *fakeEngine) Download(ctx context.Context, updates []updater.Update) (*updater.PassResult, error) {
	return &updater.PassResult{Outcome: repair.OutcomeSucceeded, Details: details(updates)}, nil
}

func (e *fakeEngine) Install(ctx context.Context, updates []updater.Update) (*updater.PassResult, error) {
	e.installs++
	outcome := e.installOutcome
	if outcome == "" {
		outcome = repair.OutcomeSucceeded
	}
	return &updater.PassResult{
		Outcome:        outcome,
		RebootRequired: e.rebootRequired,
		Details:        details(updates),
	}, nil
}

func (e *fakeEngine) RequestAbort() {}

func (e *fakeEngine) SetNotifyBeforeDownload(ctx context.Context) error { return nil }

func details(updates []updater.Update) []repair.UpdateDetail {
	var d []repair.UpdateDetail
	for _, u := range updates {
		d = append(d, repair.UpdateDetail{UpdateID: u.ID, Title: u.Title, ResultCode: "Succeeded"})
	}
	return d
}

// fakeHost records reboot requests.
type fakeHost struct {
	mu       sync.Mutex
	stopped  []string
	rebooted bool
	tornDown []string
}

func (h *fakeHost) StopUnits(ctx context.Context, units ...string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = append(h.stopped, units...)
	return nil
}

func (h *fakeHost) Reboot(ctx context.Context, delay time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rebooted = true
	return nil
}

func (h *fakeHost) TearDownService(ctx context.Context, unit string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tornDown = append(h.tornDown, unit)
	return nil
}

func testAgent(t *testing.T, coord coordinator, engine updater.Engine, host *fakeHost) *Agent {
	t.Helper()
	a, err := New(testoutput.Logger(t, logging.New("agent-test")), Config{
		NodeName:       "_Node_0",
		ApplicationURI: "fabric:/PatchOrchestrationApplication",
		WorkDir:        t.TempDir(),
		ServiceUnit:    "pos-node-agent.service",
		PlatformUnits:  []string{"fabric-host.service"},
	}, coord, engine, host)
	assert.NilError(t, err)

	a.current = settings.Default()
	a.current.WUDelayBetweenRetries = time.Millisecond
	a.hash = "test"
	a.sleep = func(ctx context.Context, d time.Duration) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	return a
}

func TestCycleHappyPathNoReboot(t *testing.T) {
	// After the download is posted the claim is approved on the first poll.
	coord := newFakeCoordinator(repair.SubStateInstallationApproved)
	engine := &fakeEngine{updates: []updater.Update{
		{ID: "u1", Title: "KB1", EulaAccepted: true},
		{ID: "u2", Title: "KB2", EulaAccepted: true},
	}}
	a := testAgent(t, coord, engine, &fakeHost{})

	reschedule := a.runCycle(context.Background(), repair.SubStateNone)
	assert.Assert(t, !reschedule)

	assert.DeepEqual(t, []string{
		"download:DownloadCompleted",
		"install:InstallationInProgress",
		"install:InstallationCompleted",
		"install:RestartNotNeeded",
		"install:OperationCompleted",
	}, coord.recorded())

	// One SearchAndDownload result and one Installation result.
	assert.Equal(t, 2, len(coord.results))
	assert.Equal(t, repair.OperationSearchAndDownload, coord.results[0].OperationType)
	assert.Equal(t, repair.OperationInstallation, coord.results[1].OperationType)
	assert.Equal(t, 2, len(coord.results[1].UpdateDetails))
}

func TestCycleRebootPath(t *testing.T) {
	coord := newFakeCoordinator(repair.SubStateInstallationApproved)
	engine := &fakeEngine{
		updates:        []updater.Update{{ID: "u1", EulaAccepted: true}},
		rebootRequired: true,
	}
	host := &fakeHost{}
	a := testAgent(t, coord, engine, host)

	reschedule := a.runCycle(context.Background(), repair.SubStateNone)
	assert.Assert(t, !reschedule)

	recorded := coord.recorded()
	assert.Equal(t, "install:RestartRequested", recorded[len(recorded)-1])
	assert.Assert(t, host.rebooted)
	assert.DeepEqual(t, []string{"fabric-host.service"}, host.stopped)
}

func TestCycleNoUpdates(t *testing.T) {
	coord := newFakeCoordinator()
	a := testAgent(t, coord, &fakeEngine{}, &fakeHost{})

	reschedule := a.runCycle(context.Background(), repair.SubStateNone)
	assert.Assert(t, !reschedule)

	assert.DeepEqual(t, []string{"download:OperationCompleted"}, coord.recorded())
	assert.Equal(t, 1, len(coord.results))
	assert.Equal(t, repair.OutcomeSucceeded, coord.results[0].OperationResult)
}

func TestCycleAbortedWhileWaitingForApproval(t *testing.T) {
	// The coordinator reports the operation gone while we wait.
	coord := newFakeCoordinator(repair.SubStateNone)
	engine := &fakeEngine{updates: []updater.Update{{ID: "u1", EulaAccepted: true}}}
	a := testAgent(t, coord, engine, &fakeHost{})

	reschedule := a.runCycle(context.Background(), repair.SubStateNone)
	assert.Assert(t, reschedule)
}

func TestCycleResumeAfterReboot(t *testing.T) {
	coord := newFakeCoordinator()
	a := testAgent(t, coord, &fakeEngine{}, &fakeHost{})

	reschedule := a.runCycle(context.Background(), repair.SubStateRestartCompleted)
	assert.Assert(t, !reschedule)
	assert.DeepEqual(t, []string{"install:OperationCompleted"}, coord.recorded())
}

func TestCycleMidInstallResumeEmptySearch(t *testing.T) {
	coord := newFakeCoordinator()
	a := testAgent(t, coord, &fakeEngine{}, &fakeHost{})

	// Re-search finds nothing: assume the install finished and let the next
	// cycle resolve the task.
	reschedule := a.runCycle(context.Background(), repair.SubStateInstallationInProgress)
	assert.Assert(t, !reschedule)
	assert.Equal(t, 0, len(coord.recorded()))
}

func TestCycleFailedInstallReschedules(t *testing.T) {
	coord := newFakeCoordinator(repair.SubStateInstallationApproved)
	engine := &fakeEngine{
		updates:        []updater.Update{{ID: "u1", EulaAccepted: true}},
		installOutcome: repair.OutcomeFailed,
	}
	a := testAgent(t, coord, engine, &fakeHost{})
	a.current.WUOperationRetryCount = 2

	reschedule := a.runCycle(context.Background(), repair.SubStateNone)
	assert.Assert(t, reschedule)
	assert.Equal(t, 2, engine.installs)
}

func TestRemainingInstallBudget(t *testing.T) {
	a := testAgent(t, newFakeCoordinator(), &fakeEngine{}, &fakeHost{})
	now := time.Date(2024, 6, 5, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	// No mirror: fall back to the configured operation timeout.
	assert.Equal(t, a.current.WUOperationTimeout, a.remainingInstallBudget())

	// 90 minute budget approved 75 minutes ago leaves 15, measured in total
	// minutes even across the hour boundary.
	assert.NilError(t, rpc.WriteExecutorData(a.dataDir(), rpc.ExecutorDataForNtService{
		ApprovedAt:       now.Add(-75 * time.Minute),
		TimeoutInMinutes: 90,
	}))
	assert.Equal(t, 15*time.Minute, a.remainingInstallBudget())

	// Exhausted budget degrades to a fail-fast allowance.
	assert.NilError(t, rpc.WriteExecutorData(a.dataDir(), rpc.ExecutorDataForNtService{
		ApprovedAt:       now.Add(-200 * time.Minute),
		TimeoutInMinutes: 90,
	}))
	assert.Equal(t, time.Second, a.remainingInstallBudget())
}

func TestHandleRescheduleAdvancesWindow(t *testing.T) {
	coord := newFakeCoordinator()
	a := testAgent(t, coord, &fakeEngine{}, &fakeHost{})
	ctx := context.Background()

	window := time.Date(2024, 6, 5, 7, 0, 0, 0, time.UTC)
	assert.NilError(t, a.chkfile.Write(checkpoint.Data{
		SchedulingDateTime: window,
		RescheduleNeeded:   true,
	}))

	chk, err := a.chkfile.Read()
	assert.NilError(t, err)
	assert.NilError(t, a.handleReschedule(ctx, chk))

	got, err := a.chkfile.Read()
	assert.NilError(t, err)
	// The window really advances; the stale time is not retried forever.
	assert.Assert(t, got.SchedulingDateTime.Equal(window.Add(a.current.WURescheduleTime)))
	assert.Equal(t, 1, got.RescheduleCount)
	assert.Assert(t, !got.RescheduleNeeded)
}

func TestHandleRescheduleBudgetExhausted(t *testing.T) {
	coord := newFakeCoordinator()
	a := testAgent(t, coord, &fakeEngine{}, &fakeHost{})
	a.current.WURescheduleCount = 1

	assert.NilError(t, a.handleReschedule(context.Background(), checkpoint.Data{
		SchedulingDateTime: time.Date(2024, 6, 5, 7, 0, 0, 0, time.UTC),
		RescheduleCount:    1,
		RescheduleNeeded:   true,
	}))

	// The claim is abandoned and a fresh window derived.
	assert.DeepEqual(t, []string{"download:OperationAborted"}, coord.recorded())
	got, err := a.chkfile.Read()
	assert.NilError(t, err)
	assert.Equal(t, 0, got.RescheduleCount)
}

func TestScheduleTickTearsDownWhenApplicationGone(t *testing.T) {
	coord := newFakeCoordinator()
	coord.deployed = false
	host := &fakeHost{}
	a := testAgent(t, coord, &fakeEngine{}, host)

	err := a.scheduleTick(context.Background())
	assert.Assert(t, err == errApplicationGone)
	assert.DeepEqual(t, []string{"pos-node-agent.service"}, host.tornDown)
}

func TestScheduleTickPicksUpSettingsChange(t *testing.T) {
	coord := newFakeCoordinator()
	a := testAgent(t, coord, &fakeEngine{}, &fakeHost{})

	// A live settings file whose hash differs from what the agent loaded.
	doc := `<Settings><Section Name="NTServiceSettings"><Parameter Name="WUFrequency" Value="Hourly,30"/></Section></Settings>`
	assert.NilError(t, os.WriteFile(filepath.Join(a.cfg.WorkDir, settings.LiveFile), []byte(doc), 0o644))

	fixed := time.Date(2024, 6, 5, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return fixed }

	assert.NilError(t, a.scheduleTick(context.Background()))

	// The new frequency is live and a fresh window was derived from it.
	assert.Equal(t, settings.FrequencyHourly, a.current.WUFrequency.Kind)
	chk, err := a.chkfile.Read()
	assert.NilError(t, err)
	assert.Assert(t, chk.SchedulingDateTime.Equal(fixed.Add(30*time.Minute)))
	assert.Equal(t, 0, chk.RescheduleCount)
}

func TestScheduleTickIdleBeforeWindow(t *testing.T) {
	coord := newFakeCoordinator()
	a := testAgent(t, coord, &fakeEngine{}, &fakeHost{})

	// Checkpoint stamps carry whole seconds.
	future := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	assert.NilError(t, a.chkfile.Write(checkpoint.Data{SchedulingDateTime: future}))

	assert.NilError(t, a.scheduleTick(context.Background()))
	assert.Equal(t, 0, len(coord.recorded()))

	chk, err := a.chkfile.Read()
	assert.NilError(t, err)
	assert.Assert(t, chk.SchedulingDateTime.Equal(future))
}

func TestScheduleTickRunsDueWindow(t *testing.T) {
	coord := newFakeCoordinator()
	a := testAgent(t, coord, &fakeEngine{}, &fakeHost{})

	past := time.Now().UTC().Add(-time.Minute)
	assert.NilError(t, a.chkfile.Write(checkpoint.Data{SchedulingDateTime: past}))

	// No updates found: the window completes and a fresh one is scheduled.
	assert.NilError(t, a.scheduleTick(context.Background()))
	assert.DeepEqual(t, []string{"download:OperationCompleted"}, coord.recorded())

	chk, err := a.chkfile.Read()
	assert.NilError(t, err)
	assert.Assert(t, chk.SchedulingDateTime.After(past))
}

func TestScheduleTickWaitsOutPendingRestart(t *testing.T) {
	coord := newFakeCoordinator(repair.SubStateRestartRequested)
	a := testAgent(t, coord, &fakeEngine{}, &fakeHost{})

	assert.NilError(t, a.scheduleTick(context.Background()))
	assert.Equal(t, 0, len(coord.recorded()))
}
