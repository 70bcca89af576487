package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/microsoft/Service-Fabric-POA/pkg/agent/checkpoint"
	"github.com/microsoft/Service-Fabric-POA/pkg/agent/schedule"
	"github.com/microsoft/Service-Fabric-POA/pkg/agent/settings"
	"github.com/microsoft/Service-Fabric-POA/pkg/hostctl"
	"github.com/microsoft/Service-Fabric-POA/pkg/logging"
	"github.com/microsoft/Service-Fabric-POA/pkg/platform"
	"github.com/microsoft/Service-Fabric-POA/pkg/repair"
	"github.com/microsoft/Service-Fabric-POA/pkg/rpc"
	"github.com/microsoft/Service-Fabric-POA/pkg/updater"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// schedulerInterval is the outer wall-clock tick of the agent.
	schedulerInterval = 5 * time.Minute

	// settlePollInterval paces the wait for the settings file on first run.
	settlePollInterval = time.Minute

	// transientFailureWait is the fixed back-off after a failed host call.
	transientFailureWait = 5 * time.Minute

	tempDirName = "TempDir"
	dataDirName = "Data"
)

// coordinator is the slice of the RPC client the agent drives.
type coordinator interface {
	GetWuOperationState(ctx context.Context, nodeName string, timeout time.Duration) (repair.SubState, repair.ResultCode)
	UpdateSearchAndDownloadStatus(ctx context.Context, nodeName, applicationURI string, sub repair.SubState, result *repair.OperationResult, installationTimeoutMinutes int, timeout time.Duration) repair.ResultCode
	UpdateInstallationStatus(ctx context.Context, nodeName, applicationURI string, sub repair.SubState, result *repair.OperationResult, timeout time.Duration) repair.ResultCode
	ReportHealth(ctx context.Context, req rpc.HealthRequest, timeout time.Duration) repair.ResultCode
	GetApplicationDeployedStatus(ctx context.Context, applicationURI string, timeout time.Duration) repair.ResultCode
}

var _ coordinator = (*rpc.Client)(nil)

// Config carries the agent's deployment facts.
type Config struct {
	NodeName       string
	ApplicationURI string
	// WorkDir roots the settings, data, temp and log directories.
	WorkDir string
	// ServiceUnit is this agent's own unit, torn down when the application
	// is gone.
	ServiceUnit string
	// PlatformUnits are stopped before a reboot is requested.
	PlatformUnits []string
	// LogsDiskQuotaInBytes bounds the logs directory.
	LogsDiskQuotaInBytes int64
}

// Agent is the per-node update worker. One instance runs per node; all task
// transitions for the node are linearized through its single loop.
type Agent struct {
	log     logging.Logger
	cfg     Config
	coord   coordinator
	engine  updater.Engine
	host    hostctl.HostController
	store   *settings.Store
	chkfile *checkpoint.File

	current settings.Settings
	hash    string

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

func New(log logging.Logger, cfg Config, coord coordinator, engine updater.Engine, host hostctl.HostController) (*Agent, error) {
	switch {
	case cfg.NodeName == "":
		return nil, errors.New("nodeName must be provided for Agent to manage")
	case coord == nil:
		return nil, errors.New("coordinator client is nil")
	case engine == nil:
		return nil, errors.New("update engine is nil")
	}
	dataDir := filepath.Join(cfg.WorkDir, dataDirName)
	return &Agent{
		log:     log,
		cfg:     cfg,
		coord:   coord,
		engine:  engine,
		host:    host,
		store:   settings.NewStore(cfg.WorkDir),
		chkfile: checkpoint.NewFile(dataDir),
		now:     time.Now,
		sleep:   sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (a *Agent) dataDir() string { return filepath.Join(a.cfg.WorkDir, dataDirName) }
func (a *Agent) tempDir() string { return filepath.Join(a.cfg.WorkDir, tempDirName) }

// Run starts the agent and blocks until the context is cancelled or the
// deployment disappears.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Debug("starting")
	defer a.log.Debug("finished")

	if err := a.bootstrap(ctx); err != nil {
		return err
	}

	// Shutdown aborts an in-flight engine pass cooperatively; its result is
	// recorded as aborted rather than torn mid-write.
	go func() {
		<-ctx.Done()
		a.engine.RequestAbort()
	}()

	return a.scheduleLoop(ctx)
}

// bootstrap waits for deployment, resets scratch space, loads settings, and
// applies the host update policy.
func (a *Agent) bootstrap(ctx context.Context) error {
	for !a.store.LiveExists() {
		a.log.Info("waiting for settings file to be deployed")
		if err := a.sleep(ctx, settlePollInterval); err != nil {
			return err
		}
	}

	if err := os.RemoveAll(a.tempDir()); err != nil {
		return errors.WithMessage(err, "could not clear temp directory")
	}
	if err := os.MkdirAll(a.tempDir(), 0o755); err != nil {
		return errors.WithMessage(err, "could not create temp directory")
	}
	if a.cfg.LogsDiskQuotaInBytes > 0 {
		if err := logging.TrimDir(filepath.Join(a.cfg.WorkDir, "logs"), a.cfg.LogsDiskQuotaInBytes); err != nil {
			a.log.WithError(err).Warn("could not trim logs directory")
		}
	}

	if err := a.reloadSettings(); err != nil {
		return err
	}

	if a.current.DisableAutoUpdateSetting {
		if err := a.applyUpdatePolicy(ctx); err != nil {
			return err
		}
	}

	chk, err := a.chkfile.Read()
	if err != nil {
		return err
	}
	a.publishStatus(ctx, chk)
	return nil
}

func (a *Agent) reloadSettings() error {
	s, hash, err := a.store.Load()
	if err != nil {
		return errors.WithMessage(err, "could not load settings")
	}
	a.current = s
	a.hash = hash
	a.log.WithField("frequency", s.WUFrequency.Raw).Info("settings loaded")
	return nil
}

// applyUpdatePolicy turns the host's automatic updates down to notify-only,
// retrying with a fixed back-off: the host racing this system to install
// updates would invalidate the coordinator's sequencing.
func (a *Agent) applyUpdatePolicy(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		opctx, cancel := context.WithTimeout(ctx, a.current.OperationTimeout)
		err := a.engine.SetNotifyBeforeDownload(opctx)
		cancel()
		if err == nil {
			a.log.Info("automatic update policy set to notify-only")
			return nil
		}
		a.log.WithError(err).WithField("attempt", attempt).Warn("could not set automatic update policy")
		if attempt >= a.current.WUOperationRetryCount {
			a.log.Warn("continuing without the automatic update policy applied")
			return nil
		}
		if err := a.sleep(ctx, transientFailureWait); err != nil {
			return err
		}
	}
}

// scheduleLoop is the 5 minute wall-clock tick.
func (a *Agent) scheduleLoop(ctx context.Context) error {
	for {
		if err := a.scheduleTick(ctx); err != nil {
			return err
		}
		if err := a.sleep(ctx, schedulerInterval); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

var errApplicationGone = errors.New("deployed application no longer exists")

func (a *Agent) scheduleTick(ctx context.Context) error {
	// The deployment may have been removed while we slept; tear down the NT
	// service rather than orphan it.
	code := a.coord.GetApplicationDeployedStatus(ctx, a.cfg.ApplicationURI, a.current.OperationTimeout)
	switch {
	case code == repair.CodeApplicationNotFound:
		a.log.Warn("application deployment removed, tearing down service")
		if a.host != nil && a.cfg.ServiceUnit != "" {
			if err := a.host.TearDownService(ctx, a.cfg.ServiceUnit); err != nil {
				a.log.WithError(err).Error("could not tear down service")
			}
		}
		return errApplicationGone
	case code != repair.CodeSuccess:
		a.log.WithField("code", code).Warn("could not verify deployment, retrying next tick")
		return nil
	}

	sub, code := a.coord.GetWuOperationState(ctx, a.cfg.NodeName, a.current.OperationTimeout)
	if code != repair.CodeSuccess {
		a.log.WithField("code", code).Warn("could not read operation state, retrying next tick")
		return nil
	}

	switch sub {
	case repair.SubStateRestartRequested:
		// The reboot has not happened yet (the coordinator would have
		// completed it otherwise). Keep waiting.
		a.log.Info("waiting for requested restart to happen")
		return nil

	case repair.SubStateRestartCompleted, repair.SubStateRestartNotNeeded:
		// Pick the flow back up; the cycle finalizes the operation.
		if a.runCycle(ctx, sub) {
			return a.markReschedule(ctx)
		}
		return a.freshCheckpoint(ctx)
	}

	chk, err := a.chkfile.Read()
	if err != nil {
		return err
	}

	if chk.RescheduleNeeded {
		return a.handleReschedule(ctx, chk)
	}

	if changed, err := a.store.Changed(a.hash); err == nil && changed {
		a.log.Info("settings change detected")
		if err := a.reloadSettings(); err != nil {
			a.reportConfigWarning(ctx, err)
		} else {
			return a.freshCheckpoint(ctx)
		}
	}

	if chk.SchedulingDateTime.IsZero() {
		// First run (or recovered from a corrupt checkpoint): derive the
		// initial window.
		return a.freshCheckpoint(ctx)
	}

	if chk.SchedulingDateTime.After(a.now().UTC()) {
		return nil
	}

	if a.runCycle(ctx, sub) {
		return a.markReschedule(ctx)
	}
	return a.freshCheckpoint(ctx)
}

// handleReschedule advances the retry bookkeeping for a failed window. Past
// the retry budget the claim is abandoned and a fresh window computed.
func (a *Agent) handleReschedule(ctx context.Context, chk checkpoint.Data) error {
	chk.RescheduleCount++
	if chk.RescheduleCount > a.current.WURescheduleCount {
		a.log.WithField("count", chk.RescheduleCount).Warn("reschedule budget exhausted, abandoning operation")
		code := a.coord.UpdateSearchAndDownloadStatus(ctx, a.cfg.NodeName, a.cfg.ApplicationURI,
			repair.SubStateOperationAborted, nil, 0, a.current.OperationTimeout)
		if repair.Retryable(code) {
			return nil // try again next tick
		}
		return a.freshCheckpoint(ctx)
	}

	// Advance the window by the reschedule interval. The returned value must
	// be assigned; dropping it would retry at the stale time forever.
	chk.SchedulingDateTime = chk.SchedulingDateTime.Add(a.current.WURescheduleTime)
	chk.RescheduleNeeded = false
	if err := a.chkfile.Write(chk); err != nil {
		return err
	}
	a.publishStatus(ctx, chk)
	a.log.WithFields(logrus.Fields{
		"next":  chk.SchedulingDateTime,
		"count": chk.RescheduleCount,
	}).Info("rescheduled update window")
	return nil
}

// markReschedule records that the current window failed and needs a retry.
func (a *Agent) markReschedule(ctx context.Context) error {
	chk, err := a.chkfile.Read()
	if err != nil {
		return err
	}
	chk.RescheduleNeeded = true
	chk.LastAttempted = a.now().UTC()
	if err := a.chkfile.Write(chk); err != nil {
		return err
	}
	a.publishStatus(ctx, chk)
	return nil
}

// freshCheckpoint computes the next window from the current settings and
// resets the retry bookkeeping.
func (a *Agent) freshCheckpoint(ctx context.Context) error {
	chk := checkpoint.Data{
		SchedulingDateTime: schedule.Next(a.current.WUFrequency, a.now()),
		LastAttempted:      a.now().UTC(),
	}
	if err := a.chkfile.Write(chk); err != nil {
		return err
	}
	a.publishStatus(ctx, chk)
	a.log.WithField("next", chk.SchedulingDateTime).Info("scheduled next update window")
	return nil
}

func (a *Agent) reportConfigWarning(ctx context.Context, cause error) {
	a.log.WithError(cause).Warn("settings rejected, previous settings remain in effect")
	a.coord.ReportHealth(ctx, rpc.HealthRequest{
		ServiceURI:  platform.NodeAgentServiceURI,
		Property:    "WUOperationSetting",
		Description: fmt.Sprintf("settings file rejected: %v; previous known-good settings remain in effect", cause),
		HealthState: string(platform.HealthWarning),
		TTLMinutes:  60,
	}, a.current.OperationTimeout)
}

// publishStatus summarizes the agent's schedule as health facts on its own
// service and on the coordinator's per-node property.
func (a *Agent) publishStatus(ctx context.Context, chk checkpoint.Data) {
	next := "none scheduled"
	if !chk.SchedulingDateTime.IsZero() {
		next = chk.SchedulingDateTime.UTC().Format(time.RFC3339)
	}
	last := "never"
	if !chk.LastAttempted.IsZero() {
		last = chk.LastAttempted.UTC().Format(time.RFC3339)
	}
	description := fmt.Sprintf("last attempt: %s, next window: %s, frequency: %s", last, next, a.current.WUFrequency.Raw)

	a.coord.ReportHealth(ctx, rpc.HealthRequest{
		ServiceURI:  platform.NodeAgentServiceURI,
		Property:    "WUOperationStatus",
		Description: description,
		HealthState: string(platform.HealthOk),
		TTLMinutes:  int((2 * schedulerInterval).Minutes()),
	}, a.current.OperationTimeout)

	a.coord.ReportHealth(ctx, rpc.HealthRequest{
		ServiceURI:  platform.CoordinatorServiceURI,
		Property:    "WUOperationStatusUpdate-" + a.cfg.NodeName,
		Description: description,
		HealthState: string(platform.HealthOk),
		TTLMinutes:  int((4 * schedulerInterval).Minutes()),
	}, a.current.OperationTimeout)
}
