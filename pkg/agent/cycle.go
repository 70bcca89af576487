package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/microsoft/Service-Fabric-POA/pkg/repair"
	"github.com/microsoft/Service-Fabric-POA/pkg/rpc"
	"github.com/microsoft/Service-Fabric-POA/pkg/updater"

	"github.com/sirupsen/logrus"
)

// operationStartFile remembers when the running operation began so a resumed
// pass reports an accurate start time.
const operationStartFile = "LastUpdateOperationStartTimeStampFile.txt"

const startStampLayout = "20060102150405"

// runCycle executes one update pass, resuming from whatever sub-state the
// coordinator reports. It returns true when the window failed and the
// scheduler should mark a reschedule.
func (a *Agent) runCycle(ctx context.Context, sub repair.SubState) (reschedule bool) {
	log := a.log.WithField("substate", sub.String())
	log.Info("running update cycle")

	switch sub {
	case repair.SubStateNone, repair.SubStateOperationCompleted:
		return a.searchAndDownload(ctx)

	case repair.SubStateDownloadCompleted:
		return a.awaitApprovalAndInstall(ctx)

	case repair.SubStateInstallationApproved:
		return a.install(ctx, nil)

	case repair.SubStateInstallationInProgress:
		// We crashed mid-install. Re-search: an empty result usually means
		// the installation completed and only the status update was lost;
		// the next cycle resolves the task.
		updates, ok := a.search(ctx)
		if !ok {
			return true
		}
		if len(updates) == 0 {
			log.Info("no updates found mid-install, assuming installation completed")
			return false
		}
		return a.install(ctx, updates)

	case repair.SubStateInstallationCompleted:
		// Crash window between install completion and the reboot decision.
		return a.finishInstallation(ctx, nil)

	case repair.SubStateRestartCompleted, repair.SubStateRestartNotNeeded:
		return a.finalize(ctx)

	case repair.SubStateRestartRequested:
		return false // pending reboot

	case repair.SubStateOperationAborted:
		log.Warn("operation was aborted, starting over next window")
		return false
	}
	log.Error("cycle entered with unexpected sub-state")
	return false
}

// searchAndDownload is the front half of a pass: find applicable updates,
// fetch them, and claim a repair task once a payload is ready.
func (a *Agent) searchAndDownload(ctx context.Context) (reschedule bool) {
	a.recordOperationStart(a.now().UTC())

	updates, ok := a.search(ctx)
	if !ok {
		return true
	}
	if len(updates) == 0 {
		result := repair.NoUpdatesResult(a.cfg.NodeName, a.current.WUQuery, a.current.WUFrequency.Raw,
			a.operationStart(), a.now().UTC())
		code := a.coord.UpdateSearchAndDownloadStatus(ctx, a.cfg.NodeName, a.cfg.ApplicationURI,
			repair.SubStateOperationCompleted, result, 0, a.current.OperationTimeout)
		if code != repair.CodeSuccess {
			a.log.WithField("code", code).Warn("could not record empty search result")
			return repair.Retryable(code)
		}
		a.log.Info("no applicable updates")
		return false
	}

	pass, ok := a.retryPass(ctx, "download", func(opctx context.Context) (*updater.PassResult, error) {
		return a.engine.Download(opctx, updates)
	})
	if !ok {
		return true
	}

	result := a.buildResult(repair.OperationSearchAndDownload, pass)
	if pass.Outcome != repair.OutcomeSucceeded && pass.Outcome != repair.OutcomeSucceededWithErrors {
		// Nothing usable downloaded; record the failure and retry the
		// window later.
		a.postResult(ctx, result)
		return true
	}

	timeoutMinutes := int(a.current.WUOperationTimeout.Minutes())
	code := a.coord.UpdateSearchAndDownloadStatus(ctx, a.cfg.NodeName, a.cfg.ApplicationURI,
		repair.SubStateDownloadCompleted, result, timeoutMinutes, a.current.OperationTimeout)
	if code != repair.CodeSuccess {
		a.log.WithField("code", code).Warn("could not claim repair task for downloaded updates")
		return true
	}

	return a.awaitApprovalAndInstall(ctx)
}

// search runs the query with retries and applies the category/EULA filter.
// ok is false when the search could not be completed at all.
func (a *Agent) search(ctx context.Context) (updates []updater.Update, ok bool) {
	filter := updater.Filter{
		CategoryIDs: a.current.WUQueryCategoryIDs,
		OSOnly:      a.current.InstallWindowsOSOnlyUpdates,
		AcceptEula:  a.current.AcceptWindowsUpdateEula,
	}

	for attempt := 1; ; attempt++ {
		opctx, cancel := context.WithTimeout(ctx, a.current.WUOperationTimeout)
		found, err := a.engine.Search(opctx, a.current.WUQuery)
		cancel()
		if err == nil {
			eligible, ferr := filter.Apply(ctx, a.engine, found)
			if ferr == nil {
				return eligible, true
			}
			err = ferr
		}
		a.log.WithError(err).WithField("attempt", attempt).Warn("update search failed")
		if attempt >= a.current.WUOperationRetryCount || ctx.Err() != nil {
			return nil, false
		}
		if a.sleep(ctx, a.current.WUDelayBetweenRetries) != nil {
			return nil, false
		}
	}
}

// retryPass runs one engine pass under the per-operation timeout, retrying
// failed calls up to the retry count. ok is false when no attempt returned.
func (a *Agent) retryPass(ctx context.Context, name string, pass func(context.Context) (*updater.PassResult, error)) (*updater.PassResult, bool) {
	for attempt := 1; ; attempt++ {
		opctx, cancel := context.WithTimeout(ctx, a.current.WUOperationTimeout)
		result, err := pass(opctx)
		cancel()
		if err == nil {
			return result, true
		}
		a.log.WithError(err).WithFields(logrus.Fields{"pass": name, "attempt": attempt}).Warn("update pass failed")
		if attempt >= a.current.WUOperationRetryCount || ctx.Err() != nil || a.sleep(ctx, a.current.WUDelayBetweenRetries) != nil {
			return nil, false
		}
	}
}

// awaitApprovalAndInstall polls for the coordinator's approval, then runs
// the install half of the pass.
func (a *Agent) awaitApprovalAndInstall(ctx context.Context) (reschedule bool) {
	for {
		sub, code := a.coord.GetWuOperationState(ctx, a.cfg.NodeName, a.current.OperationTimeout)
		if code != repair.CodeSuccess {
			if !repair.Retryable(code) {
				a.log.WithField("code", code).Error("approval wait failed")
				return true
			}
		} else {
			switch sub {
			case repair.SubStateInstallationApproved:
				return a.install(ctx, nil)
			case repair.SubStateDownloadCompleted:
				// Still claimed or preparing; keep waiting.
			case repair.SubStateNone, repair.SubStateOperationCompleted:
				// The coordinator abandoned the operation underneath us.
				a.log.Warn("operation aborted while waiting for approval")
				return true
			default:
				a.log.WithField("substate", sub.String()).Warn("unexpected state while waiting for approval")
			}
		}
		if a.sleep(ctx, a.current.WUDelayBetweenRetries) != nil {
			return false
		}
	}
}

// install applies the downloaded updates within the remaining installation
// budget and reports completion. updates may be nil, meaning "whatever was
// downloaded": the engine re-resolves from its own state.
func (a *Agent) install(ctx context.Context, updates []updater.Update) (reschedule bool) {
	code := a.coord.UpdateInstallationStatus(ctx, a.cfg.NodeName, a.cfg.ApplicationURI,
		repair.SubStateInstallationInProgress, nil, a.current.OperationTimeout)
	if code != repair.CodeSuccess {
		a.log.WithField("code", code).Error("could not report installation start")
		return true
	}

	if updates == nil {
		found, ok := a.search(ctx)
		if !ok {
			return true
		}
		updates = found
	}

	budget := a.remainingInstallBudget()
	a.log.WithField("budget", budget.String()).Info("installing updates")

	installCtx, cancel := context.WithTimeout(ctx, budget)
	pass, err := a.installWithRetries(installCtx, updates, budget)
	cancel()
	if err != nil {
		a.log.WithError(err).Error("installation failed")
		return true
	}

	return a.finishInstallation(ctx, pass)
}

// installWithRetries keeps attempting the install while budget remains.
func (a *Agent) installWithRetries(ctx context.Context, updates []updater.Update, budget time.Duration) (*updater.PassResult, error) {
	var last *updater.PassResult
	var lastErr error
	for attempt := 1; attempt <= a.current.WUOperationRetryCount; attempt++ {
		attemptTimeout := a.current.WUOperationTimeout
		if attemptTimeout > budget {
			attemptTimeout = budget
		}
		opctx, cancel := context.WithTimeout(ctx, attemptTimeout)
		pass, err := a.engine.Install(opctx, updates)
		cancel()
		if err == nil {
			last, lastErr = pass, nil
			if pass.Outcome == repair.OutcomeSucceeded || pass.Outcome == repair.OutcomeSucceededWithErrors {
				break
			}
			if pass.Outcome == repair.OutcomeAborted || pass.Outcome == repair.OutcomeAbortedWithTimeout {
				break // cooperative shutdown or expired budget, do not retry
			}
		} else {
			lastErr = err
			a.log.WithError(err).WithField("attempt", attempt).Warn("install attempt failed")
		}
		if ctx.Err() != nil {
			break
		}
		if a.sleep(ctx, a.current.WUDelayBetweenRetries) != nil {
			break
		}
	}
	if last == nil {
		return nil, lastErr
	}
	return last, nil
}

// finishInstallation reports the installation result and handles the reboot
// decision. A nil pass (resume after crash) reports a bare completion.
func (a *Agent) finishInstallation(ctx context.Context, pass *updater.PassResult) (reschedule bool) {
	var result *repair.OperationResult
	rebootRequired := false
	outcome := repair.OutcomeSucceeded
	if pass != nil {
		result = a.buildResult(repair.OperationInstallation, pass)
		rebootRequired = pass.RebootRequired
		outcome = pass.Outcome
	}

	code := a.coord.UpdateInstallationStatus(ctx, a.cfg.NodeName, a.cfg.ApplicationURI,
		repair.SubStateInstallationCompleted, result, a.current.OperationTimeout)
	if code != repair.CodeSuccess {
		a.log.WithField("code", code).Error("could not report installation completion")
		return true
	}

	if rebootRequired {
		code = a.coord.UpdateInstallationStatus(ctx, a.cfg.NodeName, a.cfg.ApplicationURI,
			repair.SubStateRestartRequested, nil, a.current.OperationTimeout)
		if code != repair.CodeSuccess {
			a.log.WithField("code", code).Error("could not request restart")
			return true
		}
		a.requestReboot(ctx)
		return false
	}

	code = a.coord.UpdateInstallationStatus(ctx, a.cfg.NodeName, a.cfg.ApplicationURI,
		repair.SubStateRestartNotNeeded, nil, a.current.OperationTimeout)
	if code != repair.CodeSuccess {
		a.log.WithField("code", code).Error("could not report restart decision")
		return true
	}

	if a.finalize(ctx) {
		return true
	}
	return outcome.Reschedule()
}

// finalize closes the operation; the repair task moves to Restoring and the
// platform re-enables the node.
func (a *Agent) finalize(ctx context.Context) (reschedule bool) {
	code := a.coord.UpdateInstallationStatus(ctx, a.cfg.NodeName, a.cfg.ApplicationURI,
		repair.SubStateOperationCompleted, nil, a.current.OperationTimeout)
	if code != repair.CodeSuccess {
		a.log.WithField("code", code).Error("could not complete operation")
		return true
	}
	a.log.Info("update operation completed")
	return false
}

// requestReboot stops the platform units and asks the host to restart. The
// agent process ends with the host; on the next boot the coordinator reports
// RestartCompleted and the cycle finalizes.
func (a *Agent) requestReboot(ctx context.Context) {
	if a.host == nil {
		a.log.Error("no host controller wired, cannot reboot")
		return
	}
	if len(a.cfg.PlatformUnits) > 0 {
		if err := a.host.StopUnits(ctx, a.cfg.PlatformUnits...); err != nil {
			a.log.WithError(err).Warn("could not stop platform units before reboot")
		}
	}
	a.log.Warn("requesting host restart to finish update installation")
	if err := a.host.Reboot(ctx, 0); err != nil {
		a.log.WithError(err).Error("could not request reboot")
	}
}

// remainingInstallBudget derives how much installation time is left from the
// approval stamp mirrored by the RPC client. Elapsed time is measured in
// total minutes; when the budget is exhausted a minimal allowance lets the
// attempt fail fast rather than block other nodes.
func (a *Agent) remainingInstallBudget() time.Duration {
	mirror, err := rpc.ReadExecutorData(a.dataDir())
	if err != nil || mirror.ApprovedAt.IsZero() || mirror.TimeoutInMinutes <= 0 {
		return a.current.WUOperationTimeout
	}
	elapsed := a.now().UTC().Sub(mirror.ApprovedAt)
	remaining := time.Duration(mirror.TimeoutInMinutes)*time.Minute - elapsed
	if remaining <= 0 {
		return time.Second
	}
	return remaining
}

func (a *Agent) buildResult(op repair.OperationType, pass *updater.PassResult) *repair.OperationResult {
	return &repair.OperationResult{
		NodeName:           a.cfg.NodeName,
		OperationTime:      a.now().UTC(),
		OperationStartTime: a.operationStart(),
		OperationType:      op,
		OperationResult:    pass.Outcome,
		UpdateDetails:      pass.Details,
		UpdateQuery:        a.current.WUQuery,
		UpdateFrequency:    a.current.WUFrequency.Raw,
		RebootRequired:     pass.RebootRequired,
	}
}

func (a *Agent) postResult(ctx context.Context, result *repair.OperationResult) {
	code := a.coord.UpdateSearchAndDownloadStatus(ctx, a.cfg.NodeName, a.cfg.ApplicationURI,
		repair.SubStateOperationCompleted, result, 0, a.current.OperationTimeout)
	if code != repair.CodeSuccess {
		a.log.WithFields(logrus.Fields{"code": code}).Warn("could not record operation result")
	}
}

func (a *Agent) recordOperationStart(at time.Time) {
	path := filepath.Join(a.dataDir(), operationStartFile)
	if err := os.MkdirAll(a.dataDir(), 0o755); err != nil {
		return
	}
	if err := os.WriteFile(path, []byte(at.UTC().Format(startStampLayout)), 0o644); err != nil {
		a.log.WithError(err).Warn("could not record operation start time")
	}
}

func (a *Agent) operationStart() time.Time {
	raw, err := os.ReadFile(filepath.Join(a.dataDir(), operationStartFile))
	if err != nil {
		return a.now().UTC()
	}
	at, err := time.ParseInLocation(startStampLayout, strings.TrimSpace(string(raw)), time.UTC)
	if err != nil {
		return a.now().UTC()
	}
	return at
}
