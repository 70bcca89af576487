package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/microsoft/Service-Fabric-POA/pkg/platform"
	"github.com/microsoft/Service-Fabric-POA/pkg/repair"

	"github.com/sirupsen/logrus"
)

// timeoutPass cancels tasks whose installation overran its budget so the
// rest of the cluster is not starved by one wedged node. Tasks that already
// finished installing are left to complete; only a warning is raised about
// their slow post-install progress.
func (c *Coordinator) timeoutPass(ctx context.Context, tasks []*repair.Task) {
	now := c.now().UTC()
	for _, task := range tasks {
		if task.State != repair.StateApproved && task.State != repair.StateExecuting {
			continue
		}
		if task.ApprovedAt.IsZero() {
			continue
		}
		budget := time.Duration(task.ExecutorData.TimeoutInMinutes)*time.Minute + c.cfg.GraceTime()
		elapsed := now.Sub(task.ApprovedAt)
		if elapsed <= budget {
			continue
		}

		log := c.log.WithFields(logrus.Fields{
			"task":     task.DisplayString(),
			"elapsed":  elapsed.String(),
			"budget":   budget.String(),
			"substate": task.ExecutorData.SubState.String(),
		})

		if task.ExecutorData.SubState.PostInstallation() {
			log.Warn("installation finished but post-install progress is slow")
			node, err := task.TargetNode()
			if err != nil {
				continue
			}
			c.report(ctx, nodeStatusPrefix+node,
				fmt.Sprintf("node %s exceeded its installation window while in %s; waiting for it to finish",
					node, task.ExecutorData.SubState),
				platform.HealthWarning, 4*c.cfg.PollingInterval())
			continue
		}

		task.State = repair.StateRestoring
		task.ResultStatus = repair.ResultCancelled
		opctx, cancel := c.opCtx(ctx)
		err := c.registry.UpdateTask(opctx, task)
		cancel()
		if err != nil {
			log.WithError(err).Error("could not cancel timed out task")
			continue
		}
		c.metrics.Timeouts.Inc()
		log.Warn("cancelled timed out task, node will be restored")
	}
}
