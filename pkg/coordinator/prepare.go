package coordinator

import (
	"context"

	"github.com/microsoft/Service-Fabric-POA/pkg/repair"
)

// preparePass carries out the platform's share of the Preparing state: run
// the preparing health check if the task asks for one, take the node out of
// service, and approve the task. In a hosted deployment the repair service
// performs this; here the coordinator drives the same sequence against the
// cluster adapter.
func (c *Coordinator) preparePass(ctx context.Context, tasks []*repair.Task) {
	for _, task := range tasks {
		if task.State != repair.StatePreparing {
			continue
		}
		node, err := task.TargetNode()
		if err != nil {
			c.cancelOrphan(ctx, task, "malformed target")
			continue
		}

		if task.PreparingHealth {
			opctx, cancel := c.opCtx(ctx)
			healthy, err := c.chealth.ClusterHealthy(opctx)
			cancel()
			if err != nil {
				c.log.WithError(err).WithField("task", task.TaskID).Error("preparing health check failed")
				continue
			}
			if !healthy {
				c.log.WithField("task", task.TaskID).Info("cluster not healthy, holding task in Preparing")
				continue
			}
		}

		opctx, cancel := c.opCtx(ctx)
		err = c.nodectl.DisableNode(opctx, node)
		cancel()
		if err != nil {
			c.log.WithError(err).WithField("node", node).Error("could not disable node")
			continue
		}

		task.State = repair.StateApproved
		task.ApprovedAt = c.now().UTC()
		opctx, cancel = c.opCtx(ctx)
		err = c.registry.UpdateTask(opctx, task)
		cancel()
		if err != nil {
			c.log.WithError(err).WithField("task", task.TaskID).Error("could not approve task")
			continue
		}
		c.log.WithField("task", task.DisplayString()).Info("node disabled, task approved")
	}
}

// restorePass re-enables nodes whose tasks reached Restoring and completes
// the tasks. The result status set by the agent (or the timeout pass) is
// preserved.
func (c *Coordinator) restorePass(ctx context.Context, tasks []*repair.Task) {
	for _, task := range tasks {
		if task.State != repair.StateRestoring {
			continue
		}
		node, err := task.TargetNode()
		if err != nil {
			c.cancelOrphan(ctx, task, "malformed target")
			continue
		}

		opctx, cancel := c.opCtx(ctx)
		err = c.nodectl.EnableNode(opctx, node)
		cancel()
		if err != nil {
			c.log.WithError(err).WithField("node", node).Error("could not re-enable node")
			continue
		}

		task.State = repair.StateCompleted
		if task.ResultStatus == repair.ResultPending {
			task.ResultStatus = repair.ResultSucceeded
		}
		opctx, cancel = c.opCtx(ctx)
		err = c.registry.UpdateTask(opctx, task)
		cancel()
		if err != nil {
			c.log.WithError(err).WithField("task", task.TaskID).Error("could not complete task")
			continue
		}
		c.log.WithField("task", task.DisplayString()).Info("node restored, task completed")
	}
}
