package coordinator

import (
	"context"

	"github.com/microsoft/Service-Fabric-POA/pkg/platform"
	"github.com/microsoft/Service-Fabric-POA/pkg/repair"

	"github.com/sirupsen/logrus"
)

// approvalPass cancels orphans, filters ineligible claims, and promotes the
// policy's pick to Preparing.
func (c *Coordinator) approvalPass(ctx context.Context, tasks []*repair.Task, nodes map[string]platform.Node) {
	check := &ApprovalCheck{DomainOf: map[string]string{}}
	for name, node := range nodes {
		check.DomainOf[name] = node.UpgradeDomain
	}

	for _, task := range tasks {
		if task.State.Processing() {
			check.Processing = append(check.Processing, task)
		}
	}

	for _, task := range tasks {
		if task.State != repair.StateClaimed {
			continue
		}
		node, err := task.TargetNode()
		if err != nil {
			c.cancelOrphan(ctx, task, "malformed target")
			continue
		}
		member, known := nodes[node]
		if !known {
			c.cancelOrphan(ctx, task, "target node left the cluster")
			continue
		}
		if c.cfg.InstallOnUpNodesOnly && member.Status != platform.NodeUp {
			// Not an orphan: the node may come back. Skip it this tick.
			c.log.WithFields(logrus.Fields{
				"task": task.TaskID,
				"node": node,
			}).Info("target node is not up, deferring approval")
			continue
		}
		check.Claimed = append(check.Claimed, task)
	}

	c.trackStarvation(ctx, check)

	if !c.settleElapsed(check) {
		return
	}

	for _, task := range c.policy.Approve(check) {
		if err := c.promote(ctx, task); err != nil {
			c.log.WithError(err).WithField("task", task.TaskID).Error("could not promote task")
			continue
		}
		c.metrics.Approvals.Inc()
		c.log.WithField("task", task.DisplayString()).Info("promoted task to Preparing")
	}
}

// settleElapsed enforces MinWaitTimeBetweenNodes: after the cluster goes
// idle, promotion waits out the configured settle delay.
func (c *Coordinator) settleElapsed(check *ApprovalCheck) bool {
	if len(check.Processing) > 0 {
		c.allClearSince = c.now().UTC()
		return true // the policy decides what concurrency is allowed
	}
	wait := c.cfg.MinWaitBetweenNodes()
	if wait <= 0 || c.allClearSince.IsZero() {
		return true
	}
	if since := c.now().UTC().Sub(c.allClearSince); since < wait {
		c.log.WithField("remaining", (wait - since).String()).Info("waiting between nodes before next approval")
		return false
	}
	return true
}

func (c *Coordinator) cancelOrphan(ctx context.Context, task *repair.Task, reason string) {
	opctx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := c.registry.CancelTask(opctx, task.TaskID); err != nil {
		c.log.WithError(err).WithField("task", task.TaskID).Error("could not cancel orphaned task")
		return
	}
	c.metrics.Orphans.Inc()
	c.log.WithFields(logrus.Fields{
		"task":   task.TaskID,
		"reason": reason,
	}).Warn("cancelled orphaned task")
}

// promote moves one claimed task to Preparing. The three steps mirror the
// registry's write protocol: refresh the task's health policy to obtain the
// latest version, stamp the impact, and write back with that version.
func (c *Coordinator) promote(ctx context.Context, task *repair.Task) error {
	opctx, cancel := c.opCtx(ctx)
	defer cancel()

	version, err := c.registry.RefreshTaskHealthPolicy(opctx, task.TaskID)
	if err != nil {
		return err
	}
	task.Version = version
	task.Impact = repair.ImpactRestart
	task.PreparingHealth = true
	task.State = repair.StatePreparing
	return c.registry.UpdateTask(opctx, task)
}

// trackStarvation raises a warning when claims exist but nothing has been
// processing for a sustained run of ticks. The wording distinguishes an
// unhealthy cluster (approval correctly held back) from a healthy one where
// the stall is unexpected.
func (c *Coordinator) trackStarvation(ctx context.Context, check *ApprovalCheck) {
	if len(check.Claimed) == 0 || len(check.Processing) > 0 {
		c.stalledTicks = 0
		return
	}
	c.stalledTicks++
	if c.stalledTicks < stalledTickThreshold {
		return
	}

	opctx, cancel := c.opCtx(ctx)
	healthy, err := c.chealth.ClusterHealthy(opctx)
	cancel()
	if err != nil {
		c.log.WithError(err).Warn("could not determine cluster health for starvation diagnostics")
		healthy = false
	}

	description := "claimed repair tasks are not being approved; cluster health is not Ok, approval resumes once the cluster is healthy"
	if healthy {
		description = "claimed repair tasks are not being approved although the cluster is healthy; inspect repair task state and coordinator logs"
	}
	c.report(ctx, starvationProperty, description, platform.HealthWarning, 4*c.cfg.PollingInterval())
}
