package coordinator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/microsoft/Service-Fabric-POA/pkg/platform"
	"github.com/microsoft/Service-Fabric-POA/pkg/repair"
)

// publishStatus emits the cluster-wide patching summary and expires per-node
// status facts whose node no longer exists.
func (c *Coordinator) publishStatus(ctx context.Context, tasks []*repair.Task, nodes map[string]platform.Node) {
	var claimed, processing []string
	for _, task := range tasks {
		node, err := task.TargetNode()
		if err != nil {
			continue
		}
		switch {
		case task.State == repair.StateClaimed:
			claimed = append(claimed, node)
		case task.State.Processing():
			processing = append(processing, node)
		}
	}
	sort.Strings(claimed)
	sort.Strings(processing)

	description := fmt.Sprintf("claimed: [%s], processing: [%s]",
		strings.Join(claimed, ", "), strings.Join(processing, ", "))
	c.report(ctx, taskUpdateProperty, description, platform.HealthOk, 4*c.cfg.PollingInterval())

	c.expireOrphanNodeFacts(ctx, nodes)
}

// expireOrphanNodeFacts clears WUOperationStatusUpdate-<node> facts for
// nodes that left the cluster; agents refresh the live ones themselves.
func (c *Coordinator) expireOrphanNodeFacts(ctx context.Context, nodes map[string]platform.Node) {
	opctx, cancel := c.opCtx(ctx)
	properties, err := c.reporter.ListProperties(opctx, platform.CoordinatorServiceURI, nodeStatusPrefix)
	cancel()
	if err != nil {
		c.log.WithError(err).Error("could not list per-node status facts")
		return
	}
	for _, property := range properties {
		node := strings.TrimPrefix(property, nodeStatusPrefix)
		if _, known := nodes[node]; known {
			continue
		}
		if err := c.reporter.Clear(ctx, platform.CoordinatorServiceURI, property); err != nil {
			c.log.WithError(err).WithField("property", property).Error("could not expire orphan status fact")
			continue
		}
		c.log.WithField("node", node).Info("expired status fact for departed node")
	}
}
