package coordinator

import (
	"context"
	"time"

	"github.com/microsoft/Service-Fabric-POA/pkg/config"
	"github.com/microsoft/Service-Fabric-POA/pkg/health"
	"github.com/microsoft/Service-Fabric-POA/pkg/internal/logfields"
	"github.com/microsoft/Service-Fabric-POA/pkg/logging"
	"github.com/microsoft/Service-Fabric-POA/pkg/platform"
	"github.com/microsoft/Service-Fabric-POA/pkg/repair"
	"github.com/microsoft/Service-Fabric-POA/pkg/storage"

	"github.com/pkg/errors"
)

const (
	// stalledTickThreshold is how many consecutive ticks claimed tasks may
	// sit unapproved before the coordinator raises a starvation warning.
	stalledTickThreshold = 60

	readinessProperty  = "RepairManagerStatus"
	taskUpdateProperty = "RMTaskUpdate"
	starvationProperty = "TaskApprovalStall"

	// nodeStatusPrefix scopes the per-node facts maintained by agents; the
	// coordinator expires the ones whose node left the cluster.
	nodeStatusPrefix = "WUOperationStatusUpdate-"
)

// Coordinator is the singleton control loop running on the primary.
type Coordinator struct {
	log      logging.Logger
	cfg      config.Coordinator
	policy   Policy
	registry platform.RepairManager
	nodes    platform.NodeLister
	chealth  platform.ClusterHealth
	nodectl  platform.NodeController
	reporter *health.Reporter
	results  *storage.ResultStore
	metrics  *Metrics

	// stalledTicks counts consecutive ticks with claimed-but-unapproved
	// tasks; allClearSince anchors the MinWaitTimeBetweenNodes delay.
	stalledTicks  int
	allClearSince time.Time

	now func() time.Time
}

// Deps bundles the injected platform handles.
type Deps struct {
	Registry      platform.RepairManager
	Nodes         platform.NodeLister
	ClusterHealth platform.ClusterHealth
	NodeControl   platform.NodeController
	Reporter      *health.Reporter
	Results       *storage.ResultStore
	Metrics       *Metrics
}

// New wires a Coordinator; all dependencies are required except Metrics.
func New(log logging.Logger, cfg config.Coordinator, deps Deps) (*Coordinator, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("repair manager is nil")
	case deps.Nodes == nil:
		return nil, errors.New("node lister is nil")
	case deps.ClusterHealth == nil:
		return nil, errors.New("cluster health is nil")
	case deps.NodeControl == nil:
		return nil, errors.New("node controller is nil")
	case deps.Reporter == nil:
		return nil, errors.New("health reporter is nil")
	case deps.Results == nil:
		return nil, errors.New("result store is nil")
	}
	policy, err := ParsePolicy(log, cfg.TaskApprovalPolicy)
	if err != nil {
		return nil, err
	}
	if deps.Metrics == nil {
		deps.Metrics = NopMetrics()
	}
	return &Coordinator{
		log:      log,
		cfg:      cfg,
		policy:   policy,
		registry: deps.Registry,
		nodes:    deps.Nodes,
		chealth:  deps.ClusterHealth,
		nodectl:  deps.NodeControl,
		reporter: deps.Reporter,
		results:  deps.Results,
		metrics:  deps.Metrics,
		now:      time.Now,
	}, nil
}

// Run executes the control loop until the context is cancelled. The
// coordinator keeps no process-local truth: every tick derives its decisions
// from the registry and node list alone, which makes crash recovery
// indistinguishable from a normal tick.
func (c *Coordinator) Run(ctx context.Context) error {
	c.log.Debug("starting")
	defer c.log.Debug("finished")

	ticker := time.NewTicker(c.cfg.PollingInterval())
	defer ticker.Stop()

	// First tick immediately rather than waiting a full interval.
	c.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// tick runs its passes in a fixed order. Failures inside a tick are
// logged and abandoned; the next tick retries from a fresh snapshot.
func (c *Coordinator) tick(ctx context.Context) {
	c.metrics.Ticks.Inc()

	if !c.checkReadiness(ctx) {
		return
	}

	tasks, err := c.listOwnedTasks(ctx)
	if err != nil {
		c.log.WithError(err).Error("could not list repair tasks, abandoning tick")
		return
	}
	c.dumpTasks(tasks)

	nodes, err := c.listNodes(ctx)
	if err != nil {
		c.log.WithError(err).Error("could not list nodes, abandoning tick")
		return
	}

	// The platform's share first: approve what finished preparing and
	// restore what finished executing. These act on the previous tick's
	// promotions so each tick moves a task at most one platform step.
	c.preparePass(ctx, tasks)
	c.restorePass(ctx, tasks)

	c.approvalPass(ctx, tasks, nodes)
	if c.cfg.ManageRepairTasksOnTimeout {
		c.timeoutPass(ctx, tasks)
	}

	if err := c.results.Trim(ctx); err != nil {
		c.log.WithError(err).Error("could not trim result store")
	}
	if n, err := c.results.Len(ctx); err == nil {
		c.metrics.ResultStoreLen.Set(float64(n))
	}

	c.publishStatus(ctx, tasks, nodes)
}

// opCtx bounds one platform call.
func (c *Coordinator) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.OperationTimeout())
}

// checkReadiness verifies the repair service exists before doing anything
// that depends on it, surfacing the outcome as a health fact either way.
func (c *Coordinator) checkReadiness(ctx context.Context) bool {
	opctx, cancel := c.opCtx(ctx)
	defer cancel()
	ttl := 2 * c.cfg.PollingInterval()

	if !c.registry.Available(opctx) {
		c.report(ctx, readinessProperty, "repair manager service not found in cluster, patching is paused",
			platform.HealthWarning, ttl)
		return false
	}
	c.report(ctx, readinessProperty, "repair manager service available", platform.HealthOk, ttl)
	return true
}

func (c *Coordinator) listOwnedTasks(ctx context.Context) ([]*repair.Task, error) {
	opctx, cancel := c.opCtx(ctx)
	defer cancel()
	all, err := c.registry.ListTasks(opctx, repair.TaskIDPrefix)
	if err != nil {
		return nil, err
	}
	tasks := all[:0]
	for _, task := range all {
		if task.Owned() {
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

// dumpTasks logs every owned task for operator visibility.
func (c *Coordinator) dumpTasks(tasks []*repair.Task) {
	for _, task := range tasks {
		c.log.WithFields(logfields.Task(task)).Info("repair task")
	}
}

func (c *Coordinator) listNodes(ctx context.Context) (map[string]platform.Node, error) {
	opctx, cancel := c.opCtx(ctx)
	defer cancel()
	list, err := c.nodes.ListNodes(opctx)
	if err != nil {
		return nil, err
	}
	nodes := make(map[string]platform.Node, len(list))
	for _, node := range list {
		nodes[node.Name] = node
	}
	return nodes, nil
}

func (c *Coordinator) report(ctx context.Context, property, description string, state platform.HealthState, ttl time.Duration) {
	err := c.reporter.Report(ctx, platform.HealthReport{
		Service:     platform.CoordinatorServiceURI,
		Property:    property,
		Description: description,
		State:       state,
		TTL:         ttl,
	}, c.cfg.OperationTimeout())
	if err != nil {
		c.log.WithError(err).WithField("property", property).Error("could not publish health fact")
	}
}
