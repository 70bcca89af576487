// Package platform declares the hosting-platform surfaces the orchestration
// core depends on. The core holds no globals besides the logging sink; every
// collaborator below is injected so the coordinator and agent can be driven
// against fakes in tests and against the real cluster in production.
package platform

import (
	"context"
	"time"

	"github.com/microsoft/Service-Fabric-POA/pkg/repair"

	"github.com/pkg/errors"
)

// RepairManager is the durable repair-task registry. All mutations use
// optimistic concurrency: writes carry the Version read earlier and fail
// retryably when the record moved underneath the caller.
type RepairManager interface {
	// Available reports whether the repair service is present in the
	// cluster. The coordinator skips its tick while the service is absent.
	Available(ctx context.Context) bool
	// CreateTask persists a freshly claimed task.
	CreateTask(ctx context.Context, task *repair.Task) error
	// ListTasks returns every task whose id carries the given prefix,
	// regardless of state.
	ListTasks(ctx context.Context, prefix string) ([]*repair.Task, error)
	// UpdateTask writes back a mutated task using task.Version.
	UpdateTask(ctx context.Context, task *repair.Task) error
	// RefreshTaskHealthPolicy re-asserts the task's health-check policy and
	// returns the record's latest version for the subsequent write.
	RefreshTaskHealthPolicy(ctx context.Context, taskID string) (int64, error)
	// CancelTask retires a task through the state-appropriate path: a
	// claimed task completes as cancelled, a processing task is moved to
	// Restoring for the platform to re-enable the node.
	CancelTask(ctx context.Context, taskID string) error
}

// NodeStatus is the platform's view of a node's membership.
type NodeStatus string

const (
	NodeUp    NodeStatus = "Up"
	NodeDown  NodeStatus = "Down"
	NodeOther NodeStatus = "Other"
)

// Node is a cluster member as reported by the platform.
type Node struct {
	Name          string
	Status        NodeStatus
	UpgradeDomain string
}

// NodeLister provides the current cluster membership.
type NodeLister interface {
	ListNodes(ctx context.Context) ([]Node, error)
}

// HealthState mirrors the platform's health fact severity levels.
type HealthState string

const (
	HealthOk      HealthState = "Ok"
	HealthWarning HealthState = "Warning"
	HealthError   HealthState = "Error"
)

// HealthReport is a named health fact published against a service. Property
// is the idempotency key; republishing a property replaces the fact.
type HealthReport struct {
	Service     string
	Property    string
	Description string
	State       HealthState
	TTL         time.Duration
}

// HealthBus publishes and retires health facts.
type HealthBus interface {
	Report(ctx context.Context, report HealthReport) error
	// ServiceExists guards publication: reporting against a service that
	// does not exist yet fails permanently on the platform side.
	ServiceExists(ctx context.Context, service string) (bool, error)
	// ListProperties returns the property names currently published against
	// a service whose names carry the given prefix.
	ListProperties(ctx context.Context, service, prefix string) ([]string, error)
	// Clear retires a published fact.
	Clear(ctx context.Context, service, property string) error
}

// NodeController disables a node ahead of disruptive work and re-enables it
// afterwards. The platform drains workload off a disabled node.
type NodeController interface {
	DisableNode(ctx context.Context, nodeName string) error
	EnableNode(ctx context.Context, nodeName string) error
}

// ClusterHealth summarizes overall cluster health for approval gating and
// diagnostics wording.
type ClusterHealth interface {
	ClusterHealthy(ctx context.Context) (bool, error)
}

// ApplicationLister answers deployment queries for hosted applications.
type ApplicationLister interface {
	ApplicationDeployed(ctx context.Context, applicationURI string) (bool, error)
}

// Ping validates the platform handles before a component starts using them.
func Ping(ctx context.Context, rm RepairManager, nodes NodeLister) error {
	if rm == nil {
		return errors.New("no repair manager provided")
	}
	if nodes == nil {
		return errors.New("no node lister provided")
	}
	if _, err := nodes.ListNodes(ctx); err != nil {
		return errors.WithMessage(err, "could not list cluster nodes")
	}
	return nil
}
