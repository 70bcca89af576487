// Package cluster adapts the hosting cluster's membership and health surface
// onto the platform interfaces. The production implementation is backed by
// Consul: node membership and update-domain labels come from the catalog,
// health facts and maintenance flags live in the KV store.
package cluster

import (
	"context"
	"encoding/json"
	"time"

	"github.com/microsoft/Service-Fabric-POA/pkg/logging"
	"github.com/microsoft/Service-Fabric-POA/pkg/platform"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/pkg/errors"
)

const (
	// udMetaKey is the catalog node meta key carrying the update domain.
	udMetaKey = "upgrade-domain"

	servicePrefix     = "pos/services/"
	healthFactPrefix  = "pos/health/"
	maintenancePrefix = "pos/maintenance/"
)

var _ platform.NodeLister = (*Consul)(nil)
var _ platform.HealthBus = (*Consul)(nil)
var _ platform.ApplicationLister = (*Consul)(nil)

// Consul is the cluster adapter over a Consul agent.
type Consul struct {
	log logging.Logger
	cli *consulapi.Client

	now func() time.Time
}

// New dials the Consul agent at addr (the client default when empty).
func New(log logging.Logger, addr string) (*Consul, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, errors.WithMessage(err, "could not create consul client")
	}
	return &Consul{log: log, cli: cli, now: time.Now}, nil
}

// ListNodes returns the catalog's members with status and update domain.
func (c *Consul) ListNodes(ctx context.Context) ([]platform.Node, error) {
	opts := (&consulapi.QueryOptions{}).WithContext(ctx)
	catalog, _, err := c.cli.Catalog().Nodes(opts)
	if err != nil {
		return nil, errors.WithMessage(err, "could not list catalog nodes")
	}
	nodes := make([]platform.Node, 0, len(catalog))
	for _, entry := range catalog {
		node := platform.Node{
			Name:          entry.Node,
			Status:        platform.NodeOther,
			UpgradeDomain: entry.Meta[udMetaKey],
		}
		checks, _, err := c.cli.Health().Node(entry.Node, opts)
		if err != nil {
			return nil, errors.WithMessagef(err, "could not read health for node %s", entry.Node)
		}
		node.Status = nodeStatus(checks)
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func nodeStatus(checks consulapi.HealthChecks) platform.NodeStatus {
	if len(checks) == 0 {
		return platform.NodeOther
	}
	switch checks.AggregatedStatus() {
	case consulapi.HealthPassing, consulapi.HealthWarning:
		return platform.NodeUp
	case consulapi.HealthCritical:
		return platform.NodeDown
	}
	return platform.NodeOther
}

// ClusterHealthy reports whether every member is currently Up.
func (c *Consul) ClusterHealthy(ctx context.Context) (bool, error) {
	nodes, err := c.ListNodes(ctx)
	if err != nil {
		return false, err
	}
	for _, node := range nodes {
		if node.Status != platform.NodeUp {
			return false, nil
		}
	}
	return true, nil
}

// RegisterService announces a service URI so health publication against it
// can proceed. Components self-register on start.
func (c *Consul) RegisterService(ctx context.Context, serviceURI string) error {
	opts := (&consulapi.WriteOptions{}).WithContext(ctx)
	_, err := c.cli.KV().Put(&consulapi.KVPair{
		Key:   servicePrefix + serviceURI,
		Value: []byte(c.now().UTC().Format(time.RFC3339)),
	}, opts)
	return errors.WithMessagef(err, "could not register service %s", serviceURI)
}

func (c *Consul) ServiceExists(ctx context.Context, serviceURI string) (bool, error) {
	opts := (&consulapi.QueryOptions{}).WithContext(ctx)
	pair, _, err := c.cli.KV().Get(servicePrefix+serviceURI, opts)
	if err != nil {
		return false, errors.WithMessagef(err, "could not look up service %s", serviceURI)
	}
	return pair != nil, nil
}

// healthFact is the stored form of a published fact.
type healthFact struct {
	State       platform.HealthState `json:"state"`
	Description string               `json:"description"`
	ExpiresAt   time.Time            `json:"expiresAt"`
}

func factKey(service, property string) string {
	return healthFactPrefix + service + "/" + property
}

func (c *Consul) Report(ctx context.Context, report platform.HealthReport) error {
	fact := healthFact{
		State:       report.State,
		Description: report.Description,
		ExpiresAt:   c.now().UTC().Add(report.TTL),
	}
	payload, err := json.Marshal(fact)
	if err != nil {
		return errors.WithMessage(err, "could not encode health fact")
	}
	opts := (&consulapi.WriteOptions{}).WithContext(ctx)
	_, err = c.cli.KV().Put(&consulapi.KVPair{Key: factKey(report.Service, report.Property), Value: payload}, opts)
	return errors.WithMessagef(err, "could not publish %s", report.Property)
}

func (c *Consul) ListProperties(ctx context.Context, service, prefix string) ([]string, error) {
	opts := (&consulapi.QueryOptions{}).WithContext(ctx)
	base := factKey(service, prefix)
	pairs, _, err := c.cli.KV().List(base, opts)
	if err != nil {
		return nil, errors.WithMessagef(err, "could not list facts on %s", service)
	}
	keyBase := factKey(service, "")
	var properties []string
	for _, pair := range pairs {
		var fact healthFact
		if err := json.Unmarshal(pair.Value, &fact); err != nil {
			continue
		}
		if !fact.ExpiresAt.IsZero() && fact.ExpiresAt.Before(c.now().UTC()) {
			continue
		}
		properties = append(properties, pair.Key[len(keyBase):])
	}
	return properties, nil
}

func (c *Consul) Clear(ctx context.Context, service, property string) error {
	opts := (&consulapi.WriteOptions{}).WithContext(ctx)
	_, err := c.cli.KV().Delete(factKey(service, property), opts)
	return errors.WithMessagef(err, "could not clear %s", property)
}

// ApplicationDeployed reports whether the application's URI is registered.
func (c *Consul) ApplicationDeployed(ctx context.Context, applicationURI string) (bool, error) {
	return c.ServiceExists(ctx, applicationURI)
}

// DisableNode marks a node for maintenance before disruptive work; the node
// is drained by the hosting platform while the flag stands.
func (c *Consul) DisableNode(ctx context.Context, nodeName string) error {
	opts := (&consulapi.WriteOptions{}).WithContext(ctx)
	_, err := c.cli.KV().Put(&consulapi.KVPair{
		Key:   maintenancePrefix + nodeName,
		Value: []byte(c.now().UTC().Format(time.RFC3339)),
	}, opts)
	return errors.WithMessagef(err, "could not disable node %s", nodeName)
}

// EnableNode lifts the maintenance flag after the disruptive work finishes.
func (c *Consul) EnableNode(ctx context.Context, nodeName string) error {
	opts := (&consulapi.WriteOptions{}).WithContext(ctx)
	_, err := c.cli.KV().Delete(maintenancePrefix+nodeName, opts)
	return errors.WithMessagef(err, "could not enable node %s", nodeName)
}
