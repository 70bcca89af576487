package coordinator

import (
	"github.com/microsoft/Service-Fabric-POA/pkg/logging"
	"github.com/microsoft/Service-Fabric-POA/pkg/repair"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Policy decides which claimed tasks may be promoted to Preparing this tick.
type Policy interface {
	// Approve returns the subset of check.Claimed to promote, in order.
	Approve(check *ApprovalCheck) []*repair.Task
}

// ApprovalCheck is the cluster snapshot a policy decides over. Claimed holds
// only eligible tasks (orphans cancelled, down nodes filtered), oldest
// first; Processing holds every task currently occupying the disruption
// budget.
type ApprovalCheck struct {
	Claimed    []*repair.Task
	Processing []*repair.Task
	// DomainOf maps node names to their update-domain label.
	DomainOf map[string]string
}

// ParsePolicy resolves a configured policy name.
func ParsePolicy(log logging.Logger, name string) (Policy, error) {
	switch name {
	case "NodeWise":
		return &nodeWisePolicy{log: log.WithField(logging.SubComponentField, "policy")}, nil
	case "UpgradeDomainWise":
		return &upgradeDomainPolicy{log: log.WithField(logging.SubComponentField, "policy")}, nil
	}
	return nil, errors.Errorf("unknown task approval policy %q", name)
}

// nodeWisePolicy serializes the whole cluster: one node at a time, oldest
// claim first.
type nodeWisePolicy struct {
	log logging.Logger
}

func (p *nodeWisePolicy) Approve(check *ApprovalCheck) []*repair.Task {
	if len(check.Processing) > 0 {
		if logging.Debuggable {
			p.log.WithField("processing", len(check.Processing)).Debug("cluster busy, nothing to approve")
		}
		return nil
	}
	if len(check.Claimed) == 0 {
		return nil
	}
	return check.Claimed[:1]
}

// upgradeDomainPolicy promotes every claimed task within the update domain
// currently being processed; when the cluster is idle the oldest claim's
// domain becomes current.
type upgradeDomainPolicy struct {
	log logging.Logger
}

func (p *upgradeDomainPolicy) Approve(check *ApprovalCheck) []*repair.Task {
	current, ok := p.currentDomain(check)
	if !ok {
		return nil
	}

	var approved []*repair.Task
	for _, task := range check.Claimed {
		node, err := task.TargetNode()
		if err != nil {
			continue
		}
		if check.DomainOf[node] == current {
			approved = append(approved, task)
		}
	}
	if logging.Debuggable {
		p.log.WithFields(logrus.Fields{
			"upgrade-domain": current,
			"approved":       len(approved),
		}).Debug("approving claimed tasks in current domain")
	}
	return approved
}

// currentDomain picks the domain of the first processing task, falling back
// to the first claimed task when the cluster is idle. Multiple domains may
// appear among processing tasks after topology drift; the first observed one
// wins and the stragglers drain before the next domain starts.
func (p *upgradeDomainPolicy) currentDomain(check *ApprovalCheck) (string, bool) {
	domains := map[string]bool{}
	for _, task := range check.Processing {
		node, err := task.TargetNode()
		if err != nil {
			continue
		}
		domains[check.DomainOf[node]] = true
	}
	if len(domains) > 1 {
		p.log.WithField("domains", len(domains)).Warn("multiple update domains processing, continuing with the first observed")
	}
	for _, task := range check.Processing {
		node, err := task.TargetNode()
		if err != nil {
			continue
		}
		return check.DomainOf[node], true
	}
	for _, task := range check.Claimed {
		node, err := task.TargetNode()
		if err != nil {
			continue
		}
		return check.DomainOf[node], true
	}
	return "", false
}
