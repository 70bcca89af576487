// Coordinator manages the cluster-scoped half of the patching state machine
// at arm's length: node agents claim repair tasks as they finish
// downloading, and the coordinator decides - per the configured approval
// policy and overall cluster health - when each claim may proceed to the
// disruptive phase.
//
// Currently, the coordinator is capable of:
//
//   - serializing disruptive updates so that at most one node (NodeWise) or
//     one update domain (UpgradeDomainWise) is disabled at a time
//
//   - cancelling tasks whose installation overran its budget, so a wedged
//     node cannot starve the rest of the cluster
//
//   - pruning tasks orphaned by topology changes
//
//   - publishing the cluster's patching status as health facts for operator
//     tooling
//
// The coordinator deliberately keeps no state of its own; every tick starts
// from the repair registry and the node list, which makes failover of the
// primary indistinguishable from an ordinary tick.
package coordinator
