// Agent drives the local node's share of the patching state machine: it
// schedules update windows from the node's settings, searches for and
// downloads applicable updates, waits for the coordinator's approval before
// installing, and sees an eventual reboot through to completion.
//
// The Agent is deliberately stateless beyond a few small files - the
// scheduling checkpoint, the executor-data mirror, the operation start stamp
// and the validated settings copy - so that a process restart or a
// host reboot resumes exactly where the repair task says it should.
package agent
