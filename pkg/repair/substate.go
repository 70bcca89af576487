package repair

import (
	"github.com/pkg/errors"
)

// SubState is the agent's nested update state, stored in a repair task's
// executor data. The positive numeric values share the wire contract with
// ResultCode: an RPC that reports a sub-state returns its numeric value.
type SubState int

// Sub-state values. The gap before OperationAborted is reserved.
const (
	SubStateNone                   SubState = 1
	SubStateDownloadCompleted      SubState = 2
	SubStateInstallationApproved   SubState = 3
	SubStateInstallationInProgress SubState = 4
	SubStateInstallationCompleted  SubState = 5
	SubStateRestartRequested       SubState = 6
	SubStateRestartCompleted       SubState = 7
	SubStateRestartNotNeeded       SubState = 8
	SubStateOperationCompleted     SubState = 9

	SubStateOperationAborted SubState = 11
)

var subStateNames = map[SubState]string{
	SubStateNone:                   "None",
	SubStateDownloadCompleted:      "DownloadCompleted",
	SubStateInstallationApproved:   "InstallationApproved",
	SubStateInstallationInProgress: "InstallationInProgress",
	SubStateInstallationCompleted:  "InstallationCompleted",
	SubStateRestartRequested:       "RestartRequested",
	SubStateRestartCompleted:       "RestartCompleted",
	SubStateRestartNotNeeded:       "RestartNotNeeded",
	SubStateOperationCompleted:     "OperationCompleted",
	SubStateOperationAborted:       "OperationAborted",
}

func (s SubState) String() string {
	if name, ok := subStateNames[s]; ok {
		return name
	}
	return "Invalid"
}

// Valid reports whether s is one of the defined sub-states.
func (s SubState) Valid() bool {
	_, ok := subStateNames[s]
	return ok
}

// ParseSubState resolves a sub-state from its canonical name.
func ParseSubState(name string) (SubState, error) {
	for s, n := range subStateNames {
		if n == name {
			return s, nil
		}
	}
	return SubStateNone, errors.Errorf("unknown sub-state %q", name)
}

// nextSubStates is the authoritative progression of the agent's state
// machine. A sub-state may only advance to one of its listed successors;
// OperationAborted is terminal.
var nextSubStates = map[SubState][]SubState{
	SubStateNone:                   {SubStateDownloadCompleted, SubStateOperationCompleted, SubStateOperationAborted},
	SubStateDownloadCompleted:      {SubStateInstallationApproved, SubStateOperationAborted},
	SubStateInstallationApproved:   {SubStateInstallationInProgress},
	SubStateInstallationInProgress: {SubStateInstallationCompleted},
	SubStateInstallationCompleted:  {SubStateRestartRequested, SubStateRestartNotNeeded},
	SubStateRestartRequested:       {SubStateRestartCompleted},
	SubStateRestartCompleted:       {SubStateOperationCompleted},
	SubStateRestartNotNeeded:       {SubStateOperationCompleted},
	SubStateOperationCompleted:     {SubStateNone},
	SubStateOperationAborted:       {},
}

// Transition validates an advance of the state machine. Re-asserting the
// current sub-state is permitted so that retried RPCs stay idempotent.
func Transition(from, to SubState) (SubState, error) {
	if !from.Valid() || !to.Valid() {
		return from, errors.Errorf("invalid sub-state transition %s -> %s", from, to)
	}
	if from == to {
		return to, nil
	}
	for _, next := range nextSubStates[from] {
		if next == to {
			return to, nil
		}
	}
	return from, errors.Errorf("sub-state %s may not advance to %s", from, to)
}

// CanTransition reports whether Transition would permit the advance.
func CanTransition(from, to SubState) bool {
	_, err := Transition(from, to)
	return err == nil
}

// Terminal reports whether no further progress is possible within the task.
func (s SubState) Terminal() bool {
	return s == SubStateOperationAborted
}

// PostInstallation reports whether the sub-state indicates installation has
// already finished on the node. The coordinator's timeout pass leaves such
// tasks alone and only warns about slow progress.
func (s SubState) PostInstallation() bool {
	switch s {
	case SubStateInstallationCompleted, SubStateRestartRequested, SubStateRestartCompleted:
		return true
	}
	return false
}
