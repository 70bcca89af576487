package repair

import (
	"fmt"
	"testing"

	"gotest.tools/assert"
)

func TestSubStateWireValues(t *testing.T) {
	// These values are the wire and exit-code contract with the node agent
	// helper process.
	cases := []struct {
		SubState SubState
		Value    int
	}{
		{SubStateNone, 1},
		{SubStateDownloadCompleted, 2},
		{SubStateInstallationApproved, 3},
		{SubStateInstallationInProgress, 4},
		{SubStateInstallationCompleted, 5},
		{SubStateRestartRequested, 6},
		{SubStateRestartCompleted, 7},
		{SubStateRestartNotNeeded, 8},
		{SubStateOperationCompleted, 9},
		{SubStateOperationAborted, 11},
	}
	for _, tc := range cases {
		t.Run(tc.SubState.String(), func(t *testing.T) {
			assert.Equal(t, tc.Value, int(tc.SubState))
		})
	}
}

func TestTransitionHappyPaths(t *testing.T) {
	paths := [][]SubState{
		// Install with reboot.
		{SubStateNone, SubStateDownloadCompleted, SubStateInstallationApproved,
			SubStateInstallationInProgress, SubStateInstallationCompleted,
			SubStateRestartRequested, SubStateRestartCompleted,
			SubStateOperationCompleted, SubStateNone},
		// Install without reboot.
		{SubStateNone, SubStateDownloadCompleted, SubStateInstallationApproved,
			SubStateInstallationInProgress, SubStateInstallationCompleted,
			SubStateRestartNotNeeded, SubStateOperationCompleted},
		// Nothing to do.
		{SubStateNone, SubStateOperationCompleted, SubStateNone},
		// Abandoned claim.
		{SubStateNone, SubStateDownloadCompleted, SubStateOperationAborted},
	}
	for i, path := range paths {
		t.Run(fmt.Sprintf("path-%d", i), func(t *testing.T) {
			for j := 1; j < len(path); j++ {
				got, err := Transition(path[j-1], path[j])
				assert.NilError(t, err)
				assert.Equal(t, path[j], got)
			}
		})
	}
}

func TestTransitionIdempotent(t *testing.T) {
	for s := range subStateNames {
		got, err := Transition(s, s)
		assert.NilError(t, err)
		assert.Equal(t, s, got)
	}
}

func TestTransitionRejected(t *testing.T) {
	cases := []struct {
		From, To SubState
	}{
		{SubStateInstallationApproved, SubStateDownloadCompleted},
		{SubStateOperationAborted, SubStateNone},
		{SubStateOperationAborted, SubStateDownloadCompleted},
		{SubStateRestartRequested, SubStateRestartNotNeeded},
		{SubStateNone, SubStateInstallationInProgress},
		{SubStateInstallationCompleted, SubStateOperationCompleted},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s-%s", tc.From, tc.To), func(t *testing.T) {
			got, err := Transition(tc.From, tc.To)
			assert.Assert(t, err != nil)
			assert.Equal(t, tc.From, got)
		})
	}
}

func TestPostInstallation(t *testing.T) {
	assert.Assert(t, SubStateInstallationCompleted.PostInstallation())
	assert.Assert(t, SubStateRestartRequested.PostInstallation())
	assert.Assert(t, SubStateRestartCompleted.PostInstallation())
	assert.Assert(t, !SubStateInstallationInProgress.PostInstallation())
	assert.Assert(t, !SubStateDownloadCompleted.PostInstallation())
}

func TestParseSubState(t *testing.T) {
	s, err := ParseSubState("RestartNotNeeded")
	assert.NilError(t, err)
	assert.Equal(t, SubStateRestartNotNeeded, s)

	_, err = ParseSubState("restartnotneeded")
	assert.Assert(t, err != nil)
}
