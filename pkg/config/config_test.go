package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/assert"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadCoordinator("")
	assert.NilError(t, err)

	assert.Equal(t, 60*time.Second, cfg.PollingInterval())
	assert.Equal(t, 3000, cfg.MaxResultsToCache)
	assert.Equal(t, "NodeWise", cfg.TaskApprovalPolicy)
	assert.Assert(t, cfg.InstallOnUpNodesOnly)
	assert.Assert(t, cfg.ManageRepairTasksOnTimeout)
	assert.Equal(t, 5*time.Minute, cfg.OperationTimeout())
	assert.Equal(t, 45*time.Minute, cfg.GraceTime())
	assert.Equal(t, time.Duration(0), cfg.MinWaitBetweenNodes())
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coordinator.yaml")
	doc := `PollingFrequencyInSec: 30
TaskApprovalPolicy: UpgradeDomainWise
MaxResultsToCache: 100
GraceTimeForNtServiceInMin: 10
`
	assert.NilError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := LoadCoordinator(path)
	assert.NilError(t, err)
	assert.Equal(t, 30*time.Second, cfg.PollingInterval())
	assert.Equal(t, "UpgradeDomainWise", cfg.TaskApprovalPolicy)
	assert.Equal(t, 100, cfg.MaxResultsToCache)
	assert.Equal(t, 10*time.Minute, cfg.GraceTime())
	// Untouched keys keep their defaults.
	assert.Assert(t, cfg.InstallOnUpNodesOnly)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadCoordinator(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.NilError(t, err)
	assert.Equal(t, DefaultCoordinator(), cfg)
}

func TestLoadRejectsBadValues(t *testing.T) {
	for name, doc := range map[string]string{
		"zero-polling": "PollingFrequencyInSec: 0",
		"bad-yaml":     "PollingFrequencyInSec: [",
		"zero-cache":   "MaxResultsToCache: 0",
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "coordinator.yaml")
			assert.NilError(t, os.WriteFile(path, []byte(doc), 0o644))
			_, err := LoadCoordinator(path)
			assert.Assert(t, err != nil)
		})
	}
}
