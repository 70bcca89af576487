// Package config loads the coordinator's configuration file.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Coordinator carries the cluster-side settings. Field defaults follow the
// shipped application manifest.
type Coordinator struct {
	PollingFrequencyInSec           int    `yaml:"PollingFrequencyInSec"`
	MaxResultsToCache               int    `yaml:"MaxResultsToCache"`
	TaskApprovalPolicy              string `yaml:"TaskApprovalPolicy"`
	InstallOnUpNodesOnly            bool   `yaml:"InstallOnUpNodesOnly"`
	ManageRepairTasksOnTimeout      bool   `yaml:"ManageRepairTasksOnTimeout"`
	DefaultTimeoutForOperationInMin int    `yaml:"DefaultTimeoutForOperationInMin"`
	GraceTimeForNtServiceInMin      int    `yaml:"GraceTimeForNtServiceInMin"`
	MinWaitTimeBetweenNodesInMin    int    `yaml:"MinWaitTimeBetweenNodesInMin"`

	ListenAddress string `yaml:"ListenAddress"`
	DatabasePath  string `yaml:"DatabasePath"`
	ConsulAddress string `yaml:"ConsulAddress"`
}

// DefaultCoordinator returns the settings used when no file overrides them.
func DefaultCoordinator() Coordinator {
	return Coordinator{
		PollingFrequencyInSec:           60,
		MaxResultsToCache:               3000,
		TaskApprovalPolicy:              "NodeWise",
		InstallOnUpNodesOnly:            true,
		ManageRepairTasksOnTimeout:      true,
		DefaultTimeoutForOperationInMin: 5,
		GraceTimeForNtServiceInMin:      45,
		MinWaitTimeBetweenNodesInMin:    0,
		ListenAddress:                   ":21000",
		DatabasePath:                    "repair.db",
	}
}

// LoadCoordinator reads path over the defaults. A missing file yields the
// defaults unchanged.
func LoadCoordinator(path string) (Coordinator, error) {
	cfg := DefaultCoordinator()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, errors.WithMessage(err, "could not read coordinator config")
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.WithMessage(err, "could not parse coordinator config")
	}
	if cfg.PollingFrequencyInSec <= 0 {
		return cfg, errors.Errorf("PollingFrequencyInSec must be positive, got %d", cfg.PollingFrequencyInSec)
	}
	if cfg.MaxResultsToCache <= 0 {
		return cfg, errors.Errorf("MaxResultsToCache must be positive, got %d", cfg.MaxResultsToCache)
	}
	return cfg, nil
}

// PollingInterval is the tick period.
func (c Coordinator) PollingInterval() time.Duration {
	return time.Duration(c.PollingFrequencyInSec) * time.Second
}

// OperationTimeout bounds each platform call.
func (c Coordinator) OperationTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutForOperationInMin) * time.Minute
}

// GraceTime pads per-task installation budgets before timeout enforcement.
func (c Coordinator) GraceTime() time.Duration {
	return time.Duration(c.GraceTimeForNtServiceInMin) * time.Minute
}

// MinWaitBetweenNodes is the settle delay between finishing one node and
// approving the next.
func (c Coordinator) MinWaitBetweenNodes() time.Duration {
	return time.Duration(c.MinWaitTimeBetweenNodesInMin) * time.Minute
}
