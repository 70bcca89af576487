// posctl is the agent-side helper binary sitting on the process boundary
// between the node's NT service and the coordinator. Every command's exit
// code is the operation's numeric result code; GetWuOperationState exits
// with the positive sub-state value.
package main

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"time"

	"github.com/microsoft/Service-Fabric-POA/pkg/logging"
	"github.com/microsoft/Service-Fabric-POA/pkg/repair"
	"github.com/microsoft/Service-Fabric-POA/pkg/rpc"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	flagCoordinatorURL string
	flagDataDir        string
)

func main() {
	log := logging.New("posctl")

	root := &cobra.Command{
		Use:           "posctl",
		Short:         "Patch orchestration node helper",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagCoordinatorURL, "coordinator-url", "http://localhost:21000", "Base URL of the coordinator's RPC endpoint")
	root.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "Directory receiving the executor data mirror")

	root.AddCommand(
		getWuOperationStateCmd(log),
		updateSearchAndDownloadStatusCmd(log),
		updateInstallationStatusCmd(log),
		reportHealthCmd(log),
		getApplicationDeployedStatusCmd(log),
	)

	if err := root.Execute(); err != nil {
		log.WithError(err).Error("command failed")
		os.Exit(repair.CodeInvalidArgument)
	}
}

func client(log logging.Logger) *rpc.Client {
	return rpc.NewClient(log, flagCoordinatorURL, flagDataDir)
}

func timeoutArg(arg string) (time.Duration, error) {
	seconds, err := strconv.Atoi(arg)
	if err != nil || seconds <= 0 {
		return 0, errors.Errorf("invalid timeout %q", arg)
	}
	return time.Duration(seconds) * time.Second, nil
}

// loadResult reads an OperationResult file; an empty path is no result.
func loadResult(path string) (*repair.OperationResult, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "could not read result file %s", path)
	}
	var result repair.OperationResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errors.WithMessagef(err, "could not parse result file %s", path)
	}
	return &result, nil
}

func getWuOperationStateCmd(log logging.Logger) *cobra.Command {
	return &cobra.Command{
		Use:  "GetWuOperationState <nodeName> <timeoutSeconds>",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout, err := timeoutArg(args[1])
			if err != nil {
				return err
			}
			sub, code := client(log).GetWuOperationState(context.Background(), args[0], timeout)
			if code != repair.CodeSuccess {
				os.Exit(code)
			}
			os.Exit(int(sub))
			return nil
		},
	}
}

func updateSearchAndDownloadStatusCmd(log logging.Logger) *cobra.Command {
	return &cobra.Command{
		Use:  "UpdateSearchAndDownloadStatus <nodeName> <applicationUri> <subState> <installationTimeoutMinutes> <timeoutSeconds> [<resultFilePath>]",
		Args: cobra.RangeArgs(5, 6),
		RunE: func(cmd *cobra.Command, args []string) error {
			sub, err := repair.ParseSubState(args[2])
			if err != nil {
				return err
			}
			installationTimeout, err := strconv.Atoi(args[3])
			if err != nil || installationTimeout < 0 {
				return errors.Errorf("invalid installation timeout %q", args[3])
			}
			timeout, err := timeoutArg(args[4])
			if err != nil {
				return err
			}
			var resultPath string
			if len(args) == 6 {
				resultPath = args[5]
			}
			result, err := loadResult(resultPath)
			if err != nil {
				return err
			}
			code := client(log).UpdateSearchAndDownloadStatus(context.Background(),
				args[0], args[1], sub, result, installationTimeout, timeout)
			os.Exit(code)
			return nil
		},
	}
}

func updateInstallationStatusCmd(log logging.Logger) *cobra.Command {
	return &cobra.Command{
		Use:  "UpdateInstallationStatus <nodeName> <applicationUri> <subState> <timeoutSeconds> [<resultFilePath>]",
		Args: cobra.RangeArgs(4, 5),
		RunE: func(cmd *cobra.Command, args []string) error {
			sub, err := repair.ParseSubState(args[2])
			if err != nil {
				return err
			}
			timeout, err := timeoutArg(args[3])
			if err != nil {
				return err
			}
			var resultPath string
			if len(args) == 5 {
				resultPath = args[4]
			}
			result, err := loadResult(resultPath)
			if err != nil {
				return err
			}
			code := client(log).UpdateInstallationStatus(context.Background(),
				args[0], args[1], sub, result, timeout)
			os.Exit(code)
			return nil
		},
	}
}

func reportHealthCmd(log logging.Logger) *cobra.Command {
	return &cobra.Command{
		Use:  "ReportHealth <applicationUri> <property> <description> <healthState> <ttlMinutes> <timeoutSeconds>",
		Args: cobra.ExactArgs(6),
		RunE: func(cmd *cobra.Command, args []string) error {
			ttl, err := strconv.Atoi(args[4])
			if err != nil || ttl <= 0 {
				return errors.Errorf("invalid ttl %q", args[4])
			}
			timeout, err := timeoutArg(args[5])
			if err != nil {
				return err
			}
			code := client(log).ReportHealth(context.Background(), rpc.HealthRequest{
				ServiceURI:     args[0],
				Property:       args[1],
				Description:    args[2],
				HealthState:    args[3],
				TTLMinutes:     ttl,
				TimeoutSeconds: int(timeout.Seconds()),
			}, timeout)
			os.Exit(code)
			return nil
		},
	}
}

func getApplicationDeployedStatusCmd(log logging.Logger) *cobra.Command {
	return &cobra.Command{
		Use:  "GetApplicationDeployedStatus <applicationUri> <timeoutSeconds>",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout, err := timeoutArg(args[1])
			if err != nil {
				return err
			}
			code := client(log).GetApplicationDeployedStatus(context.Background(), args[0], timeout)
			os.Exit(code)
			return nil
		},
	}
}
