package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/microsoft/Service-Fabric-POA/pkg/logging"
	"github.com/microsoft/Service-Fabric-POA/pkg/repair"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/host"
)

// ExecutorDataFile is where the client mirrors the approved timestamp and
// installation timeout for the agent's budget computation.
const ExecutorDataFile = "ExecutorDataForNtService.json"

// ExecutorDataForNtService is the on-disk mirror written on every
// successful state read so the agent can compute its remaining installation budget even
// across a restart of the helper process.
type ExecutorDataForNtService struct {
	ApprovedAt       time.Time `json:"approvedAt"`
	TimeoutInMinutes int       `json:"timeoutInMinutes"`
}

// Client invokes the coordinator's operations from the node. Every method
// returns the operation's numeric result code; transport failures map to the
// retryable and timeout codes so callers never see a raw network error.
type Client struct {
	log     logging.Logger
	base    string
	dataDir string
	http    *http.Client

	bootTime func(ctx context.Context) (time.Time, error)
}

// NewClient points at the coordinator's base URL. dataDir, when non-empty,
// receives the executor-data mirror file.
func NewClient(log logging.Logger, baseURL, dataDir string) *Client {
	return &Client{
		log:     log,
		base:    baseURL,
		dataDir: dataDir,
		http:    &http.Client{},
		bootTime: func(ctx context.Context) (time.Time, error) {
			epoch, err := host.BootTimeWithContext(ctx)
			if err != nil {
				return time.Time{}, err
			}
			return time.Unix(int64(epoch), 0).UTC(), nil
		},
	}
}

func (c *Client) post(ctx context.Context, path string, payload interface{}, timeout time.Duration) (Response, repair.ResultCode) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, repair.CodeInvalidArgument
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return Response{}, repair.CodeInvalidArgument
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			return Response{}, repair.CodeTimeoutException
		}
		c.log.WithError(err).WithField("path", path).Warn("rpc transport error")
		return Response{}, repair.CodeRetryableException
	}
	defer httpResp.Body.Close()

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		c.log.WithError(err).WithField("path", path).Warn("rpc response decode error")
		return Response{}, repair.CodeRetryableException
	}
	return resp, resp.Code
}

// GetWuOperationState reads the node's current sub-state, sending the local
// boot time so the coordinator can detect a completed reboot. On success the
// executor-data mirror is refreshed.
func (c *Client) GetWuOperationState(ctx context.Context, nodeName string, timeout time.Duration) (repair.SubState, repair.ResultCode) {
	boot, err := c.bootTime(ctx)
	if err != nil {
		c.log.WithError(err).Warn("could not determine system boot time")
	}
	resp, code := c.post(ctx, "/v1/GetWuOperationState", StateRequest{NodeName: nodeName, BootTime: boot}, timeout)
	if code != repair.CodeSuccess || resp.State == nil {
		return repair.SubStateNone, code
	}
	if c.dataDir != "" {
		mirror := ExecutorDataForNtService{
			ApprovedAt:       resp.State.ApprovedAt,
			TimeoutInMinutes: resp.State.TimeoutInMinutes,
		}
		if err := WriteExecutorData(c.dataDir, mirror); err != nil {
			c.log.WithError(err).Warn("could not persist executor data mirror")
		}
	}
	return resp.State.SubState, code
}

// UpdateSearchAndDownloadStatus posts a search/download outcome.
func (c *Client) UpdateSearchAndDownloadStatus(ctx context.Context, nodeName, applicationURI string, sub repair.SubState, result *repair.OperationResult, installationTimeoutMinutes int, timeout time.Duration) repair.ResultCode {
	_, code := c.post(ctx, "/v1/UpdateSearchAndDownloadStatus", SearchDownloadRequest{
		NodeName:                   nodeName,
		ApplicationURI:             applicationURI,
		SubState:                   sub.String(),
		InstallationTimeoutMinutes: installationTimeoutMinutes,
		Result:                     result,
	}, timeout)
	return code
}

// UpdateInstallationStatus posts an installation progress update.
func (c *Client) UpdateInstallationStatus(ctx context.Context, nodeName, applicationURI string, sub repair.SubState, result *repair.OperationResult, timeout time.Duration) repair.ResultCode {
	_, code := c.post(ctx, "/v1/UpdateInstallationStatus", InstallationRequest{
		NodeName:       nodeName,
		ApplicationURI: applicationURI,
		SubState:       sub.String(),
		Result:         result,
	}, timeout)
	return code
}

// UpdateWuOperationResult enqueues a result record.
func (c *Client) UpdateWuOperationResult(ctx context.Context, result *repair.OperationResult, timeout time.Duration) repair.ResultCode {
	_, code := c.post(ctx, "/v1/UpdateWuOperationResult", ResultRequest{Result: result}, timeout)
	return code
}

// ReportHealth publishes a health fact through the coordinator.
func (c *Client) ReportHealth(ctx context.Context, req HealthRequest, timeout time.Duration) repair.ResultCode {
	_, code := c.post(ctx, "/v1/ReportHealth", req, timeout)
	return code
}

// GetApplicationDeployedStatus checks whether the application still exists.
func (c *Client) GetApplicationDeployedStatus(ctx context.Context, applicationURI string, timeout time.Duration) repair.ResultCode {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet,
		c.base+"/v1/GetApplicationDeployedStatus?applicationUri="+applicationURI, nil)
	if err != nil {
		return repair.CodeInvalidArgument
	}
	httpResp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			return repair.CodeTimeoutException
		}
		return repair.CodeRetryableException
	}
	defer httpResp.Body.Close()

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return repair.CodeRetryableException
	}
	return resp.Code
}

// WriteExecutorData atomically replaces the executor-data mirror.
func WriteExecutorData(dataDir string, data ExecutorDataForNtService) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return errors.WithMessage(err, "could not encode executor data")
	}
	tmp, err := os.CreateTemp(dataDir, "executordata-*")
	if err != nil {
		return errors.WithMessage(err, "could not stage executor data")
	}
	name := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(name)
		return errors.WithMessage(err, "could not write executor data")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return errors.WithMessage(os.Rename(name, filepath.Join(dataDir, ExecutorDataFile)), "could not commit executor data")
}

// ReadExecutorData loads the mirror; a missing file yields the zero value.
func ReadExecutorData(dataDir string) (ExecutorDataForNtService, error) {
	var data ExecutorDataForNtService
	raw, err := os.ReadFile(filepath.Join(dataDir, ExecutorDataFile))
	if err != nil {
		if os.IsNotExist(err) {
			return data, nil
		}
		return data, errors.WithMessage(err, "could not read executor data")
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return ExecutorDataForNtService{}, errors.WithMessage(err, "could not parse executor data")
	}
	return data, nil
}
