package rpc

import (
	"time"

	"github.com/microsoft/Service-Fabric-POA/pkg/repair"
)

// Wire payloads. Sub-states travel by canonical name; the numeric contract
// is carried in Response.Code.

type StateRequest struct {
	NodeName string    `json:"nodeName"`
	BootTime time.Time `json:"bootTime"`
}

type SearchDownloadRequest struct {
	NodeName                   string                  `json:"nodeName"`
	ApplicationURI             string                  `json:"applicationUri"`
	SubState                   string                  `json:"subState"`
	InstallationTimeoutMinutes int                     `json:"installationTimeoutMinutes"`
	Result                     *repair.OperationResult `json:"result,omitempty"`
}

type InstallationRequest struct {
	NodeName       string                  `json:"nodeName"`
	ApplicationURI string                  `json:"applicationUri"`
	SubState       string                  `json:"subState"`
	Result         *repair.OperationResult `json:"result,omitempty"`
}

type ResultRequest struct {
	Result *repair.OperationResult `json:"result"`
}

type HealthRequest struct {
	ServiceURI     string `json:"serviceUri"`
	Property       string `json:"property"`
	Description    string `json:"description"`
	HealthState    string `json:"healthState"`
	TTLMinutes     int    `json:"ttlMinutes"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

// Response carries the numeric result code of every operation; state is set
// only by GetWuOperationState.
type Response struct {
	Code    repair.ResultCode `json:"code"`
	State   *OperationState   `json:"state,omitempty"`
	Message string            `json:"message,omitempty"`
}
