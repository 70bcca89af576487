package rpc

import (
	"context"
	"net/http"
	"time"

	"github.com/microsoft/Service-Fabric-POA/pkg/logging"
	"github.com/microsoft/Service-Fabric-POA/pkg/platform"
	"github.com/microsoft/Service-Fabric-POA/pkg/repair"
	"github.com/microsoft/Service-Fabric-POA/pkg/storage"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes the coordinator's RPC surface and the read-only results
// endpoint over HTTP.
type Server struct {
	log     logging.Logger
	svc     *Service
	results *storage.ResultStore
	http    *http.Server
}

// NewServer wires the routes. gatherer may be nil when metrics are not
// collected.
func NewServer(log logging.Logger, svc *Service, results *storage.ResultStore, addr string, gatherer prometheus.Gatherer) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		log:     log,
		svc:     svc,
		results: results,
		http:    &http.Server{Addr: addr, Handler: engine},
	}

	v1 := engine.Group("/v1")
	v1.POST("/GetWuOperationState", s.handleGetState)
	v1.POST("/UpdateSearchAndDownloadStatus", s.handleSearchDownload)
	v1.POST("/UpdateInstallationStatus", s.handleInstallation)
	v1.POST("/UpdateWuOperationResult", s.handleResult)
	v1.POST("/ReportHealth", s.handleReportHealth)
	v1.GET("/GetApplicationDeployedStatus", s.handleDeployedStatus)
	v1.GET("/GetWindowsUpdateResults", s.handleResults)
	v1.GET("/GetWindowsUpdateResults/:operationType", s.handleResults)

	if gatherer != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	return s
}

// Handler exposes the route tree for tests and embedding.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Run serves until the context is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		errc <- s.http.ListenAndServe()
	}()
	s.log.WithField("address", s.http.Addr).Info("rpc server listening")

	select {
	case err := <-errc:
		return errors.WithMessage(err, "rpc server failed")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return errors.WithMessage(err, "rpc server shutdown")
	}
	return nil
}

// respond maps result codes onto HTTP statuses: the numeric contract rides
// in the body either way, the status only aids plain HTTP tooling.
func respond(c *gin.Context, resp Response) {
	status := http.StatusOK
	if resp.Code < 0 {
		status = http.StatusInternalServerError
		switch resp.Code {
		case repair.CodeInvalidArgument:
			status = http.StatusBadRequest
		case repair.CodeApplicationNotFound, repair.CodeServiceNotFound:
			status = http.StatusNotFound
		}
	}
	c.JSON(status, resp)
}

func (s *Server) handleGetState(c *gin.Context) {
	var req StateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, Response{Code: repair.CodeInvalidArgument, Message: err.Error()})
		return
	}
	state, code := s.svc.GetWuOperationState(c.Request.Context(), req.NodeName, req.BootTime)
	resp := Response{Code: code}
	if code == repair.CodeSuccess {
		resp.State = &state
	}
	respond(c, resp)
}

func (s *Server) handleSearchDownload(c *gin.Context) {
	var req SearchDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, Response{Code: repair.CodeInvalidArgument, Message: err.Error()})
		return
	}
	sub, err := repair.ParseSubState(req.SubState)
	if err != nil {
		respond(c, Response{Code: repair.CodeInvalidArgument, Message: err.Error()})
		return
	}
	code := s.svc.UpdateSearchAndDownloadStatus(c.Request.Context(), req.NodeName, sub, req.Result, req.InstallationTimeoutMinutes)
	respond(c, Response{Code: code})
}

func (s *Server) handleInstallation(c *gin.Context) {
	var req InstallationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, Response{Code: repair.CodeInvalidArgument, Message: err.Error()})
		return
	}
	sub, err := repair.ParseSubState(req.SubState)
	if err != nil {
		respond(c, Response{Code: repair.CodeInvalidArgument, Message: err.Error()})
		return
	}
	code := s.svc.UpdateInstallationStatus(c.Request.Context(), req.NodeName, sub, req.Result)
	respond(c, Response{Code: code})
}

func (s *Server) handleResult(c *gin.Context) {
	var req ResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, Response{Code: repair.CodeInvalidArgument, Message: err.Error()})
		return
	}
	code := s.svc.UpdateWuOperationResult(c.Request.Context(), req.Result)
	respond(c, Response{Code: code})
}

func (s *Server) handleReportHealth(c *gin.Context) {
	var req HealthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, Response{Code: repair.CodeInvalidArgument, Message: err.Error()})
		return
	}
	report := platform.HealthReport{
		Service:     req.ServiceURI,
		Property:    req.Property,
		Description: req.Description,
		State:       platform.HealthState(req.HealthState),
		TTL:         time.Duration(req.TTLMinutes) * time.Minute,
	}
	deadline := time.Duration(req.TimeoutSeconds) * time.Second
	if deadline <= 0 {
		deadline = time.Minute
	}
	code := s.svc.ReportHealth(c.Request.Context(), report, deadline)
	respond(c, Response{Code: code})
}

func (s *Server) handleDeployedStatus(c *gin.Context) {
	uri := c.Query("applicationUri")
	code := s.svc.GetApplicationDeployedStatus(c.Request.Context(), uri)
	respond(c, Response{Code: code})
}

func (s *Server) handleResults(c *gin.Context) {
	op, ok := repair.ParseOperationType(c.Param("operationType"))
	if !ok {
		respond(c, Response{Code: repair.CodeInvalidArgument, Message: "unknown operation type"})
		return
	}
	grouped, err := s.results.ListByNode(c.Request.Context(), op)
	if err != nil {
		s.log.WithError(err).Error("could not list results")
		respond(c, Response{Code: repair.CodeFailure})
		return
	}
	c.JSON(http.StatusOK, grouped)
}
