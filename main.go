package main

import (
	"context"
	"flag"
	"os"
	"syscall"

	"github.com/microsoft/Service-Fabric-POA/pkg/agent"
	"github.com/microsoft/Service-Fabric-POA/pkg/cluster"
	"github.com/microsoft/Service-Fabric-POA/pkg/config"
	"github.com/microsoft/Service-Fabric-POA/pkg/coordinator"
	"github.com/microsoft/Service-Fabric-POA/pkg/health"
	"github.com/microsoft/Service-Fabric-POA/pkg/hostctl"
	"github.com/microsoft/Service-Fabric-POA/pkg/logging"
	"github.com/microsoft/Service-Fabric-POA/pkg/platform"
	"github.com/microsoft/Service-Fabric-POA/pkg/rpc"
	"github.com/microsoft/Service-Fabric-POA/pkg/sigcontext"
	"github.com/microsoft/Service-Fabric-POA/pkg/storage"
	"github.com/microsoft/Service-Fabric-POA/pkg/updater"
	"github.com/microsoft/Service-Fabric-POA/pkg/workgroup"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	flagAgent       = flag.Bool("agent", false, "Run the node agent component")
	flagCoordinator = flag.Bool("coordinator", false, "Run the coordinator component")
	flagNodeName    = flag.String("nodeName", "", "nodeName of the Node that this process is running on")
	flagConfig      = flag.String("config", "", "Path to the coordinator configuration file")
	flagWorkDir     = flag.String("workDir", "/var/lib/patchorchestration", "Node agent work directory")
	flagCoordURL    = flag.String("coordinatorUrl", "http://localhost:21000", "Base URL of the coordinator's RPC endpoint")
	flagConsul      = flag.String("consul", "", "Address of the local consul agent")
	flagLogDebug    = flag.Bool("debug", false, "")
	flagLogQuota    = flag.Int64("logsDiskQuotaBytes", 256<<20, "Disk quota for the agent's logs directory")
)

func main() {
	flag.Parse()

	if *flagLogDebug {
		logging.Set(logging.Level("debug"))
	}

	log := logging.New("main")

	ctx, cancel := sigcontext.WithSignalCancel(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch {
	case *flagCoordinator && *flagAgent:
		log.Error("cannot run both agent and coordinator")
		os.Exit(1)
	case !*flagCoordinator && !*flagAgent:
		log.Error("no component specified to run, provide either -agent or -coordinator")
		flag.Usage()
		os.Exit(1)
	case *flagCoordinator:
		err = runCoordinator(ctx)
		if err != nil {
			log.WithError(err).Fatalf("coordinator stopped")
		}
	case *flagAgent:
		if *flagNodeName == "" {
			log.Errorf("nodeName to operate under must be provided")
			os.Exit(1)
		}
		err = runAgent(ctx, *flagNodeName)
		if err != nil {
			log.WithError(err).Fatalf("agent stopped")
		}
	}
}

func runCoordinator(ctx context.Context) error {
	log := logging.New("coordinator")

	cfg, err := config.LoadCoordinator(*flagConfig)
	if err != nil {
		return errors.WithMessage(err, "configuration error")
	}

	consul, err := cluster.New(log.WithField(logging.SubComponentField, "cluster"), *flagConsul)
	if err != nil {
		return errors.WithMessage(err, "could not reach cluster")
	}
	for _, uri := range []string{platform.CoordinatorServiceURI, platform.NodeAgentServiceURI} {
		if err := consul.RegisterService(ctx, uri); err != nil {
			return err
		}
	}

	registry, err := storage.Open(log.WithField(logging.SubComponentField, "registry"), cfg.DatabasePath)
	if err != nil {
		return errors.WithMessage(err, "could not open repair registry")
	}
	results := storage.NewResultStore(log.WithField(logging.SubComponentField, "results"), registry.DB(), cfg.MaxResultsToCache)
	reporter := health.NewReporter(log.WithField(logging.SubComponentField, "health"), consul)

	promRegistry := prometheus.NewRegistry()
	metrics := coordinator.NewMetrics(promRegistry)

	coord, err := coordinator.New(log, cfg, coordinator.Deps{
		Registry:      registry,
		Nodes:         consul,
		ClusterHealth: consul,
		NodeControl:   consul,
		Reporter:      reporter,
		Results:       results,
		Metrics:       metrics,
	})
	if err != nil {
		return errors.WithMessage(err, "initialization error")
	}

	svc := rpc.NewService(log.WithField(logging.SubComponentField, "rpc"), registry, results, reporter, consul)
	server := rpc.NewServer(log.WithField(logging.SubComponentField, "rpc"), svc, results, cfg.ListenAddress, promRegistry)

	group := workgroup.WithContext(ctx)
	group.Work(coord.Run)
	group.Work(server.Run)
	return errors.WithMessage(group.Wait(), "run error")
}

func runAgent(ctx context.Context, nodeName string) error {
	log := logging.New("agent")
	logging.Set(logging.FileOutput(*flagWorkDir+"/logs", *flagLogQuota))

	client := rpc.NewClient(log.WithField(logging.SubComponentField, "rpc"), *flagCoordURL, *flagWorkDir+"/Data")
	engine := updater.NewCommandEngine(log.WithField(logging.SubComponentField, "engine"))
	host := hostctl.NewSystemd(log.WithField(logging.SubComponentField, "hostctl"))

	a, err := agent.New(log, agent.Config{
		NodeName:             nodeName,
		ApplicationURI:       platform.ApplicationURI,
		WorkDir:              *flagWorkDir,
		ServiceUnit:          "pos-node-agent.service",
		PlatformUnits:        []string{"fabric-host.service"},
		LogsDiskQuotaInBytes: *flagLogQuota,
	}, client, engine, host)
	if err != nil {
		return err
	}

	return errors.WithMessage(a.Run(ctx), "run error")
}
