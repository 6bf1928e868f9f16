package agent

import (
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/corral/internal/common/app"
	"github.com/armadaproject/corral/internal/common/corralcontext"
	"github.com/armadaproject/corral/internal/common/health"
	"github.com/armadaproject/corral/internal/common/logging"
	"github.com/armadaproject/corral/internal/common/serve"
	"github.com/armadaproject/corral/internal/common/slurmconf"
)

// Run sets up the agent for nodeName and runs it until a SIGTERM is received or the controller asks it to
// shut down.
func Run(config *slurmconf.Config, nodeName string) error {
	ctx := app.CreateContextWithShutdown()
	log.Infof("Starting agent for node %s of cluster %s", nodeName, config.ClusterName)

	agent, err := New(config, nodeName)
	if err != nil {
		return errors.WithMessage(err, "starting agent")
	}

	//////////////////////////////////////////////////////////////////////////
	// Health checks and metrics
	//////////////////////////////////////////////////////////////////////////
	log.AddHook(logging.NewPrometheusHook(agent.Registry()))
	gatherers := prometheus.Gatherers{prometheus.DefaultGatherer, agent.Registry()}

	mux := http.NewServeMux()
	health.SetupHttpMux(mux, health.NewMultiChecker(agent.HealthChecker()))
	mux.Handle("/metrics", promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{}))
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.SlurmdMetricsPort),
		Handler: mux,
	}

	listener, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(int(agent.Port()))))
	if err != nil {
		return errors.WithStack(err)
	}

	g, gctx := corralcontext.ErrGroup(ctx)
	serveCtx, stop := corralcontext.WithCancel(gctx)
	defer stop()
	if config.SlurmdMetricsPort != 0 {
		g.Go(func() error {
			return serve.ListenAndServe(serveCtx, httpServer)
		})
	}
	g.Go(func() error {
		defer stop()
		return agent.Serve(serveCtx, listener)
	})
	return g.Wait()
}
