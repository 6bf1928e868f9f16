package controller

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

// Run sets up a controller and runs it until a SIGTERM is received or a shutdown request arrives.
func Run(config *slurmconf.Config, configPath string) error {
	ctx := app.CreateContextWithShutdown()
	log.Infof("Starting controller for cluster %s", config.ClusterName)

	controller, err := New(ctx, config, configPath)
	if err != nil {
		return errors.WithMessage(err, "starting controller")
	}

	//////////////////////////////////////////////////////////////////////////
	// Health checks and metrics
	//////////////////////////////////////////////////////////////////////////
	registry := prometheus.NewRegistry()
	registry.MustRegister(controller.MetricsCollector())
	log.AddHook(logging.NewPrometheusHook(registry))
	gatherers := prometheus.Gatherers{prometheus.DefaultGatherer, registry}

	mux := http.NewServeMux()
	health.SetupHttpMux(mux, health.NewMultiChecker(controller.HealthChecker()))
	mux.Handle("/metrics", promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{}))
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.MetricsPort),
		Handler: mux,
	}

	listener, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(int(config.SlurmctldPort))))
	if err != nil {
		return errors.WithStack(err)
	}

	g, gctx := corralcontext.ErrGroup(ctx)
	serveCtx, stop := corralcontext.WithCancel(gctx)
	defer stop()
	if config.MetricsPort != 0 {
		g.Go(func() error {
			return serve.ListenAndServe(serveCtx, httpServer)
		})
	}
	g.Go(func() error {
		// A shutdown request ends Serve without cancelling ctx; the http server follows it down.
		defer stop()
		return controller.Serve(serveCtx, listener)
	})
	return g.Wait()
}
