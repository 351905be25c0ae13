package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/go-kit/kit/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/fluxcd/relay/pkg/autoscale"
	"github.com/fluxcd/relay/pkg/config"
	"github.com/fluxcd/relay/pkg/daemon"
	"github.com/fluxcd/relay/pkg/history/sqlite"
	daemonhttp "github.com/fluxcd/relay/pkg/http/daemon"
	"github.com/fluxcd/relay/pkg/job"
	"github.com/fluxcd/relay/pkg/pipeline"
)

var version = "unversioned"

func main() {
	// Flag domain.
	fs := pflag.NewFlagSet("default", pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "DESCRIPTION\n")
		fmt.Fprintf(os.Stderr, "  relayd builds and deploys a service each time its source is pushed to.\n")
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "FLAGS\n")
		fs.PrintDefaults()
	}

	v := viper.New()
	defineConfigFlags(fs, v, func(err error) {
		fmt.Fprintf(os.Stderr, "error defining flags: %s\n", err)
		os.Exit(1)
	})
	var (
		configFile  = fs.String("config-file", "", fmt.Sprintf("path to a config file; by default, %s/%s is used if present", config.ConfigPath, config.ConfigName))
		versionFlag = fs.Bool("version", false, "get version number")
	)

	err := fs.Parse(os.Args[1:])
	switch {
	case err == pflag.ErrHelp:
		os.Exit(0)
	case err != nil:
		fmt.Fprintf(os.Stderr, "error: %s\n\nRun 'relayd --help' for usage.\n", err)
		os.Exit(2)
	case *versionFlag:
		fmt.Println(version)
		os.Exit(0)
	}

	cfg, err := loadConfig(v, *configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}

	// Logger component.
	var logger log.Logger
	{
		switch cfg.LogFormat {
		case config.LogFormatJSON:
			logger = log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
		default:
			logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
		}
		logger = log.With(logger, "ts", log.DefaultTimestampUTC)
		logger = log.With(logger, "caller", log.DefaultCaller)
	}
	logger.Log("version", version)

	zl, err := newZapLogger(cfg.LogFormat)
	if err != nil {
		logger.Log("err", err)
		os.Exit(1)
	}
	defer zl.Sync()

	var cs closers
	bail := func(component string, err error) {
		logger.Log("component", component, "err", err)
		if err := cs.Close(); err != nil {
			logger.Log("cleanup", err)
		}
		os.Exit(1)
	}

	// Mechanical components.
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()
	shutdown := make(chan struct{})
	shutdownWg := &sync.WaitGroup{}

	// Run history.
	store, err := sqlite.Open(cfg.RunHistoryPath)
	if err != nil {
		bail("history", err)
	}
	cs.add(store.Close)
	logger.Log("component", "history", "path", cfg.RunHistoryPath)

	// Registry.
	reg, err := newRegistry(cfg, &cs, log.With(logger, "component", "registry"), zl)
	if err != nil {
		bail("registry", err)
	}
	logger.Log("component", "registry", "backend", cfg.RegistryBackend, "repository", reg.Name())

	// Deployment target.
	def, err := loadDefinition(cfg)
	if err != nil {
		bail("target", err)
	}
	deploy, err := newTarget(cfg, def, reg, &cs, logger, zl)
	if err != nil {
		bail("target", err)
	}
	logger.Log("component", "target", "backend", cfg.TargetBackend, "min", def.MinReplicas, "max", def.MaxReplicas)

	// Source and build.
	fetcher, trigger, err := newFetcher(cfg, logger)
	if err != nil {
		bail("source", err)
	}
	builder, err := newBuilder(cfg, reg, logger, zl)
	if err != nil {
		bail("build", err)
	}

	p, err := pipeline.New(pipeline.Config{
		Name:          cfg.PipelineName,
		Trigger:       trigger,
		DeployTimeout: cfg.DeployTimeout,
		Env:           buildEnv(cfg, reg),
	}, fetcher, builder, deploy.target, store, store, log.With(logger, "component", "pipeline"))
	if err != nil {
		bail("pipeline", err)
	}
	logger.Log("component", "pipeline", "name", p.Name(), "repository", trigger.Repository, "branch", trigger.Branch)

	jobs := job.NewQueue()
	d := &daemon.Daemon{
		V:              version,
		Registry:       reg,
		Target:         deploy.target,
		Pipeline:       p,
		History:        store,
		Jobs:           jobs,
		JobStatusCache: &job.StatusCache{Size: cfg.JobStatusCacheSize},
		Logger:         log.With(logger, "component", "daemon"),
		LoopVars: &daemon.LoopVars{
			DeployTimeout: cfg.DeployTimeout,
			JobTimeout:    daemon.DefaultJobTimeout,
			HistoryLimit:  cfg.RunHistoryLimit,
		},
	}
	shutdownWg.Add(1)
	go d.Loop(shutdown, shutdownWg, log.With(logger, "component", "daemon"))

	// Autoscaling.
	if ps := policies(cfg); !cfg.AutoscaleDisabled && len(ps) > 0 {
		if deploy.ecs != nil {
			// ECS scales itself, given the policies.
			if err := deploy.ecs.ApplyScaling(context.Background(), ps); err != nil {
				bail("autoscale", err)
			}
			logger.Log("component", "autoscale", "applied", len(ps))
		} else {
			scaler, err := autoscale.NewScaler(deploy.target, ps, log.With(logger, "component", "autoscale"))
			if err != nil {
				bail("autoscale", err)
			}
			scaler.Events = store
			shutdownWg.Add(1)
			go scaler.Loop(shutdown, shutdownWg, cfg.AutoscaleInterval)
		}
	}

	// Service traffic.
	if deploy.balancer != nil {
		addr := fmt.Sprintf(":%d", def.ListenerPort)
		go func() {
			logger.Log("component", "balancer", "addr", addr)
			errc <- http.ListenAndServe(addr, deploy.balancer)
		}()
	}

	// API and metrics.
	mux := http.NewServeMux()
	if cfg.ListenMetrics == "" {
		mux.Handle("/metrics", promhttp.Handler())
	} else {
		go func() {
			metrics := http.NewServeMux()
			metrics.Handle("/metrics", promhttp.Handler())
			logger.Log("component", "metrics", "addr", cfg.ListenMetrics)
			errc <- http.ListenAndServe(cfg.ListenMetrics, metrics)
		}()
	}
	mux.Handle("/", daemonhttp.NewHandler(d, daemonhttp.NewRouter()))
	go func() {
		logger.Log("component", "api", "addr", cfg.Listen)
		errc <- http.ListenAndServe(cfg.Listen, mux)
	}()

	// Go!
	logger.Log("exiting", <-errc)
	close(shutdown)
	shutdownWg.Wait()
	if err := cs.Close(); err != nil {
		logger.Log("cleanup", err)
	}
}
