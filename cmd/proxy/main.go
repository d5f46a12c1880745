package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crohr/git-push-gate/internal/bootstrap"
	"github.com/crohr/git-push-gate/internal/cgi"
	"github.com/crohr/git-push-gate/internal/cloudmap"
	"github.com/crohr/git-push-gate/internal/config"
	"github.com/crohr/git-push-gate/internal/gitproc"
	"github.com/crohr/git-push-gate/internal/logging"
	"github.com/crohr/git-push-gate/internal/metrics"
	"github.com/crohr/git-push-gate/internal/mirror"
	"github.com/crohr/git-push-gate/internal/receive"
	"github.com/crohr/git-push-gate/internal/route53"
	"github.com/crohr/git-push-gate/internal/router"
	"github.com/crohr/git-push-gate/internal/serializer"
	"github.com/crohr/git-push-gate/internal/sshkey"
)

func main() {
	if len(os.Args) >= 2 && os.Args[1] == "pre-receive" {
		os.Exit(runPreReceive())
	}
	runServer()
}

func runPreReceive() int {
	if len(os.Args) != 3 {
		fmt.Fprintln(os.Stderr, "usage: pre-receive <repo-name>")
		return 1
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pre-receive: config error: %v\n", err)
		return 1
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pre-receive: logger init: %v\n", err)
		return 1
	}
	return receive.Run(context.Background(), os.Args[2], os.Stdin, os.Stdout, os.Stderr, logger)
}

func runServer() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}

	invoker := gitproc.New()
	mirrors, err := mirror.New(cfg.ReposDir, invoker, logger)
	if err != nil {
		logger.Error("mirror store init failed", "err", err)
		os.Exit(1)
	}

	sshKeyPath := cfg.SSHKeyPath
	if sshKeyPath == "" && cfg.SSHKeySSMParam != "" {
		resolved, err := sshkey.ResolveFromSSM(context.Background(), cfg.SSHKeySSMParam, "/var/run/git-push-gate/ssh")
		if err != nil {
			logger.Error("ssh key ssm resolution failed", "err", err)
			os.Exit(1)
		}
		sshKeyPath = resolved
	}
	sshEnv := config.SSHEnv(sshKeyPath, logger)

	bootstrapCtx := context.Background()
	if err := mirrors.EnsureConfigured(bootstrapCtx, cfg.Repos, sshEnv); err != nil {
		logger.Error("mirror bootstrap failed", "err", err)
		os.Exit(1)
	}

	self, err := os.Executable()
	if err != nil {
		logger.Error("resolve executable path failed", "err", err)
		os.Exit(1)
	}
	for name := range cfg.Repos {
		if err := bootstrap.EnsureMirror(invoker, mirrors.Path(name), name, self); err != nil {
			logger.Error("hook install failed", "repo", name, "err", err)
			os.Exit(1)
		}
	}

	metricsRegistry := metrics.New()
	gateway := cgi.New()
	ser := serializer.New()
	rt := router.New(cfg, mirrors, ser, gateway, metricsRegistry, logger, sshEnv)

	mux := http.NewServeMux()
	mux.Handle(cfg.MetricsPath, promhttp.Handler())
	mux.Handle("/", rt.Handler())

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}

	var cloudMapMgr *cloudmap.Manager
	var route53Mgr *route53.Manager
	if cfg.AWSCloudMapServiceID != "" {
		healthURL := fmt.Sprintf("http://localhost:%d%s", cfg.HTTPPort, cfg.HealthPath)
		cloudMapMgr, err = cloudmap.New(bootstrapCtx, cfg.AWSCloudMapServiceID, healthURL, logger)
		if err != nil {
			logger.Error("cloud map init failed", "err", err)
			os.Exit(1)
		}
		if err := cloudMapMgr.Start(bootstrapCtx); err != nil {
			logger.Error("cloud map registration failed", "err", err)
			os.Exit(1)
		}
	}
	if cfg.Route53HostedZoneID != "" && cfg.Route53RecordName != "" {
		route53Mgr, err = route53.New(bootstrapCtx, cfg.Route53HostedZoneID, cfg.Route53RecordName, logger)
		if err != nil {
			logger.Error("route53 init failed", "err", err)
			os.Exit(1)
		}
		if err := route53Mgr.Register(bootstrapCtx); err != nil {
			logger.Error("route53 registration failed", "err", err)
			os.Exit(1)
		}
	}

	go func() {
		logger.Info("listening", "port", cfg.HTTPPort, "repos_dir", cfg.ReposDir, "repos", len(cfg.Repos))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "err", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
	if route53Mgr != nil {
		route53Mgr.Deregister(ctx)
	}
	if cloudMapMgr != nil {
		cloudMapMgr.Stop(ctx)
	}
}
