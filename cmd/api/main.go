package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Wikid82/warden/internal/config"
	"github.com/Wikid82/warden/internal/engine"
	"github.com/Wikid82/warden/internal/jobs"
	"github.com/Wikid82/warden/internal/logger"
	"github.com/Wikid82/warden/internal/metrics"
	"github.com/Wikid82/warden/internal/server"
	"github.com/Wikid82/warden/internal/version"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Log().WithError(err).Fatal("load config")
	}

	// Log to both stdout and a rotated file
	logger.Init(cfg.Debug, io.MultiWriter(os.Stdout, logRotator(cfg.LogDir)))
	log := logger.Log()
	log.WithField("version", version.Full()).Infof("starting %s", version.Name)

	metrics.Register(prometheus.DefaultRegisterer)

	components, closeBackends, err := engine.Open(cfg)
	if err != nil {
		log.WithError(err).Fatal("open backends")
	}
	defer func() {
		if err := closeBackends(); err != nil {
			log.WithError(err).Warn("close backends")
		}
	}()

	scheduler, err := jobs.NewScheduler(cfg.Jobs, components.Reconcile, components.Blocks, components.Purgers()...)
	if err != nil {
		log.WithError(err).Fatal("schedule jobs")
	}
	scheduler.Start()

	if cfg.Agent.JWTSecret == "" {
		log.Warn("WARDEN_AGENT_JWT_SECRET is not set, agent endpoints are disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(components, cfg, prometheus.DefaultGatherer)
	log.WithField("port", cfg.HTTPPort).Info("listening")
	if err := srv.Run(ctx); err != nil {
		log.WithError(err).Error("server error")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	scheduler.Stop(stopCtx)
	log.Info("shutdown complete")
}

func logRotator(dir string) io.Writer {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		// Fallback to the working directory (e.g. read-only data mount)
		dir = "."
	}
	return &lumberjack.Logger{
		Filename:   filepath.Join(dir, "warden.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
}
