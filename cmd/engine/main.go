package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vrischmann/envconfig"

	"github.com/hawkbit/rollout-engine/internal/deployment"
	"github.com/hawkbit/rollout-engine/internal/engine"
	"github.com/hawkbit/rollout-engine/internal/evaluator"
	"github.com/hawkbit/rollout-engine/internal/events"
	"github.com/hawkbit/rollout-engine/internal/materializer"
	"github.com/hawkbit/rollout-engine/internal/metrics"
	"github.com/hawkbit/rollout-engine/internal/partitioner"
	"github.com/hawkbit/rollout-engine/internal/repository/postgres"
	"github.com/hawkbit/rollout-engine/internal/resolver"
	"github.com/hawkbit/rollout-engine/internal/scheduler"
	"github.com/hawkbit/rollout-engine/internal/statuswatcher"
)

func loggerLevelFromString(level string) zerolog.Level {
	level = strings.ToLower(level)
	switch level {
	case "error":
		return zerolog.ErrorLevel
	case "warn":
		return zerolog.WarnLevel
	case "info":
		return zerolog.InfoLevel
	case "debug":
		return zerolog.DebugLevel
	}
	return zerolog.WarnLevel
}

type Config struct {
	NodeID      string `envconfig:"ENGINE_NODE_ID"`
	LoggerLevel string `envconfig:"LOGGER_LEVEL"`

	DatabaseHost     string `envconfig:"DATABASE_HOST"`
	DatabaseUser     string `envconfig:"DATABASE_USER"`
	DatabasePassword string `envconfig:"DATABASE_PASSWORD"`
	DatabasePort     uint16 `envconfig:"DATABASE_PORT"`
	DatabaseName     string `envconfig:"DATABASE_NAME,default=postgres"`

	QueueAddr         string `envconfig:"QUEUE_ADDR"`
	EventsTopic       string `envconfig:"QUEUE_EVENTS_TOPIC"`
	StatusReportTopic string `envconfig:"QUEUE_STATUS_REPORTS_TOPIC"`

	StatsdAddr string `envconfig:"STATSD_ADDR,optional"`

	TickInterval       time.Duration `envconfig:"TICK_INTERVAL,default=30s"`
	TickMaxRollouts    uint64        `envconfig:"TICK_MAX_ROLLOUTS,default=100"`
	EvalConcurrency    int           `envconfig:"EVAL_CONCURRENCY,default=4"`
	EventBuffer        int           `envconfig:"EVENT_BUFFER,default=1024"`
	ResendEventsPeriod time.Duration `envconfig:"RESEND_EVENTS_PERIOD,default=10s"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	appCfg := Config{}
	err := envconfig.Init(&appCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read app config")
	}
	log.Logger = log.Level(loggerLevelFromString(appCfg.LoggerLevel))

	log.Warn().Msgf("running rollout engine node %s", appCfg.NodeID)

	repo, err := postgres.NewRepo(
		ctx,
		appCfg.DatabaseUser,
		appCfg.DatabasePassword,
		appCfg.DatabaseHost,
		appCfg.DatabasePort,
		appCfg.DatabaseName,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init postgres repository")
	}
	defer repo.Close()

	var m metrics.Metrics = metrics.Noop{}
	if appCfg.StatsdAddr != "" {
		m = metrics.NewStatsd(appCfg.NodeID, appCfg.StatsdAddr)
	}

	publisher := events.NewPublisher(
		appCfg.QueueAddr,
		appCfg.EventsTopic,
		appCfg.EventBuffer,
		appCfg.ResendEventsPeriod,
	)
	go publisher.Run(ctx)
	defer publisher.Close()

	deployer := deployment.New(repo)
	eng := engine.New(
		repo,
		resolver.New(repo),
		partitioner.New(repo),
		materializer.New(deployer, repo),
		evaluator.New(repo),
		publisher,
		m,
		appCfg.EvalConcurrency,
	)

	sched := scheduler.New(appCfg.TickInterval, appCfg.TickMaxRollouts, eng)
	go sched.Run(ctx)

	watcher := statuswatcher.NewStatusWatcher(
		appCfg.NodeID,
		appCfg.QueueAddr,
		appCfg.StatusReportTopic,
		repo,
	)
	go func() {
		err := watcher.Run(ctx)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
			log.Fatal().Err(err).Msg("failed to consume status reports")
		}
	}()
	defer watcher.Close()

	serverClose := startProbeServer()
	defer serverClose()

	<-ctx.Done()
}

func startProbeServer() func() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		w.WriteHeader(http.StatusOK)
	})
	srv := http.Server{
		Handler: mux,
		Addr:    "0.0.0.0:8080",
	}
	go func() {
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("failed to start http server")
		}
	}()
	return func() {
		_ = srv.Close()
	}
}
