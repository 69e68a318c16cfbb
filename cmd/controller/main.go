package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vrischmann/envconfig"

	"github.com/Sh00ty/site-dispatcher/internal/aggregator"
	"github.com/Sh00ty/site-dispatcher/internal/coordinator"
	"github.com/Sh00ty/site-dispatcher/internal/deploylog"
	"github.com/Sh00ty/site-dispatcher/internal/deploylog/postgres"
	"github.com/Sh00ty/site-dispatcher/internal/deploywatcher"
	"github.com/Sh00ty/site-dispatcher/internal/executor"
	"github.com/Sh00ty/site-dispatcher/internal/httpapi"
	"github.com/Sh00ty/site-dispatcher/internal/leader"
	"github.com/Sh00ty/site-dispatcher/internal/metrics"
	"github.com/Sh00ty/site-dispatcher/internal/notifyer"
	"github.com/Sh00ty/site-dispatcher/internal/registry"
	"github.com/Sh00ty/site-dispatcher/internal/scheduler"
	"github.com/Sh00ty/site-dispatcher/internal/siteclient"
	"github.com/Sh00ty/site-dispatcher/internal/storage/inmemory"
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
	return zerolog.InfoLevel
}

type Config struct {
	NodeID      string `envconfig:"NODE_ID,default=controller-1"`
	LoggerLevel string `envconfig:"LOGGER_LEVEL,default=info"`
	HTTPAddr    string `envconfig:"HTTP_ADDR,default=0.0.0.0:8080"`
	SitesFile   string `envconfig:"SITES_FILE,default=configs/sites.example.yaml"`

	RefreshInterval         time.Duration `envconfig:"REFRESH_INTERVAL,default=5s"`
	FollowerRefreshInterval time.Duration `envconfig:"FOLLOWER_REFRESH_INTERVAL,default=30s"`
	RefreshJitter           time.Duration `envconfig:"REFRESH_JITTER,default=500ms"`
	CycleTimeout            time.Duration `envconfig:"CYCLE_TIMEOUT,default=10s"`
	SiteTimeout             time.Duration `envconfig:"SITE_TIMEOUT,default=3s"`
	StopAttempts            uint          `envconfig:"STOP_ATTEMPTS,default=3"`
	ExecutorConcurrency     uint16        `envconfig:"EXECUTOR_CONCURRENCY,default=16"`
	ExecutorBuffer          uint32        `envconfig:"EXECUTOR_BUFFER,default=64"`

	MetricsBackend string `envconfig:"METRICS_BACKEND,default=prometheus"`
	StatsdAddr     string `envconfig:"STATSD_ADDR,default=127.0.0.1:8125"`
	MetricsPrefix  string `envconfig:"METRICS_PREFIX,default=site_dispatcher"`

	DatabaseHost         string        `envconfig:"DATABASE_HOST,optional"`
	DatabaseUser         string        `envconfig:"DATABASE_USER,default=postgres"`
	DatabasePassword     string        `envconfig:"DATABASE_PASSWORD,optional"`
	DatabasePort         uint16        `envconfig:"DATABASE_PORT,default=5432"`
	DatabaseName         string        `envconfig:"DATABASE_NAME,default=postgres"`
	ResendResultInterval time.Duration `envconfig:"RESEND_RESULT_INTERVAL,default=10s"`
	HistoryWindow        time.Duration `envconfig:"HISTORY_WINDOW,default=24h"`

	EtcdEndpoints  []string `envconfig:"ETCD_ENDPOINTS,optional"`
	ElectionKey    string   `envconfig:"ELECTION_KEY,default=/site-dispatcher/leader"`
	SessionTTLSecs int      `envconfig:"SESSION_TTL_SECONDS,default=10"`
	EtcdDebug      bool     `envconfig:"ETCD_DEBUG,default=false"`

	QueueBrokers     []string `envconfig:"QUEUE_BROKERS,optional"`
	QueueDeployTopic string   `envconfig:"QUEUE_DEPLOY_TOPIC,optional"`
	QueueGroupID     string   `envconfig:"QUEUE_GROUP_ID,default=site-dispatcher"`
}

type metricsBackend struct {
	metrics.Metrics
	handler http.Handler
	close   func()
}

func newMetrics(cfg Config) metricsBackend {
	switch strings.ToLower(cfg.MetricsBackend) {
	case "statsd":
		s := metrics.NewStatsd(cfg.NodeID, cfg.MetricsPrefix, cfg.StatsdAddr)
		return metricsBackend{Metrics: s, close: func() { _ = s.Close() }}
	case "prometheus":
		p := metrics.NewPrometheus(cfg.MetricsPrefix)
		return metricsBackend{Metrics: p, handler: p.Handler(), close: func() {}}
	default:
		return metricsBackend{Metrics: metrics.NewNoop(), close: func() {}}
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to load .env file")
	}

	appCfg := Config{}
	err := envconfig.Init(&appCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read app config")
	}
	log.Logger = log.Level(loggerLevelFromString(appCfg.LoggerLevel))
	log.Warn().Msgf("running controller %s", appCfg.NodeID)

	sites := registry.New()
	if err = sites.LoadFile(appCfg.SitesFile); err != nil {
		log.Fatal().Err(err).Msg("failed to load site registry")
	}
	log.Info().Msgf("registered %d sites from %s", sites.Count(), appCfg.SitesFile)

	m := newMetrics(appCfg)
	defer m.close()

	client := siteclient.New(siteclient.Settings{
		Timeout:      appCfg.SiteTimeout,
		StopAttempts: appCfg.StopAttempts,
		UserAgent:    "site-dispatcher/" + appCfg.NodeID,
	})

	checkExecutor := executor.NewExecutor(
		client,
		appCfg.ExecutorConcurrency,
		appCfg.ExecutorBuffer,
		appCfg.SiteTimeout,
	)
	go checkExecutor.Run()
	defer checkExecutor.Close()

	cache := inmemory.NewStatusCache()
	agg := aggregator.New(ctx, sites, checkExecutor, cache, m, aggregator.Settings{
		CycleTimeout: appCfg.CycleTimeout,
	})
	defer agg.Close()

	var (
		bg        sync.WaitGroup
		deployLog *deploylog.Log
	)
	if appCfg.DatabaseHost != "" {
		resultNotifyer := notifyer.NewNotifier(1024)
		defer resultNotifyer.Close()
		deployLog = deploylog.NewLog(resultNotifyer)

		repo := setupRepository(ctx, appCfg, deployLog)
		defer repo.Close()

		sender := deploylog.NewSender(resultNotifyer.GetResultChan(), repo, m, appCfg.ResendResultInterval)
		bg.Add(1)
		go func() {
			defer bg.Done()
			sender.Run(ctx)
		}()
	} else {
		log.Warn().Msg("DATABASE_HOST is not set, deployment results are kept in memory only")
		deployLog = deploylog.NewLog(nil)
	}

	cord := coordinator.NewCoordinator(sites, client, deployLog, agg, cache, m)

	// first snapshot before serving
	if _, err = agg.Refresh(ctx); err != nil {
		log.Error().Err(err).Msg("initial refresh failed")
	}

	server := httpapi.NewServer(cache, cord, sites, agg, m.handler)
	srv := &http.Server{
		Addr:              appCfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Msgf("listening on %s", appCfg.HTTPAddr)
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("failed to start http server")
		}
	}()

	if appCfg.FollowerRefreshInterval > 0 && len(appCfg.EtcdEndpoints) > 0 {
		follower := scheduler.NewScheduler(agg, scheduler.Settings{
			Interval:  appCfg.FollowerRefreshInterval,
			MaxJitter: appCfg.RefreshJitter,
		})
		bg.Add(1)
		go func() {
			defer bg.Done()
			_ = follower.Run(ctx)
		}()
	}

	bg.Add(1)
	go func() {
		defer bg.Done()
		runLeaderDuties(ctx, appCfg, agg, cord, m)
	}()

	<-ctx.Done()
	log.Warn().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err = srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to shutdown http server")
	}
	bg.Wait()
}

func setupRepository(ctx context.Context, cfg Config, deployLog *deploylog.Log) *postgres.Repository {
	repo, err := postgres.NewRepo(
		ctx,
		cfg.DatabaseUser,
		cfg.DatabasePassword,
		cfg.DatabaseHost,
		cfg.DatabasePort,
		cfg.DatabaseName,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init postgres repository")
	}
	if err = repo.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate deployment results schema")
	}
	results, err := repo.ListResults(ctx, postgres.ResultFilter{
		Since: time.Now().Add(-cfg.HistoryWindow),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to restore deployment history")
	}
	deployLog.Restore(results)
	log.Info().Msgf("restored %d deployment results", len(results))
	return repo
}

// runLeaderDuties runs the fast refresh scheduler and the queue consumer on
// the leader only. Without etcd this node is the leader.
func runLeaderDuties(ctx context.Context, cfg Config, agg *aggregator.Aggregator, cord *coordinator.Coordinator, m metrics.Metrics) {
	duties := func(ctx context.Context) error {
		var wg sync.WaitGroup
		if len(cfg.QueueBrokers) > 0 && cfg.QueueDeployTopic != "" {
			watcher := deploywatcher.NewDeployWatcher(cfg.QueueGroupID, cfg.QueueBrokers, cfg.QueueDeployTopic, cord, m)
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer watcher.Close()
				if err := watcher.Run(ctx); err != nil {
					log.Error().Err(err).Msg("deploy watcher stopped")
				}
			}()
		}
		sched := scheduler.NewScheduler(agg, scheduler.Settings{
			Interval:  cfg.RefreshInterval,
			MaxJitter: cfg.RefreshJitter,
		})
		err := sched.Run(ctx)
		wg.Wait()
		return err
	}

	if len(cfg.EtcdEndpoints) == 0 {
		if err := duties(ctx); err != nil {
			log.Error().Err(err).Msg("scheduler stopped")
		}
		return
	}

	elector, err := leader.NewElector(cfg.EtcdEndpoints, cfg.NodeID, cfg.ElectionKey, cfg.SessionTTLSecs, cfg.EtcdDebug)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create leader elector")
	}
	defer elector.Close()

	if err = elector.RunWhileLeader(ctx, duties); err != nil {
		log.Error().Err(err).Msg("leader election stopped")
	}
}
