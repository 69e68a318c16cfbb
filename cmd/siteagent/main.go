package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vrischmann/envconfig"

	"github.com/Sh00ty/site-dispatcher/internal/siteagent"
)

func loggerLevelFromString(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "error":
		return zerolog.ErrorLevel
	case "warn":
		return zerolog.WarnLevel
	case "debug":
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}

type Config struct {
	SiteID      string `envconfig:"SITE_ID"`
	LoggerLevel string `envconfig:"LOGGER_LEVEL,default=info"`
	HTTPAddr    string `envconfig:"HTTP_ADDR,default=0.0.0.0:8081"`
	PublicURL   string `envconfig:"PUBLIC_URL,optional"`

	DatabasePath    string `envconfig:"DATABASE_PATH,default=siteagent.db"`
	ServicesFile    string `envconfig:"SERVICES_FILE,optional"`
	TotalResource   int    `envconfig:"TOTAL_RESOURCE,default=400"`
	ResourcePerCost int    `envconfig:"RESOURCE_PER_COST,default=20"`
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
	if appCfg.PublicURL == "" {
		appCfg.PublicURL = "http://" + appCfg.HTTPAddr
	}

	settings := siteagent.Settings{
		SiteID:          appCfg.SiteID,
		PublicURL:       appCfg.PublicURL,
		TotalResource:   appCfg.TotalResource,
		ResourcePerCost: appCfg.ResourcePerCost,
	}
	if appCfg.ServicesFile != "" {
		if err = siteagent.LoadServiceUnits(appCfg.ServicesFile, &settings); err != nil {
			log.Fatal().Err(err).Msg("failed to load service units")
		}
	}

	store, err := siteagent.OpenStore(ctx, appCfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open agent database")
	}
	defer store.Close()

	agent, err := siteagent.NewAgent(ctx, store, settings)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create site agent")
	}

	srv := &http.Server{
		Addr:              appCfg.HTTPAddr,
		Handler:           siteagent.NewRouter(agent),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Msgf("site agent %s listening on %s", appCfg.SiteID, appCfg.HTTPAddr)
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("failed to start http server")
		}
	}()

	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err = srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to shutdown http server")
	}
}
