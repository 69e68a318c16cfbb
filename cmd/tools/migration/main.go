package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/vrischmann/envconfig"

	"github.com/Sh00ty/site-dispatcher/internal/deploylog/postgres"
	"github.com/Sh00ty/site-dispatcher/internal/models"
)

type Config struct {
	DatabaseHost     string `envconfig:"DATABASE_HOST,default=127.0.0.1"`
	DatabaseUser     string `envconfig:"DATABASE_USER,default=postgres"`
	DatabasePassword string `envconfig:"DATABASE_PASSWORD,optional"`
	DatabasePort     uint16 `envconfig:"DATABASE_PORT,default=5432"`
	DatabaseName     string `envconfig:"DATABASE_NAME,default=postgres"`
}

func main() {
	var (
		dump    = flag.Bool("dump", false, "print stored deployment results as json after migrating")
		site    = flag.String("site", "", "only dump results of this site")
		since   = flag.Duration("since", 24*time.Hour, "only dump results completed within this window")
		limit   = flag.Uint64("limit", 100, "max results to dump")
		timeout = flag.Duration("timeout", 30*time.Second, "overall timeout")
	)
	flag.Parse()

	_ = godotenv.Load()
	cfg := Config{}
	if err := envconfig.Init(&cfg); err != nil {
		log.Fatal().Err(err).Msg("failed to read config")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	repo, err := postgres.NewRepo(ctx, cfg.DatabaseUser, cfg.DatabasePassword, cfg.DatabaseHost, cfg.DatabasePort, cfg.DatabaseName)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer repo.Close()

	if err = repo.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate")
	}
	log.Info().Msg("deployment results schema is up to date")

	if !*dump {
		return
	}
	results, err := repo.ListResults(ctx, postgres.ResultFilter{
		SiteID: models.SiteID(*site),
		Since:  time.Now().Add(-*since),
		Limit:  *limit,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to list results")
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err = enc.Encode(results); err != nil {
		log.Fatal().Err(err).Msg("failed to print results")
	}
}
