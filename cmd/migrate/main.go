package main

import (
	"errors"
	"flag"

	"openbingo/config"
	"openbingo/utils/logger"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

func main() {
	dir := flag.String("dir", "db/migrations", "migrations directory")
	down := flag.Bool("down", false, "roll back the most recent migration")
	flag.Parse()

	if err := config.LoadDotEnv(".env"); err != nil {
		logger.Warnf("failed to load .env: %v", err)
	}
	cfg := config.Load()
	if cfg.DatabaseURL == "" {
		logger.Fatalf("DATABASE_URL is not set")
	}

	m, err := migrate.New("file://"+*dir, cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("migration setup failed: %v", err)
	}
	defer m.Close()

	if *down {
		err = m.Steps(-1)
	} else {
		err = m.Up()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Fatalf("database migration failed: %v", err)
	}

	version, dirty, _ := m.Version()
	logger.Infof("database at version %d (dirty=%v)", version, dirty)
}
