package main

import (
	"github.com/lab-platform/labhub/internal/config"
	"github.com/lab-platform/labhub/internal/store"
	"github.com/lab-platform/labhub/pkg/log"
)

func main() {
	logger := log.InitLogs()
	logger.Println("Starting database migration")
	defer logger.Println("Database migration completed")

	cfg, err := config.LoadOrGenerate(config.ConfigFile())
	if err != nil {
		logger.Fatalf("reading configuration: %v", err)
	}
	log.SetLevel(logger, cfg.Service.LogLevel)

	logger.Println("Initializing data store")
	db, err := store.InitDB(cfg, logger)
	if err != nil {
		logger.Fatalf("initializing data store: %v", err)
	}
	dataStore := store.NewStore(db, logger.WithField("pkg", "store"))
	defer dataStore.Close()

	if err := dataStore.InitialMigration(); err != nil {
		logger.Fatalf("running migrations: %v", err)
	}
}
