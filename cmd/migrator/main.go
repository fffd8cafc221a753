package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"identity/internal/config"
	"identity/internal/storage/mongodb"
	"identity/migrations"

	"github.com/ilyakaznacheev/cleanenv"
)

type migratorConfig struct {
	Storage config.StorageConfig `yaml:"storage"`
}

func main() {
	var configPath, direction string
	flag.StringVar(&configPath, "config", "", "path to config file (or use CONFIG_PATH env)")
	flag.StringVar(&direction, "direction", "up", "migration direction: up or down")
	flag.Parse()

	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}

	// only the storage section is read, so the migrator runs without the auth secret
	var cfg migratorConfig
	if configPath != "" {
		if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
			log.Fatalf("failed to read config: %v", err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		log.Fatalf("failed to read config from env: %v", err)
	}

	if direction != "up" && direction != "down" {
		log.Fatalf("unknown direction %q", direction)
	}

	switch cfg.Storage.Driver {
	case migrations.DriverSQLite:
		migrateSQL(migrations.DriverSQLite, cfg.Storage.Path, direction)
	case migrations.DriverPostgres:
		migrateSQL(migrations.DriverPostgres, cfg.Storage.DSN, direction)
	case "mongodb":
		ensureMongo(cfg.Storage.MongoURI, cfg.Storage.MongoDatabase)
	case "memory":
		log.Println("memory storage has no schema")
	default:
		log.Fatalf("unsupported storage driver %q", cfg.Storage.Driver)
	}

	fmt.Println("migrations applied successfully")
}

func migrateSQL(driver, dsn, direction string) {
	log.Printf("applying %s migrations (%s)...", driver, direction)

	run := migrations.Up
	if direction == "down" {
		run = migrations.Down
	}

	if err := run(driver, dsn); err != nil {
		log.Fatalf("failed to apply migrations: %v", err)
	}
}

func ensureMongo(uri, database string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	log.Println("Connecting to MongoDB...")

	// New creates the indexes.
	storage, err := mongodb.New(ctx, uri, database)
	if err != nil {
		log.Fatalf("failed to connect to mongodb: %v", err)
	}
	defer storage.Close(ctx)

	log.Println("MongoDB connected, indexes created successfully")
}
