package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/ariefcatur/go-bookstore-orders/internal/config"
	"github.com/ariefcatur/go-bookstore-orders/internal/logger"
	"github.com/ariefcatur/go-bookstore-orders/internal/postgres"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	var logLevel string
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: migrate [flags] up|down|version\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.Load()
	log := logger.New(logger.Config{Level: logLevel, Format: "console"})
	defer func() { _ = log.Sync() }()

	m, err := postgres.NewMigrator(cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("open migrator", zap.Error(err))
	}
	defer func() {
		if err := m.Close(); err != nil {
			log.Warn("close migrator", zap.Error(err))
		}
	}()

	switch cmd := flag.Arg(0); cmd {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	case "version":
		var (
			v     uint
			dirty bool
		)
		v, dirty, err = m.Version()
		if err == nil {
			fmt.Printf("version=%d dirty=%t\n", v, dirty)
		}
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Error("migration failed", zap.Error(err))
		os.Exit(1)
	}
}
