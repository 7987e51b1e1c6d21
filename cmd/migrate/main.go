package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/pesio-ai/be-edu-identity/internal/migrate"
	"github.com/pesio-ai/be-edu-identity/pkg/logger"
)

func main() {
	var (
		dsn            = flag.String("dsn", os.Getenv("DATABASE_URL"), "PostgreSQL DSN")
		migrationsPath = flag.String("migrations", "", "Directory of SQL migrations (default: the embedded set)")
		timeout        = flag.Duration("timeout", 30*time.Second, "Overall timeout")
	)
	flag.Parse()

	log := logger.New(logger.Config{Level: os.Getenv("LOG_LEVEL"), ServiceName: "edu-identity-migrate", Pretty: true, Output: os.Stderr})

	if *dsn == "" {
		log.Fatal().Msg("missing DSN: provide via -dsn or DATABASE_URL")
	}
	if flag.NArg() == 0 {
		log.Fatal().Msg("usage: migrate [up|down|status]")
	}

	var files fs.FS = migrate.Embedded()
	if *migrationsPath != "" {
		files = os.DirFS(*migrationsPath)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	mgr := migrate.NewManager(db, files)

	switch cmd := flag.Arg(0); cmd {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		for _, name := range applied {
			log.Info().Str("migration", name).Msg("Applied")
		}
		if err == nil && len(applied) == 0 {
			log.Info().Msg("Schema is up to date")
		}
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if errors.Is(err, migrate.ErrNothingApplied) {
			log.Info().Msg("Nothing to roll back")
			err = nil
		} else if err == nil {
			log.Info().Str("migration", name).Msg("Rolled back")
		}
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		for _, item := range history {
			fmt.Println(item)
		}
	default:
		log.Fatal().Str("command", cmd).Msg("Unknown command")
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", flag.Arg(0)).Msg("Migration failed")
	}
}
