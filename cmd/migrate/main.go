package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"lmsbridge.org/internal/config"
	"lmsbridge.org/internal/migrate"
)

func main() {
	log.SetFlags(0)
	var (
		dsn        = flag.String("dsn", "", "PostgreSQL DSN (defaults to BRIDGE_PG_DSN / config pg_dsn)")
		configPath = flag.String("config", "", "optional config file")
	)
	flag.Parse()

	if *dsn == "" {
		cfg, err := config.Read(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		*dsn = cfg.PGDSN
	}
	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or BRIDGE_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	mgr := migrate.NewManager(db, migrate.Migrations(), migrate.Seeds())

	var names []string
	switch flag.Arg(0) {
	case "up":
		names, err = mgr.Up(ctx)
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if name != "" {
			names = []string{name}
		}
	case "seed":
		names, err = mgr.Seed(ctx)
	case "status":
		names, err = mgr.Status(ctx)
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	for _, item := range names {
		fmt.Println(item)
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}
