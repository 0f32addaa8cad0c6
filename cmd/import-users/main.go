package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"lmsbridge.org/internal/config"
	"lmsbridge.org/internal/importer"
	"lmsbridge.org/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	var (
		configPath   = flag.String("config", "", "optional config file (also BRIDGE_CONFIG)")
		dsn          = flag.String("dsn", "", "bridge PostgreSQL DSN (defaults to pg_dsn)")
		wpDSN        = flag.String("wp-dsn", os.Getenv("BRIDGE_WP_DSN"), "WordPress MySQL DSN, e.g. user:pass@tcp(host:3306)/wordpress")
		wpPrefix     = flag.String("wp-prefix", "wp_", "WordPress table prefix")
		csvPath      = flag.String("csv", "", "CSV export instead of the WordPress database")
		apply        = flag.Bool("apply", false, "write accounts (default is a dry run)")
		ensureClient = flag.String("ensure-client", "", "create a client credential with this name if missing and print it")
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := pg.Open(*dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	if *ensureClient != "" {
		c, created, err := importer.EnsureClient(ctx, store, *ensureClient)
		if err != nil {
			log.Fatalf("ensure client: %v", err)
		}
		state := "existing"
		if created {
			state = "created"
		}
		fmt.Printf("%s client %q\n  client_id:     %s\n  client_secret: %s\n", state, c.Name, c.ClientID, c.Secret)
	}

	var src importer.Source
	switch {
	case *csvPath != "":
		f, err := os.Open(*csvPath)
		if err != nil {
			log.Fatalf("open csv: %v", err)
		}
		defer f.Close()
		src = &importer.CSVSource{R: f}
	case *wpDSN != "":
		db, err := importer.OpenWordPress(*wpDSN)
		if err != nil {
			log.Fatalf("open wordpress: %v", err)
		}
		defer db.Close()
		src = &importer.WordPressSource{DB: db, TablePrefix: *wpPrefix}
	default:
		if *ensureClient != "" {
			return
		}
		log.Fatal("no source: provide -wp-dsn or -csv")
	}

	sum, err := importer.New(store, os.Stdout, importer.WithApply(*apply)).Run(ctx, src)
	if err != nil {
		log.Fatalf("import: %v", err)
	}
	fmt.Printf("\nsummary: %s\n", sum)
	if !*apply {
		fmt.Println("dry run; re-run with -apply to write")
	}
}
