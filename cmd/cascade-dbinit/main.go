// The cascade-dbinit executable creates the cascade tables in an
// existing PostgreSQL database. It is idempotent and will not modify
// tables that already exist (e.g. add missing indexes or change
// columns).
package main

import (
	"context"
	"flag"

	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/cascade-eng/cascade/go/cclog"
	"github.com/cascade-eng/cascade/go/config"
	"github.com/cascade-eng/cascade/go/store/sqlstore"
)

func main() {
	configFlag := flag.String("config", "configs/local.json5", "Path to the JSON5 file containing the instance configuration.")

	flag.Parse()

	var cfg config.InstanceConfig
	if err := config.LoadFromJSON5(&cfg, *configFlag); err != nil {
		cclog.Fatalf("Reading config: %s", err)
	}
	if cfg.StoreType != config.SQLStore {
		cclog.Fatalf("Nothing to do: store_type is %q.", cfg.StoreType)
	}

	ctx := context.Background()
	db, err := pgxpool.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		cclog.Fatal(err)
	}

	cclog.Info("Creating tables")
	if _, err := db.Exec(ctx, sqlstore.Schema); err != nil {
		cclog.Fatal(err)
	}

	db.Close()
	cclog.Info("Done")
}
