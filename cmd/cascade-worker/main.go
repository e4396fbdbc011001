// cascade-worker consumes recalculation jobs and repairs the schedules
// they point at.
//
// Shutdown is abrupt on purpose: cancelling the consumer also cancels
// in-flight jobs, and both supported queues redeliver anything that was
// not acked. The version-token guard makes the redelivery harmless.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/cascade-eng/cascade/go/cclog"
	"github.com/cascade-eng/cascade/go/common"
	"github.com/cascade-eng/cascade/go/config"
	"github.com/cascade-eng/cascade/go/httputils"
	"github.com/cascade-eng/cascade/go/queue"
	"github.com/cascade-eng/cascade/go/queue/pubsubqueue"
	"github.com/cascade-eng/cascade/go/queue/redisqueue"
	"github.com/cascade-eng/cascade/go/store/sqlstore"
	"github.com/cascade-eng/cascade/go/worker"
)

const (
	appName = "cascade-worker"

	maxSQLConnections = 4
)

func main() {
	var (
		configFlag = flag.String("config", "configs/local.json5", "Path to the JSON5 file containing the instance configuration.")
		hang       = flag.Bool("hang", false, "Stop and do nothing after reading the flags. Good for debugging containers.")
	)

	// Parse the flags first so we can load the config.
	flag.Parse()

	if *hang {
		cclog.Info("Hanging")
		select {}
	}

	var cfg config.InstanceConfig
	if err := config.LoadFromJSON5(&cfg, *configFlag); err != nil {
		cclog.Fatalf("Reading config: %s", err)
	}
	if err := cfg.Validate(); err != nil {
		cclog.Fatalf("Invalid config %s: %s", *configFlag, err)
	}
	if cfg.QueueType == config.MemoryQueue {
		cclog.Fatalf("queue_type %q runs inside the cascade server; cascade-worker needs %q or %q.", config.MemoryQueue, config.RedisQueue, config.PubSubQueue)
	}
	cclog.Infof("Loaded config %#v", cfg)

	common.InitWithMust(appName, common.PrometheusOpt(&cfg.PromPort))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := mustInitStore(ctx, cfg)
	q := mustInitQueue(ctx, cfg)

	w := worker.New(st, time.Duration(cfg.RecalcTimeoutSeconds)*time.Second)
	done := make(chan struct{})
	go func() {
		defer close(done)
		cclog.Infof("Consuming recalculation jobs with up to %d in flight.", cfg.MaxConcurrentRecalcs)
		if err := w.Run(ctx, q, cfg.MaxConcurrentRecalcs); err != nil && !errors.Is(err, context.Canceled) {
			cclog.Fatalf("Failure while consuming jobs: %s", err)
		}
	}()

	// Liveness only; the worker has no API surface.
	go func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", httputils.HealthCheckHandler)
		cclog.Fatal(http.ListenAndServe(cfg.Port, mux))
	}()

	// Handle SIGINT and SIGTERM.
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	cclog.Infof("Shutting down on signal: %s", <-ch)
	cancel()
	<-done
}

// mustInitStore connects to the SQL database. Validate() has already
// rejected any other store type for out-of-process workers.
func mustInitStore(ctx context.Context, cfg config.InstanceConfig) *sqlstore.Store {
	conf, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		cclog.Fatalf("Parsing database URL: %s", err)
	}
	conf.MaxConns = maxSQLConnections
	db, err := pgxpool.ConnectConfig(ctx, conf)
	if err != nil {
		cclog.Fatalf("Connecting to the database: %s", err)
	}
	cclog.Infof("Connected to SQL database %s", conf.ConnConfig.Database)
	return sqlstore.New(db)
}

func mustInitQueue(ctx context.Context, cfg config.InstanceConfig) queue.Queue {
	switch cfg.QueueType {
	case config.RedisQueue:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
		if err := client.Ping(ctx).Err(); err != nil {
			cclog.Fatalf("Pinging Redis at %s: %s", cfg.RedisAddress, err)
		}
		return redisqueue.New(client, redisqueue.DefaultKeyPrefix)
	case config.PubSubQueue:
		client, err := pubsub.NewClient(ctx, cfg.PubSubProject)
		if err != nil {
			cclog.Fatalf("Initializing pubsub client for project %s: %s", cfg.PubSubProject, err)
		}
		q, err := pubsubqueue.New(ctx, client, pubsubqueue.DefaultTopic, pubsubqueue.DefaultSubscription)
		if err != nil {
			cclog.Fatalf("Initializing pubsub queue: %s", err)
		}
		return q
	default:
		cclog.Fatalf("Unknown queue_type: %q", cfg.QueueType)
		return nil
	}
}
