// cascade is the HTTP API server for the cascade scheduling service.
//
// It owns the mutation path: every write is validated, committed to the
// store, and followed by a recalculation job on the queue. The jobs are
// consumed by cascade-worker, or by an in-process worker when the
// configured queue is the in-memory one.
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
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/cascade-eng/cascade/go/alogin"
	"github.com/cascade-eng/cascade/go/alogin/proxylogin"
	"github.com/cascade-eng/cascade/go/api"
	"github.com/cascade-eng/cascade/go/cclog"
	"github.com/cascade-eng/cascade/go/common"
	"github.com/cascade-eng/cascade/go/config"
	"github.com/cascade-eng/cascade/go/engine"
	"github.com/cascade-eng/cascade/go/httputils"
	"github.com/cascade-eng/cascade/go/queue"
	"github.com/cascade-eng/cascade/go/queue/memqueue"
	"github.com/cascade-eng/cascade/go/queue/pubsubqueue"
	"github.com/cascade-eng/cascade/go/queue/redisqueue"
	"github.com/cascade-eng/cascade/go/store"
	"github.com/cascade-eng/cascade/go/store/memory"
	"github.com/cascade-eng/cascade/go/store/sqlstore"
	"github.com/cascade-eng/cascade/go/worker"
)

const (
	appName = "cascade"

	maxSQLConnections = 10

	shutdownTimeout = 10 * time.Second
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
	cclog.Infof("Loaded config %#v", cfg)

	common.InitWithMust(appName, common.PrometheusOpt(&cfg.PromPort))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := mustInitStore(ctx, cfg)
	q := mustInitQueue(ctx, cfg)
	eng := engine.New(st, q)

	// The in-memory queue has no external consumer, so the worker runs
	// inside this process.
	workerDone := make(chan struct{})
	if cfg.QueueType == config.MemoryQueue {
		w := worker.New(st, time.Duration(cfg.RecalcTimeoutSeconds)*time.Second)
		go func() {
			defer close(workerDone)
			if err := w.Run(ctx, q, cfg.MaxConcurrentRecalcs); err != nil && !errors.Is(err, context.Canceled) {
				cclog.Errorf("In-process worker exited: %s", err)
			}
		}()
	} else {
		close(workerDone)
	}

	var login alogin.Login
	if cfg.AuthHeader != "" {
		login = proxylogin.New(cfg.AuthHeader, nil)
	} else {
		login = proxylogin.NewWithDefaults()
	}

	router := chi.NewRouter()
	api.New(login, eng).RegisterHandlers(router)

	var h http.Handler = router
	h = httputils.LoggingRequestResponse(h)
	h = httputils.Healthz(h)

	server := &http.Server{
		Addr:    cfg.Port,
		Handler: h,
	}
	go func() {
		cclog.Infof("Ready to serve on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cclog.Fatalf("Failure while serving: %s", err)
		}
	}()

	// Handle SIGINT and SIGTERM.
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	cclog.Infof("Shutting down on signal: %s", <-ch)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		cclog.Errorf("Shutting down server: %s", err)
	}
	cancel()
	<-workerDone
}

func mustInitStore(ctx context.Context, cfg config.InstanceConfig) store.Store {
	switch cfg.StoreType {
	case config.MemoryStore:
		cclog.Warningf("Using the in-memory store; all data is lost on restart.")
		return memory.New()
	case config.SQLStore:
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
	default:
		cclog.Fatalf("Unknown store_type: %q", cfg.StoreType)
		return nil
	}
}

func mustInitQueue(ctx context.Context, cfg config.InstanceConfig) queue.Queue {
	switch cfg.QueueType {
	case config.MemoryQueue:
		return memqueue.New()
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
