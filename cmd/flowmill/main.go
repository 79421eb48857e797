package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flowmill/internal/agent"
	"flowmill/internal/api"
	"flowmill/internal/config"
	"flowmill/internal/dispatch"
	"flowmill/internal/domain"
	"flowmill/internal/logging"
	"flowmill/internal/queue"
	"flowmill/internal/store"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "path to YAML config file")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath  = flag.String("db", "", "SQLite DB path (overrides config)")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	log := logging.New(cfg.Logging, cfg.App)

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	st := store.New(db)
	q := queue.NewServer(db, cfg.Queue, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := dispatch.NewLoop(st, dispatch.NewQueueSubmitter(q), cfg.Dispatch.Interval(), log)
	go loop.Run(ctx)
	go q.RunExpirer(ctx, cfg.Dispatch.ExpireInterval())

	if cfg.Agent.Enabled {
		handler := agent.HandlerFunc(func(ctx context.Context, task domain.TaskLock) error {
			log.Info().
				Str("unique_name", task.UniqueName).
				Int64("site_id", task.SiteID).
				Int("retry_count", task.RetryCount).
				Msg("task executed")
			return nil
		})
		a := agent.New(q, handler, agent.Config{
			SiteID:       cfg.Agent.SiteID,
			LeaseSeconds: cfg.Agent.LeaseSeconds,
			Concurrency:  cfg.Agent.Concurrency,
		}, log)
		go a.Run(ctx)
	}

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: api.NewServer(st, q, loop)}
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
