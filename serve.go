package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"motionforge/internal/api"
	"motionforge/internal/redis"
	"motionforge/internal/relay"
	"motionforge/internal/service/ai"
	"motionforge/internal/service/document"
	"motionforge/internal/service/session"
	"motionforge/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func serveCMD(cfgPath *string) *cobra.Command {
	var addr string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and generation workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(*cfgPath, addr)
		},
	}
	serve.Flags().StringVar(&addr, "addr", "", "listen address (overrides basic_config.server_address)")
	return serve
}

func runServer(cfgPath, addr string) error {
	cfg, db, _, err := openDatabase(cfgPath)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	basic := cfg.BasicConfig
	ttl := time.Duration(basic.SessionTTL) * time.Minute

	var mirror relay.Mirror
	if cfg.Redis.Enabled() {
		rdb, err := redis.NewRedisClient(cfg)
		if err != nil {
			return fmt.Errorf("create redis client: %w", err)
		}
		defer rdb.Close()
		mirror = relay.NewRedisMirror(rdb, ttl)
		log.Printf("[relay] mirroring events to redis %s:%d", cfg.Redis.Host, cfg.Redis.Port)
	}
	hub := relay.NewHub(mirror)

	sessions := session.NewService(db, basic.SessionBaseDir, ttl)
	sessions.OnExpire(hub.Evict)
	sessions.StartCleaner(ctx, time.Duration(basic.CleanInterval)*time.Minute)

	extractor, err := document.NewExtractor(ctx)
	if err != nil {
		return fmt.Errorf("init extractor: %w", err)
	}

	var search ai.Searcher
	if ws := ai.NewWebSearch(cfg.Search); ws != nil {
		search = ws
	} else {
		log.Printf("[ai] no search provider configured, web_search disabled")
	}

	manager := worker.NewManager(worker.Options{
		Config:    cfg,
		Hub:       hub,
		Store:     sessions,
		Preparer:  extractor,
		Assembler: document.NewAssembler(basic.SessionBaseDir),
		Search:    search,
		Timeout:   time.Duration(basic.GenerationTimeout) * time.Minute,
	}, worker.DispatcherConfig{
		MinWorkers:  basic.MinWorkers,
		MaxWorkers:  basic.MaxWorkers,
		QueueSize:   basic.QueueSize,
		IdleTimeout: time.Duration(basic.WorkerIdleTimeout) * time.Minute,
	})

	handlers := api.NewHandler(sessions, hub, manager, basic.MaxUploadMB)
	router := gin.Default()
	handlers.RegisterRoutes(router)

	if addr == "" {
		addr = basic.ServerAddress
	}
	srv := &http.Server{Addr: addr, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
