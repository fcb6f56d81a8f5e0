package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"docpipe/internal/api"
	"docpipe/internal/config"
	fileutil "docpipe/internal/file"
	"docpipe/internal/jobs"
	"docpipe/internal/pool"
	"docpipe/internal/transform"
	"docpipe/internal/workflow"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	if err := fileutil.EnsureDir(cfg.DataDir); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("ensure data dir")
	}

	execPool := pool.New(transform.Builtin(), pool.Options{
		Units:       cfg.Workers,
		QueueDepth:  cfg.QueueDepth,
		TaskTimeout: cfg.TaskTimeout,
	})
	store := buildStore(cfg, execPool)

	baseCtx, baseCancel := context.WithCancel(context.Background())
	store.SetBaseContext(baseCtx)

	router := setupRouter()
	apiHandler := api.NewAPI(store, execPool, api.Options{
		AllowedExtensions:  cfg.AllowedExtensions,
		MaxUploadMB:        cfg.MaxUploadMB,
		RetainTerminalJobs: cfg.RetainTerminalJobs,
	})
	apiHandler.RegisterRoutes(router)

	const (
		readHeaderTimeout = 5 * time.Second
		shutdownTimeout   = 10 * time.Second
	)

	srv := newHTTPServer(cfg.Port, router, readHeaderTimeout)

	go func() {
		log.Info().Int("port", cfg.Port).Int("units", execPool.Units()).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdownSignal()

	apiHandler.CloseStreams()
	gracefulShutdown(srv, baseCancel, store, execPool, shutdownTimeout)
}

func setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(api.RequestID())
	r.Use(api.ZerologLogger())
	return r
}

func buildStore(cfg config.Config, p *pool.Pool) *jobs.Store {
	engine := workflow.NewEngine(p, workflow.Options{
		Suffix:          cfg.ArtifactSuffix,
		CapacityRetries: cfg.CapacityRetries,
		CapacityBackoff: cfg.CapacityBackoff,
	})

	var journal jobs.Journal
	if cfg.Journal {
		journal = jobs.NewFileJournal(cfg.DataDir)
	}
	store := jobs.NewStore(engine, journal)
	if err := store.LoadFromDisk(); err != nil {
		log.Warn().Err(err).Msg("restoring jobs failed")
	}
	return store
}

func newHTTPServer(port int, handler http.Handler, readHeaderTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func waitForShutdownSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")
}

func gracefulShutdown(srv *http.Server, cancelBase context.CancelFunc, store *jobs.Store, p *pool.Pool, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown warning")
	}

	// running lanes observe the cancelled context, fail and report
	cancelBase()
	if !store.WaitAll(ctx) {
		log.Warn().Msg("workflow runs did not finish before timeout")
	}
	if !p.Close(ctx) {
		log.Warn().Msg("execution units did not drain before timeout")
	}
	log.Info().Msg("server exited cleanly")
}
