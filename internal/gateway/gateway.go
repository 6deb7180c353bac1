// Package gateway assembles the store, model client, pipeline, feed,
// scheduler and HTTP API from configuration and runs them together.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/prospector/internal/bus"
	"github.com/stellarlinkco/prospector/internal/catalog"
	"github.com/stellarlinkco/prospector/internal/config"
	"github.com/stellarlinkco/prospector/internal/cron"
	"github.com/stellarlinkco/prospector/internal/feed"
	"github.com/stellarlinkco/prospector/internal/llm"
	"github.com/stellarlinkco/prospector/internal/notify"
	"github.com/stellarlinkco/prospector/internal/pipeline"
	"github.com/stellarlinkco/prospector/internal/rotation"
	"github.com/stellarlinkco/prospector/internal/server"
	"github.com/stellarlinkco/prospector/internal/store"
)

const shutdownGrace = 5 * time.Second

// Options for creating a Gateway
type Options struct {
	// Executor replaces the model client.
	Executor llm.Executor
	// Store replaces the sqlite store.
	Store      store.Store
	BotFactory notify.BotFactory
	Logger     *zap.Logger
	SignalChan chan os.Signal // for testing signal handling
	Now        func() time.Time
}

type Gateway struct {
	cfg        *config.Config
	logger     *zap.Logger
	store      store.Store
	pipeline   *pipeline.Service
	feed       *feed.Hub
	cron       *cron.Service
	telegram   *notify.Telegram
	api        *server.Server
	signalChan chan os.Signal

	closeOnce sync.Once
	closeErr  error
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{cfg: cfg, logger: logger.Named("gateway"), signalChan: opts.SignalChan}

	cat, err := loadCatalog(cfg)
	if err != nil {
		return nil, err
	}
	schedule, err := rotation.LoadSchedule(cfg.Rotation.SchedulePath)
	if err != nil {
		return nil, fmt.Errorf("load rotation: %w", err)
	}

	g.store = opts.Store
	if g.store == nil {
		st, err := store.OpenSQLite(cfg.DBPath(), bus.NewHub(), cfg.Store.MaxBytes, logger)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		g.store = st
	}

	exec := opts.Executor
	if exec == nil {
		clientOpts := llm.OptionsFromConfig(cfg)
		clientOpts.Logger = logger
		exec = llm.New(clientOpts)
	}

	g.pipeline = pipeline.New(pipeline.Options{
		Executor:    exec,
		Accounts:    store.NewAccounts(g.store),
		Catalog:     cat,
		Schedule:    schedule,
		Concurrency: cfg.Scheduler.Concurrency,
		Logger:      logger,
		Now:         opts.Now,
	})

	g.feed = feed.NewHub(logger)
	g.feed.Attach(g.store)

	if cfg.Telegram.Enabled {
		factory := opts.BotFactory
		var tg *notify.Telegram
		if factory != nil {
			tg, err = notify.NewTelegramWithFactory(cfg.Telegram, logger, factory)
		} else {
			tg, err = notify.NewTelegram(cfg.Telegram, logger)
		}
		if err != nil {
			_ = g.store.Close()
			return nil, fmt.Errorf("create telegram notifier: %w", err)
		}
		g.telegram = tg
	}

	if cfg.Scheduler.Enabled {
		g.cron = cron.NewService(cfg.JobsPath(), logger)
		tasks := &cron.Tasks{Pipeline: g.pipeline, Now: opts.Now}
		if g.telegram != nil {
			tasks.Sender = g.telegram
		}
		g.cron.OnJob = tasks.Handle
	}

	apiOpts := server.Options{
		Pipeline:  g.pipeline,
		KeyStatus: cfg.KeyStatus,
		Feed:      g.feed,
		Logger:    logger,
		Now:       opts.Now,
	}
	if g.cron != nil {
		apiOpts.Jobs = g.cron
	}
	g.api = server.New(apiOpts)

	return g, nil
}

func loadCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	if cfg.Catalog.CompaniesPath == "" {
		return catalog.Sample(), nil
	}
	cat, err := catalog.Load(cfg.Catalog.CompaniesPath)
	if err != nil {
		return nil, fmt.Errorf("load companies: %w", err)
	}
	return cat, nil
}

func (g *Gateway) Pipeline() *pipeline.Service { return g.pipeline }

// Handler serves the HTTP API and the change feed.
func (g *Gateway) Handler() http.Handler { return g.api.Routes() }

// Addr is the listen address from the gateway config.
func (g *Gateway) Addr() string {
	return net.JoinHostPort(g.cfg.Gateway.Host, strconv.Itoa(g.cfg.Gateway.Port))
}

// Run serves until a signal arrives or ctx ends, then shuts everything down.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = g.feed.Run(ctx)
	}()

	if g.cron != nil {
		if err := g.cron.Start(ctx); err != nil {
			g.logger.Warn("cron start failed", zap.Error(err))
		}
		for _, job := range cron.Defaults(g.cfg.Scheduler.Digest, g.cfg.Scheduler.Prefetch) {
			if _, err := g.cron.EnsureJob(job.Name, job.Task, job.Schedule); err != nil {
				g.logger.Warn("ensure job failed", zap.String("job", job.Name), zap.Error(err))
			}
		}
	}

	srv := &http.Server{
		Addr:              g.Addr(),
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		serveErr <- server.Serve(ctx, srv, shutdownGrace)
	}()

	g.logger.Info("running",
		zap.String("addr", srv.Addr),
		zap.Int("companies", g.pipeline.Catalog().Len()),
		zap.Bool("scheduler", g.cron != nil),
		zap.Bool("telegram", g.telegram != nil))

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	var runErr error
	select {
	case <-sigCh:
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	g.logger.Info("shutting down")
	cancel()
	wg.Wait()
	return errors.Join(runErr, g.Shutdown())
}

// Shutdown stops the scheduler and closes the store. It is safe to call twice.
func (g *Gateway) Shutdown() error {
	g.closeOnce.Do(func() {
		if g.cron != nil {
			g.cron.Stop()
		}
		if g.store != nil {
			if err := g.store.Close(); err != nil {
				g.closeErr = fmt.Errorf("close store: %w", err)
			}
		}
		g.logger.Info("shutdown complete")
	})
	return g.closeErr
}
