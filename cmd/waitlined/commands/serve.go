package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/waitline/waitline/appointment"
	"github.com/waitline/waitline/auth"
	"github.com/waitline/waitline/clock"
	"github.com/waitline/waitline/config"
	"github.com/waitline/waitline/db"
	"github.com/waitline/waitline/errors"
	"github.com/waitline/waitline/gateway"
	"github.com/waitline/waitline/history"
	"github.com/waitline/waitline/hub"
	"github.com/waitline/waitline/logger"
	"github.com/waitline/waitline/notify"
	"github.com/waitline/waitline/predict"
	"github.com/waitline/waitline/queue"
	"github.com/waitline/waitline/scheduler"
	"github.com/waitline/waitline/tasks"
)

// ServeCmd starts the queue core: engines, scheduler, dispatcher,
// maintenance ticker, and the WebSocket gateway.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the waitline gateway and queue engines",
	Long: `Start the waitline core. Opens the database, rehydrates per-shop queue
state, and serves the WebSocket gateway until interrupted.`,
	RunE: runServe,
}

var (
	serveConfigPath string
	serveDBPath     string
	serveAddr       string
	serveJSONLogs   bool
)

func init() {
	ServeCmd.Flags().StringVar(&serveConfigPath, "config", "", "Config file path (overrides the default lookup)")
	ServeCmd.Flags().StringVar(&serveDBPath, "db", "", "Database path (overrides config)")
	ServeCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address, e.g. :8090 (overrides config)")
	ServeCmd.Flags().BoolVar(&serveJSONLogs, "json-logs", false, "Emit JSON log lines instead of console output")
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := logger.Initialize(serveJSONLogs); err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}
	log := logger.Named("waitlined")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	dbPath := cfg.Database.Path
	if serveDBPath != "" {
		dbPath = serveDBPath
	}
	conn, err := db.Open(dbPath, log)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer conn.Close()
	if err := db.Migrate(conn, log); err != nil {
		return errors.Wrap(err, "failed to migrate database")
	}

	clk := clock.System{}
	eventHub := hub.New(log)

	queues := queue.NewStore(conn)
	histories := history.NewStore(conn)
	appointments := appointment.NewStore(conn)
	users := auth.NewUserStore(conn)
	tokens := auth.NewTokens(24*time.Hour, clk)

	estimator := predict.New(predict.Config{
		MinSamples:            cfg.Predictor.MinSamples,
		DefaultServiceMinutes: float64(cfg.Predictor.DefaultServiceMinutes),
		MaxEstimateMinutes:    cfg.Predictor.MaxEstimateMinutes,
	})

	registry := queue.NewRegistry(queue.Config{
		MailboxDepth:     cfg.Queue.MailboxDepth,
		StaleCalledAfter: time.Duration(cfg.Queue.StaleCalledMinutes) * time.Minute,
		HistoryDays:      cfg.Predictor.HistoryDays,
	}, queues, histories, estimator, eventHub, clk, log)
	defer registry.StopAll()

	sched := scheduler.New(scheduler.Config{
		Grace:                 time.Duration(cfg.Scheduler.GraceMinutes) * time.Minute,
		Lookahead:             time.Duration(cfg.Scheduler.LookaheadMinutes) * time.Minute,
		EarlyArrival:          time.Duration(cfg.Scheduler.EarlyArrivalMinutes) * time.Minute,
		LateArrival:           time.Duration(cfg.Scheduler.LateArrivalMinutes) * time.Minute,
		SequenceSamples:       cfg.Scheduler.SequenceSampleCount,
		DefaultServiceMinutes: float64(cfg.Scheduler.DefaultServiceMinutes),
	}, appointments, registry, queues, histories, clk, log)

	dispatcher := notify.NewDispatcher(notify.Config{
		RatePerSecond: cfg.Notify.RatePerSecond,
		Burst:         cfg.Notify.Burst,
		MaxAttempts:   cfg.Notify.MaxAttempts,
		QueueDepth:    cfg.Notify.QueueDepth,
	}, notify.NewStore(conn), notify.NewLogTransport(log), eventHub, clk, log)
	if err := dispatcher.Start(context.Background()); err != nil {
		return errors.Wrap(err, "failed to start notification dispatcher")
	}
	defer dispatcher.Stop()

	ticker := tasks.NewTicker(tasks.Config{
		EstimateInterval: time.Duration(cfg.Queue.EstimateRefreshSeconds) * time.Second,
	}, registry, eventHub, log)
	ticker.Start()
	defer ticker.Stop()

	addr := serveAddr
	if addr == "" {
		port := config.DefaultServerPort
		if cfg.Server.Port != nil {
			port = *cfg.Server.Port
		}
		addr = listenAddr(port)
	}

	gw := gateway.New(gateway.Config{
		Addr:               addr,
		AllowedOrigins:     cfg.Server.AllowedOrigins,
		PingInterval:       time.Duration(cfg.Server.PingIntervalSeconds) * time.Second,
		PongTimeout:        time.Duration(cfg.Server.PongTimeoutSeconds) * time.Second,
		MaxDenials:         cfg.Server.MaxDenials,
		SessionBufferDepth: cfg.Hub.SessionBufferDepth,
	}, eventHub, registry, queues, users, tokens, dispatcher, sched, conn, clk, log)

	watcher := startConfigWatcher(estimator, log)
	if watcher != nil {
		defer watcher.Stop()
	}

	printStartupBanner(dbPath, addr)

	errChan := make(chan error, 1)
	go func() {
		errChan <- gw.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		pterm.Info.Printf("Received %s, shutting down\n", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(ctx); err != nil {
		log.Warnw("Gateway shutdown incomplete", "error", err.Error())
	}
	pterm.Success.Println("waitline stopped")
	return nil
}

func loadConfig() (*config.Config, error) {
	if serveConfigPath != "" {
		return config.LoadFromFile(serveConfigPath)
	}
	return config.Load()
}

// startConfigWatcher hooks hot reload of the predictor tunables. A missing
// config file is not an error; the defaults simply stay fixed.
func startConfigWatcher(estimator *predict.Estimator, log *zap.SugaredLogger) *config.ConfigWatcher {
	path := serveConfigPath
	if path == "" {
		path = config.Path()
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	watcher, err := config.NewConfigWatcher(path)
	if err != nil {
		log.Warnw("Config watcher unavailable", "path", path, "error", err.Error())
		return nil
	}
	watcher.OnReload(func(cfg *config.Config) error {
		estimator.SetConfig(predict.Config{
			MinSamples:            cfg.Predictor.MinSamples,
			DefaultServiceMinutes: float64(cfg.Predictor.DefaultServiceMinutes),
			MaxEstimateMinutes:    cfg.Predictor.MaxEstimateMinutes,
		})
		log.Infow("Config reloaded, predictor tunables applied", "path", path)
		return nil
	})
	watcher.Start()
	return watcher
}
