package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/visus/twinsync/internal/config"
	"github.com/visus/twinsync/internal/ingest"
	"github.com/visus/twinsync/internal/persist"
	"github.com/visus/twinsync/internal/scene"
	"github.com/visus/twinsync/internal/scripting"
	"github.com/visus/twinsync/internal/session"
	"github.com/visus/twinsync/internal/system"
	"github.com/visus/twinsync/internal/timeline"
	"github.com/visus/twinsync/internal/transport/amqpsub"
	"github.com/visus/twinsync/internal/transport/httpapi"
	"github.com/visus/twinsync/internal/transport/wsclient"
	"github.com/visus/twinsync/internal/twin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// ── Startup display helpers ────────────────────────────────────────

func printBanner(name string) {
	fmt.Println()
	fmt.Println("\033[36;1m  ┌───────────────────────────────────────────┐\033[0m")
	fmt.Println("\033[36;1m  │\033[0m              twind  v0.1.0                \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  │\033[0m        digital twin sync daemon           \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  └───────────────────────────────────────────┘\033[0m")
	fmt.Println()
	fmt.Printf("  \033[1msession:\033[0m %s\n\n", name)
}

func printSection(title string) {
	fmt.Printf("  \033[33m── %s %s\033[0m\n", title, strings.Repeat("─", max(3, 45-len(title))))
}

func printStat(label string, count int) {
	num := fmt.Sprintf("%d", count)
	fmt.Printf("  %s \033[90m%s\033[0m \033[32m%s\033[0m\n", label, strings.Repeat("·", max(3, 42-len(label)-len(num))), num)
}

func printOK(msg string) {
	fmt.Printf("  \033[32m✓\033[0m %s\n", msg)
}

func printReady(msg string) {
	fmt.Printf("  \033[32m▶\033[0m %s\n", msg)
}

// ── Daemon ────────────────────────────────────────────────────────

func run() error {
	cfgPath := "config/twind.toml"
	if p := os.Getenv("TWIND_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := newLogger(cfg.Logging, cfg.Session.Name)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	printBanner(cfg.Session.Name)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	spawn := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	// Scene
	printSection("scene")
	sess := session.New(session.Config{
		Name:   cfg.Session.Name,
		Engine: twin.EngineConfig{Smoothing: cfg.Session.Smoothing, Epsilon: cfg.Session.Epsilon},
	}, log)
	defer sess.Close()

	var src scene.Source = scene.RobotArmSource
	if cfg.Scene.Path != "" {
		src = scene.FileSource{Path: cfg.Scene.Path}
	}
	if err := sess.Load(src); err != nil {
		return err
	}
	printOK(fmt.Sprintf("loaded %s", src.Name()))
	printStat("addressable objects", sess.Index().Len())

	var watcher *scene.Watcher
	if cfg.Scene.Watch && cfg.Scene.Path != "" {
		watcher, err = scene.NewWatcher(sess.Loader(), cfg.Scene.Path, log.Named("watch"))
		if err != nil {
			return fmt.Errorf("scene watcher: %w", err)
		}
		spawn(watcher.Run)
		printOK("watching scene file for changes")
	}

	queue := ingest.NewQueue(cfg.Ingest.QueueSize, log.Named("ingest"))
	latest := &session.LatestFrame{}
	sess.Attach(latest)

	// Journal
	var journal *persist.Writer
	if cfg.Database.Enabled {
		printSection("journal")
		dbCtx, dbCancel := context.WithTimeout(ctx, 30*time.Second)
		defer dbCancel()

		db, err := persist.NewDB(dbCtx, cfg.Database, log.Named("db"))
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer db.Close()

		version, err := db.Migrate(dbCtx)
		if err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		printOK(fmt.Sprintf("schema version %d", version))

		repo := persist.NewJournalRepo(db)
		if cfg.Database.ReplayOnStart {
			n, err := persist.Restore(dbCtx, repo, sess.Index().Digest(), sess.Store().ProcessPayload, log.Named("journal"))
			if err != nil {
				return err
			}
			printStat("payloads replayed", n)
			printStat("targets restored", sess.Store().Len())
			pruned, err := repo.Prune(dbCtx, sess.Index().Digest())
			if err != nil {
				log.Warn("journal prune failed", zap.Error(err))
			} else if pruned > 0 {
				printStat("journal rows pruned", int(pruned))
			}
		}
		journal = persist.NewWriter(repo, cfg.Database.FlushInterval, cfg.Database.BatchSize, log.Named("journal"))
		spawn(journal.Run)
	}

	// Tick systems
	sess.Register(system.NewDispatchSystem(sess.Bus()))
	if watcher != nil {
		sess.Register(system.NewSceneSystem(sess, watcher.Updates()))
	}
	sess.Register(system.NewInputSystem(sess, queue, cfg.Ingest.MaxPayloadsPerTick, log.Named("input")))
	sess.Register(system.NewTimelineSystem(sess))
	sess.Register(system.NewTwinSystem(sess))
	sess.Register(system.NewDiagnosticsSystem(sess.Bus(), sess.Engine(), 5*time.Second, log.Named("twin")))
	sess.Register(system.NewOutputSystem(sess))
	if journal != nil {
		sess.Register(system.NewPersistenceSystem(sess, journal, log.Named("journal")))
	}

	// Producers
	printSection("ingest")
	if cfg.Timeline.Path != "" {
		tl, err := timeline.Load(cfg.Timeline.Path)
		if err != nil {
			return err
		}
		tl.Loop = tl.Loop || cfg.Timeline.Loop
		if cfg.Timeline.Autoplay {
			sess.Scheduler().Start(tl)
		}
		printOK(fmt.Sprintf("timeline %q (%d steps, autoplay=%t)", tl.Name, len(tl.Steps()), cfg.Timeline.Autoplay))
	}

	var api *httpapi.Server
	if cfg.HTTP.Enabled {
		api = httpapi.New(sess, queue, latest, cfg.HTTP.JWTSecret, log.Named("http"))
		go func() {
			if err := api.Listen(cfg.HTTP.BindAddress); err != nil {
				log.Error("http api stopped", zap.Error(err))
			}
		}()
		printReady(fmt.Sprintf("http api on %s", cfg.HTTP.BindAddress))
	}
	if cfg.WebSocket.Enabled {
		ws := wsclient.New(cfg.WebSocket.URL, cfg.WebSocket.ReconnectDelay, queue, log.Named("ws"))
		if cfg.WebSocket.Token != "" {
			ws.SetBearer(cfg.WebSocket.Token)
		}
		spawn(ws.Run)
		printReady(fmt.Sprintf("websocket upstream %s", cfg.WebSocket.URL))
	}
	if cfg.AMQP.Enabled {
		spawn(amqpsub.New(cfg.AMQP.URL, cfg.AMQP.Queue, cfg.AMQP.ReconnectDelay, queue, log.Named("amqp")).Run)
		printReady(fmt.Sprintf("amqp queue %s", cfg.AMQP.Queue))
	}
	if cfg.Simulator.Enabled {
		sim, err := scripting.NewSimulator(cfg.Simulator.Script, log.Named("sim"))
		if err != nil {
			return fmt.Errorf("simulator: %w", err)
		}
		defer sim.Close()
		spawn(func(ctx context.Context) {
			sim.Run(ctx, cfg.Simulator.Interval, queue, func() []string { return sess.Index().IDs() })
		})
		printReady(fmt.Sprintf("simulator %s every %s", cfg.Simulator.Script, cfg.Simulator.Interval))
	}

	// Tick loop
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	sess.Runner().SetBudget(cfg.Session.TickRate)
	ticker := time.NewTicker(cfg.Session.TickRate)
	defer ticker.Stop()

	printReady(fmt.Sprintf("tick loop running (tick: %s)", cfg.Session.TickRate))
	fmt.Println()

	for {
		select {
		case <-ticker.C:
			if !sess.Tick(cfg.Session.TickRate) {
				log.Debug("tick over budget", zap.Duration("took", sess.Runner().Last()))
			}
		case sig := <-shutdownCh:
			log.Info("shutdown signal received", zap.String("signal", sig.String()))
			if api != nil {
				if err := api.Shutdown(); err != nil {
					log.Warn("http shutdown", zap.Error(err))
				}
			}
			// Merge what is queued, then deliver the resulting events so the
			// journal sees them before the writer stops.
			sess.Settle(cfg.Session.TickRate, 4)
			cancel()
			wg.Wait()
			log.Info("stopped",
				zap.Uint64("ticks", sess.Runner().Ticks()),
				zap.Uint64("overruns", sess.Runner().Overruns()),
			)
			return nil
		}
	}
}

// newLogger builds the daemon logger. Every line carries the session name so
// several daemons can share one log sink.
func newLogger(cfg config.LoggingConfig, sessionName string) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Format != "json" {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	} else {
		zapCfg.EncoderConfig.TimeKey = "ts"
		zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.InitialFields = map[string]any{"session": sessionName}

	log, err := zapCfg.Build()
	if err != nil {
		return nil, err
	}
	return log.Named("twind"), nil
}
