// Operator Autopilot keeps the console's event stream open, answers inbound
// events automatically and runs resumable broadcast campaigns.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"operator-autopilot/internal/api"
	"operator-autopilot/internal/broadcast"
	"operator-autopilot/internal/browser"
	"operator-autopilot/internal/config"
	"operator-autopilot/internal/control"
	"operator-autopilot/internal/dispatch"
	"operator-autopilot/internal/models"
	"operator-autopilot/internal/notify"
	"operator-autopilot/internal/policy"
	"operator-autopilot/internal/storage"
	"operator-autopilot/internal/stream"
)

// Version info
const (
	AppName    = "operator-autopilot"
	AppVersion = "1.0.0"
)

// Command line flags
var (
	configPath = flag.String("config", "./config/config.yaml", "Path to config file")
	logLevel   = flag.String("log-level", "", "Log level (debug, info, warn, error)")
	headless   = flag.Bool("headless", false, "Run the console browser in headless mode")
)

// App holds all application dependencies
type App struct {
	config *config.Config
	logger zerolog.Logger
	owner  string

	db            *storage.Database
	kv            *storage.KVStore
	locks         *storage.LockStore
	statsStore    *storage.StatsStore
	profileStore  *storage.ProfileStore
	notifications *notify.Center

	console    *browser.Console
	tokens     *browser.Resolver
	client     *api.Client
	dispatcher *dispatch.Dispatcher
	controller *stream.Controller
	runner     *broadcast.Runner
	bus        *control.Bus
}

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	command := args[0]
	if command == "help" {
		printUsage()
		return
	}

	app, err := NewApp()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize application")
	}
	defer app.Cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	app.setupSignalHandler(ctx, cancel)

	var cmdErr error
	switch command {
	case "monitor":
		cmdErr = app.cmdMonitor(ctx, false)
	case "serve":
		cmdErr = app.cmdMonitor(ctx, true)
	case "broadcast":
		cmdErr = app.cmdBroadcast(ctx, args[1:])
	case "broadcast-all":
		cmdErr = app.cmdBroadcastAll(ctx, args[1:])
	case "resume":
		cmdErr = app.cmdResume(ctx)
	case "status":
		cmdErr = app.cmdStatus(ctx)
	case "reset-stats":
		cmdErr = app.cmdResetStats(ctx)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		app.Cleanup()
		os.Exit(1)
	}

	if cmdErr != nil {
		app.logger.Error().Err(cmdErr).Msg("Command failed")
		app.Cleanup()
		os.Exit(1)
	}
}

// NewApp loads configuration, opens the store and wires every component
// that does not need the browser
func NewApp() (*App, error) {
	app := &App{owner: uuid.NewString()}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	app.config = cfg

	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *headless {
		cfg.Browser.Headless = true
	}

	app.setupLogging()
	app.logger.Info().Str("version", AppVersion).Msg("Starting application")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	db, err := storage.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	app.db = db

	app.kv = storage.NewKVStore(db)
	app.locks = storage.NewLockStore(db)
	app.statsStore = storage.NewStatsStore(db)
	app.profileStore = storage.NewProfileStore(db)
	app.notifications = notify.NewCenter(
		storage.NewNotificationStore(db, cfg.Notifications.HistoryLimit),
		app.kv,
		nil,
		app.logger,
	)

	app.wire(nil)

	app.logger.Info().Msg("Application initialized")
	return app, nil
}

// wire builds the token chain, API client and everything depending on them
func (app *App) wire(console api.TokenSource) {
	cfg := app.config

	app.tokens = browser.NewResolver(cfg.Token, console, app.kv, app.logger)
	app.client = api.NewClient(api.Options{
		BaseURL:    cfg.Site.APIURL,
		LicenseURL: cfg.Site.LicenseURL,
		LicenseKey: cfg.Site.LicenseKey,
		Timeout:    cfg.Site.HTTPTimeout,
	}, app.tokens, app.logger)

	executor := policy.NewExecutor(app.client, app.statsStore, cfg.AutoReply.PhotoDelay, app.logger)
	app.dispatcher = dispatch.New(cfg, dispatch.Deps{
		Notifier: app.notifications,
		Counters: app.statsStore,
		Locks:    app.locks,
		Profiles: app.profileStore,
		Keys:     app.kv,
		Mail:     app.client,
		Policy:   policy.New(app.logger),
		Sender:   executor,
	}, app.owner, app.logger)

	app.controller = stream.NewController(cfg, stream.Deps{
		Tokens:       app.tokens,
		Subscription: app.client,
		Leases:       app.locks,
		Flags:        app.kv,
		Handler:      app.dispatcher,
	}, app.logger)

	app.runner = broadcast.NewRunner(cfg.Broadcast, broadcast.Deps{
		API:      app.client,
		State:    app.kv,
		Locks:    app.locks,
		Counters: app.statsStore,
		Notifier: app.notifications,
		Profiles: app.profileStore,
	}, app.owner, app.logger)
}

// initBrowser opens the console and rewires the token chain through it
func (app *App) initBrowser(ctx context.Context) error {
	if app.console != nil || !app.config.Browser.Enabled {
		return nil
	}

	console, err := browser.Launch(ctx, app.config.Browser, app.config.Site.ConsoleURL,
		browser.NewCookieJar(app.kv, app.logger), app.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize browser: %w", err)
	}
	app.console = console
	app.wire(console)
	return nil
}

// newBus registers the control handlers; queues it starts run under ctx
func (app *App) newBus(ctx context.Context) *control.Bus {
	b := control.NewBus(app.logger)
	control.Register(ctx, b, control.Deps{
		Monitor:     app.controller,
		Broadcaster: app.runner,
		Configs:     app.profileStore,
		Stats:       app.statsStore,
		Notices:     app.notifications,
	})
	app.bus = b
	return b
}

// setupLogging configures the logger
func (app *App) setupLogging() {
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}

	level := zerolog.InfoLevel
	switch app.config.LogLevel {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	app.logger = zerolog.New(output).Level(level).With().Timestamp().Logger()
	log.Logger = app.logger
}

// setupSignalHandler cancels ctx on SIGINT/SIGTERM. SIGUSR1 tells the stream
// the operator is looking at it again.
func (app *App) setupSignalHandler(ctx context.Context, cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1)

	go func() {
		for {
			select {
			case <-ctx.Done():
				signal.Stop(sigChan)
				return
			case sig := <-sigChan:
				if sig == syscall.SIGUSR1 {
					app.logger.Info().Msg("Visibility signal received")
					if app.controller != nil {
						app.controller.OnVisible(ctx)
					}
					continue
				}
				app.logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
				cancel()
			}
		}
	}()
}

// Cleanup releases all resources
func (app *App) Cleanup() {
	if app.console != nil {
		if err := app.console.Close(); err != nil {
			app.logger.Warn().Err(err).Msg("Failed to close browser")
		}
		app.console = nil
	}

	if app.db != nil {
		app.logger.Info().Msg("Cleaning up resources")
		app.db.Close()
		app.db = nil
	}
}

// cmdMonitor runs the event stream until shutdown. serve adds the control
// API and resumes an interrupted broadcast.
func (app *App) cmdMonitor(ctx context.Context, serve bool) error {
	if err := app.config.ValidateForMonitor(); err != nil {
		return err
	}
	if err := app.initBrowser(ctx); err != nil {
		return err
	}
	if err := app.dispatcher.Load(ctx); err != nil {
		app.logger.Warn().Err(err).Msg("Failed to load recent event keys")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		app.controller.Start(gctx)
		return nil
	})

	probe, err := stream.NewProbe(app.config.Site.StreamURL, app.config.Stream.ProbeInterval, app.controller, app.logger)
	if err != nil {
		return fmt.Errorf("invalid stream url: %w", err)
	}
	g.Go(func() error {
		probe.Run(gctx)
		return nil
	})

	if app.console != nil {
		gone := app.console.Watch(gctx, app.config.Stream.HealthCheckInterval)
		g.Go(func() error {
			<-gone
			if gctx.Err() != nil {
				return nil
			}
			return browser.ErrHostGone
		})
	}

	if serve {
		app.serve(gctx, g)
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (app *App) serve(ctx context.Context, g *errgroup.Group) {
	b := app.newBus(ctx)

	srv := &http.Server{
		Addr:              app.config.Control.Listen,
		Handler:           control.Router(b, app.logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		app.logger.Info().Str("addr", srv.Addr).Msg("Control API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control API: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		results, resumed, err := app.runner.ResumeIfNeeded(ctx)
		if err != nil {
			app.logger.Warn().Err(err).Msg("Failed to resume broadcast")
			return nil
		}
		if resumed {
			res := <-results
			app.logResult(res)
		}
		return nil
	})
}

// cmdBroadcast runs the jobs listed in a YAML file
func (app *App) cmdBroadcast(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: %s broadcast <jobs.yaml>", AppName)
	}
	if err := app.config.ValidateForBroadcast(); err != nil {
		return err
	}

	jobs, err := broadcast.LoadJobs(args[0])
	if err != nil {
		return err
	}
	if err := app.initBrowser(ctx); err != nil {
		return err
	}

	results, err := app.runner.Start(ctx, jobs)
	if err != nil {
		return err
	}
	return app.waitResult(results)
}

// cmdBroadcastAll broadcasts every profile's configured text
func (app *App) cmdBroadcastAll(ctx context.Context, args []string) error {
	kind := models.JobChat
	if len(args) > 0 {
		k, err := models.ParseJobKind(args[0])
		if err != nil {
			return err
		}
		kind = k
	}
	if err := app.config.ValidateForBroadcast(); err != nil {
		return err
	}
	if err := app.initBrowser(ctx); err != nil {
		return err
	}

	results, err := app.runner.StartAll(ctx, kind)
	if err != nil {
		return err
	}
	return app.waitResult(results)
}

// cmdResume continues an interrupted broadcast
func (app *App) cmdResume(ctx context.Context) error {
	if err := app.config.ValidateForBroadcast(); err != nil {
		return err
	}
	if err := app.initBrowser(ctx); err != nil {
		return err
	}

	results, resumed, err := app.runner.ResumeIfNeeded(ctx)
	if err != nil {
		return err
	}
	if !resumed {
		fmt.Println("Nothing to resume")
		return nil
	}
	return app.waitResult(results)
}

func (app *App) waitResult(results <-chan models.QueueResult) error {
	res, ok := <-results
	if !ok {
		return errors.New("broadcast ended without a result")
	}
	app.logResult(res)

	fmt.Printf("\nBroadcast:\n")
	fmt.Printf("  Jobs:    %d\n", res.Jobs)
	fmt.Printf("  Sent:    %d\n", res.Sent)
	fmt.Printf("  Failed:  %d\n", res.Failed)
	for _, r := range res.Result {
		line := fmt.Sprintf("  - %s (%s): %d/%d sent", r.ExternalID, r.Kind, r.Sent, r.Targets)
		if r.Skipped {
			line += " skipped"
		}
		if r.Error != "" {
			line += ": " + r.Error
		}
		fmt.Println(line)
	}
	return res.Err
}

func (app *App) logResult(res models.QueueResult) {
	ev := app.logger.Info()
	if res.Err != nil {
		ev = app.logger.Warn().Err(res.Err)
	}
	ev.Int("jobs", res.Jobs).Int("sent", res.Sent).Int("failed", res.Failed).Msg("Broadcast finished")
}

// cmdStatus prints monitoring, session, stats and broadcast state
func (app *App) cmdStatus(ctx context.Context) error {
	report, err := control.Call[control.StatusReport](ctx, app.newBus(ctx), control.GetStatus{})
	if err != nil {
		return err
	}

	fmt.Println("\n========== Status ==========")

	fmt.Printf("\nMonitoring: %s\n", report.Monitoring)
	if lock, err := app.locks.Get(ctx, models.LockSocket); err == nil && lock != nil && lock.HeldAt(app.db.Now()) {
		fmt.Printf("  Stream held by: %s (until %s)\n", lock.Owner, lock.ExpiresAt.Format(time.RFC3339))
	}

	if st := report.Stats; st != nil {
		fmt.Printf("\nActivity:\n")
		fmt.Printf("  Views:        %d\n", st.IncomingViews)
		fmt.Printf("  Likes:        %d\n", st.IncomingLikes)
		fmt.Printf("  Winks:        %d\n", st.IncomingWinks)
		fmt.Printf("  Messages:     %d\n", st.IncomingMessages)
		fmt.Printf("  Letters:      %d\n", st.IncomingLetters)
		fmt.Printf("  Read mails:   %d\n", st.ReadMails)
		fmt.Printf("  Auto-replies: %d\n", st.OutgoingMessages)
		fmt.Printf("  Chat sends:   %d\n", st.SuccessfulChatSends)
	}

	q := report.Broadcast
	fmt.Printf("\nBroadcast:\n")
	switch q.Status {
	case models.QueueRunning:
		fmt.Printf("  Running: job %d of %d (%s)\n", q.Index+1, len(q.Queue), q.CurrentProfile)
	case models.QueueFinished:
		sent, failed := models.Totals(q.Results)
		fmt.Printf("  Finished: %d jobs, %d sent, %d failed\n", len(q.Queue), sent, failed)
		if q.Error != "" {
			fmt.Printf("  Error: %s\n", q.Error)
		}
	default:
		fmt.Printf("  Idle\n")
	}

	fmt.Println("\n============================")
	return nil
}

// cmdResetStats zeroes every counter
func (app *App) cmdResetStats(ctx context.Context) error {
	if _, err := control.Call[*models.Stats](ctx, app.newBus(ctx), control.ResetStats{}); err != nil {
		return err
	}
	fmt.Println("Stats reset")
	return nil
}

// printUsage prints usage information
func printUsage() {
	fmt.Println(`
Usage: operator-autopilot [options] <command>

Commands:
  monitor                 Hold the event stream and answer events automatically
  serve                   monitor plus the local control API; resumes broadcasts
  broadcast <jobs.yaml>   Run the broadcast jobs listed in a YAML file
  broadcast-all [kind]    Broadcast every profile's configured text (chat|letter)
  resume                  Continue an interrupted broadcast
  status                  Show monitoring, activity and broadcast status
  reset-stats             Zero all activity counters
  help                    Show this help message

Options:
  -config string    Path to config file (default "./config/config.yaml")
  -log-level string Log level: debug, info, warn, error
  -headless         Run the console browser in headless mode

Signals:
  SIGUSR1           Re-check the stream now (as when the console becomes visible)

Configuration:
  1. Copy .env.example to .env and set CONSOLE_TOKEN, API_URL and STREAM_URL,
     or enable the browser in config/config.yaml to read the token from the console
  2. Edit config/config.yaml to tune heartbeat, reconnect and broadcast settings`)
}
