// Package diabot provides a Discord bot for the diabetes community,
// converting blood glucose values between mmol/L and mg/dL, estimating
// A1c from average readings, and graphing recent Nightscout CGM data.
package diabot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	// WaitForResumeCheckInterval is the interval at which, when the bot
	// is paused, it checks to see if it's been resumed
	WaitForResumeCheckInterval = time.Second
)

var (
	// Version can be set at build time:
	// -ldflags "-X github.com/reddit-diabetes/diabot/diabot.Version=$$(date +'%Y%m%d')"
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"

	defaultLogWriter io.Writer = os.Stdout
)

// Diabot is the bot on the whole - discord connection, nightscout
// client, database, admin API, runtime state.
type Diabot struct {
	db      *gorm.DB
	writeDB DBI

	dbNotifier DBNotifier

	config *Config

	logger     *slog.Logger
	logHandler slog.Handler

	discord       *Discord
	nightscout    *Nightscout
	api           *API
	webhookServer *DiscordWebhookServer

	// sending to this channel triggers a graceful shutdown
	signalStop chan struct{}

	// receives a signal when Run has finished starting up
	signalReady chan struct{}

	// receives a signal when shutdown has completed
	eventShutdown chan struct{}

	// prevents concurrent calls to Run
	runMu sync.Mutex

	paused       atomic.Bool
	pendingSetup atomic.Bool
	startedAt    time.Time

	commandsInProgress atomic.Int64

	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler

	runtimeConfig *RuntimeConfig
	cfgMu         sync.RWMutex

	triggerRuntimeConfigRefreshCh chan bool
	triggerUserCacheRefreshCh     chan bool
	triggerUserUpdatedRefreshCh   chan string
}

func (d *Diabot) getLogger() *slog.Logger {
	if d.logger != nil {
		return d.logger
	}
	return slog.Default()
}

// RuntimeConfig returns a copy of the current runtime configuration
func (d *Diabot) RuntimeConfig() RuntimeConfig {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return *d.runtimeConfig
}

// New creates and initializes a new Diabot instance from the given
// configuration. It sets up logging, the Nightscout client, the
// Discord integration and the admin API. Any errors encountered are
// collected and returned as a single error.
//
// After calling New(), call Run() to start the bot.
func New(config *Config) (*Diabot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres'"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	d := &Diabot{
		config:                        config,
		signalReady:                   make(chan struct{}, 1),
		eventShutdown:                 make(chan struct{}, 1),
		triggerRuntimeConfigRefreshCh: make(chan bool, 1),
		triggerUserCacheRefreshCh:     make(chan bool, 1),
		triggerUserUpdatedRefreshCh:   make(chan string, 1),
	}

	d.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     d.config.LogLevel,
			AddSource: true,
		},
	)

	d.logger = slog.New(d.logHandler)
	slog.SetDefault(d.logger)

	d.nightscout = newNightscout(d.config.Nightscout, d.config.HTTPClient)
	d.nightscout.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     d.config.Nightscout.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "nightscout")

	d.config.Discord.httpClient = d.config.HTTPClient

	disc, err := newDiscord(d.config.Discord)
	if err != nil {
		errs = append(errs, err)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     d.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	disc.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     d.config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")

	d.discord = disc
	disc.bot = d

	api, err := newAPI(d, config.API)
	errs = append(errs, err)
	d.api = api

	return d, errors.Join(errs...)
}

func (d *Diabot) ValidateConfig() error {
	err := structValidator.Struct(d.config)
	if err != nil {
		return err
	}

	return nil
}

// RegisterSlashCommands registers the bot's slash commands with the
// Discord API, using the bulk overwrite endpoint.
func (d *Diabot) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return d.discord.registerCommands(d.RuntimeConfig(), options...)
}

// Run starts the main loop of the bot.
//
// This validates the configuration, initializes the database and
// runtime config, connects to Discord, and starts the background
// refreshers. It blocks until the given context is canceled or a stop
// signal is received, then shuts down gracefully.
func (d *Diabot) Run(ctx context.Context) error {
	// prevents concurrent runs
	d.runMu.Lock()
	defer d.runMu.Unlock()

	d.signalStop = make(chan struct{}, 1)

	d.startedAt = time.Now()
	logger := d.logger

	if err := d.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	notifier, err := newDBNotifier(d)
	if err != nil {
		logger.Error("error creating db notifier", tint.Err(err))
		return err
	}
	d.dbNotifier = notifier

	ctx = WithLogger(ctx, logger)

	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", d.config))
	if d.signalReady == nil {
		d.signalReady = make(chan struct{}, 1)
	}

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-d.signalStop:
			d.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			d.logger.Warn("context canceled, sending stop signal")
			d.signalStop <- struct{}{}
			return
		}
	}()

	go func() {
		httpErr := d.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			d.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	webhookCfg := d.config.Discord.WebhookServer
	if webhookCfg != nil && webhookCfg.Enabled {
		webhookServer, whErr := newWebhookServer(d, webhookCfg)
		if whErr != nil {
			logger.Error("error creating discord webhook server", tint.Err(whErr))
			return whErr
		}
		d.webhookServer = webhookServer
		go func() {
			whServeErr := webhookServer.Serve(ctx)
			if whServeErr != nil && !errors.Is(whServeErr, http.ErrServerClosed) {
				d.logger.ErrorContext(
					ctx,
					"error serving discord webhook HTTP",
					tint.Err(whServeErr),
				)
			}
		}()
	}

	startCtx, startCancel := context.WithTimeout(ctx, d.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- d.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			if d.api != nil && d.api.listener != nil {
				go func() {
					if e := d.api.listener.Close(); e != nil {
						logger.ErrorContext(ctx, "error closing listener", tint.Err(e))
					}
				}()
			}
			return err
		} else {
			logger.WarnContext(ctx, "init complete")
		}
	}

	if setupErr := d.waitOnSetup(ctx, logger, runtimeWG); setupErr != nil {
		return setupErr
	}

	if d.nightscout.requestLimiter == nil {
		d.nightscout.requestLimiter = rate.NewLimiter(
			rate.Limit(d.RuntimeConfig().NightscoutMaxRequestsPerSecond),
			1,
		)
	}

	runtimeCfg := d.RuntimeConfig()

	if !runtimeCfg.DiscordGatewayEnabled {
		logger.WarnContext(ctx, "discord gateway disabled")
	}

	if discErr := d.initDiscordSession(ctx, runtimeWG); discErr != nil {
		d.logger.ErrorContext(ctx, "error creating discord session", tint.Err(discErr))
		return discErr
	}

	if err := d.discordInit(ctx, runtimeCfg, logger); err != nil {
		return err
	}

	d.startRuntimeConfigRefresher(ctx, runtimeWG, logger)
	d.startUserCacheRefresher(ctx, runtimeWG)
	d.startUserUpdatedListener(ctx, runtimeWG)

	d.signalReady <- struct{}{}
	d.logger.InfoContext(ctx, "sent ready signal")

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if e := d.dbNotifier.Listen(ctx, d.dbNotifier.RuntimeConfigChannelName()); e != nil {
			d.logger.ErrorContext(ctx, "error listening to runtime config channel", tint.Err(e))
		}
	}()

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if e := d.dbNotifier.Listen(ctx, d.dbNotifier.UserCacheChannelName()); e != nil {
			d.logger.ErrorContext(ctx, "error listening to user cache channel", tint.Err(e))
		}
	}()

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if e := d.dbNotifier.Listen(ctx, d.dbNotifier.UserUpdateChannelName()); e != nil {
			d.logger.ErrorContext(ctx, "error listening to user update channel", tint.Err(e))
		}
	}()

	// block until something cancels the main runtime context - generally
	// from an interrupt, or the `/api/quit` endpoint
	stopCh := make(chan struct{}, 1)
	go func() {
		<-ctx.Done()
		stopCh <- struct{}{}
	}()
	<-stopCh

	// Commence shutdown
	return d.shutdown(ctx, runtimeWG)
}

func (d *Diabot) waitOnSetup(
	ctx context.Context,
	logger *slog.Logger,
	runtimeWG *sync.WaitGroup,
) error {
	if !d.pendingSetup.Load() {
		return nil
	}

	logger.WarnContext(
		ctx,
		fmt.Sprintf(
			"pending initial setup at: %s%s",
			d.api.listener.Addr().String(),
			apiAdminSetup,
		),
	)
	pendingStateCh := make(chan struct{}, 1)
	go func() {
		for ctx.Err() == nil {
			var runtimeState RuntimeConfig
			logger.InfoContext(ctx, "checking if runtime config exists yet")
			getRuntimeStateErr := d.db.Last(&runtimeState).Error
			if getRuntimeStateErr != nil {
				logger.ErrorContext(
					ctx,
					"error getting runtime state",
					tint.Err(getRuntimeStateErr),
				)
			}
			if runtimeState.AdminUsername != "" && runtimeState.AdminPassword != "" {
				pendingStateCh <- struct{}{}
				return
			}
			time.Sleep(5 * time.Second)
		}
	}()

	select {
	case <-ctx.Done():
		logger.WarnContext(ctx, "context cancelled waiting on setup, exiting")
		return d.shutdown(ctx, runtimeWG)
	case <-pendingStateCh:
		d.pendingSetup.Store(false)
	}

	return nil
}

// discordInit opens the discord websocket connection and registers commands,
// if the gateway is enabled
func (d *Diabot) discordInit(
	ctx context.Context,
	runtimeCfg RuntimeConfig,
	logger *slog.Logger,
) error {
	if !runtimeCfg.DiscordGatewayEnabled {
		return nil
	}
	d.logger.InfoContext(ctx, "connecting to discord")
	if err := d.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	if runtimeCfg.DiscordCustomStatus != "" && !d.paused.Load() {
		go func() {
			if statusErr := d.discord.session.UpdateCustomStatus(
				runtimeCfg.DiscordCustomStatus,
			); statusErr != nil {
				logger.Error("error updating discord status", tint.Err(statusErr))
			}
		}()
	}
	return nil
}

func (d *Diabot) startUserCacheRefresher(ctx context.Context, runtimeWG *sync.WaitGroup) {
	userCacheTTL := d.config.UserCacheTTL

	var lastRefresh time.Time

	if userCacheTTL > 0 {
		ticker := time.NewTicker(d.config.UserCacheTTL)
		defer ticker.Stop()

		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case d.triggerUserCacheRefreshCh <- false:
				//
				case <-time.After(15 * time.Second):
					d.logger.Info("timed out sending user cache refresh signal")
				}
			}
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				d.logger.Info("context canceled, stopping user cache refresher")
				return
			case forceRefresh := <-d.triggerUserCacheRefreshCh:
				if forceRefresh || lastRefresh.IsZero() {
					d.logger.Info("force-reloading cache")
					d.refreshUserCache(ctx)
					lastRefresh = time.Now()
					d.logger.Info("finished reloading")
				} else {
					elapsed := time.Since(lastRefresh)
					if elapsed > userCacheTTL {
						d.logger.Info("reloading cache")
						d.refreshUserCache(ctx)
						lastRefresh = time.Now()
						d.logger.Info("finished reloading")
					} else {
						d.logger.Info("recently refreshed, ignoring")
					}
				}
			}
		}
	}()
}

func (d *Diabot) startUserUpdatedListener(ctx context.Context, runtimeWG *sync.WaitGroup) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				d.logger.Info("context canceled, stopping user updated listener")
				return
			case userID := <-d.triggerUserUpdatedRefreshCh:
				if userID == "" {
					d.logger.Warn("empty user ID received, skipping refresh")
					continue
				}
				d.refreshUser(userID)
			}
		}
	}()
}

func (d *Diabot) refreshUser(userID string) {
	d.logger.Info("reloading user", "user_id", userID)
	_ = d.writeDB.ReloadUser(userID)
	d.logger.Info("reloaded user", "user_id", userID)
}

// startRuntimeConfigRefresher starts the cache refresher goroutine. This
// periodically refreshes [RuntimeConfig].
func (d *Diabot) startRuntimeConfigRefresher(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	logger *slog.Logger,
) {
	runtimeConfigTTL := d.config.RuntimeConfigTTL

	if runtimeConfigTTL > 0 {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			ticker := time.NewTicker(runtimeConfigTTL)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					select {
					case d.triggerRuntimeConfigRefreshCh <- false:
						logger.Info("sent cache refresh signal from ticker")
					case <-time.After(5 * time.Second):
						logger.Warn("timed out sending config refresh signal")
					}
				}
			}
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()

		for {
			select {
			case <-ctx.Done():
				return
			case forceRefresh := <-d.triggerRuntimeConfigRefreshCh:
				refreshCh := make(chan struct{}, 1)
				refreshCtx, refreshCancel := context.WithTimeout(ctx, 30*time.Second)
				go func() {
					d.refreshRuntimeConfig(refreshCtx, forceRefresh)
					refreshCh <- struct{}{}
				}()
				select {
				case <-refreshCh:
				//
				case <-refreshCtx.Done():
					d.logger.Warn("refresh runtime config timed out or interrupted")
				}
				refreshCancel()
			}
		}
	}()
}

func (d *Diabot) refreshRuntimeConfig(ctx context.Context, force bool) {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()

	runtimeConfigTTL := d.config.RuntimeConfigTTL
	rollbackConfig := d.runtimeConfig

	var refreshConfig RuntimeConfig
	if err := d.db.WithContext(ctx).Last(&refreshConfig).Error; err != nil {
		d.logger.Error("error getting runtime config", tint.Err(err))
		return
	}

	lastUpdated := time.Since(time.UnixMilli(refreshConfig.UpdatedAt))
	if force || lastUpdated > runtimeConfigTTL {
		d.logger.Info(
			fmt.Sprintf(
				"runtime config last updated: %s ago, refreshing",
				lastUpdated.String(),
			),
		)
		d.unsafeRefreshRuntimeConfig(rollbackConfig, &refreshConfig)
	} else {
		d.logger.Info("runtime config is up to date, skipping refresh")
	}
}

// unsafeRefreshRuntimeConfig refreshes the runtime configuration without
// locking the config mutex.
func (d *Diabot) unsafeRefreshRuntimeConfig(
	rollbackConfig *RuntimeConfig,
	existingConfig *RuntimeConfig,
) {
	d.logger.Info("refreshing runtime configuration")
	switch {
	case rollbackConfig.DiscordGatewayEnabled && !existingConfig.DiscordGatewayEnabled:
		if discErr := d.discord.session.Close(); discErr != nil {
			d.logger.Error("error closing discord connection", tint.Err(discErr))
		}
	case rollbackConfig.DiscordGatewayEnabled && existingConfig.DiscordGatewayEnabled:
		switch {
		case existingConfig.Paused:
			if !rollbackConfig.Paused {
				if discErr := d.discord.session.UpdateStatusComplex(
					discordgo.UpdateStatusData{
						AFK:    true,
						Status: string(discordgo.StatusDoNotDisturb),
					},
				); discErr != nil {
					d.logger.Error("error updating discord status", tint.Err(discErr))
				}
			}
		case existingConfig.DiscordCustomStatus != rollbackConfig.DiscordCustomStatus:
			if discErr := d.discord.session.UpdateCustomStatus(
				existingConfig.DiscordCustomStatus,
			); discErr != nil {
				d.logger.Error("error updating discord status", tint.Err(discErr))
			}
		}
	case existingConfig.DiscordGatewayEnabled:
		d.discord.session.SetIdentify(
			discordgo.Identify{
				Intents:  d.config.Discord.GatewayIntents,
				Presence: getDiscordPresenceStatusUpdate(*existingConfig),
			},
		)
		if discErr := d.discord.session.Open(); discErr != nil {
			d.logger.Error("error opening discord connection", tint.Err(discErr))
		}
	}

	d.runtimeConfig = existingConfig
	d.setRuntimeLevels(*existingConfig)

	d.logger.Info("refreshed runtime config")
}

func (d *Diabot) refreshUserCache(context.Context) {
	d.writeDB.UserCacheLock()
	defer d.writeDB.UserCacheUnlock()
	_ = d.writeDB.LoadUsers()
}

func (d *Diabot) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	d.logger.WarnContext(ctx, "shutting down")
	defer func() {
		if d.eventShutdown != nil {
			go func() {
				d.eventShutdown <- struct{}{}
			}()
		}
	}()
	shutdownStart := time.Now()
	shutdownTimeout := d.config.ShutdownTimeout
	if shutdownTimeout.Seconds() == 0 {
		d.logger.Warn("immediate shutdown")
		go func() {
			_ = d.api.httpServer.Close()
			if d.webhookServer != nil && d.webhookServer.httpServer != nil {
				_ = d.webhookServer.httpServer.Close()
			}
		}()
		return fmt.Errorf("shutdown did not complete in time")
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	shutdownAnnouncementInterval := 10 * time.Second

	announcementTicker := time.NewTicker(shutdownAnnouncementInterval)
	defer announcementTicker.Stop()

	d.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", d.config.ShutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownDeadline,
	)
	defer closeCancel()

	// Graceful shutdown - at least until closeCtx is closed
	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait() // wait for anything spawned by the main processes
		runtimeStopEnd := time.Now()
		d.logger.InfoContext(
			ctx,
			"finished handling in-flight requests",
			"shutdown_started", shutdownStart,
			"runtime_stopped", runtimeStopEnd,
			"runtime_stop_duration", runtimeStopEnd.Sub(shutdownStart),
		)
		stopWG := &sync.WaitGroup{}

		if d.api.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				d.logger.InfoContext(ctx, "stopping http server")
				_ = d.api.httpServer.Shutdown(closeCtx)
				d.logger.InfoContext(ctx, "http server stopped")
			}()
		}

		if d.webhookServer != nil && d.webhookServer.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				d.logger.InfoContext(ctx, "stopping discord webhook server")
				_ = d.webhookServer.httpServer.Shutdown(closeCtx)
				d.logger.InfoContext(ctx, "discord webhook server stopped")
			}()
		}

		if d.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				d.logger.InfoContext(ctx, "closing discord session")
				_ = d.discord.session.Close()
				d.logger.InfoContext(ctx, "discord session closed")
				if len(d.discord.discordgoRemoveHandlerFuncs) > 0 {
					d.logger.InfoContext(
						ctx,
						fmt.Sprintf(
							"removing %d discord handlers",
							len(d.discord.discordgoRemoveHandlerFuncs),
						),
					)
					for _, h := range d.discord.discordgoRemoveHandlerFuncs {
						h()
					}
					d.logger.InfoContext(ctx, "finished removing handlers")
				}
			}()
		}

		// wait on the above, then send a signal that we're done
		go func() {
			d.logger.InfoContext(ctx, "waiting graceful shutdown")
			stopWG.Wait()
			gracefulShutdownCh <- struct{}{}
			d.logger.InfoContext(ctx, "stopped http/discord")
		}()
	}()

	// if we get a signal on gracefulShutdownCh, everything stopped and
	// cleaned up normally.
	// otherwise, burn it all down!
	for {
		select {
		case <-gracefulShutdownCh:
			closeCancel()
			shutdownEnded := time.Now()
			d.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_ended", shutdownEnded,
				"shutdown_duration", shutdownEnded.Sub(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			remaining := time.Until(shutdownDeadline)
			d.logger.Warn(
				fmt.Sprintf(
					"time until hard shutdown: %s",
					remaining.String(),
				),
			)
		case <-closeCtx.Done(): // timed out, enqueue closing stuff
			d.logger.Warn("graceful shutdown did not finish in time, forcing close")

			go func() {
				_ = d.api.httpServer.Close()
			}()

			return fmt.Errorf("shutdown did not complete in time")
		}
	}
}

// setRuntimeLevels sets the logging levels and request limits for various
// components based on the provided runtime configuration.
func (d *Diabot) setRuntimeLevels(state RuntimeConfig) {
	d.config.LogLevel.Set(state.LogLevel.Level())
	d.config.Nightscout.LogLevel.Set(state.NightscoutLogLevel.Level())
	d.config.Discord.LogLevel.Set(state.DiscordLogLevel.Level())
	d.config.API.LogLevel.Set(state.APILogLevel.Level())
	d.config.Discord.DiscordGoLogLevel.Set(state.DiscordGoLogLevel.Level())
	d.config.DatabaseLogLevel.Set(state.DatabaseLogLevel.Level())
	if d.nightscout.requestLimiter == nil {
		d.nightscout.requestLimiter = rate.NewLimiter(
			rate.Limit(state.NightscoutMaxRequestsPerSecond),
			1,
		)
	} else {
		d.nightscout.requestLimiter.SetLimit(
			rate.Limit(state.NightscoutMaxRequestsPerSecond),
		)
	}
}

func (d *Diabot) initRun(startCtx context.Context) error {
	d.logger.Debug("initializing DB...")
	if err := d.initDB(startCtx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	d.logger.Debug("finished initializing DB")

	// load or create the DB state config - this tells the bot whether
	// it should start in a 'paused' state (to avoid a potential scenario
	// where we want to keep it paused, but it crashes and restarts in
	// an active state)
	var botState RuntimeConfig

	getStateErr := d.db.Last(&botState).Error
	if getStateErr != nil {
		if errors.Is(getStateErr, gorm.ErrRecordNotFound) {
			d.pendingSetup.Store(true)
			botState = DefaultRuntimeConfig()

			if _, err := d.writeDB.Create(startCtx, &botState); err != nil {
				return fmt.Errorf("error creating config: %w", err)
			}
		} else {
			return fmt.Errorf("error getting config: %w", getStateErr)
		}
	}
	if validationErr := structValidator.Struct(botState); validationErr != nil {
		return fmt.Errorf("invalid runtime config: %w", validationErr)
	}

	if botState.AdminUsername == "" || botState.AdminPassword == "" {
		d.pendingSetup.Store(true)
	}
	d.paused.Store(botState.Paused)
	d.setRuntimeLevels(botState)
	d.runtimeConfig = &botState

	return nil
}

func (d *Diabot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := d.logger.With(loggerNameKey, "discord_session")

	if d.discord.session == nil {
		disc, discErr := d.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		d.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	if len(d.discord.discordgoRemoveHandlerFuncs) > 0 {
		for _, h := range d.discord.discordgoRemoveHandlerFuncs {
			h()
		}
	}

	identify := discordgo.Identify{Intents: d.config.Discord.GatewayIntents}
	if d.paused.Load() {
		identify.Presence = discordgo.GatewayStatusUpdate{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	} else {
		identify.Presence = discordgo.GatewayStatusUpdate{
			Status: d.RuntimeConfig().DiscordCustomStatus,
		}
	}
	d.discord.session.SetIdentify(identify)

	d.discord.discordgoRemoveHandlerFuncs = []func(){
		d.discord.session.AddHandler(d.discord.handlerConnect()),
		d.discord.session.AddHandler(d.discord.handlerDisconnect()),
		d.discord.session.AddHandler(d.discord.handlerReady()),
		d.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				i *discordgo.InteractionCreate,
			) {
				handler := d.getInteractionHandlerFunc(ctx, i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					d.handleInteraction(ctx, handler)
				}()
			},
		),
	}

	if d.getInteractionHandlerFunc == nil {
		d.getInteractionHandlerFunc = func(
			rctx context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			handler := GatewayHandler{
				session:     d.discord.session,
				interaction: i,
				config:      d.RuntimeConfig().CommandOptions,
				mu:          &sync.RWMutex{},
				logger: d.logger.With(
					slog.Group(
						"interaction",
						interactionLogAttrs(*i)...,
					),
				),
			}
			return handler
		}
	}
	return nil
}

// Pause 'pauses' the bot. While paused, incoming slash commands are
// recorded but not executed.
func (d *Diabot) Pause(ctx context.Context) bool {
	prev := d.paused.Swap(true)
	if prev {
		return false
	}

	if err := d.discord.updateStatusComplex(
		discordgo.UpdateStatusData{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		},
	); err != nil {
		d.logger.ErrorContext(ctx, "unable to update afk status", tint.Err(err))
	}
	if !d.runtimeConfig.Paused {
		if _, err := d.writeDB.Update(
			ctx,
			d.runtimeConfig,
			columnRuntimeConfigPaused,
			true,
		); err != nil {
			d.logger.ErrorContext(ctx, "unable to set paused in db", tint.Err(err))
		}
	}
	return true
}

// Resume resumes command processing. It returns a bool indicating whether
// the bot was paused at the time the function was called.
func (d *Diabot) Resume(ctx context.Context) bool {
	prev := d.paused.Swap(false)
	if !prev {
		d.logger.Warn("bot not paused")
		return false
	}
	d.logger.InfoContext(ctx, "bot resumed")

	if err := d.discord.updateCustomStatus(d.runtimeConfig.DiscordCustomStatus); err != nil {
		d.logger.ErrorContext(ctx, "unable to update online status", tint.Err(err))
	}

	if d.runtimeConfig.Paused {
		if _, err := d.writeDB.Update(
			ctx, d.runtimeConfig, columnRuntimeConfigPaused, false,
		); err != nil {
			d.logger.ErrorContext(ctx, "unable to set resumed in db", tint.Err(err))
		}
	}

	return true
}

// GetOrCreateUser will retrieve an existing (cached) User to return,
// or will create a new User record if one doesn't already exist for
// the given user's ID.
func (d *Diabot) GetOrCreateUser(
	ctx context.Context, u discordgo.User,
) (user *User, isNew bool, err error) {
	user, isNew, err = d.writeDB.GetOrCreateUser(ctx, d, u)
	if isNew {
		go d.discordNotifyNewUserSeen(ctx, user.Username, user.GlobalName, user.ID)
	}
	return user, isNew, err
}

func (d *Diabot) discordNotifyNewUserSeen(
	ctx context.Context,
	username string,
	globalName string,
	userID string,
) {
	log, ok := ContextLogger(ctx)
	if !ok || log == nil {
		log = d.logger
	}
	log = log.With(
		slog.Group(
			"new_user",
			"id", userID,
			"username", username,
			"global_name", globalName,
		),
	)
	log.Info("saw new user!")
	channelID := d.RuntimeConfig().DiscordNotificationChannelID
	if channelID == "" {
		log.Debug("no channel id set, not notifying of new user")
		return
	}
	if sendErr := d.discord.channelMessageSend(
		channelID,
		fmt.Sprintf(
			"**New user seen!** GlobalName: `%s` Username: `%s` UserID: `%s`",
			globalName,
			username,
			userID,
		),
		discordgo.WithContext(ctx),
		discordgo.WithRetryOnRatelimit(false),
	); sendErr != nil {
		log.Error("error sending new user notification", tint.Err(sendErr))
	}
}

// initDB initializes the database connection, sets up the GORM logger,
// and runs migrations.
func (d *Diabot) initDB(ctx context.Context) error {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = d.logger
	}

	handler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     d.config.DatabaseLogLevel,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, d.config.DatabaseSlowThreshold)
	db, err := getDB(d.config.DatabaseType, d.config.Database, gormLogger)

	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}

	d.db = db

	d.writeDB = NewDatabase(db, nil, d.config.DatabaseType == dbTypePostgres)

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}

	if d.config.DatabaseType == dbTypeSQLite {
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		if sqliteExecPragma != nil {
			pragmaErrors := make([]error, 0, len(sqliteExecPragma))
			for _, p := range sqliteExecPragma {
				pragmaErrors = append(
					pragmaErrors,
					db.WithContext(ctx).Exec(p).Error,
				)
			}
			pragmaErr := errors.Join(pragmaErrors...)
			if pragmaErr != nil {
				return pragmaErr
			}
		}
	}

	logger.Debug("migrating database...")
	txn := db.WithContext(ctx).Begin()

	mg := txn.Migrator()
	err = mg.AutoMigrate(
		&User{},
		&GuildSettings{},
		&AdminChannel{},
		&CommandLog{},
		&RuntimeConfig{},
		&InteractionLog{},
	)
	if err != nil {
		logger.Error("error migrating database", tint.Err(err))
		return fmt.Errorf("error migrating database: %w", err)
	}
	logger.Debug("finished migrating database")

	commitErr := txn.Commit().Error
	if commitErr != nil {
		return fmt.Errorf("error committing transaction: %w", commitErr)
	}
	_ = d.writeDB.LoadUsers()
	return nil
}

// DiscordStatus represents metrics related to Discord interactions.
type DiscordStatus struct {
	Connects    int64 `json:"connects"`
	Disconnects int64 `json:"disconnects"`
}

// NightscoutAPIStatus represents metrics related to Nightscout API usage.
type NightscoutAPIStatus struct {
	EntriesRequests int64 `json:"entries_requests"`
	StatusRequests  int64 `json:"status_requests"`
}

// handleRecover handles the recovery from a panic in a goroutine. This is
// intended to be used when executing slash commands, and should only
// be used when [RuntimeConfig.RecoverPanic] is enabled.
func (*Diabot) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	if nerr, ok := rc.(error); ok {
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(nerr),
			"stack_trace", stackTrace,
		)
		return
	}
	if nerr, ok := rc.(string); ok {
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(nerr)),
			"stack_trace", stackTrace,
		)
		return
	}
	logger.ErrorContext(
		ctx,
		"recovered from panic",
		"panic_arg", rc,
		"stack_trace", stackTrace,
	)
}

// InteractionHandler defines the interface for handling Discord
// interactions. It provides methods for responding to interactions,
// retrieving responses, editing messages, and managing interaction
// lifecycle.
type InteractionHandler interface {
	// Respond sends an initial response to a Discord interaction.
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// GetResponse retrieves the current response for an interaction.
	GetResponse(ctx context.Context) (*discordgo.Message, error)

	// Edit modifies an existing interaction response.
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// Delete removes an interaction response.
	Delete(ctx context.Context, opts ...discordgo.RequestOption)

	// GetInteraction returns the original InteractionCreate event.
	GetInteraction() *discordgo.InteractionCreate

	// InteractionReceiveMethod returns the method used to receive the
	// interaction.
	InteractionReceiveMethod() DiscordInteractionReceiveMethod

	// Logger returns the logger associated with this handler.
	Logger() *slog.Logger

	// Config returns the command options for this handler.
	Config() CommandOptions
}

// GatewayHandler implements [InteractionHandler] when receiving interactions
// via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
	config      CommandOptions
	mu          *sync.RWMutex
}

func (GatewayHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodGateway
}

func (w GatewayHandler) Config() CommandOptions {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(w.interaction.Interaction, response)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "responded to interaction")
	}
	return err
}

func (w GatewayHandler) GetResponse(ctx context.Context) (
	*discordgo.Message,
	error,
) {
	msg, err := w.session.InteractionResponse(
		w.interaction.Interaction,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error getting interaction", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "got interaction response", "message", msg)
	}
	return msg, err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Edit(
	ctx context.Context,
	wh *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := w.session.InteractionResponseEdit(
		w.interaction.Interaction,
		wh,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "edited interaction")
	}
	return msg, err
}

func (w GatewayHandler) Delete(ctx context.Context, opts ...discordgo.RequestOption) {
	err := w.session.InteractionResponseDelete(
		w.interaction.Interaction,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error deleting interaction response", tint.Err(err))
	}
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}

// handleInteraction processes incoming Discord interactions.
//
// Ping interactions get a pong. Application commands are acknowledged,
// recorded as a [CommandLog], and dispatched to the matching command
// handler. Commands from ignored users, or received while the bot is
// paused, are recorded but not executed.
func (d *Diabot) handleInteraction(
	ctx context.Context,
	handler InteractionHandler,
) {
	interaction := handler.GetInteraction()
	logger := handler.Logger()

	i := handler.GetInteraction()
	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(
			ctx,
			"no user found in interaction",
			"interaction", structToSlogValue(i),
		)
		return
	}

	logger = logger.With(slog.Group("interaction", interactionLogAttrs(*i)...))
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received new interaction", "user", structToSlogValue(discordUser))

	interactionLog, err := newInteractionLog(i, discordUser, handler)
	if err != nil {
		logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
	}

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, createErr := d.writeDB.Create(ctx, interactionLog); createErr != nil {
			logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
		}
	}()

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring", "user", discordUser)
		return
	}

	switch interaction.Type {
	case discordgo.InteractionPing:
		_ = handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponsePong,
			},
		)
	case discordgo.InteractionApplicationCommand:
		commandName := i.ApplicationCommandData().Name

		u, _, e := d.GetOrCreateUser(ctx, *discordUser)

		if e != nil {
			logger.ErrorContext(ctx, "error getting user", tint.Err(e))

			wg.Add(1)
			go func() {
				defer wg.Done()
				handler.Delete(ctx)
			}()

			return
		}

		logger = logger.With(slog.Group("user", userLogAttrs(*u)...))
		ctx = WithLogger(ctx, logger)

		// ignore any interactions from ignored users, or anyone
		// while the bot is paused
		if u.Ignored || d.paused.Load() {
			wg.Add(1)
			go func() {
				defer wg.Done()
				d.handleIgnoredUserCommand(ctx, handler, u, i)
			}()

			return
		}

		if ackErr := handler.Respond(ctx, d.discord.ackResponse(commandName)); ackErr != nil {
			logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(ackErr))
			return
		}

		cmd := NewCommandLog(i, u, commandName, handler.InteractionReceiveMethod())
		cmd.Acknowledged = true
		if _, createErr := d.writeDB.Create(ctx, cmd); createErr != nil {
			logger.ErrorContext(ctx, "error saving command record", tint.Err(createErr))
			return
		}

		logger = logger.With(slog.Group("command", "id", cmd.ID, "name", commandName))
		ctx = WithLogger(ctx, logger)

		d.commandsInProgress.Add(1)
		defer d.commandsInProgress.Add(-1)

		opts := handler.Config()
		if opts.RecoverPanic {
			defer func() {
				if rc := recover(); rc != nil {
					d.handleRecover(ctx, rc)
					d.finalizeCommand(
						ctx,
						handler,
						cmd,
						CommandStateFailed,
						opts.DiscordErrorMessage,
						fmt.Errorf("panic: %v", rc),
					)
				}
			}()
		}

		switch commandName {
		case DiscordSlashCommandConvert:
			d.runConvertCommand(ctx, handler, u, cmd)
		case DiscordSlashCommandEstimate:
			d.runEstimateCommand(ctx, handler, u, cmd)
		case DiscordSlashCommandGraph:
			d.runGraphCommand(ctx, handler, u, cmd)
		case DiscordSlashCommandNightscout:
			d.runNightscoutCommand(ctx, handler, u, cmd)
		case DiscordSlashCommandAdmin:
			d.runAdminCommand(ctx, handler, u, cmd)
		default:
			logger.WarnContext(ctx, "unknown command", "command_name", commandName)
			d.finalizeCommand(
				ctx,
				handler,
				cmd,
				CommandStateFailed,
				opts.DiscordErrorMessage,
				fmt.Errorf("unknown command: %s", commandName),
			)
		}
	}
}

// finalizeCommand records the command's final state and sends (or edits
// in) the final response content.
func (d *Diabot) finalizeCommand(
	ctx context.Context,
	handler InteractionHandler,
	cmd *CommandLog,
	state CommandState,
	response string,
	cmdErr error,
) {
	logger := handler.Logger()
	if cmdErr != nil {
		logger.ErrorContext(ctx, "command failed", tint.Err(cmdErr))
	}

	updates := cmd.finalize(state, response, cmdErr)
	if _, updErr := d.writeDB.Updates(ctx, cmd, updates); updErr != nil {
		logger.ErrorContext(ctx, "error updating command record", tint.Err(updErr))
	}

	if response == "" {
		return
	}
	content := truncate(response, discordMaxMessageLength)
	if _, editErr := handler.Edit(
		ctx,
		&discordgo.WebhookEdit{Content: &content},
	); editErr != nil {
		logger.ErrorContext(ctx, "error editing interaction response", tint.Err(editErr))
	}
}

// handleIgnoredUserCommand records commands from users who are marked
// as ignored, or commands received while the bot is paused, without
// executing them.
func (d *Diabot) handleIgnoredUserCommand(
	ctx context.Context,
	handler InteractionHandler,
	u *User,
	i *discordgo.InteractionCreate,
) {
	logger := handler.Logger()
	commandName := i.ApplicationCommandData().Name
	logger.InfoContext(
		ctx,
		"handling ignored user interaction",
		"command_name", commandName,
	)
	cmd := NewCommandLog(i, u, commandName, handler.InteractionReceiveMethod())
	cmd.State = CommandStateIgnored
	if _, e := d.writeDB.Create(ctx, cmd); e != nil {
		logger.ErrorContext(ctx, "error saving command record", tint.Err(e))
	} else {
		logger.InfoContext(
			ctx,
			"created new (ignored) command record",
			"command", cmd,
		)
	}
}
