package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/DreaminaPoolProxy/internal/auth"
	"github.com/router-for-me/DreaminaPoolProxy/internal/config"
	"github.com/router-for-me/DreaminaPoolProxy/internal/credit"
	"github.com/router-for-me/DreaminaPoolProxy/internal/db"
	"github.com/router-for-me/DreaminaPoolProxy/internal/http/api/admin"
	handlers "github.com/router-for-me/DreaminaPoolProxy/internal/http/api/admin/handlers"
	"github.com/router-for-me/DreaminaPoolProxy/internal/lifecycle"
	"github.com/router-for-me/DreaminaPoolProxy/internal/metrics"
	"github.com/router-for-me/DreaminaPoolProxy/internal/proxy"
	"github.com/router-for-me/DreaminaPoolProxy/internal/reconcile"
	"github.com/router-for-me/DreaminaPoolProxy/internal/register"
	"github.com/router-for-me/DreaminaPoolProxy/internal/rotation"
	internalsettings "github.com/router-for-me/DreaminaPoolProxy/internal/settings"
	"github.com/router-for-me/DreaminaPoolProxy/internal/store"
	"github.com/router-for-me/DreaminaPoolProxy/internal/watcher"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const shutdownTimeout = 15 * time.Second

// ConfigureLogging applies the log level and the text formatter.
func ConfigureLogging(level string) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	parsed, errParse := log.ParseLevel(strings.TrimSpace(level))
	if errParse != nil {
		log.Warnf("unknown log level %q, using info", level)
		parsed = log.InfoLevel
	}
	log.SetLevel(parsed)
}

// Migrate opens the database, runs migrations and seeds missing settings.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	fileCfg, err := config.Load(config.ResolveConfigPath(cfg.ConfigPath))
	if err != nil {
		return err
	}
	conn, err := db.Open(fileCfg.DatabaseDSN)
	if err != nil {
		return err
	}
	if errMigrate := db.Migrate(conn.WithContext(ctx)); errMigrate != nil {
		return errMigrate
	}
	return db.EnsureSettings(conn.WithContext(ctx), fileCfg.Settings)
}

// corsMiddleware allows browser callers from any origin and answers preflight
// requests before authentication.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			origin = "*"
		} else {
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		allowHeaders := c.GetHeader("Access-Control-Request-Headers")
		if allowHeaders == "" {
			allowHeaders = "Origin, Content-Type, Accept, Authorization"
		}
		c.Header("Access-Control-Allow-Headers", allowHeaders)
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// EngineDeps holds the components served over HTTP.
type EngineDeps struct {
	DB        *gorm.DB
	Accounts  store.AccountStore
	Picker    proxy.Picker
	Effects   proxy.Effects
	Registrar handlers.AccountRegistrar
	Settings  *internalsettings.Holder
	Metrics   *metrics.Metrics
}

// NewEngine builds the gin engine with the proxy and admin surfaces.
func NewEngine(deps EngineDeps) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())

	admin.RegisterAdminRoutes(engine, admin.Dependencies{
		DB:        deps.DB,
		Accounts:  deps.Accounts,
		Registrar: deps.Registrar,
		Settings:  deps.Settings,
		Metrics:   deps.Metrics,
	})
	proxy.NewForwarder(deps.Picker, deps.Effects, deps.Settings, nil, deps.Metrics).Register(engine)
	return engine
}

// RunServer boots the pool proxy and blocks until ctx is cancelled or the
// listener fails.
func RunServer(ctx context.Context, cfg config.AppConfig) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	fileCfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Port > 0 {
		fileCfg.Port = cfg.Port
	}
	ConfigureLogging(fileCfg.LogLevel)

	conn, err := db.Open(fileCfg.DatabaseDSN)
	if err != nil {
		return err
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}
	if errSeed := db.EnsureSettings(conn, fileCfg.Settings); errSeed != nil {
		return errSeed
	}
	snapshot, err := watcher.LoadSettings(ctx, conn)
	if err != nil {
		return err
	}
	holder := internalsettings.NewHolder(snapshot)
	promMetrics := metrics.New()

	accounts := store.NewGormAccountStore(conn)
	rotationMgr := rotation.NewManager(rotation.Config{
		RedisEnabled:  fileCfg.Rotation.Redis.Enabled,
		RedisAddr:     fileCfg.Rotation.Redis.Addr,
		RedisPassword: fileCfg.Rotation.Redis.Password,
		RedisDB:       fileCfg.Rotation.Redis.DB,
		RedisPrefix:   fileCfg.Rotation.Redis.Prefix,
	}, nil, nil)
	selector := auth.NewSelector(accounts, holder, rotationMgr)

	creditClient := credit.NewClient(credit.Config{
		Endpoints:       fileCfg.Credit.Endpoints,
		DefaultEndpoint: fileCfg.Credit.DefaultEndpoint,
		RatePerSecond:   fileCfg.Credit.RatePerSecond,
		Burst:           fileCfg.Credit.Burst,
		Timeout:         fileCfg.Credit.Timeout,
	}, nil)

	queue := lifecycle.NewQueue(fileCfg.Lifecycle.QueueSize, fileCfg.Lifecycle.Workers, promMetrics)
	queue.Start()
	updater := lifecycle.NewUpdater(accounts, creditClient, holder, queue)

	registrar := register.NewRegistrar(register.NewClient(holder, register.Options{
		PollInterval: fileCfg.Register.PollInterval,
		MaxAttempts:  fileCfg.Register.MaxAttempts,
	}), accounts, holder, promMetrics)

	scheduler := reconcile.NewScheduler(accounts, registrar, creditClient, holder, promMetrics, reconcile.Options{
		BatchDelay: fileCfg.Refresh.BatchDelay,
		State:      store.NewGormStateStore(conn),
	})
	settingsWatcher := watcher.NewSettingsWatcher(conn, holder)

	engine := NewEngine(EngineDeps{
		DB:        conn,
		Accounts:  accounts,
		Picker:    selector,
		Effects:   updater,
		Registrar: registrar,
		Settings:  holder,
		Metrics:   promMetrics,
	})
	server := &http.Server{
		Addr:              fileCfg.Addr(),
		Handler:           engine,
		ReadHeaderTimeout: 30 * time.Second,
	}

	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()
	settingsWatcher.Start(loopCtx)
	scheduler.Start(loopCtx)

	errServe := make(chan error, 1)
	go func() {
		log.Infof("pool proxy listening on %s (config=%s)", server.Addr, configPath)
		if errListen := server.ListenAndServe(); errListen != nil && !errors.Is(errListen, http.ErrServerClosed) {
			errServe <- errListen
		}
		close(errServe)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case errListen, ok := <-errServe:
		if ok {
			runErr = fmt.Errorf("http server: %w", errListen)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
		log.WithError(errShutdown).Warn("http server shutdown failed")
	}
	cancelLoops()
	settingsWatcher.Stop()
	scheduler.Wait()
	if errDrain := queue.Shutdown(shutdownCtx); errDrain != nil {
		log.WithError(errDrain).Warn("lifecycle queue did not drain")
	}
	if errClose := rotationMgr.Close(); errClose != nil {
		log.WithError(errClose).Warn("close rotation backend failed")
	}
	if sqlDB, errDB := conn.DB(); errDB == nil {
		if errClose := sqlDB.Close(); errClose != nil {
			log.WithError(errClose).Warn("close database failed")
		}
	}
	log.Info("pool proxy stopped")
	return runErr
}
