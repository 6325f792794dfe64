package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	_ "github.com/vnipet/device-auth/api/swagger"
	"github.com/vnipet/device-auth/internal/handler"
	"github.com/vnipet/device-auth/internal/middleware"
	"github.com/vnipet/device-auth/internal/models"
	"github.com/vnipet/device-auth/internal/repository"
	"github.com/vnipet/device-auth/internal/service"
	"github.com/vnipet/device-auth/pkg/cache"
	"github.com/vnipet/device-auth/pkg/config"
	"github.com/vnipet/device-auth/pkg/database"
	"github.com/vnipet/device-auth/pkg/logger"
	corsmiddleware "github.com/vnipet/device-auth/pkg/middleware/cors"
	reqidmiddleware "github.com/vnipet/device-auth/pkg/middleware/requestid"
)

// @title Vnipet Device Auth API
// @version 1.0.0
// @description Device-bound authentication and token lifecycle service
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if err := run(cfg, logr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}

func run(cfg *config.Config, logr *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
	} else {
		logr.Warn("redis disabled, login throttling is off")
	}

	metrics := service.NewMetricsService()
	validate := validator.New()

	deviceRepo := repository.NewDeviceRepository(db)
	tokenRepo := repository.NewRefreshTokenRepository(db)
	identityRepo := repository.NewIdentityRepository(db)
	attemptRepo := repository.NewLoginAttemptRepository(redisClient)

	tokens, err := service.NewTokenService(tokenRepo, service.NewTokenConfig(cfg.JWT, cfg.Refresh), logr, metrics)
	if err != nil {
		return fmt.Errorf("init token service: %w", err)
	}
	devices := service.NewDeviceService(deviceRepo, tokens, validate, logr, metrics, service.DeviceConfig{
		AllowedSignatures: map[models.Platform][]string{
			models.PlatformIOS:     cfg.Devices.IOSSignatures,
			models.PlatformAndroid: cfg.Devices.AndroidSignatures,
		},
		BiometricMinTrust: cfg.Devices.BiometricMinTrust,
		PushMinTrust:      cfg.Devices.PushMinTrust,
		TrustLogVerbose:   cfg.Devices.TrustLogVerbose,
		SessionWorkers:    cfg.Devices.SessionWorkers,
	})
	resolver := service.NewIdentityResolver(identityRepo)
	auth := service.NewAuthService(identityRepo, resolver, devices, tokens, attemptRepo, service.BcryptPasswords{}, validate, logr, metrics, service.AuthConfig{
		MaxLoginAttempts: cfg.Login.MaxAttempts,
		LockDuration:     cfg.Login.LockDuration,
	})
	exports := service.NewExportService(deviceRepo, logr)

	devices.StartSessionWorkers(ctx)
	defer devices.StopSessionWorkers()
	tokens.StartSweeper(ctx)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr, "/health", "/metrics"))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics))

	metricsHandler := handler.NewMetricsHandler(metrics, db)
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	gate := middleware.NewGate(tokens, resolver, metrics, logr)
	registerRoutes(r.Group(cfg.APIPrefix), gate,
		handler.NewAuthHandler(auth, devices),
		handler.NewDeviceHandler(devices),
		handler.NewAdminDeviceHandler(devices, exports),
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logr.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func registerRoutes(api *gin.RouterGroup, gate *middleware.Gate, auth *handler.AuthHandler, devices *handler.DeviceHandler, admin *handler.AdminDeviceHandler) {
	authGroup := api.Group("/auth")
	authGroup.POST("/register", auth.Register)
	authGroup.POST("/device-register", auth.RegisterDevice)
	authGroup.POST("/login", auth.Login)
	authGroup.POST("/refresh-token", auth.Refresh)
	authGroup.POST("/logout", auth.Logout)
	authGroup.GET("/me", gate.RequireAnyRole(), auth.Me)
	authGroup.POST("/revoke-all", gate.RequireAnyRole(), auth.RevokeAll)

	deviceGroup := api.Group("/devices", gate.RequireOwner())
	deviceGroup.GET("", devices.List)
	deviceGroup.POST("/activity", devices.RecordActivity)
	deviceGroup.POST("/push-destinations", devices.RegisterPushDestination)
	deviceGroup.DELETE("/push-destinations/:token", devices.RemovePushDestination)
	deviceGroup.PUT("/biometric", devices.SetBiometric)

	adminGroup := api.Group("/admin/devices", gate.RequireAdmin())
	adminGroup.GET("/export", admin.Export)
	adminGroup.GET("/:deviceId", admin.Get)
	adminGroup.POST("/:deviceId/deactivate", admin.Deactivate)
	adminGroup.POST("/:deviceId/reactivate", admin.Reactivate)
	adminGroup.PUT("/:deviceId/trust", admin.SetTrusted)
}
