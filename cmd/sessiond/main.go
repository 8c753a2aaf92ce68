// Command sessiond is the host process: it wires config, logging, the
// persistence store, the global event bus, the broadcast hub, the session
// registry and its REST+WebSocket surface together and serves them over
// one gin engine, the way the teacher's cmd/kandev assembles its unified
// binary.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/agentsession/internal/agentsession"
	"github.com/kandev/agentsession/internal/assets"
	"github.com/kandev/agentsession/internal/broadcast"
	"github.com/kandev/agentsession/internal/config"
	"github.com/kandev/agentsession/internal/environment"
	"github.com/kandev/agentsession/internal/eventbus/global"
	"github.com/kandev/agentsession/internal/logger"
	"github.com/kandev/agentsession/internal/persistence/sqlstore"
	"github.com/kandev/agentsession/internal/registry"
	"github.com/kandev/agentsession/internal/restapi"
)

func main() {
	cfg, err := config.Load(os.Getenv("AGENTSESSION_CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting agentsession host")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := sqlstore.New(ctx, cfg.Database)
	if err != nil {
		log.Fatal("failed to initialize persistence store", zap.Error(err))
	}
	defer store.Close()

	globalBus, err := global.New(cfg.NATS, log)
	if err != nil {
		log.Fatal("failed to initialize global event bus", zap.Error(err))
	}
	defer globalBus.Close()

	hub := broadcast.NewHub(log)
	go hub.Run(ctx)

	runnerBundle, err := assets.LoadBundle(os.Getenv("AGENTSESSION_RUNNER_ASSETS_DIR"))
	if err != nil {
		log.Fatal("failed to load runner assets", zap.Error(err))
	}
	adapterBundle, err := assets.LoadBundle(os.Getenv("AGENTSESSION_ADAPTER_ASSETS_DIR"))
	if err != nil {
		log.Fatal("failed to load adapter assets", zap.Error(err))
	}

	deps := agentsession.Deps{
		Adapter:       store,
		Hub:           hub,
		Logger:        log,
		DockerConfig:  cfg.Docker,
		SessionConfig: cfg.Session,
		Assets: agentsession.RunnerAssets{
			Runner:  runnerBundle,
			Adapter: adapterBundle,
		},
		PrimitiveFactory: func(ctx context.Context, sessionID string) (environment.Primitive, error) {
			return environment.NewDockerPrimitive(ctx, cfg.Docker, sessionID, log)
		},
	}

	reg := registry.New(store, deps, globalBus, log)

	router := gin.New()
	router.Use(gin.Recovery(), corsMiddleware())

	restapi.NewHandlers(reg, log).RegisterRoutes(router)
	broadcast.NewHandler(hub, log).RegisterRoutes(router)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "agentsession"})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	waitForShutdownSignal()
	runGracefulShutdown(server, cfg, log)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func waitForShutdownSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}

func runGracefulShutdown(server *http.Server, cfg *config.Config, log *logger.Logger) {
	log.Info("shutting down agentsession host")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Session.ShutdownDrainTimeout())
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
	log.Info("agentsession host stopped")
}
