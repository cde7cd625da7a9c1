package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"portale/app"
	credis "portale/client/redis"
	"portale/config"
	"portale/handlers"
	"portale/logging"
	"portale/metrics"
	"portale/registry"
	"portale/security"

	"github.com/redis/go-redis/v9"
)

// main is the entry point of the application.
// It loads the configuration, wires the gateway and starts one listener per entry point port.
func main() {
	// Define a flag for the configuration file path
	configFile := flag.String("f", "config.yaml", "path to the configuration file")
	flag.Parse()

	// A missing file is allowed: the gateway can be configured from the environment alone.
	file := *configFile
	if _, err := os.Stat(file); os.IsNotExist(err) {
		log.Printf("Configuration file %s not found, using environment only", file)
		file = ""
	}

	cfg, err := config.LoadConfiguration(file)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := logging.InitializeLogger(cfg.Logging.Level)

	if cfg.Metrics.Enabled {
		metrics.InitMetrics()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = credis.InitRedis(ctx, logger, cfg.Redis)
		if err != nil {
			log.Fatal("Failed to initialize Redis client: ", err)
		}
		defer redisClient.Close()
	}

	reg := registry.New(registry.FileSource(cfg.ServicesFile), logger)
	if err := reg.Load(); err != nil {
		// Serve with an empty registry until the file becomes valid.
		logger.Error("Initial service registry load failed", slog.Any("error", err))
	}
	if err := startWatcher(ctx, cfg, reg, logger); err != nil {
		log.Fatal("Failed to watch services file: ", err)
	}

	gw, err := app.NewGateway(cfg, reg, redisClient, logger)
	if err != nil {
		log.Fatal("Failed to build gateway: ", err)
	}
	if janitor, ok := gw.Limiter.(security.Janitor); ok {
		go janitor.Run(ctx)
	}

	if err := StartServers(ctx, gw); err != nil {
		log.Fatal(err)
	}
}

// startWatcher connects the configured file watcher to the registry.
func startWatcher(ctx context.Context, cfg *config.ProxyConfig, reg *registry.Registry, logger *slog.Logger) error {
	var watcher registry.Watcher
	switch cfg.Watch.Mode {
	case config.WatchNotify:
		w, err := registry.NewNotifyWatcher(cfg.ServicesFile, cfg.Watch.Debounce, logger)
		if err != nil {
			return err
		}
		watcher = w
	case config.WatchPoll:
		watcher = registry.NewPollWatcher(cfg.ServicesFile, cfg.Watch.Interval, logger)
	default:
		logger.Info("Services file hot reload disabled")
		return nil
	}

	events := make(chan struct{}, 1)
	go reg.Run(ctx, events)
	go func() {
		if err := watcher.Watch(ctx, events); err != nil {
			logger.Error("Services file watcher stopped", slog.Any("error", err))
		}
	}()
	return nil
}

// StartServers starts one HTTP server per distinct entry point port and blocks until ctx
// is cancelled, then shuts every server down gracefully.
//
// Parameters:
// - ctx: Cancelled on SIGINT or SIGTERM.
// - gw: The gateway serving every listener.
//
// Returns:
// - error: An error if the handler cannot be built or a listener fails to start.
func StartServers(ctx context.Context, gw *app.Gateway) error {
	handler, err := handlers.NewHandler(gw)
	if err != nil {
		return err
	}

	cfg := gw.Config
	ports, tlsPorts := cfg.ListenPorts()
	servers := make([]*http.Server, 0, len(ports))
	errs := make(chan error, len(ports))

	for _, port := range ports {
		port := port
		server := &http.Server{
			Addr:    ":" + strconv.Itoa(port),
			Handler: handler,
		}
		servers = append(servers, server)
		useTLS := tlsPorts[port]

		go func() {
			gw.Logger.Info(fmt.Sprintf("👉 Portale is ready on port: %d", port), slog.Bool("tls", useTLS))
			var err error
			if useTLS {
				err = server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
			} else {
				err = server.ListenAndServe()
			}
			if !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("server on port %d failed: %w", port, err)
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
		gw.Logger.Info("Shutting down servers gracefully...")
	case serveErr = <-errs:
		gw.Logger.Error("Server failed, shutting down", slog.Any("error", serveErr))
	}

	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, server := range servers {
		server := server
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Shutdown(shutdownCtx); err != nil {
				gw.Logger.Error("Server forced to shutdown", slog.String("addr", server.Addr), slog.Any("error", err))
			}
		}()
	}
	wg.Wait()

	gw.Logger.Info("All connections closed, exiting.")
	return serveErr
}
