package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/joho/godotenv"

	"sync_server/config"
	"sync_server/internal/bootstrap"
	"sync_server/pkg/logger"
)

const (
	shutdownTimeout = 30 * time.Second // Maximum time to wait for graceful shutdown
)

func main() {
	mode := flag.String("mode", "all", "Run mode: api, worker, tools, all")
	flag.Parse()

	// Load .env file if exists (for local development)
	envLoaded := godotenv.Load() == nil

	// Tools mode speaks its protocol on stdout, so logs go to stderr.
	logOutput := io.Writer(os.Stdout)
	if *mode == "tools" {
		logOutput = os.Stderr
	}
	logger.Init(logger.Config{
		Level:   logger.ParseLevel(os.Getenv("LOG_LEVEL")),
		Output:  logOutput,
		Service: "syncd",
	})
	if !envLoaded {
		logger.Debug("No .env file found, using environment variables")
	}

	switch *mode {
	case "api", "worker", "tools", "all":
	default:
		logger.Fatal("Unknown mode: %s (want api, worker, tools or all)", *mode)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config: %v", err)
	}

	deps, cleanup, err := bootstrap.NewDependencies(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize dependencies: %v", err)
	}
	defer cleanup()

	switch *mode {
	case "api":
		runAPI(cfg, deps)
	case "worker":
		runWorker(cfg, deps)
	case "tools":
		runTools(cfg, deps)
	case "all":
		runAll(cfg, deps)
	}
}

func runAPI(cfg *config.Config, deps *bootstrap.Dependencies) {
	app := bootstrap.NewAPI(cfg, deps)

	go func() {
		waitForSignal()
		logger.Info("Shutting down API server (timeout: %v)...", shutdownTimeout)
		shutdownAPI(app)
	}()

	listen(cfg, app)
}

func runWorker(cfg *config.Config, deps *bootstrap.Dependencies) {
	w := bootstrap.NewWorker(cfg, deps)

	go func() {
		waitForSignal()
		logger.Info("Shutting down worker (timeout: %v)...", shutdownTimeout)
		stopWorker(w)
	}()

	logger.Info("Starting worker...")
	w.Start()
}

func runTools(cfg *config.Config, deps *bootstrap.Dependencies) {
	srv := bootstrap.NewTools(cfg, deps)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("Tool server stopped: %v", err)
		os.Exit(1)
	}
}

// runAll shares one dependency graph between the worker and the API.
// The API listens in the foreground; shutdown drains the app first so
// no new triggers arrive while the worker finishes its jobs.
func runAll(cfg *config.Config, deps *bootstrap.Dependencies) {
	w := bootstrap.NewWorker(cfg, deps)
	go func() {
		logger.Info("Starting worker...")
		w.Start()
	}()

	app := bootstrap.NewAPI(cfg, deps)

	stopped := make(chan struct{})
	go func() {
		waitForSignal()
		logger.Info("Shutting down (timeout: %v)...", shutdownTimeout)
		shutdownAPI(app)
		stopWorker(w)
		close(stopped)
	}()

	listen(cfg, app)
	<-stopped
}

func listen(cfg *config.Config, app *fiber.App) {
	addr := ":" + cfg.Port
	logger.Info("Starting API server on %s", addr)
	if err := app.Listen(addr); err != nil {
		logger.Fatal("Failed to start server: %v", err)
	}
}

func waitForSignal() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
}

func shutdownAPI(app *fiber.App) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- app.Shutdown()
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.Error("Error shutting down: %v", err)
		} else {
			logger.Info("API server shut down gracefully")
		}
	case <-ctx.Done():
		logger.Warn("API shutdown timed out, forcing exit")
	}
}

func stopWorker(w *bootstrap.Worker) {
	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Worker shut down gracefully")
	case <-time.After(shutdownTimeout):
		logger.Warn("Worker shutdown timed out, forcing exit")
		os.Exit(1)
	}
}
