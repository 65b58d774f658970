package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nostrhive/nostrhive/lib/config"
	"github.com/nostrhive/nostrhive/lib/logging"
	"github.com/nostrhive/nostrhive/lib/policy"
	"github.com/nostrhive/nostrhive/lib/relays"
	"github.com/nostrhive/nostrhive/lib/stores/sqlite"
	"github.com/nostrhive/nostrhive/lib/transports/websocket"
	"github.com/nostrhive/nostrhive/lib/web"
)

func main() {
	if err := config.InitConfig(); err != nil {
		logging.Fatalf("Failed to initialize config: %v", err)
	}
	cfg := config.GetConfig()

	if err := logging.InitLogger(); err != nil {
		logging.Fatalf("Failed to initialize logger: %v", err)
	}
	logging.Info("Starting nostrhive relay server")

	if dir := filepath.Dir(cfg.Database.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logging.Fatalf("Failed to create data directory %s: %v", dir, err)
		}
	}

	store, err := sqlite.InitStore(cfg.Database.Path)
	if err != nil {
		logging.Fatalf("Failed to open event store at %s: %v", cfg.Database.Path, err)
	}

	registry, err := relays.NewRegistry(store)
	if err != nil {
		logging.Fatalf("Failed to load relay registry: %v", err)
	}
	enforcer := policy.NewEnforcer(store)

	app := websocket.BuildServer(store, registry, enforcer)
	web.RegisterRoutes(app, registry)

	go func() {
		if err := websocket.StartServer(app); err != nil {
			logging.Fatalf("Server stopped: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logging.Info("Shutting down")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logging.Errorf("Shutdown error: %v", err)
	}
}
