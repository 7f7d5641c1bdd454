package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/viper"

	"github.com/quadstr/quadstr/lib/config"
	"github.com/quadstr/quadstr/lib/eventstore"
	"github.com/quadstr/quadstr/lib/logging"
	"github.com/quadstr/quadstr/lib/relay"
	"github.com/quadstr/quadstr/lib/store"
	"github.com/quadstr/quadstr/lib/transports/websocket"
)

func main() {
	if err := config.InitConfig(); err != nil {
		logging.Fatalf("Failed to load config: %v", err)
	}

	if err := logging.InitLogger(); err != nil {
		logging.Fatalf("Failed to initialize logger: %v", err)
	}

	s, err := store.Open(viper.GetString("store.path"), store.Options{
		MmapSize: viper.GetInt("store.mmap_size"),
		NoSync:   viper.GetBool("store.no_sync"),
	})
	if err != nil {
		logging.Fatalf("Failed to open store: %v", err)
	}
	defer s.Close()

	events, err := eventstore.New(s)
	if err != nil {
		logging.Fatalf("Failed to open event store: %v", err)
	}
	logging.Infof("Event store opened, lastQuadID=%d", events.LastQuadID())

	r := relay.New(events, nil, relay.ConfigFromViper())
	r.Start()

	server := websocket.NewServer(r, events)
	app := server.BuildServer()

	go func() {
		if err := websocket.StartServer(app); err != nil {
			logging.Errorf("Web server stopped: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Infof("Received %v, shutting down", sig)
	case <-r.Done():
		if err := r.Err(); err != nil {
			logging.Errorf("Relay stopped: %v", err)
		}
	}

	if err := app.Shutdown(); err != nil {
		logging.Errorf("Web server shutdown: %v", err)
	}
	r.Stop()
}
