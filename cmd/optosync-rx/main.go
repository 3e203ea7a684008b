package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/shaunagostinho/optosync/internal/config"
	"github.com/shaunagostinho/optosync/internal/controller"
	"github.com/shaunagostinho/optosync/internal/ledconfig"
	"github.com/shaunagostinho/optosync/internal/output"
	"github.com/shaunagostinho/optosync/internal/receiver"
	"github.com/shaunagostinho/optosync/internal/telemetry"
	"github.com/shaunagostinho/optosync/internal/timing"
	"github.com/shaunagostinho/optosync/web"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "Path to config file")
	demo := flag.Bool("demo", false, "Drive in-memory outputs instead of GPIO")
	port := flag.String("port", "", "Override serial port (e.g. /dev/serial0)")
	listenAddr := flag.String("listen", "", "Enable telemetry on this address (e.g. :8090)")
	once := flag.Bool("once", false, "Run a single receive/trigger/run cycle and exit")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] optosync-rx starting")

	cfg := config.LoadConfig(*configPath)
	if *demo {
		cfg.Output.Backend = "demo"
	}
	if *port != "" {
		cfg.Link.PortPath = *port
	}
	if *listenAddr != "" {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.ListenAddr = *listenAddr
	}

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	ir, opto, err := output.New(cfg.OutputSettings())
	if err != nil {
		log.Fatalf("[main] %v", err)
	}
	log.Printf("[main] outputs: IR %s, Opto %s", ir.Name(), opto.Name())

	store := ledconfig.NewStore(cfg.Paths.LEDConfig)
	ctrlOpts := controller.Options{GateSettle: cfg.Snapshot().GateSettle}
	deps := receiver.Deps{Store: store}

	if cfg.RunLog.Enabled {
		runlog := timing.NewRunLog(cfg.RunLog)
		defer runlog.Close()
		deps.RunLog = runlog
	}

	if cfg.Telemetry.Enabled {
		srv := telemetry.New(cfg.Telemetry.ListenAddr, cfg, store, web.FS)
		ctrlOpts.Observer = srv.Event
		deps.Reporter = srv
		go func() {
			if err := srv.Run(ctx); err != nil {
				log.Printf("[main] telemetry exited: %v", err)
			}
		}()
	}

	deps.Controller = controller.New(ir, opto, ctrlOpts)
	rx := receiver.New(cfg, deps)

	if *once {
		if err := rx.RunOnce(ctx); err != nil {
			log.Printf("[main] cycle failed: %v", err)
			os.Exit(1)
		}
		return
	}

	if err := rx.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("[main] receiver exited: %v", err)
		os.Exit(1)
	}
	log.Println("[main] stopped")
}
